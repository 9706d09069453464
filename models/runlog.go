package models

import (
	"time"
)

// Run log statuses
const (
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
	RunStatusPartial = "partial"
	RunStatusSkipped = "skipped"
)

// RunLogEntry is one append-only audit record for an ingestion attempt.
// Provider-level entries describe a single fetch attempt chain; the
// aggregate entry (Provider empty) describes the instrument-level outcome.
// Rows are never updated after creation.
type RunLogEntry struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	RunID          string    `gorm:"index;not null" json:"run_id"` // uuid shared by all entries of one run
	InstrumentID   uint      `gorm:"index" json:"instrument_id"`
	Symbol         string    `json:"symbol"`
	Provider       string    `json:"provider"` // empty for the aggregate entry
	TradeDate      time.Time `json:"trade_date"`
	Status         string    `gorm:"index" json:"status"` // success, failed, partial, skipped
	Stage          string    `json:"stage"`               // pipeline stage the outcome belongs to
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	DurationMS     int64     `json:"duration_ms"`
	RecordsFetched int       `json:"records_fetched"`
	RecordsStored  int       `json:"records_stored"`
	RetryCount     int       `json:"retry_count"`
	CrossValidated bool      `json:"cross_validated"`
	Warnings       string    `json:"warnings"` // comma-joined quality warnings
	ErrorMessage   string    `json:"error_message"`
	CreatedAt      time.Time `json:"created_at"`
}
