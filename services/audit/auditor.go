package audit

import (
	"context"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/umi1970/TradeMatrix-sub001/models"
)

// Auditor records run log entries. Writes are append-only and best-effort:
// a failed write never aborts the pipeline, but it is always surfaced
// through the process log so an audit gap cannot masquerade as a clean run.
type Auditor struct {
	db     *gorm.DB
	mirror *MongoMirror // optional, nil when MONGODB_URI is not configured
}

// NewAuditor creates an auditor writing to the given database, optionally
// mirroring entries to MongoDB.
func NewAuditor(db *gorm.DB, mirror *MongoMirror) *Auditor {
	return &Auditor{db: db, mirror: mirror}
}

// Record appends one entry. Past entries are never mutated.
func (a *Auditor) Record(ctx context.Context, entry *models.RunLogEntry) {
	if err := a.db.WithContext(ctx).Create(entry).Error; err != nil {
		// Fallback path: the entry must stay visible to operators even
		// when the audit table is unreachable.
		log.WithFields(log.Fields{
			"run_id":     entry.RunID,
			"symbol":     entry.Symbol,
			"provider":   entry.Provider,
			"status":     entry.Status,
			"stage":      entry.Stage,
			"warnings":   entry.Warnings,
			"last_error": entry.ErrorMessage,
			"audit_err":  err.Error(),
		}).Error("Run log write failed, entry emitted to process log only")
	}

	if a.mirror != nil {
		a.mirror.Record(ctx, entry)
	}
}

// ListByRun returns all entries of one run, oldest first.
func (a *Auditor) ListByRun(ctx context.Context, runID string) ([]models.RunLogEntry, error) {
	var entries []models.RunLogEntry
	err := a.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id ASC").
		Find(&entries).Error
	return entries, err
}

// ListRecent returns the latest entries, newest first.
func (a *Auditor) ListRecent(ctx context.Context, limit int) ([]models.RunLogEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var entries []models.RunLogEntry
	err := a.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
