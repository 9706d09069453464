package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DailyBar is the authoritative end-of-day OHLCV record for one instrument
// and trading day. Exactly one row may exist per (instrument, trade date).
type DailyBar struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	InstrumentID uint            `gorm:"uniqueIndex:idx_bar_instrument_date;not null" json:"instrument_id"`
	Instrument   Instrument      `gorm:"foreignKey:InstrumentID" json:"instrument,omitempty"`
	TradeDate    time.Time       `gorm:"uniqueIndex:idx_bar_instrument_date;not null" json:"trade_date"`
	Open         decimal.Decimal `gorm:"type:decimal(15,6)" json:"open"`
	High         decimal.Decimal `gorm:"type:decimal(15,6)" json:"high"`
	Low          decimal.Decimal `gorm:"type:decimal(15,6)" json:"low"`
	Close        decimal.Decimal `gorm:"type:decimal(15,6)" json:"close"`
	Volume       *int64          `json:"volume,omitempty"` // nil for sources that do not report volume
	Source       string          `json:"source"`           // provider the stored values came from
	QualityScore float64         `json:"quality_score"`    // 0.0 - 1.0
	Validated    bool            `json:"validated"`        // true when cross-validated within tolerance
	RetrievedAt  time.Time       `json:"retrieved_at"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// DerivedLevels holds the technical reference levels computed from DailyBar
// history. Recomputed whenever the bar for its date is stored, never edited
// by hand.
type DerivedLevels struct {
	ID           uint             `gorm:"primaryKey" json:"id"`
	InstrumentID uint             `gorm:"uniqueIndex:idx_levels_instrument_date;not null" json:"instrument_id"`
	Instrument   Instrument       `gorm:"foreignKey:InstrumentID" json:"instrument,omitempty"`
	TradeDate    time.Time        `gorm:"uniqueIndex:idx_levels_instrument_date;not null" json:"trade_date"`
	PrevOpen     decimal.Decimal  `gorm:"type:decimal(15,6)" json:"prev_open"`
	PrevHigh     decimal.Decimal  `gorm:"type:decimal(15,6)" json:"prev_high"`
	PrevLow      decimal.Decimal  `gorm:"type:decimal(15,6)" json:"prev_low"`
	PrevClose    decimal.Decimal  `gorm:"type:decimal(15,6)" json:"prev_close"`
	PrevRange    decimal.Decimal  `gorm:"type:decimal(15,6)" json:"prev_range"`
	ATR5         *decimal.Decimal `gorm:"type:decimal(15,6)" json:"atr_5,omitempty"`  // nil until 5 bars of history exist
	ATR20        *decimal.Decimal `gorm:"type:decimal(15,6)" json:"atr_20,omitempty"` // nil until 20 bars of history exist
	Change       decimal.Decimal  `gorm:"type:decimal(15,6)" json:"change"`
	ChangePct    decimal.Decimal  `gorm:"type:decimal(10,4)" json:"change_pct"`
	RoundAbove   decimal.Decimal  `gorm:"type:decimal(15,6)" json:"round_above"`
	RoundBelow   decimal.Decimal  `gorm:"type:decimal(15,6)" json:"round_below"`
	CalculatedAt time.Time        `json:"calculated_at"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}
