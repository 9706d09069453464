package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Instrument represents a tradable instrument (index or FX pair)
type Instrument struct {
	ID        uint              `gorm:"primaryKey" json:"id"`
	Symbol    string            `gorm:"uniqueIndex;not null" json:"symbol"` // canonical symbol, e.g. DAX, EURUSD
	Name      string            `json:"name"`
	Kind      string            `json:"kind"` // index, fx
	Active    bool              `gorm:"index" json:"active"`
	Timezone  string            `json:"timezone"`                             // IANA name, e.g. Europe/Berlin
	RoundStep decimal.Decimal   `gorm:"type:decimal(15,6)" json:"round_step"` // round-number grid, e.g. 100 for an index
	Mappings  []ProviderMapping `gorm:"foreignKey:InstrumentID" json:"mappings,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ProviderMapping maps an instrument to its provider-specific identifier
type ProviderMapping struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	InstrumentID uint      `gorm:"uniqueIndex:idx_instrument_provider" json:"instrument_id"`
	Provider     string    `gorm:"uniqueIndex:idx_instrument_provider" json:"provider"` // alphavantage, stooq
	Identifier   string    `gorm:"not null" json:"identifier"`
	CreatedAt    time.Time `json:"created_at"`
}

// MigrateMarketModels runs database migrations for market data models
func MigrateMarketModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&Instrument{},
		&ProviderMapping{},
		&DailyBar{},
		&DerivedLevels{},
		&RunLogEntry{},
	)
}
