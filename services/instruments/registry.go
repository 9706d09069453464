package instruments

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/umi1970/TradeMatrix-sub001/models"
)

// Registry is the read interface over the instrument tables. The pipeline
// never writes them; they are maintained outside the ingestion core.
type Registry struct {
	db *gorm.DB
}

// NewRegistry creates a registry on the given database handle.
func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

// GetActiveInstruments returns all instruments flagged active, with their
// provider mappings preloaded.
func (r *Registry) GetActiveInstruments(ctx context.Context) ([]models.Instrument, error) {
	var instruments []models.Instrument
	err := r.db.WithContext(ctx).
		Where("active = ?", true).
		Preload("Mappings").
		Order("symbol ASC").
		Find(&instruments).Error
	return instruments, err
}

// GetByIDs returns the instruments with the given IDs, mappings preloaded.
func (r *Registry) GetByIDs(ctx context.Context, ids []uint) ([]models.Instrument, error) {
	var instruments []models.Instrument
	err := r.db.WithContext(ctx).
		Where("id IN ?", ids).
		Preload("Mappings").
		Find(&instruments).Error
	return instruments, err
}

// GetBySymbol returns one instrument by canonical symbol, or nil.
func (r *Registry) GetBySymbol(ctx context.Context, symbol string) (*models.Instrument, error) {
	var instrument models.Instrument
	err := r.db.WithContext(ctx).
		Where("symbol = ?", symbol).
		Preload("Mappings").
		First(&instrument).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &instrument, nil
}

// GetProviderIdentifier resolves the provider-specific identifier for an
// instrument, or "" when no mapping exists.
func (r *Registry) GetProviderIdentifier(ctx context.Context, instrumentID uint, provider string) (string, error) {
	var mapping models.ProviderMapping
	err := r.db.WithContext(ctx).
		Where("instrument_id = ? AND provider = ?", instrumentID, provider).
		First(&mapping).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return mapping.Identifier, nil
}

// SeedDefaults inserts the shipped instrument set if the symbols are not
// present yet. Existing rows are left untouched.
func SeedDefaults(db *gorm.DB) error {
	defaults := []struct {
		instrument models.Instrument
		mappings   map[string]string // provider -> identifier
	}{
		{
			instrument: models.Instrument{Symbol: "DAX", Name: "DAX 40", Kind: "index", Active: true, Timezone: "Europe/Berlin", RoundStep: decimal.NewFromInt(100)},
			mappings:   map[string]string{"alphavantage": "DAX", "stooq": "^dax"},
		},
		{
			instrument: models.Instrument{Symbol: "DJI", Name: "Dow Jones Industrial Average", Kind: "index", Active: true, Timezone: "America/New_York", RoundStep: decimal.NewFromInt(100)},
			mappings:   map[string]string{"alphavantage": "DJI", "stooq": "^dji"},
		},
		{
			instrument: models.Instrument{Symbol: "NDX", Name: "Nasdaq 100", Kind: "index", Active: true, Timezone: "America/New_York", RoundStep: decimal.NewFromInt(100)},
			mappings:   map[string]string{"alphavantage": "NDX", "stooq": "^ndx"},
		},
		{
			instrument: models.Instrument{Symbol: "EURUSD", Name: "Euro / US Dollar", Kind: "fx", Active: true, Timezone: "UTC", RoundStep: decimal.NewFromFloat(0.01)},
			mappings:   map[string]string{"alphavantage": "EURUSD", "stooq": "eurusd"},
		},
		{
			instrument: models.Instrument{Symbol: "GBPUSD", Name: "British Pound / US Dollar", Kind: "fx", Active: true, Timezone: "UTC", RoundStep: decimal.NewFromFloat(0.01)},
			mappings:   map[string]string{"alphavantage": "GBPUSD", "stooq": "gbpusd"},
		},
	}

	seeded := 0
	for _, d := range defaults {
		var existing models.Instrument
		err := db.Where("symbol = ?", d.instrument.Symbol).First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		instrument := d.instrument
		if err := db.Create(&instrument).Error; err != nil {
			return fmt.Errorf("failed to seed instrument %s: %w", instrument.Symbol, err)
		}
		for provider, identifier := range d.mappings {
			mapping := models.ProviderMapping{
				InstrumentID: instrument.ID,
				Provider:     provider,
				Identifier:   identifier,
			}
			if err := db.Create(&mapping).Error; err != nil {
				return fmt.Errorf("failed to seed mapping %s/%s: %w", instrument.Symbol, provider, err)
			}
		}
		seeded++
	}

	if seeded > 0 {
		log.WithField("count", seeded).Info("Seeded default instruments")
	}
	return nil
}
