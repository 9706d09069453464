package barstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/umi1970/TradeMatrix-sub001/models"
	"github.com/umi1970/TradeMatrix-sub001/services/reconcile"
)

// ValidationError marks a bar that violates the OHLC consistency invariant.
// Such bars are rejected and never stored.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "bar validation failed: " + e.Reason }

// Store owns the DailyBar write path. No other component writes the table.
type Store struct {
	db *gorm.DB
}

// NewStore creates a bar store on the given database handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Upsert persists the reconciled bar for (instrument, trade date). The row
// is created if absent; an existing row is overwritten only when the
// incoming quality score is at least the stored one, so a validated bar is
// never downgraded by a lower-confidence re-fetch. Applying the same bar
// twice leaves the row unchanged. Concurrent calls for the same key are
// resolved through the unique index: a lost insert race falls back to the
// quality comparison against the winner's row.
func (s *Store) Upsert(ctx context.Context, instrumentID uint, bar *reconcile.ReconciledBar) (*models.DailyBar, error) {
	if err := checkInvariant(bar); err != nil {
		return nil, err
	}

	tradeDate := bar.TradeDate
	var stored models.DailyBar

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.DailyBar
		err := tx.Where("instrument_id = ? AND trade_date = ?", instrumentID, tradeDate).
			First(&existing).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			row := models.DailyBar{
				InstrumentID: instrumentID,
				TradeDate:    tradeDate,
				Open:         bar.Open,
				High:         bar.High,
				Low:          bar.Low,
				Close:        bar.Close,
				Volume:       bar.Volume,
				Source:       bar.Source,
				QualityScore: bar.QualityScore,
				Validated:    bar.Validated,
				RetrievedAt:  time.Now().UTC(),
			}
			result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected > 0 {
				stored = row
				return nil
			}
			// A concurrent writer created the row between the lookup and
			// the insert; re-read it and compare quality as usual.
			if err := tx.Where("instrument_id = ? AND trade_date = ?", instrumentID, tradeDate).
				First(&existing).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		if bar.QualityScore < existing.QualityScore {
			log.WithFields(log.Fields{
				"instrument_id": instrumentID,
				"trade_date":    tradeDate.Format("2006-01-02"),
				"stored_score":  existing.QualityScore,
				"incoming":      bar.QualityScore,
			}).Info("Keeping higher-confidence stored bar")
			stored = existing
			return nil
		}
		if bar.QualityScore == existing.QualityScore && matchesStored(bar, &existing) {
			stored = existing
			return nil
		}

		existing.Open = bar.Open
		existing.High = bar.High
		existing.Low = bar.Low
		existing.Close = bar.Close
		existing.Volume = bar.Volume
		existing.Source = bar.Source
		existing.QualityScore = bar.QualityScore
		existing.Validated = bar.Validated
		existing.RetrievedAt = time.Now().UTC()
		if err := tx.Save(&existing).Error; err != nil {
			return err
		}
		stored = existing
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("upsert bar: %w", err)
	}
	return &stored, nil
}

// matchesStored reports whether the incoming bar carries exactly the values
// already stored, so a re-apply does not touch the row at all.
func matchesStored(bar *reconcile.ReconciledBar, stored *models.DailyBar) bool {
	if !bar.Open.Equal(stored.Open) || !bar.High.Equal(stored.High) ||
		!bar.Low.Equal(stored.Low) || !bar.Close.Equal(stored.Close) {
		return false
	}
	if bar.Source != stored.Source || bar.Validated != stored.Validated {
		return false
	}
	if (bar.Volume == nil) != (stored.Volume == nil) {
		return false
	}
	return bar.Volume == nil || *bar.Volume == *stored.Volume
}

// GetBar returns the bar for one instrument and trade date, or nil when
// none exists.
func (s *Store) GetBar(ctx context.Context, instrumentID uint, tradeDate time.Time) (*models.DailyBar, error) {
	var bar models.DailyBar
	err := s.db.WithContext(ctx).
		Where("instrument_id = ? AND trade_date = ?", instrumentID, tradeDate).
		First(&bar).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &bar, nil
}

// GetLatestBar returns the most recent bar for an instrument, or nil.
func (s *Store) GetLatestBar(ctx context.Context, instrumentID uint) (*models.DailyBar, error) {
	var bar models.DailyBar
	err := s.db.WithContext(ctx).
		Where("instrument_id = ?", instrumentID).
		Order("trade_date DESC").
		First(&bar).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &bar, nil
}

// GetHistory returns up to limit bars with trade date <= upTo, newest first.
// This is the Level Calculator's read path.
func (s *Store) GetHistory(ctx context.Context, instrumentID uint, upTo time.Time, limit int) ([]models.DailyBar, error) {
	var bars []models.DailyBar
	err := s.db.WithContext(ctx).
		Where("instrument_id = ? AND trade_date <= ?", instrumentID, upTo).
		Order("trade_date DESC").
		Limit(limit).
		Find(&bars).Error
	if err != nil {
		return nil, err
	}
	return bars, nil
}

// checkInvariant enforces low <= open,close <= high and low <= high.
func checkInvariant(bar *reconcile.ReconciledBar) error {
	if bar.Low.GreaterThan(bar.High) {
		return &ValidationError{Reason: fmt.Sprintf("low %s above high %s", bar.Low, bar.High)}
	}
	if bar.Open.LessThan(bar.Low) || bar.Open.GreaterThan(bar.High) {
		return &ValidationError{Reason: fmt.Sprintf("open %s outside [%s, %s]", bar.Open, bar.Low, bar.High)}
	}
	if bar.Close.LessThan(bar.Low) || bar.Close.GreaterThan(bar.High) {
		return &ValidationError{Reason: fmt.Sprintf("close %s outside [%s, %s]", bar.Close, bar.Low, bar.High)}
	}
	return nil
}
