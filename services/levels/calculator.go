package levels

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/umi1970/TradeMatrix-sub001/config"
	"github.com/umi1970/TradeMatrix-sub001/models"
	"github.com/umi1970/TradeMatrix-sub001/services/barstore"
)

// Internal rounding for averaged values. Fixed so recomputing from the same
// bars always yields byte-identical rows.
const atrPrecision = 8

// InsufficientDataError is returned when the bar history is too short for a
// metric. It is not retryable; the data simply does not exist yet.
type InsufficientDataError struct {
	Metric string
	Need   int
	Have   int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for %s: need %d bars, have %d", e.Metric, e.Need, e.Have)
}

// Calculator owns the DerivedLevels write path.
type Calculator struct {
	db    *gorm.DB
	store *barstore.Store
}

// NewCalculator creates a level calculator over the given store.
func NewCalculator(db *gorm.DB, store *barstore.Store) *Calculator {
	return &Calculator{db: db, store: store}
}

// CalculateAndStore derives the reference levels for (instrument, tradeDate)
// from stored bar history and upserts the result. The previous-day levels
// are mandatory; ATR windows fail independently and are left null when the
// history is too short, so a young instrument still gets partial levels.
func (c *Calculator) CalculateAndStore(ctx context.Context, instrument *models.Instrument, tradeDate time.Time, cfg config.PipelineConfig) (*models.DerivedLevels, error) {
	depth := cfg.HistoryDepth
	if depth < cfg.ATRLongPeriod+1 {
		depth = cfg.ATRLongPeriod + 1
	}

	bars, err := c.store.GetHistory(ctx, instrument.ID, tradeDate, depth)
	if err != nil {
		return nil, fmt.Errorf("load bar history: %w", err)
	}
	if len(bars) == 0 || !bars[0].TradeDate.Equal(tradeDate) {
		return nil, &InsufficientDataError{Metric: "bar", Need: 1, Have: 0}
	}
	if len(bars) < 2 {
		// No trading day before tradeDate: yesterday levels are undefined.
		return nil, &InsufficientDataError{Metric: "previous-day", Need: 2, Have: len(bars)}
	}

	today := bars[0]
	prev := bars[1]

	change := today.Close.Sub(prev.Close)
	changePct := decimal.Zero
	if !prev.Close.IsZero() {
		changePct = change.Div(prev.Close).Mul(decimal.NewFromInt(100)).Round(4)
	}

	step := instrument.RoundStep
	if step.IsZero() {
		step = cfg.DefaultRoundStep
	}
	roundBelow, roundAbove := roundLevels(today.Close, step)

	row := models.DerivedLevels{
		InstrumentID: instrument.ID,
		TradeDate:    tradeDate,
		PrevOpen:     prev.Open,
		PrevHigh:     prev.High,
		PrevLow:      prev.Low,
		PrevClose:    prev.Close,
		PrevRange:    prev.High.Sub(prev.Low),
		Change:       change,
		ChangePct:    changePct,
		RoundAbove:   roundAbove,
		RoundBelow:   roundBelow,
		CalculatedAt: time.Now().UTC(),
	}

	// ATR windows end at tradeDate inclusive and fail independently.
	if atr, err := averageTrueRange(bars, cfg.ATRShortPeriod); err == nil {
		row.ATR5 = &atr
	}
	if atr, err := averageTrueRange(bars, cfg.ATRLongPeriod); err == nil {
		row.ATR20 = &atr
	}

	if err := c.upsert(ctx, &row); err != nil {
		return nil, fmt.Errorf("store derived levels: %w", err)
	}
	return &row, nil
}

// GetLevels returns the derived levels for one instrument and date, or nil.
func (c *Calculator) GetLevels(ctx context.Context, instrumentID uint, tradeDate time.Time) (*models.DerivedLevels, error) {
	var row models.DerivedLevels
	err := c.db.WithContext(ctx).
		Where("instrument_id = ? AND trade_date = ?", instrumentID, tradeDate).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// averageTrueRange is the mean of (high - low) over the most recent period
// bars, newest first.
func averageTrueRange(bars []models.DailyBar, period int) (decimal.Decimal, error) {
	if len(bars) < period {
		return decimal.Zero, &InsufficientDataError{
			Metric: fmt.Sprintf("atr-%d", period),
			Need:   period,
			Have:   len(bars),
		}
	}
	sum := decimal.Zero
	for _, bar := range bars[:period] {
		sum = sum.Add(bar.High.Sub(bar.Low))
	}
	return sum.DivRound(decimal.NewFromInt(int64(period)), atrPrecision), nil
}

// roundLevels returns the nearest multiples of step strictly below and
// above the close. A close sitting exactly on the grid uses the adjacent
// multiples on either side.
func roundLevels(close, step decimal.Decimal) (below, above decimal.Decimal) {
	if step.LessThanOrEqual(decimal.Zero) {
		return close, close
	}
	below = close.Div(step).Floor().Mul(step)
	if below.Equal(close) {
		below = close.Sub(step)
	}
	above = below.Add(step)
	if above.Equal(close) {
		above = close.Add(step)
	}
	return below, above
}

// upsert writes the levels row, overwriting any previous calculation for
// the same key. Recalculation is always authoritative because it is
// deterministic over the stored bars.
func (c *Calculator) upsert(ctx context.Context, row *models.DerivedLevels) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.DerivedLevels
		err := tx.Where("instrument_id = ? AND trade_date = ?", row.InstrumentID, row.TradeDate).
			First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(row).Error
		}
		if err != nil {
			return err
		}
		row.ID = existing.ID
		row.CreatedAt = existing.CreatedAt
		return tx.Save(row).Error
	})
}
