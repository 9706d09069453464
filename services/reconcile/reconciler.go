package reconcile

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/umi1970/TradeMatrix-sub001/services/sources"
)

// Quality scores assigned by reconciliation outcome.
const (
	ScoreValidated    = 0.95 // both sources agree within tolerance
	ScoreSingleSource = 0.70 // only one source delivered
	ScoreDeviation    = 0.50 // sources disagree beyond tolerance, primary kept
)

// Quality warnings attached to reconciled bars.
const (
	WarnSingleSource = "single-source"
	WarnDeviation    = "cross-validation-deviation"
)

// ErrNoSources is returned when neither provider delivered a bar.
var ErrNoSources = errors.New("no source delivered a bar")

// ValidationError marks input that can never become a valid bar, such as
// two sources reporting different trade dates for the same request.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation failed: " + e.Reason }

// ReconciledBar is the cross-checked bar handed to the store. Values come
// from exactly one source; mismatched sources are never averaged.
type ReconciledBar struct {
	TradeDate    time.Time
	Open         decimal.Decimal
	High         decimal.Decimal
	Low          decimal.Decimal
	Close        decimal.Decimal
	Volume       *int64
	Source       string
	QualityScore float64
	Validated    bool
}

// Reconciler cross-validates two independent fetch results for the same
// instrument and date.
type Reconciler struct {
	maxDeviationPct decimal.Decimal
}

// New creates a reconciler with the given close-price tolerance in percent.
func New(maxDeviationPct decimal.Decimal) *Reconciler {
	return &Reconciler{maxDeviationPct: maxDeviationPct}
}

// Reconcile compares the primary and backup results. Either may be nil when
// its fetch failed. On disagreement the primary is authoritative; the
// deviation is surfaced as a warning, never silently resolved.
func (r *Reconciler) Reconcile(primary, backup *sources.FetchResult) (*ReconciledBar, []string, error) {
	if primary == nil && backup == nil {
		return nil, nil, ErrNoSources
	}

	// Single-source acceptance: usable, but flagged and scored down.
	if primary == nil || backup == nil {
		src := primary
		if src == nil {
			src = backup
		}
		return fromResult(src, ScoreSingleSource, false), []string{WarnSingleSource}, nil
	}

	if !primary.TradeDate.Equal(backup.TradeDate) {
		return nil, nil, &ValidationError{
			Reason: fmt.Sprintf("trade date mismatch: %s=%s %s=%s",
				primary.Provider, primary.TradeDate.Format("2006-01-02"),
				backup.Provider, backup.TradeDate.Format("2006-01-02")),
		}
	}

	deviation := primary.Close.Sub(backup.Close).Abs().
		Div(primary.Close).
		Mul(decimal.NewFromInt(100))

	if deviation.LessThanOrEqual(r.maxDeviationPct) {
		return fromResult(primary, ScoreValidated, true), nil, nil
	}

	return fromResult(primary, ScoreDeviation, false), []string{WarnDeviation}, nil
}

func fromResult(src *sources.FetchResult, score float64, validated bool) *ReconciledBar {
	return &ReconciledBar{
		TradeDate:    src.TradeDate,
		Open:         src.Open,
		High:         src.High,
		Low:          src.Low,
		Close:        src.Close,
		Volume:       src.Volume,
		Source:       src.Provider,
		QualityScore: score,
		Validated:    validated,
	}
}
