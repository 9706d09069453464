package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/umi1970/TradeMatrix-sub001/config"
	"github.com/umi1970/TradeMatrix-sub001/models"
	"github.com/umi1970/TradeMatrix-sub001/services/audit"
	"github.com/umi1970/TradeMatrix-sub001/services/barstore"
	"github.com/umi1970/TradeMatrix-sub001/services/instruments"
	"github.com/umi1970/TradeMatrix-sub001/services/levels"
	"github.com/umi1970/TradeMatrix-sub001/services/reconcile"
	"github.com/umi1970/TradeMatrix-sub001/services/sources"
)

// State is the lifecycle position of one instrument's run.
type State string

const (
	StatePending          State = "pending"
	StateFetching         State = "fetching"
	StateReconciling      State = "reconciling"
	StateStoring          State = "storing"
	StateCalculating      State = "calculating_levels"
	StateCompleted        State = "completed"
	StateCompletedPartial State = "completed_partial" // bar stored, levels unavailable
	StateFailed           State = "failed"
	StateSkipped          State = "skipped" // no data for the date, e.g. holiday
)

// RunOutcome summarizes one instrument's run for the invoking scheduler.
type RunOutcome struct {
	InstrumentID uint     `json:"instrument_id"`
	Symbol       string   `json:"symbol"`
	State        State    `json:"state"`
	QualityScore *float64 `json:"quality_score,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// Runner sequences fetch, reconciliation, storage, level calculation and
// auditing for scheduled ingestion runs. All collaborators are injected
// once at construction; the runner holds no mutable state of its own.
type Runner struct {
	cfg        config.PipelineConfig
	registry   *instruments.Registry
	primary    sources.Client
	backup     sources.Client
	reconciler *reconcile.Reconciler
	bars       *barstore.Store
	levels     *levels.Calculator
	auditor    *audit.Auditor
}

// NewRunner wires a pipeline runner from its dependencies.
func NewRunner(cfg config.PipelineConfig, registry *instruments.Registry, primary, backup sources.Client, bars *barstore.Store, calc *levels.Calculator, auditor *audit.Auditor) *Runner {
	return &Runner{
		cfg:        cfg,
		registry:   registry,
		primary:    primary,
		backup:     backup,
		reconciler: reconcile.New(cfg.MaxDeviationPct),
		bars:       bars,
		levels:     calc,
		auditor:    auditor,
	}
}

// RunDailyIngestion executes one ingestion run for the given instruments
// and trade date. An empty instrumentIDs slice means all active
// instruments. Each instrument runs as its own unit of concurrency; one
// instrument's failure never affects another's outcome.
func (r *Runner) RunDailyIngestion(ctx context.Context, instrumentIDs []uint, tradeDate time.Time) ([]RunOutcome, error) {
	tradeDate = sources.CivilDate(tradeDate)
	runID := uuid.NewString()

	var (
		targets []models.Instrument
		err     error
	)
	if len(instrumentIDs) == 0 {
		targets, err = r.registry.GetActiveInstruments(ctx)
	} else {
		targets, err = r.registry.GetByIDs(ctx, instrumentIDs)
	}
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"run_id":      runID,
		"trade_date":  tradeDate.Format("2006-01-02"),
		"instruments": len(targets),
	}).Info("Starting daily ingestion run")

	outcomes := make([]RunOutcome, len(targets))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.cfg.MaxConcurrent)

	for i := range targets {
		group.Go(func() error {
			outcomes[i] = r.runInstrument(groupCtx, runID, &targets[i], tradeDate)
			// Instrument failures are reported per outcome, never
			// propagated: one bad symbol must not cancel the rest.
			return nil
		})
	}
	group.Wait()

	for _, outcome := range outcomes {
		log.WithFields(log.Fields{
			"run_id": runID,
			"symbol": outcome.Symbol,
			"state":  outcome.State,
			"error":  outcome.Error,
		}).Info("Instrument run finished")
	}
	return outcomes, nil
}

// fetchOutcome carries one provider's result across the concurrent fetch.
type fetchOutcome struct {
	result   *sources.FetchResult
	attempts int
	err      error
}

// runInstrument drives the state machine for a single instrument.
func (r *Runner) runInstrument(ctx context.Context, runID string, instrument *models.Instrument, tradeDate time.Time) RunOutcome {
	outcome := RunOutcome{InstrumentID: instrument.ID, Symbol: instrument.Symbol, State: StatePending}
	startedAt := time.Now().UTC()

	// Fetching: primary and backup concurrently, both awaited.
	outcome.State = StateFetching
	primary, backup := r.fetchBoth(ctx, runID, instrument, tradeDate)

	if ctx.Err() != nil {
		outcome.State = StateFailed
		outcome.Error = "cancelled"
		r.recordAggregate(ctx, runID, instrument, tradeDate, &outcome, startedAt, nil)
		return outcome
	}

	if primary.result == nil && backup.result == nil {
		if errors.Is(primary.err, sources.ErrNoData) || errors.Is(backup.err, sources.ErrNoData) {
			outcome.State = StateSkipped
			// One provider reporting a data-less day can coincide with the
			// other failing outright; keep that failure visible so a broken
			// mapping cannot hide behind a holiday skip.
			if warn := nonNoDataWarning(primary.err, backup.err); warn != "" {
				outcome.Warnings = append(outcome.Warnings, warn)
			}
			r.recordAggregate(ctx, runID, instrument, tradeDate, &outcome, startedAt, nil)
			return outcome
		}
		outcome.State = StateFailed
		outcome.Error = fetchFailureMessage(primary.err, backup.err)
		r.recordAggregate(ctx, runID, instrument, tradeDate, &outcome, startedAt, nil)
		return outcome
	}

	// Reconciling.
	outcome.State = StateReconciling
	bar, warnings, err := r.reconciler.Reconcile(primary.result, backup.result)
	outcome.Warnings = warnings
	if err != nil {
		outcome.State = StateFailed
		outcome.Error = err.Error()
		r.recordAggregate(ctx, runID, instrument, tradeDate, &outcome, startedAt, nil)
		return outcome
	}

	// Storing.
	outcome.State = StateStoring
	stored, err := r.bars.Upsert(ctx, instrument.ID, bar)
	if err != nil {
		outcome.State = StateFailed
		if ctx.Err() != nil {
			outcome.Error = "cancelled"
		} else {
			outcome.Error = err.Error()
		}
		r.recordAggregate(ctx, runID, instrument, tradeDate, &outcome, startedAt, nil)
		return outcome
	}
	outcome.QualityScore = &stored.QualityScore

	// Calculating levels. The bar is already safe; a thin history only
	// downgrades the outcome, it does not fail the run.
	outcome.State = StateCalculating
	if _, err := r.levels.CalculateAndStore(ctx, instrument, tradeDate, r.cfg); err != nil {
		var insufficient *levels.InsufficientDataError
		if errors.As(err, &insufficient) || ctx.Err() == nil {
			outcome.State = StateCompletedPartial
			outcome.Warnings = append(outcome.Warnings, "levels: "+err.Error())
		} else {
			outcome.State = StateFailed
			outcome.Error = "cancelled"
		}
		r.recordAggregate(ctx, runID, instrument, tradeDate, &outcome, startedAt, stored)
		return outcome
	}

	outcome.State = StateCompleted
	r.recordAggregate(ctx, runID, instrument, tradeDate, &outcome, startedAt, stored)
	return outcome
}

// fetchBoth issues the primary and backup fetches concurrently and waits
// for both, recording one audit entry per provider attempt chain.
func (r *Runner) fetchBoth(ctx context.Context, runID string, instrument *models.Instrument, tradeDate time.Time) (fetchOutcome, fetchOutcome) {
	var primary, backup fetchOutcome

	group := new(errgroup.Group)
	group.Go(func() error {
		primary = r.fetchOne(ctx, runID, r.primary, instrument, tradeDate)
		return nil
	})
	group.Go(func() error {
		backup = r.fetchOne(ctx, runID, r.backup, instrument, tradeDate)
		return nil
	})
	group.Wait()

	return primary, backup
}

// fetchOne resolves the provider identifier and runs the bounded retry
// fetch for one provider.
func (r *Runner) fetchOne(ctx context.Context, runID string, client sources.Client, instrument *models.Instrument, tradeDate time.Time) fetchOutcome {
	startedAt := time.Now().UTC()
	entry := &models.RunLogEntry{
		RunID:        runID,
		InstrumentID: instrument.ID,
		Symbol:       instrument.Symbol,
		Provider:     client.Name(),
		TradeDate:    tradeDate,
		Stage:        string(StateFetching),
		StartedAt:    startedAt,
	}

	identifier := providerIdentifier(instrument, client.Name())
	if identifier == "" {
		entry.Status = models.RunStatusSkipped
		entry.ErrorMessage = "no provider mapping"
		r.finishEntry(ctx, entry)
		return fetchOutcome{err: &sources.TerminalError{Provider: client.Name(), Err: errors.New("no provider mapping")}}
	}

	policy := sources.RetryPolicy{MaxAttempts: r.cfg.MaxRetries, Delay: r.cfg.RetryDelay}
	result, attempts, err := sources.FetchWithRetry(ctx, client, identifier, tradeDate, policy)

	entry.RetryCount = attempts - 1
	switch {
	case err == nil:
		entry.Status = models.RunStatusSuccess
		entry.RecordsFetched = 1
	case errors.Is(err, sources.ErrNoData):
		entry.Status = models.RunStatusSkipped
		entry.ErrorMessage = err.Error()
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		entry.Status = models.RunStatusFailed
		entry.ErrorMessage = "cancelled"
	default:
		entry.Status = models.RunStatusFailed
		entry.ErrorMessage = err.Error()
	}
	r.finishEntry(ctx, entry)

	return fetchOutcome{result: result, attempts: attempts, err: err}
}

// recordAggregate writes the instrument-level audit entry closing out a run.
func (r *Runner) recordAggregate(ctx context.Context, runID string, instrument *models.Instrument, tradeDate time.Time, outcome *RunOutcome, startedAt time.Time, stored *models.DailyBar) {
	entry := &models.RunLogEntry{
		RunID:        runID,
		InstrumentID: instrument.ID,
		Symbol:       instrument.Symbol,
		TradeDate:    tradeDate,
		Stage:        string(outcome.State),
		StartedAt:    startedAt,
		Warnings:     strings.Join(outcome.Warnings, ","),
		ErrorMessage: outcome.Error,
	}

	switch outcome.State {
	case StateCompleted:
		entry.Status = models.RunStatusSuccess
	case StateCompletedPartial:
		entry.Status = models.RunStatusPartial
	case StateSkipped:
		entry.Status = models.RunStatusSkipped
	default:
		entry.Status = models.RunStatusFailed
	}
	if stored != nil {
		entry.RecordsStored = 1
		entry.CrossValidated = stored.Validated
	}
	r.finishEntry(ctx, entry)
}

// finishEntry stamps timing fields and hands the entry to the auditor on a
// detached context, so a cancelled run still leaves its audit trail.
func (r *Runner) finishEntry(ctx context.Context, entry *models.RunLogEntry) {
	entry.FinishedAt = time.Now().UTC()
	entry.DurationMS = entry.FinishedAt.Sub(entry.StartedAt).Milliseconds()
	r.auditor.Record(context.WithoutCancel(ctx), entry)
}

func providerIdentifier(instrument *models.Instrument, provider string) string {
	for _, mapping := range instrument.Mappings {
		if mapping.Provider == provider {
			return mapping.Identifier
		}
	}
	return ""
}

// nonNoDataWarning returns the error of a provider that failed with
// something other than a no-data answer, or "" when both simply had no bar.
func nonNoDataWarning(primaryErr, backupErr error) string {
	for _, err := range []error{primaryErr, backupErr} {
		if err != nil && !errors.Is(err, sources.ErrNoData) {
			return "fetch: " + err.Error()
		}
	}
	return ""
}

func fetchFailureMessage(primaryErr, backupErr error) string {
	parts := make([]string, 0, 2)
	if primaryErr != nil {
		parts = append(parts, primaryErr.Error())
	}
	if backupErr != nil {
		parts = append(parts, backupErr.Error())
	}
	if len(parts) == 0 {
		return "no source delivered a bar"
	}
	if errors.Is(primaryErr, context.Canceled) || errors.Is(backupErr, context.Canceled) ||
		errors.Is(primaryErr, context.DeadlineExceeded) || errors.Is(backupErr, context.DeadlineExceeded) {
		return "cancelled"
	}
	return strings.Join(parts, "; ")
}
