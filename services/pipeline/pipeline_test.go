package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/umi1970/TradeMatrix-sub001/config"
	"github.com/umi1970/TradeMatrix-sub001/models"
	"github.com/umi1970/TradeMatrix-sub001/services/audit"
	"github.com/umi1970/TradeMatrix-sub001/services/barstore"
	"github.com/umi1970/TradeMatrix-sub001/services/instruments"
	"github.com/umi1970/TradeMatrix-sub001/services/levels"
	"github.com/umi1970/TradeMatrix-sub001/services/reconcile"
	"github.com/umi1970/TradeMatrix-sub001/services/sources"
)

func avBody(date, open, high, low, close string) string {
	return fmt.Sprintf(`{"Time Series (Daily)": {%q: {"1. open": %q, "2. high": %q, "3. low": %q, "4. close": %q, "5. volume": "81512300"}}}`,
		date, open, high, low, close)
}

func stooqBody(date, open, high, low, close string) string {
	return fmt.Sprintf("Date,Open,High,Low,Close,Volume\n%s,%s,%s,%s,%s,81512300\n",
		date, open, high, low, close)
}

type fixture struct {
	db         *gorm.DB
	runner     *Runner
	auditor    *audit.Auditor
	bars       *barstore.Store
	calc       *levels.Calculator
	instrument *models.Instrument
}

func newFixture(t *testing.T, avURL, stooqURL string) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := models.MigrateMarketModels(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	instrument := &models.Instrument{
		Symbol:    "DAX",
		Name:      "DAX 40",
		Kind:      "index",
		Active:    true,
		RoundStep: decimal.NewFromInt(100),
	}
	if err := db.Create(instrument).Error; err != nil {
		t.Fatalf("seed instrument: %v", err)
	}
	for provider, identifier := range map[string]string{"alphavantage": "DAX", "stooq": "^dax"} {
		mapping := models.ProviderMapping{InstrumentID: instrument.ID, Provider: provider, Identifier: identifier}
		if err := db.Create(&mapping).Error; err != nil {
			t.Fatalf("seed mapping: %v", err)
		}
	}

	cfg := config.PipelineConfig{
		MaxRetries:       2,
		RetryDelay:       time.Millisecond,
		FetchTimeout:     5 * time.Second,
		MaxDeviationPct:  decimal.RequireFromString("0.5"),
		ATRShortPeriod:   5,
		ATRLongPeriod:    20,
		HistoryDepth:     40,
		DefaultRoundStep: decimal.NewFromInt(100),
		MaxConcurrent:    2,
	}

	bars := barstore.NewStore(db)
	calc := levels.NewCalculator(db, bars)
	auditor := audit.NewAuditor(db, nil)
	runner := NewRunner(
		cfg,
		instruments.NewRegistry(db),
		sources.NewAlphaVantageClient(avURL, "test-key", 5*time.Second),
		sources.NewStooqClient(stooqURL, 5*time.Second),
		bars,
		calc,
		auditor,
	)

	return &fixture{db: db, runner: runner, auditor: auditor, bars: bars, calc: calc, instrument: instrument}
}

func (f *fixture) seedBar(t *testing.T, day time.Time, close string) {
	t.Helper()
	c := decimal.RequireFromString(close)
	bar := models.DailyBar{
		InstrumentID: f.instrument.ID,
		TradeDate:    day,
		Open:         c,
		High:         c.Add(decimal.NewFromInt(50)),
		Low:          c.Sub(decimal.NewFromInt(50)),
		Close:        c,
		Source:       "alphavantage",
		QualityScore: reconcile.ScoreValidated,
		Validated:    true,
		RetrievedAt:  time.Now().UTC(),
	}
	if err := f.db.Create(&bar).Error; err != nil {
		t.Fatalf("seed bar: %v", err)
	}
}

func (f *fixture) countBars(t *testing.T) int64 {
	t.Helper()
	var n int64
	if err := f.db.Model(&models.DailyBar{}).Count(&n).Error; err != nil {
		t.Fatalf("count bars: %v", err)
	}
	return n
}

func (f *fixture) aggregateEntry(t *testing.T) *models.RunLogEntry {
	t.Helper()
	var entry models.RunLogEntry
	if err := f.db.Where("provider = ?", "").Order("id DESC").First(&entry).Error; err != nil {
		t.Fatalf("load aggregate run log entry: %v", err)
	}
	return &entry
}

func TestRunDailyIngestionAgreementCompletes(t *testing.T) {
	tradeDate := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	av := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, avBody("2026-08-28", "18430.10", "18510.75", "18390.00", "18472.50"))
	}))
	defer av.Close()
	stooq := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, stooqBody("2026-08-28", "18430.00", "18511.00", "18390.50", "18473.00"))
	}))
	defer stooq.Close()

	f := newFixture(t, av.URL, stooq.URL)
	f.seedBar(t, time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC), "18430.10")

	outcomes, err := f.runner.RunDailyIngestion(context.Background(), nil, tradeDate)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("expected one outcome, got %d", len(outcomes))
	}
	outcome := outcomes[0]
	if outcome.State != StateCompleted {
		t.Fatalf("expected completed, got %s (error %q)", outcome.State, outcome.Error)
	}
	if outcome.QualityScore == nil || *outcome.QualityScore != reconcile.ScoreValidated {
		t.Fatalf("expected quality %.2f, got %v", reconcile.ScoreValidated, outcome.QualityScore)
	}
	if len(outcome.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", outcome.Warnings)
	}

	bar, err := f.bars.GetBar(context.Background(), f.instrument.ID, tradeDate)
	if err != nil || bar == nil {
		t.Fatalf("expected stored bar, got %v/%v", bar, err)
	}
	if !bar.Validated {
		t.Fatal("expected cross-validated bar")
	}
	if !bar.Close.Equal(decimal.RequireFromString("18472.50")) {
		t.Fatalf("expected primary close stored, got %s", bar.Close)
	}

	row, err := f.calc.GetLevels(context.Background(), f.instrument.ID, tradeDate)
	if err != nil || row == nil {
		t.Fatalf("expected derived levels, got %v/%v", row, err)
	}
	if !row.PrevClose.Equal(decimal.RequireFromString("18430.10")) {
		t.Fatalf("expected prev close 18430.10, got %s", row.PrevClose)
	}
	if !row.RoundBelow.Equal(decimal.NewFromInt(18400)) || !row.RoundAbove.Equal(decimal.NewFromInt(18500)) {
		t.Fatalf("expected round levels 18400/18500, got %s/%s", row.RoundBelow, row.RoundAbove)
	}

	entry := f.aggregateEntry(t)
	if entry.Status != models.RunStatusSuccess {
		t.Fatalf("expected success audit entry, got %s", entry.Status)
	}
	if entry.RecordsStored != 1 || !entry.CrossValidated {
		t.Fatalf("expected stored cross-validated entry, got %+v", entry)
	}
}

func TestRunDailyIngestionSingleSource(t *testing.T) {
	tradeDate := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	av := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, avBody("2026-08-28", "18430.10", "18510.75", "18390.00", "18472.50"))
	}))
	defer av.Close()
	stooq := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer stooq.Close()

	f := newFixture(t, av.URL, stooq.URL)
	f.seedBar(t, time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC), "18430.10")

	outcomes, err := f.runner.RunDailyIngestion(context.Background(), []uint{f.instrument.ID}, tradeDate)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	outcome := outcomes[0]
	if outcome.State != StateCompleted {
		t.Fatalf("expected completed, got %s (error %q)", outcome.State, outcome.Error)
	}
	if outcome.QualityScore == nil || *outcome.QualityScore != reconcile.ScoreSingleSource {
		t.Fatalf("expected quality %.2f, got %v", reconcile.ScoreSingleSource, outcome.QualityScore)
	}
	if len(outcome.Warnings) != 1 || outcome.Warnings[0] != reconcile.WarnSingleSource {
		t.Fatalf("expected single-source warning, got %v", outcome.Warnings)
	}

	bar, err := f.bars.GetBar(context.Background(), f.instrument.ID, tradeDate)
	if err != nil || bar == nil {
		t.Fatalf("expected stored bar, got %v/%v", bar, err)
	}
	if bar.Validated {
		t.Fatal("single-source bar must not be marked validated")
	}

	// The failed backup leaves its own provider-level audit entry with the
	// retry chain recorded.
	var backupEntry models.RunLogEntry
	if err := f.db.Where("provider = ?", "stooq").First(&backupEntry).Error; err != nil {
		t.Fatalf("load backup entry: %v", err)
	}
	if backupEntry.Status != models.RunStatusFailed {
		t.Fatalf("expected failed backup entry, got %s", backupEntry.Status)
	}
	if backupEntry.RetryCount != 1 {
		t.Fatalf("expected one retry recorded, got %d", backupEntry.RetryCount)
	}
}

func TestRunDailyIngestionDeviationKeepsPrimary(t *testing.T) {
	tradeDate := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	av := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, avBody("2026-08-28", "18430.10", "18700.00", "18390.00", "18472.50"))
	}))
	defer av.Close()
	// More than 0.5% away from the primary close.
	stooq := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, stooqBody("2026-08-28", "18430.00", "18700.00", "18390.50", "18600.00"))
	}))
	defer stooq.Close()

	f := newFixture(t, av.URL, stooq.URL)
	f.seedBar(t, time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC), "18430.10")

	outcomes, err := f.runner.RunDailyIngestion(context.Background(), nil, tradeDate)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	outcome := outcomes[0]
	if outcome.State != StateCompleted {
		t.Fatalf("expected completed, got %s (error %q)", outcome.State, outcome.Error)
	}
	if outcome.QualityScore == nil || *outcome.QualityScore != reconcile.ScoreDeviation {
		t.Fatalf("expected quality %.2f, got %v", reconcile.ScoreDeviation, outcome.QualityScore)
	}
	if len(outcome.Warnings) != 1 || outcome.Warnings[0] != reconcile.WarnDeviation {
		t.Fatalf("expected deviation warning, got %v", outcome.Warnings)
	}

	bar, err := f.bars.GetBar(context.Background(), f.instrument.ID, tradeDate)
	if err != nil || bar == nil {
		t.Fatalf("expected stored bar, got %v/%v", bar, err)
	}
	if !bar.Close.Equal(decimal.RequireFromString("18472.50")) {
		t.Fatalf("expected primary close stored, never averaged, got %s", bar.Close)
	}
}

func TestRunDailyIngestionHolidaySkips(t *testing.T) {
	tradeDate := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	av := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"Time Series (Daily)": {}}`)
	}))
	defer av.Close()
	stooq := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "No data")
	}))
	defer stooq.Close()

	f := newFixture(t, av.URL, stooq.URL)

	outcomes, err := f.runner.RunDailyIngestion(context.Background(), nil, tradeDate)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	outcome := outcomes[0]
	if outcome.State != StateSkipped {
		t.Fatalf("expected skipped, got %s (error %q)", outcome.State, outcome.Error)
	}
	if n := f.countBars(t); n != 0 {
		t.Fatalf("expected no bars stored on a holiday, got %d", n)
	}

	entry := f.aggregateEntry(t)
	if entry.Status != models.RunStatusSkipped {
		t.Fatalf("expected skipped audit entry, got %s", entry.Status)
	}
}

func TestRunDailyIngestionSkipKeepsProviderFailureVisible(t *testing.T) {
	tradeDate := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	// The primary rejects the symbol outright while the backup reports a
	// data-less day.
	av := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"Error Message": "Invalid API call."}`)
	}))
	defer av.Close()
	stooq := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "No data")
	}))
	defer stooq.Close()

	f := newFixture(t, av.URL, stooq.URL)

	outcomes, err := f.runner.RunDailyIngestion(context.Background(), nil, tradeDate)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	outcome := outcomes[0]
	if outcome.State != StateSkipped {
		t.Fatalf("expected skipped, got %s (error %q)", outcome.State, outcome.Error)
	}
	if len(outcome.Warnings) != 1 || !strings.Contains(outcome.Warnings[0], "alphavantage") {
		t.Fatalf("expected the primary failure surfaced as a warning, got %v", outcome.Warnings)
	}
	if n := f.countBars(t); n != 0 {
		t.Fatalf("expected no bars stored, got %d", n)
	}

	entry := f.aggregateEntry(t)
	if entry.Status != models.RunStatusSkipped {
		t.Fatalf("expected skipped audit entry, got %s", entry.Status)
	}
	if !strings.Contains(entry.Warnings, "alphavantage") {
		t.Fatalf("expected primary failure in audit warnings, got %q", entry.Warnings)
	}
}

func TestRunDailyIngestionFirstBarIsPartial(t *testing.T) {
	tradeDate := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	av := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, avBody("2026-08-28", "18430.10", "18510.75", "18390.00", "18472.50"))
	}))
	defer av.Close()
	stooq := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, stooqBody("2026-08-28", "18430.00", "18511.00", "18390.50", "18473.00"))
	}))
	defer stooq.Close()

	// No history at all: the bar must land, the levels cannot.
	f := newFixture(t, av.URL, stooq.URL)

	outcomes, err := f.runner.RunDailyIngestion(context.Background(), nil, tradeDate)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	outcome := outcomes[0]
	if outcome.State != StateCompletedPartial {
		t.Fatalf("expected completed_partial, got %s (error %q)", outcome.State, outcome.Error)
	}

	bar, err := f.bars.GetBar(context.Background(), f.instrument.ID, tradeDate)
	if err != nil || bar == nil {
		t.Fatalf("expected stored bar, got %v/%v", bar, err)
	}
	row, err := f.calc.GetLevels(context.Background(), f.instrument.ID, tradeDate)
	if err != nil {
		t.Fatalf("get levels: %v", err)
	}
	if row != nil {
		t.Fatalf("expected no levels without history, got %+v", row)
	}

	entry := f.aggregateEntry(t)
	if entry.Status != models.RunStatusPartial {
		t.Fatalf("expected partial audit entry, got %s", entry.Status)
	}
}

func TestRunDailyIngestionCancellation(t *testing.T) {
	tradeDate := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	// Both providers hang until the request is abandoned.
	hang := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	av := httptest.NewServer(hang)
	defer av.Close()
	stooq := httptest.NewServer(hang)
	defer stooq.Close()

	f := newFixture(t, av.URL, stooq.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	outcomes, err := f.runner.RunDailyIngestion(ctx, nil, tradeDate)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	outcome := outcomes[0]
	if outcome.State != StateFailed {
		t.Fatalf("expected failed, got %s", outcome.State)
	}
	if outcome.Error != "cancelled" {
		t.Fatalf("expected cancelled error, got %q", outcome.Error)
	}
	if n := f.countBars(t); n != 0 {
		t.Fatalf("expected no bars stored after cancellation, got %d", n)
	}

	// The audit trail survives the cancellation.
	entry := f.aggregateEntry(t)
	if entry.Status != models.RunStatusFailed {
		t.Fatalf("expected failed audit entry, got %s", entry.Status)
	}
	if entry.ErrorMessage != "cancelled" {
		t.Fatalf("expected cancelled audit message, got %q", entry.ErrorMessage)
	}
}

func TestRunDailyIngestionMissingMappingFails(t *testing.T) {
	tradeDate := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	av := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, avBody("2026-08-28", "18430.10", "18510.75", "18390.00", "18472.50"))
	}))
	defer av.Close()
	stooq := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, stooqBody("2026-08-28", "18430.00", "18511.00", "18390.50", "18473.00"))
	}))
	defer stooq.Close()

	f := newFixture(t, av.URL, stooq.URL)
	f.seedBar(t, time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC), "18430.10")

	// An instrument with no provider mappings at all.
	unmapped := &models.Instrument{Symbol: "SPX", Kind: "index", Active: true, RoundStep: decimal.NewFromInt(100)}
	if err := f.db.Create(unmapped).Error; err != nil {
		t.Fatalf("seed unmapped instrument: %v", err)
	}

	outcomes, err := f.runner.RunDailyIngestion(context.Background(), nil, tradeDate)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected two outcomes, got %d", len(outcomes))
	}

	bySymbol := make(map[string]RunOutcome, len(outcomes))
	for _, o := range outcomes {
		bySymbol[o.Symbol] = o
	}
	if got := bySymbol["DAX"].State; got != StateCompleted {
		t.Fatalf("expected mapped instrument to complete, got %s", got)
	}
	if got := bySymbol["SPX"].State; got != StateFailed {
		t.Fatalf("expected unmapped instrument to fail, got %s", got)
	}
}
