package reconcile

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/umi1970/TradeMatrix-sub001/services/sources"
)

func testResult(provider string, day time.Time, close string) *sources.FetchResult {
	c := decimal.RequireFromString(close)
	return &sources.FetchResult{
		Provider:  provider,
		Symbol:    "DAX",
		TradeDate: day,
		Open:      c.Sub(decimal.NewFromInt(1)),
		High:      c.Add(decimal.NewFromInt(2)),
		Low:       c.Sub(decimal.NewFromInt(2)),
		Close:     c,
	}
}

func TestReconcileAgreementWithinTolerance(t *testing.T) {
	day := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	r := New(decimal.RequireFromString("0.5"))

	// 0.3% apart, inside the 0.5% tolerance.
	bar, warnings, err := r.Reconcile(
		testResult("alphavantage", day, "100.00"),
		testResult("stooq", day, "100.30"),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", warnings)
	}
	if bar.QualityScore != ScoreValidated {
		t.Fatalf("expected score %.2f, got %.2f", ScoreValidated, bar.QualityScore)
	}
	if !bar.Validated {
		t.Fatal("expected bar to be validated")
	}
	if !bar.Close.Equal(decimal.RequireFromString("100.00")) {
		t.Fatalf("expected primary close kept, got %s", bar.Close)
	}
}

func TestReconcileDeviationKeepsPrimary(t *testing.T) {
	day := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	r := New(decimal.RequireFromString("0.5"))

	// 0.6% apart, outside tolerance: primary wins, never averaged.
	bar, warnings, err := r.Reconcile(
		testResult("alphavantage", day, "100.00"),
		testResult("stooq", day, "100.60"),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bar.QualityScore != ScoreDeviation {
		t.Fatalf("expected score %.2f, got %.2f", ScoreDeviation, bar.QualityScore)
	}
	if bar.Validated {
		t.Fatal("expected bar not validated")
	}
	if !bar.Close.Equal(decimal.RequireFromString("100.00")) {
		t.Fatalf("expected primary close kept, got %s", bar.Close)
	}
	if len(warnings) != 1 || warnings[0] != WarnDeviation {
		t.Fatalf("expected %q warning, got %v", WarnDeviation, warnings)
	}
	if bar.Source != "alphavantage" {
		t.Fatalf("expected primary source recorded, got %s", bar.Source)
	}
}

func TestReconcileSingleSource(t *testing.T) {
	day := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	r := New(decimal.RequireFromString("0.5"))

	for _, tc := range []struct {
		name            string
		primary, backup *sources.FetchResult
		wantSource      string
	}{
		{"primary only", testResult("alphavantage", day, "100.00"), nil, "alphavantage"},
		{"backup only", nil, testResult("stooq", day, "100.00"), "stooq"},
	} {
		bar, warnings, err := r.Reconcile(tc.primary, tc.backup)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if bar.QualityScore != ScoreSingleSource {
			t.Fatalf("%s: expected score %.2f, got %.2f", tc.name, ScoreSingleSource, bar.QualityScore)
		}
		if len(warnings) != 1 || warnings[0] != WarnSingleSource {
			t.Fatalf("%s: expected %q warning, got %v", tc.name, WarnSingleSource, warnings)
		}
		if bar.Source != tc.wantSource {
			t.Fatalf("%s: expected source %s, got %s", tc.name, tc.wantSource, bar.Source)
		}
	}
}

func TestReconcileDateMismatchIsHardFailure(t *testing.T) {
	r := New(decimal.RequireFromString("0.5"))

	bar, _, err := r.Reconcile(
		testResult("alphavantage", time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC), "100.00"),
		testResult("stooq", time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC), "100.00"),
	)
	if bar != nil {
		t.Fatal("expected no bar on date mismatch")
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestReconcileNoSources(t *testing.T) {
	r := New(decimal.RequireFromString("0.5"))
	if _, _, err := r.Reconcile(nil, nil); !errors.Is(err, ErrNoSources) {
		t.Fatalf("expected ErrNoSources, got %v", err)
	}
}
