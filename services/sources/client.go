package sources

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// ErrNoData is returned when a provider answers well-formed but has no bar
// for the requested trade date (market holiday, weekend). It is terminal:
// retrying cannot change the answer.
var ErrNoData = errors.New("no data for trade date")

// TransientError wraps a retryable fetch failure: network error, timeout,
// 5xx or rate limiting.
type TransientError struct {
	Provider string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient fetch error: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// TerminalError wraps a non-retryable fetch failure: malformed payload,
// unknown symbol, 4xx.
type TerminalError struct {
	Provider string
	Err      error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("%s: terminal fetch error: %v", e.Provider, e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// FetchResult is the canonical, fully normalized outcome of one provider
// fetch. No provider-specific representation crosses this boundary.
type FetchResult struct {
	Provider  string
	Symbol    string // provider-specific identifier the fetch was made with
	TradeDate time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    *int64 // nil when the source does not report volume
}

// Client fetches one instrument's daily bar from one named provider.
type Client interface {
	Name() string
	FetchDailyBar(ctx context.Context, identifier string, tradeDate time.Time) (*FetchResult, error)
}

// RetryPolicy bounds the retry loop around a single provider fetch. The
// delay is injected so tests can run with zero sleep.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultRetryPolicy mirrors the production schedule: three attempts five
// minutes apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Delay: 5 * time.Minute}
}

// FetchWithRetry performs the fetch, retrying transient failures up to the
// policy limit. It returns the number of attempts made so the audit trail
// can record it. Terminal errors and no-data responses are returned on the
// first occurrence.
func FetchWithRetry(ctx context.Context, client Client, identifier string, tradeDate time.Time, policy RetryPolicy) (*FetchResult, int, error) {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result, err := client.FetchDailyBar(ctx, identifier, tradeDate)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		if !IsTransient(err) {
			return nil, attempt, err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		log.WithFields(log.Fields{
			"provider": client.Name(),
			"symbol":   identifier,
			"attempt":  attempt,
			"error":    err.Error(),
		}).Warn("Fetch failed, retrying")

		select {
		case <-time.After(policy.Delay):
		case <-ctx.Done():
			return nil, attempt, ctx.Err()
		}
	}

	// Retries exhausted: the transient failure escalates to terminal.
	return nil, policy.MaxAttempts, &TerminalError{
		Provider: client.Name(),
		Err:      fmt.Errorf("retries exhausted after %d attempts: %w", policy.MaxAttempts, lastErr),
	}
}

// validateResult checks that a decoded bar is internally usable before it
// leaves the provider boundary.
func validateResult(provider string, r *FetchResult) error {
	if r.Open.IsZero() && r.High.IsZero() && r.Low.IsZero() && r.Close.IsZero() {
		return &TerminalError{Provider: provider, Err: errors.New("all prices zero in provider response")}
	}
	if r.Close.LessThanOrEqual(decimal.Zero) {
		return &TerminalError{Provider: provider, Err: fmt.Errorf("non-positive close %s", r.Close)}
	}
	return nil
}

// parsePrice coerces a provider price string into a decimal.
func parsePrice(provider, field, raw string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, &TerminalError{
			Provider: provider,
			Err:      fmt.Errorf("parse %s %q: %w", field, raw, err),
		}
	}
	return value, nil
}

// civilDate truncates a timestamp to its calendar day at midnight UTC.
// Trade dates are compared and stored in this form.
func civilDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// CivilDate is the exported form used by callers normalizing scheduler input.
func CivilDate(t time.Time) time.Time { return civilDate(t) }
