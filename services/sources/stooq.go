package sources

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const stooqProvider = "stooq"

// StooqClient fetches daily bars from the Stooq CSV download endpoint
// (q/d/l). Stooq serves historical EOD rows as plain comma-separated text.
type StooqClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewStooqClient creates a Stooq client with an injectable base URL.
func NewStooqClient(baseURL string, timeout time.Duration) *StooqClient {
	return &StooqClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *StooqClient) Name() string { return stooqProvider }

// FetchDailyBar downloads the CSV for exactly the requested day and decodes
// the single data row.
func (c *StooqClient) FetchDailyBar(ctx context.Context, identifier string, tradeDate time.Time) (*FetchResult, error) {
	day := civilDate(tradeDate)
	stamp := day.Format("20060102")
	endpoint := fmt.Sprintf("%s/q/d/l/?s=%s&d1=%s&d2=%s&i=d",
		c.baseURL, url.QueryEscape(identifier), stamp, stamp)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &TerminalError{Provider: stooqProvider, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Provider: stooqProvider, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, &TransientError{Provider: stooqProvider, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &TerminalError{Provider: stooqProvider, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Provider: stooqProvider, Err: fmt.Errorf("read body: %w", err)}
	}

	text := strings.TrimSpace(string(body))
	// Stooq answers "No data" (or just the header) for holidays and
	// unknown date ranges.
	if text == "" || strings.EqualFold(text, "no data") {
		return nil, ErrNoData
	}

	records, err := csv.NewReader(strings.NewReader(text)).ReadAll()
	if err != nil {
		return nil, &TerminalError{Provider: stooqProvider, Err: fmt.Errorf("parse csv: %w", err)}
	}
	if len(records) < 2 {
		return nil, ErrNoData
	}

	return c.normalize(identifier, day, records[0], records[1])
}

// normalize maps one CSV data row onto the canonical result using the
// header row for column positions.
func (c *StooqClient) normalize(identifier string, day time.Time, header, row []string) (*FetchResult, error) {
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}

	field := func(name string) (string, error) {
		idx, ok := col[name]
		if !ok || idx >= len(row) {
			return "", &TerminalError{Provider: stooqProvider, Err: fmt.Errorf("missing column %q", name)}
		}
		return strings.TrimSpace(row[idx]), nil
	}

	rawDate, err := field("date")
	if err != nil {
		return nil, err
	}
	rowDate, err := time.Parse("2006-01-02", rawDate)
	if err != nil {
		return nil, &TerminalError{Provider: stooqProvider, Err: fmt.Errorf("parse date %q: %w", rawDate, err)}
	}
	rowDay := civilDate(rowDate)
	if !rowDay.Equal(day) {
		// Stooq silently substitutes the previous session when the
		// requested day has no bar; treat that as no data.
		return nil, ErrNoData
	}

	price := func(name string) (decimal.Decimal, error) {
		raw, err := field(name)
		if err != nil {
			return decimal.Zero, err
		}
		return parsePrice(stooqProvider, name, raw)
	}

	result := &FetchResult{
		Provider:  stooqProvider,
		Symbol:    identifier,
		TradeDate: day,
	}
	if result.Open, err = price("open"); err != nil {
		return nil, err
	}
	if result.High, err = price("high"); err != nil {
		return nil, err
	}
	if result.Low, err = price("low"); err != nil {
		return nil, err
	}
	if result.Close, err = price("close"); err != nil {
		return nil, err
	}

	// The volume column is absent for FX symbols.
	if idx, ok := col["volume"]; ok && idx < len(row) {
		if vol, err := strconv.ParseInt(strings.TrimSpace(row[idx]), 10, 64); err == nil && vol > 0 {
			result.Volume = &vol
		}
	}

	if err := validateResult(stooqProvider, result); err != nil {
		return nil, err
	}
	return result, nil
}
