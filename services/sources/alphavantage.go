package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const alphaVantageProvider = "alphavantage"

// Browser-like User-Agent; Alpha Vantage throttles the default Go client string.
const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// AlphaVantageClient fetches daily bars from the Alpha Vantage
// TIME_SERIES_DAILY endpoint.
type AlphaVantageClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewAlphaVantageClient creates an Alpha Vantage client. The base URL is
// injectable so tests can point it at a local fake.
func NewAlphaVantageClient(baseURL, apiKey string, timeout time.Duration) *AlphaVantageClient {
	return &AlphaVantageClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *AlphaVantageClient) Name() string { return alphaVantageProvider }

// alphaVantageResponse mirrors the loosely typed TIME_SERIES_DAILY payload:
// every value arrives as a string keyed by a numbered field name.
type alphaVantageResponse struct {
	ErrorMessage string                     `json:"Error Message"`
	Note         string                     `json:"Note"`
	Information  string                     `json:"Information"`
	TimeSeries   map[string]alphaVantageBar `json:"Time Series (Daily)"`
}

type alphaVantageBar struct {
	Open   string `json:"1. open"`
	High   string `json:"2. high"`
	Low    string `json:"3. low"`
	Close  string `json:"4. close"`
	Volume string `json:"5. volume"`
}

// FetchDailyBar requests the daily series and extracts the requested date.
func (c *AlphaVantageClient) FetchDailyBar(ctx context.Context, identifier string, tradeDate time.Time) (*FetchResult, error) {
	endpoint := fmt.Sprintf("%s/query?function=TIME_SERIES_DAILY&symbol=%s&outputsize=compact&apikey=%s",
		c.baseURL, url.QueryEscape(identifier), url.QueryEscape(c.apiKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &TerminalError{Provider: alphaVantageProvider, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Provider: alphaVantageProvider, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, &TransientError{
			Provider: alphaVantageProvider,
			Err:      fmt.Errorf("status %d", resp.StatusCode),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &TerminalError{
			Provider: alphaVantageProvider,
			Err:      fmt.Errorf("status %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Provider: alphaVantageProvider, Err: fmt.Errorf("read body: %w", err)}
	}

	var payload alphaVantageResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &TerminalError{Provider: alphaVantageProvider, Err: fmt.Errorf("parse response: %w", err)}
	}

	// A "Note" is Alpha Vantage's rate-limit answer and worth retrying
	// later; an "Error Message" means the request itself is wrong.
	if payload.Note != "" {
		return nil, &TransientError{Provider: alphaVantageProvider, Err: fmt.Errorf("rate limited: %s", payload.Note)}
	}
	if payload.ErrorMessage != "" {
		return nil, &TerminalError{Provider: alphaVantageProvider, Err: fmt.Errorf("api error: %s", payload.ErrorMessage)}
	}
	if len(payload.TimeSeries) == 0 {
		return nil, ErrNoData
	}

	day := civilDate(tradeDate)
	bar, ok := payload.TimeSeries[day.Format("2006-01-02")]
	if !ok {
		return nil, ErrNoData
	}

	return c.normalize(identifier, day, bar)
}

// normalize coerces the string-typed provider bar into the canonical result.
func (c *AlphaVantageClient) normalize(identifier string, day time.Time, bar alphaVantageBar) (*FetchResult, error) {
	open, err := parsePrice(alphaVantageProvider, "open", bar.Open)
	if err != nil {
		return nil, err
	}
	high, err := parsePrice(alphaVantageProvider, "high", bar.High)
	if err != nil {
		return nil, err
	}
	low, err := parsePrice(alphaVantageProvider, "low", bar.Low)
	if err != nil {
		return nil, err
	}
	closePx, err := parsePrice(alphaVantageProvider, "close", bar.Close)
	if err != nil {
		return nil, err
	}

	result := &FetchResult{
		Provider:  alphaVantageProvider,
		Symbol:    identifier,
		TradeDate: day,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePx,
	}

	// Indices and FX report no meaningful volume; keep it optional.
	if bar.Volume != "" {
		if vol, err := strconv.ParseInt(bar.Volume, 10, 64); err == nil && vol > 0 {
			result.Volume = &vol
		}
	}

	if err := validateResult(alphaVantageProvider, result); err != nil {
		return nil, err
	}
	return result, nil
}
