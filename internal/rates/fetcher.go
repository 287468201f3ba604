package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPFetcher reads an open.er-api.com style document:
// {"result":"success","base_code":"USD","time_last_update_unix":...,"rates":{"XAF":605.1}}.
type HTTPFetcher struct {
	URL        string
	HTTPClient *http.Client
}

func NewHTTPFetcher(url string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFetcher{URL: url, HTTPClient: &http.Client{Timeout: timeout}}
}

type erAPIResponse struct {
	Result     string                     `json:"result"`
	BaseCode   string                     `json:"base_code"`
	LastUpdate int64                      `json:"time_last_update_unix"`
	Rates      map[string]decimal.Decimal `json:"rates"`
	ErrorType  string                     `json:"error-type"`
}

func (f *HTTPFetcher) Fetch(ctx context.Context) (*Table, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create rates request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("rates api returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload erAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode rates response: %w", err)
	}
	if payload.Result != "" && payload.Result != "success" {
		return nil, fmt.Errorf("rates api error: %s", payload.ErrorType)
	}
	if len(payload.Rates) == 0 {
		return nil, fmt.Errorf("rates api returned an empty table")
	}
	if base := strings.ToUpper(payload.BaseCode); base != "" && base != "USD" {
		return nil, fmt.Errorf("rates api returned base %s, expected USD", base)
	}

	table := &Table{Base: "USD", Rates: make(map[string]decimal.Decimal, len(payload.Rates))}
	for code, rate := range payload.Rates {
		table.Rates[strings.ToUpper(code)] = rate
	}
	if payload.LastUpdate > 0 {
		table.FetchedAt = time.Unix(payload.LastUpdate, 0).UTC()
	}
	return table, nil
}
