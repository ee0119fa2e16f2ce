// Package reportsclient fetches per-publisher revenue totals from the
// report-ingestion service. It is the external counterpart the reconciler
// compares ledger totals against.
package reportsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTP: &http.Client{Timeout: 15 * time.Second}}
}

// Totals queries the reported revenue per publisher for a period. The
// response amounts are decimal strings.
func (c *Client) Totals(ctx context.Context, periodStart, periodEnd time.Time) (map[string]decimal.Decimal, error) {
	url := fmt.Sprintf("%s/reports/totals?start=%d&end=%d",
		c.BaseURL, periodStart.UnixMilli(), periodEnd.UnixMilli())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("reports service returned %d", resp.StatusCode)
	}
	var out struct {
		Totals map[string]string `json:"totals"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	totals := make(map[string]decimal.Decimal, len(out.Totals))
	for publisherID, amount := range out.Totals {
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("reports service: bad amount for %s: %w", publisherID, err)
		}
		totals[publisherID] = d
	}
	return totals, nil
}
