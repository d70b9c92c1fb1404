// Package pricing предоставляет клиент внешнего сервиса пересчёта стоимости.
package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client инкапсулирует HTTP-взаимодействие с сервисом пересчёта стоимости.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// QuoteSnapshot описывает состояние предложения, по которому считается стоимость.
type QuoteSnapshot struct {
	QuoteID          int64   `json:"quote_id"`
	TierID           int64   `json:"tier_id"`
	LevelID          *int64  `json:"level_id,omitempty"`
	SelectedServices []int64 `json:"selected_services"`
	DiscountAmount   float64 `json:"discount_amount"`
}

// Totals описывает ответ сервиса пересчёта по одному предложению.
type Totals struct {
	BasePrice      float64 `json:"base_price"`
	ServicesPrice  float64 `json:"services_price"`
	DiscountAmount float64 `json:"discount_amount"`
	TaxAmount      float64 `json:"tax_amount"`
	TotalPrice     float64 `json:"total_price"`
}

// NewClient создаёт HTTP-клиент для обращения к сервису пересчёта по указанному адресу.
// Временные сетевые сбои и 429 с Retry-After ретраятся на уровне транспорта.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc.StandardClient(),
	}
}

// CalculateTotals запрашивает пересчёт денежных полей для указанного предложения.
func (c *Client) CalculateTotals(ctx context.Context, snap QuoteSnapshot) (*Totals, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("pricing client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	url := fmt.Sprintf("%s/api/pricing/calculate", base)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result Totals
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &result, nil
}
