// Package gateway предоставляет клиент платёжного шлюза: проверку транзакций
// и подписи уведомлений.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotConfigured возвращается, если адрес шлюза не задан.
var ErrNotConfigured = errors.New("payment gateway not configured")

// Статусы транзакции в шлюзе.
const (
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusAbandoned = "abandoned"
	StatusReversed  = "reversed"
)

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

// Transaction описывает транзакцию шлюза. Amount задан в минимальных единицах валюты.
type Transaction struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	PaidAt    string `json:"paid_at,omitempty"`
}

// Succeeded сообщает, что оплата прошла.
func (t *Transaction) Succeeded() bool {
	return t != nil && t.Status == StatusSuccess
}

// Final сообщает, что транзакция завершилась неуспешно и больше не изменится.
func (t *Transaction) Final() bool {
	if t == nil {
		return false
	}
	switch t.Status {
	case StatusFailed, StatusAbandoned, StatusReversed:
		return true
	}
	return false
}

// Value возвращает сумму транзакции в основных единицах валюты.
func (t *Transaction) Value() decimal.Decimal {
	return decimal.New(t.Amount, -2)
}

type verifyResponse struct {
	Status  bool         `json:"status"`
	Message string       `json:"message"`
	Data    *Transaction `json:"data"`
}

// NewClient создаёт HTTP-клиент шлюза по указанному адресу и секретному ключу.
func NewClient(baseURL, secret string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Configured сообщает, задан ли адрес шлюза.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// VerifyTransaction запрашивает статус транзакции по платёжной ссылке.
// При 429 возвращает nil, код ответа и рекомендуемую паузу без ошибки.
// При 404 возвращает nil и код ответа без ошибки: шлюз ещё не знает о платеже.
func (c *Client) VerifyTransaction(ctx context.Context, reference string) (*Transaction, int, time.Duration, error) {
	if !c.Configured() {
		return nil, 0, 0, ErrNotConfigured
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	endpoint := fmt.Sprintf("%s/transaction/verify/%s", base, url.PathEscape(reference))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, resp.StatusCode, 0, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}
	if !result.Status || result.Data == nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("verification rejected: %s", result.Message)
	}
	if result.Data.Reference != "" && result.Data.Reference != reference {
		return nil, resp.StatusCode, 0, fmt.Errorf("reference mismatch: got %q", result.Data.Reference)
	}

	return result.Data, resp.StatusCode, 0, nil
}
