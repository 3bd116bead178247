// Package coingate предоставляет клиент API CoinGate и разбор его уведомлений.
package coingate

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

	"github.com/mmeshcher/coingate-gateway/internal/model"
)

const (
	// SandboxURL указывает на тестовое окружение CoinGate.
	SandboxURL = "https://api-sandbox.coingate.com"
	// LiveURL указывает на боевое окружение CoinGate.
	LiveURL = "https://api.coingate.com"
)

// ErrOrderNotFound возвращается, если CoinGate не знает заказа с указанным идентификатором.
var ErrOrderNotFound = errors.New("coingate order not found")

// RateLimitedError возвращается при ответе 429. RetryAfter равен нулю, если заголовок не задан.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("coingate rate limit exceeded, retry after %s", e.RetryAfter)
}

// ClientConfig содержит параметры клиента API CoinGate.
type ClientConfig struct {
	// BaseURL переопределяет адрес API. Если пуст, выбирается по Sandbox.
	BaseURL   string
	AuthToken string
	Sandbox   bool
	Timeout   time.Duration
}

// Client инкапсулирует HTTP-взаимодействие с API CoinGate.
// Создаётся один раз при старте сервиса и далее используется только на чтение.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

type orderResponse struct {
	ID          json.Number `json:"id"`
	OrderID     string      `json:"order_id"`
	Status      string      `json:"status"`
	Token       string      `json:"token"`
	PaymentURL  string      `json:"payment_url"`
	PriceAmount json.Number `json:"price_amount"`
}

// NewClient создаёт клиент API CoinGate.
func NewClient(cfg ClientConfig) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = LiveURL
		if cfg.Sandbox {
			base = SandboxURL
		}
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Client{
		baseURL:   strings.TrimRight(base, "/"),
		authToken: cfg.AuthToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// FindOrder запрашивает текущее состояние заказа в CoinGate.
func (c *Client) FindOrder(ctx context.Context, id string) (*model.RemoteOrder, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("coingate client not configured")
	}
	if id == "" {
		return nil, fmt.Errorf("empty order id")
	}

	endpoint := fmt.Sprintf("%s/v2/orders/%s", c.baseURL, url.PathEscape(id))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.authToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, &RateLimitedError{RetryAfter: retryAfter}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result orderResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &model.RemoteOrder{
		ID:          result.ID.String(),
		OrderID:     result.OrderID,
		Status:      strings.ToLower(strings.TrimSpace(result.Status)),
		Token:       result.Token,
		PaymentURL:  result.PaymentURL,
		PriceAmount: result.PriceAmount.String(),
	}, nil
}
