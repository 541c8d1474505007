// Package exchange клиент HTTP API симулируемой биржи.
package exchange

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/skalibog/tradesync/pkg/logger"
	"github.com/skalibog/tradesync/pkg/models"
)

const apiPath = "/api/mcp"

// Действия POST-эндпоинта
const (
	ActionPlaceOrder       = "place_order"
	ActionCancelOrder      = "cancel_order"
	ActionSubscribeTicker  = "subscribe_ticker"
	ActionToggleConnection = "toggle_connection"
	ActionReconnect        = "reconnect"
)

// APIError ответ API с кодом не 2xx
type APIError struct {
	StatusCode int
	Message    string
	LastError  *models.ConnectionError
}

func (e *APIError) Error() string {
	if e.LastError != nil {
		return fmt.Sprintf("ошибка API (%d): %s: %s", e.StatusCode, e.Message, e.LastError.Message)
	}
	return fmt.Sprintf("ошибка API (%d): %s", e.StatusCode, e.Message)
}

// Unavailable сообщает, что источник данных отключен
func (e *APIError) Unavailable() bool {
	return e.StatusCode == http.StatusServiceUnavailable
}

// OrderRequest параметры ордера
type OrderRequest struct {
	Exchange string      `json:"exchange"`
	Symbol   string      `json:"symbol"`
	Side     models.Side `json:"side"`
	Amount   float64     `json:"amount"`
	Price    float64     `json:"price,omitempty"`
}

// ToggleResult ответ toggle_connection
type ToggleResult struct {
	Connected bool                    `json:"connected"`
	Message   string                  `json:"message"`
	LastError *models.ConnectionError `json:"lastError"`
}

// Client клиент API
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

// NewClient создает клиент для базового адреса
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.Named("exchange"),
	}
}

// BaseURL базовый адрес API
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Status получает состояние подключения источника
func (c *Client) Status(ctx context.Context) (models.ExchangeStatus, error) {
	var status models.ExchangeStatus
	if err := c.get(ctx, url.Values{"action": {"status"}}, &status); err != nil {
		return models.ExchangeStatus{}, fmt.Errorf("ошибка получения статуса: %w", err)
	}
	return status, nil
}

// Exchanges получает список подключенных бирж
func (c *Client) Exchanges(ctx context.Context) ([]models.ExchangeInfo, error) {
	var resp struct {
		Exchanges []models.ExchangeInfo `json:"exchanges"`
	}
	if err := c.get(ctx, url.Values{"action": {"exchanges"}}, &resp); err != nil {
		return nil, fmt.Errorf("ошибка получения списка бирж: %w", err)
	}
	return resp.Exchanges, nil
}

// Tickers получает текущие котировки, отсортированные по символу
func (c *Client) Tickers(ctx context.Context) ([]models.MarketTick, error) {
	var resp struct {
		Tickers map[string]models.MarketTick `json:"tickers"`
	}
	if err := c.get(ctx, url.Values{"action": {"ticker"}}, &resp); err != nil {
		return nil, fmt.Errorf("ошибка получения котировок: %w", err)
	}

	ticks := make([]models.MarketTick, 0, len(resp.Tickers))
	for symbol, t := range resp.Tickers {
		if t.Symbol == "" {
			t.Symbol = symbol
		}
		ticks = append(ticks, t)
	}
	sort.Slice(ticks, func(i, j int) bool { return ticks[i].Symbol < ticks[j].Symbol })
	return ticks, nil
}

// PlaceOrder размещает ордер и возвращает сырую запись исполненной сделки.
// Запись не проверяется, ее нужно пропустить через нормализацию.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (json.RawMessage, error) {
	var resp struct {
		Order   json.RawMessage `json:"order"`
		Success bool            `json:"success"`
	}
	if err := c.post(ctx, ActionPlaceOrder, req, &resp); err != nil {
		return nil, fmt.Errorf("ошибка размещения ордера: %w", err)
	}
	if !resp.Success || len(resp.Order) == 0 {
		return nil, fmt.Errorf("ошибка размещения ордера: пустой ответ")
	}
	return resp.Order, nil
}

// CancelOrder отменяет ордер
func (c *Client) CancelOrder(ctx context.Context, exchange, orderID string) error {
	var resp struct {
		Success bool `json:"success"`
	}
	params := map[string]string{"exchange": exchange, "orderId": orderID}
	if err := c.post(ctx, ActionCancelOrder, params, &resp); err != nil {
		return fmt.Errorf("ошибка отмены ордера: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("ордер %s не отменен", orderID)
	}
	return nil
}

// Subscribe подписывает на котировки, возвращает все активные подписки
func (c *Client) Subscribe(ctx context.Context, symbols []string) ([]string, error) {
	var resp struct {
		Subscribed bool     `json:"subscribed"`
		Symbols    []string `json:"symbols"`
	}
	params := map[string][]string{"symbols": symbols}
	if err := c.post(ctx, ActionSubscribeTicker, params, &resp); err != nil {
		return nil, fmt.Errorf("ошибка подписки: %w", err)
	}
	return resp.Symbols, nil
}

// ToggleConnection включает или отключает соединение источника
func (c *Client) ToggleConnection(ctx context.Context, connected bool) (ToggleResult, error) {
	var resp ToggleResult
	params := map[string]bool{"connected": connected}
	if err := c.post(ctx, ActionToggleConnection, params, &resp); err != nil {
		return ToggleResult{}, fmt.Errorf("ошибка переключения соединения: %w", err)
	}
	return resp, nil
}

// Reconnect одна попытка восстановить соединение источника
func (c *Client) Reconnect(ctx context.Context) error {
	var resp struct {
		Connected bool `json:"connected"`
	}
	if err := c.post(ctx, ActionReconnect, struct{}{}, &resp); err != nil {
		return fmt.Errorf("ошибка переподключения: %w", err)
	}
	if !resp.Connected {
		return fmt.Errorf("ошибка переподключения: источник не подключен")
	}
	return nil
}

// Attempt реализует попытку контроллера переподключения
func (c *Client) Attempt(ctx context.Context) error {
	return c.Reconnect(ctx)
}

func (c *Client) get(ctx context.Context, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiPath+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("ошибка создания запроса: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, action string, params any, out any) error {
	body, err := json.Marshal(map[string]any{"action": action, "params": params})
	if err != nil {
		return fmt.Errorf("ошибка сериализации запроса: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ошибка создания запроса: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.log.Debug("Запрос к API", zap.String("action", action))
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("ошибка чтения ответа: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var body struct {
			Error     string                  `json:"error"`
			LastError *models.ConnectionError `json:"lastError"`
		}
		if json.Unmarshal(data, &body) == nil {
			if body.Error != "" {
				apiErr.Message = body.Error
			}
			apiErr.LastError = body.LastError
		}
		return apiErr
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("ошибка разбора ответа: %w", err)
	}
	return nil
}
