package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side направление сделки
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid проверяет допустимость значения
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// PositionSide направление позиции
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// Valid проверяет допустимость значения
func (s PositionSide) Valid() bool {
	return s == PositionLong || s == PositionShort
}

// PositionSideFor возвращает сторону позиции, открываемой сделкой
func PositionSideFor(side Side) PositionSide {
	if side == SideSell {
		return PositionShort
	}
	return PositionLong
}

// TradeStatus статус сделки
type TradeStatus string

const (
	StatusFilled    TradeStatus = "filled"
	StatusPending   TradeStatus = "pending"
	StatusCancelled TradeStatus = "cancelled"
)

// Valid проверяет допустимость значения
func (s TradeStatus) Valid() bool {
	return s == StatusFilled || s == StatusPending || s == StatusCancelled
}

// Коды ошибок соединения
const (
	CodeConnectionFailed   = "CONNECTION_FAILED"
	CodeManualDisconnect   = "MANUAL_DISCONNECT"
	CodeReconnectExhausted = "RECONNECT_EXHAUSTED"
	CodeStreamClosed       = "STREAM_CLOSED"
	CodeAPIError           = "API_ERROR"
	CodeExecutionError     = "EXECUTION_ERROR"
)

// MarketTick представляет текущую котировку символа
type MarketTick struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Change24h float64 `json:"change24h"`
	Volume24h float64 `json:"volume24h"`
	Timestamp int64   `json:"timestamp"` // Unix ms
}

// Trade представляет сделку
type Trade struct {
	ID        string      `json:"id"`
	Exchange  string      `json:"exchange"`
	Symbol    string      `json:"symbol"`
	Side      Side        `json:"side"`
	Amount    float64     `json:"amount"`
	Price     float64     `json:"price"`
	Timestamp int64       `json:"timestamp"` // Unix ms
	Status    TradeStatus `json:"status"`
}

// ExecutedAt возвращает время исполнения
func (t Trade) ExecutedAt() time.Time {
	return time.UnixMilli(t.Timestamp)
}

// Position представляет открытую позицию
type Position struct {
	ID           string       `json:"id"`
	Symbol       string       `json:"symbol"`
	Side         PositionSide `json:"side"`
	Size         float64      `json:"size"`
	EntryPrice   float64      `json:"entryPrice"`
	CurrentPrice float64      `json:"currentPrice"`
	PnL          float64      `json:"pnl"`
	PnLPercent   float64      `json:"pnlPercent"`
}

// Reprice пересчитывает PnL по новой цене
func (p Position) Reprice(price float64) Position {
	p.CurrentPrice = price

	size := decimal.NewFromFloat(p.Size)
	entry := decimal.NewFromFloat(p.EntryPrice)
	diff := decimal.NewFromFloat(price).Sub(entry)
	if p.Side == PositionShort {
		diff = diff.Neg()
	}

	pnl := diff.Mul(size)
	p.PnL = pnl.InexactFloat64()

	notional := entry.Mul(size)
	if notional.IsZero() {
		p.PnLPercent = 0
		return p
	}
	p.PnLPercent = pnl.Div(notional).Mul(decimal.NewFromInt(100)).Round(4).InexactFloat64()
	return p
}

// OrderForm черновик ордера
type OrderForm struct {
	Exchange string  `json:"exchange"`
	Symbol   string  `json:"symbol"`
	Side     Side    `json:"side"`
	Amount   float64 `json:"amount"`
	Leverage int     `json:"leverage"`
}

// DefaultOrderForm форма ордера по умолчанию
func DefaultOrderForm() OrderForm {
	return OrderForm{
		Exchange: "Binance",
		Symbol:   "BTC/USDT",
		Side:     SideBuy,
		Amount:   0.1,
		Leverage: 1,
	}
}

// OrderFormPatch частичное обновление формы, nil - поле не меняется
type OrderFormPatch struct {
	Exchange *string
	Symbol   *string
	Side     *Side
	Amount   *float64
	Leverage *int
}

// Apply применяет патч, недопустимые значения игнорируются
func (p OrderFormPatch) Apply(f OrderForm) OrderForm {
	if p.Exchange != nil && *p.Exchange != "" {
		f.Exchange = *p.Exchange
	}
	if p.Symbol != nil && *p.Symbol != "" {
		f.Symbol = *p.Symbol
	}
	if p.Side != nil && p.Side.Valid() {
		f.Side = *p.Side
	}
	if p.Amount != nil && *p.Amount > 0 {
		f.Amount = *p.Amount
	}
	if p.Leverage != nil && *p.Leverage >= 1 {
		f.Leverage = *p.Leverage
	}
	return f
}

// ConnectionError ошибка соединения с источником данных
type ConnectionError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"` // Unix ms
	Retryable bool   `json:"retryable"`
}

func (e *ConnectionError) Error() string {
	return e.Code + ": " + e.Message
}

// Phase фаза контроллера переподключения
type Phase string

const (
	PhaseConnected    Phase = "connected"
	PhaseDisconnected Phase = "disconnected"
	PhaseReconnecting Phase = "reconnecting"
)

// ConnectionState состояние соединения, принадлежит контроллеру переподключения
type ConnectionState struct {
	Phase      Phase            `json:"phase"`
	Connected  bool             `json:"connected"`
	RetryCount int              `json:"retryCount"`
	Exhausted  bool             `json:"exhausted"`
	LastError  *ConnectionError `json:"lastError"`
}

// ExchangeStatus ответ status-эндпоинта
type ExchangeStatus struct {
	Connected            bool             `json:"connected"`
	Exchanges            int              `json:"exchanges"`
	Tools                int              `json:"tools"`
	Uptime               float64          `json:"uptime"`
	LastError            *ConnectionError `json:"lastError"`
	ConnectionRetryCount int              `json:"connectionRetryCount"`
	ActiveSubscriptions  int              `json:"activeSubscriptions"`
}

// ExchangeInfo описание подключенной биржи
type ExchangeInfo struct {
	Name      string   `json:"name"`
	Status    string   `json:"status"`
	Markets   []string `json:"markets"`
	LastError string   `json:"lastError,omitempty"`
}
