// Package simulator эмулирует биржевой источник данных: котировки, ордера и сбои соединения.
package simulator

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skalibog/tradesync/internal/clock"
	"github.com/skalibog/tradesync/pkg/logger"
	"github.com/skalibog/tradesync/pkg/models"
)

// Config параметры симуляции
type Config struct {
	TickInterval time.Duration
	// ErrorRate доля GET-запросов, отклоняемых при отключенном источнике
	ErrorRate float64
	// ReconnectSuccess вероятность успешной попытки переподключения
	ReconnectSuccess float64
}

// DefaultConfig параметры по умолчанию
func DefaultConfig() Config {
	return Config{
		TickInterval:     time.Second,
		ErrorRate:        0.1,
		ReconnectSuccess: 0.8,
	}
}

// Random источник случайных чисел в [0, 1)
type Random interface {
	Float64() float64
}

// Tool описание инструмента API
type Tool struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Parameters  map[string]string `json:"parameters"`
}

var tools = []Tool{
	{Name: "list_exchanges", Description: "List all available cryptocurrency exchanges", Parameters: map[string]string{}},
	{Name: "get_price", Description: "Get current price for a trading pair", Parameters: map[string]string{"symbol": "string", "exchange": "string"}},
	{Name: "place_order", Description: "Place a buy or sell order", Parameters: map[string]string{"exchange": "string", "symbol": "string", "side": "buy|sell", "amount": "number", "price": "number"}},
	{Name: "cancel_order", Description: "Cancel an existing order", Parameters: map[string]string{"exchange": "string", "orderId": "string"}},
	{Name: "subscribe_ticker", Description: "Subscribe to real-time ticker updates", Parameters: map[string]string{"symbols": "array"}},
	{Name: "reconnect", Description: "Try to restore the upstream connection", Parameters: map[string]string{}},
}

// Server симулируемая биржа
type Server struct {
	cfg     Config
	clock   clock.Clock
	log     *zap.Logger
	started time.Time
	hub     *hub

	mu            sync.Mutex
	rnd           Random
	tickers       map[string]models.MarketTick
	exchanges     []models.ExchangeInfo
	connected     bool
	lastError     *models.ConnectionError
	retryCount    int
	subscriptions []string
}

// Option настройка симулятора
type Option func(*Server)

// WithRandom задает источник случайности
func WithRandom(r Random) Option {
	return func(s *Server) { s.rnd = r }
}

// WithClock задает часы
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// New создает симулятор с начальными котировками
func New(cfg Config, opts ...Option) *Server {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.ErrorRate < 0 || cfg.ErrorRate > 1 {
		cfg.ErrorRate = def.ErrorRate
	}
	if cfg.ReconnectSuccess < 0 || cfg.ReconnectSuccess > 1 {
		cfg.ReconnectSuccess = def.ReconnectSuccess
	}

	s := &Server{
		cfg:       cfg,
		clock:     clock.Real(),
		log:       logger.Named("simulator"),
		hub:       newHub(),
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
		connected: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.clock.Now()

	now := s.started.UnixMilli()
	s.tickers = map[string]models.MarketTick{
		"BTC/USDT": {Symbol: "BTC/USDT", Price: 43500, Change24h: 2.5, Volume24h: 1.2e9, Timestamp: now},
		"ETH/USDT": {Symbol: "ETH/USDT", Price: 2450, Change24h: -1.2, Volume24h: 8.5e8, Timestamp: now},
		"SOL/USDT": {Symbol: "SOL/USDT", Price: 98.5, Change24h: 4.3, Volume24h: 3.2e8, Timestamp: now},
	}
	s.exchanges = []models.ExchangeInfo{
		{Name: "Binance", Status: "connected", Markets: []string{"BTC/USDT", "ETH/USDT", "SOL/USDT", "BNB/USDT", "XRP/USDT"}},
		{Name: "Upbit", Status: "connected", Markets: []string{"BTC/KRW", "ETH/KRW", "SOL/KRW"}},
		{Name: "Gate.io", Status: "connected", Markets: []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"}},
	}
	return s
}

// Run двигает цены каждые TickInterval до отмены контекста
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.log.Info("Симуляция котировок запущена", zap.Duration("interval", s.cfg.TickInterval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Step()
		}
	}
}

// Step один шаг симуляции: при подключении цены смещаются на ±0.1%
// и рассылается ticker_update, иначе рассылается error.
func (s *Server) Step() {
	s.mu.Lock()
	var event map[string]any
	if !s.connected {
		event = map[string]any{"type": "error", "error": s.lastError}
	} else {
		now := s.clock.Now().UnixMilli()
		for _, symbol := range s.symbolsLocked() {
			t := s.tickers[symbol]
			t.Price *= 1 + (s.rnd.Float64()-0.5)*0.002
			t.Change24h += (s.rnd.Float64() - 0.5) * 0.1
			t.Timestamp = now
			s.tickers[symbol] = t
		}
		event = map[string]any{"type": "ticker_update", "tickers": s.tickersLocked(), "timestamp": now}
	}
	s.mu.Unlock()

	msg, err := json.Marshal(event)
	if err != nil {
		s.log.Error("Ошибка сериализации события", zap.Error(err))
		return
	}
	s.hub.broadcast(msg)
}

// Connected сообщает, подключен ли источник
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Streams количество открытых потоков
func (s *Server) Streams() int {
	return s.hub.count()
}

// Disconnect имитирует обрыв соединения источника
func (s *Server) Disconnect(code, message string, retryable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.lastError = s.errLocked(code, message, retryable)
	s.log.Warn("Источник отключен", zap.String("code", code))
}

func (s *Server) connectedEvent() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Marshal(map[string]any{"type": "connected", "tickers": s.tickersLocked()})
}

func (s *Server) status() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"connected":            s.connected,
		"exchanges":            len(s.exchanges),
		"tools":                len(tools),
		"uptime":               s.clock.Now().Sub(s.started).Seconds(),
		"lastError":            s.lastError,
		"connectionRetryCount": s.retryCount,
		"activeSubscriptions":  len(s.subscriptions),
	}
}

// failRequest решает, отклонить ли GET при отключенном источнике
func (s *Server) failRequest() (bool, *models.ConnectionError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return false, nil
	}
	return s.rnd.Float64() < s.cfg.ErrorRate, s.lastError
}

func (s *Server) placeOrder(p orderParams) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.exchangeConnectedLocked(p.Exchange) {
		return nil, errExchangeNotConnected
	}
	if !p.Side.Valid() || p.Amount <= 0 || p.Symbol == "" {
		return nil, fmt.Errorf("некорректные параметры ордера")
	}

	now := s.clock.Now().UnixMilli()
	price := p.Price
	if t, ok := s.tickers[p.Symbol]; ok {
		if price <= 0 {
			price = t.Price
		}
		t.Price = price
		t.Timestamp = now
		s.tickers[p.Symbol] = t
	}
	if price <= 0 {
		return nil, fmt.Errorf("нет цены для %s", p.Symbol)
	}

	order := map[string]any{
		"id":        uuid.New().String(),
		"exchange":  p.Exchange,
		"symbol":    p.Symbol,
		"side":      p.Side,
		"amount":    p.Amount,
		"price":     price,
		"status":    models.StatusFilled,
		"timestamp": now,
	}
	s.log.Info("Ордер исполнен",
		zap.String("symbol", p.Symbol),
		zap.String("side", string(p.Side)),
		zap.Float64("amount", p.Amount),
		zap.Float64("price", price))
	return order, nil
}

func (s *Server) subscribe(symbols []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool, len(s.subscriptions))
	for _, sym := range s.subscriptions {
		seen[sym] = true
	}
	for _, sym := range symbols {
		if sym != "" && !seen[sym] {
			seen[sym] = true
			s.subscriptions = append(s.subscriptions, sym)
		}
	}
	return append([]string(nil), s.subscriptions...)
}

func (s *Server) toggle(connected bool) (bool, *models.ConnectionError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = connected
	if connected {
		s.lastError = nil
		s.retryCount = 0
	} else {
		s.lastError = s.errLocked(models.CodeManualDisconnect, "MCP connection manually disabled", false)
	}
	s.log.Info("Соединение переключено", zap.Bool("connected", connected))
	return s.connected, s.lastError
}

// reconnect одна попытка, успешна с вероятностью ReconnectSuccess
func (s *Server) reconnect() (bool, *models.ConnectionError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return true, nil
	}
	if s.rnd.Float64() < s.cfg.ReconnectSuccess {
		s.connected = true
		s.lastError = nil
		s.retryCount = 0
		s.log.Info("Переподключение успешно")
		return true, nil
	}
	s.retryCount++
	s.lastError = s.errLocked(models.CodeConnectionFailed,
		fmt.Sprintf("Reconnection attempt %d failed", s.retryCount), true)
	s.log.Warn("Попытка переподключения не удалась", zap.Int("retry_count", s.retryCount))
	return false, s.lastError
}

func (s *Server) exchangeList() []models.ExchangeInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ExchangeInfo(nil), s.exchanges...)
}

func (s *Server) ticker(symbol string) (models.MarketTick, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickers[symbol]
	return t, ok
}

func (s *Server) tickerMap() map[string]models.MarketTick {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tickersLocked()
}

func (s *Server) tickersLocked() map[string]models.MarketTick {
	out := make(map[string]models.MarketTick, len(s.tickers))
	for k, v := range s.tickers {
		out[k] = v
	}
	return out
}

// symbolsLocked фиксирует порядок обхода, чтобы шаг зависел только от Random
func (s *Server) symbolsLocked() []string {
	out := make([]string, 0, len(s.tickers))
	for k := range s.tickers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Server) exchangeConnectedLocked(name string) bool {
	for _, e := range s.exchanges {
		if e.Name == name {
			return e.Status == "connected"
		}
	}
	return false
}

func (s *Server) connectedExchangesLocked() []string {
	var out []string
	for _, e := range s.exchanges {
		if e.Status == "connected" {
			out = append(out, e.Name)
		}
	}
	return out
}

func (s *Server) errLocked(code, message string, retryable bool) *models.ConnectionError {
	return &models.ConnectionError{
		Code:      code,
		Message:   message,
		Timestamp: s.clock.Now().UnixMilli(),
		Retryable: retryable,
	}
}
