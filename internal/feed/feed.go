// Package feed связывает поток котировок, опрос, контроллер переподключения и хранилище.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/skalibog/tradesync/internal/clock"
	"github.com/skalibog/tradesync/internal/exchange"
	"github.com/skalibog/tradesync/internal/normalize"
	"github.com/skalibog/tradesync/internal/reconnect"
	"github.com/skalibog/tradesync/internal/store"
	"github.com/skalibog/tradesync/internal/stream"
	"github.com/skalibog/tradesync/pkg/logger"
	"github.com/skalibog/tradesync/pkg/models"
)

// API операции биржевого API, нужные ленте
type API interface {
	Status(ctx context.Context) (models.ExchangeStatus, error)
	Exchanges(ctx context.Context) ([]models.ExchangeInfo, error)
	Tickers(ctx context.Context) ([]models.MarketTick, error)
	PlaceOrder(ctx context.Context, req exchange.OrderRequest) (json.RawMessage, error)
	CancelOrder(ctx context.Context, exchangeName, orderID string) error
	Subscribe(ctx context.Context, symbols []string) ([]string, error)
	ToggleConnection(ctx context.Context, connected bool) (exchange.ToggleResult, error)
	Attempt(ctx context.Context) error
}

// Level уровень уведомления
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notification уведомление для пользователя
type Notification struct {
	Level   Level
	Message string
	At      int64 // Unix ms
}

// Options настройки ленты
type Options struct {
	PollInterval time.Duration
	Schedule     []time.Duration
	Clock        clock.Clock
	OnNotify     func(Notification)
	// Closers закрываются в Close после остановки всех компонентов
	Closers []io.Closer
}

// Feed управляет источниками данных торгового хранилища
type Feed struct {
	api     API
	store   *store.Store
	stream  *stream.Client
	ctrl    *reconnect.Controller
	poller  *Poller
	clock   clock.Clock
	log     *zap.Logger
	notify  func(Notification)
	closers []io.Closer

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	lastUpstream string
	closed       bool
}

// New создает ленту. Компоненты не запускаются до Start.
func New(api API, st *store.Store, source stream.Source, opts Options) *Feed {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	ctx, cancel := context.WithCancel(context.Background())

	f := &Feed{
		api:     api,
		store:   st,
		clock:   clk,
		log:     logger.Named("feed"),
		notify:  opts.OnNotify,
		closers: opts.Closers,
		ctx:     ctx,
		cancel:  cancel,
	}
	if f.notify == nil {
		f.notify = func(Notification) {}
	}

	var ctrlOpts []reconnect.Option
	if len(opts.Schedule) > 0 {
		ctrlOpts = append(ctrlOpts, reconnect.WithSchedule(opts.Schedule))
	}
	f.ctrl = reconnect.New(api, clk, ctrlOpts...)
	f.ctrl.Subscribe(f.onConnection)

	f.stream = stream.NewClient(source, f)
	f.poller = NewPoller(f.poll, opts.PollInterval, clk)
	return f
}

// Start запрашивает статус источника и выбирает поток или опрос
func (f *Feed) Start(ctx context.Context) error {
	status, err := f.api.Status(ctx)
	if err != nil {
		f.log.Warn("Статус источника недоступен", zap.Error(err))
		f.emit(LevelError, fmt.Sprintf("Источник недоступен: %v", err))
		f.store.SetStreaming(false)
		f.poller.Start()
		f.ctrl.MarkDisconnected(err)
		return nil
	}

	f.store.SetStatus(status)

	if exchanges, err := f.api.Exchanges(ctx); err != nil {
		f.log.Warn("Список бирж недоступен", zap.Error(err))
	} else {
		f.store.SetExchanges(exchanges)
	}

	// Подключенный источник открывает поток через onConnection
	f.ctrl.Seed(status)
	if !status.Connected {
		f.poller.Start()
		var cause error = errors.New("источник отключен")
		if status.LastError != nil {
			cause = status.LastError
		}
		f.ctrl.MarkDisconnected(cause)
	}
	return nil
}

// Controller контроллер переподключения ленты
func (f *Feed) Controller() *reconnect.Controller {
	return f.ctrl
}

// onConnection переходы контроллера попадают в хранилище
func (f *Feed) onConnection(state models.ConnectionState) {
	if f.isClosed() {
		return
	}
	f.store.SetConnection(state)

	switch {
	case state.Connected:
		if !f.stream.Streaming() {
			f.resume()
		}
	case state.Phase == models.PhaseReconnecting:
		if !f.stream.Streaming() {
			f.poller.Start()
		}
	case state.Exhausted:
		// До ручного переподключения источник не опрашивается
		f.poller.Stop()
		f.emit(LevelError, "Не удалось восстановить соединение, требуется ручное переподключение")
	}
}

// resume открывает поток; при неудаче включается опрос и цикл переподключения
func (f *Feed) resume() {
	if err := f.stream.Open(f.ctx); err != nil {
		f.log.Warn("Поток недоступен", zap.Error(err))
		f.store.SetStreaming(false)
		f.poller.Start()
		f.ctrl.MarkDisconnected(err)
		return
	}
	f.poller.Stop()
	f.store.SetStreaming(true)
}

// OnSnapshot реализует stream.Handler
func (f *Feed) OnSnapshot(ticks []models.MarketTick) {
	f.mu.Lock()
	f.lastUpstream = ""
	f.mu.Unlock()
	f.store.SetMarketData(ticks)
}

// OnUpstreamError реализует stream.Handler
func (f *Feed) OnUpstreamError(e models.ConnectionError) {
	f.mu.Lock()
	repeated := f.lastUpstream == e.Code
	f.lastUpstream = e.Code
	f.mu.Unlock()

	if !repeated {
		f.emit(LevelError, e.Message)
	}

	if e.Code == models.CodeManualDisconnect {
		if f.ctrl.State().Phase == models.PhaseConnected {
			f.ctrl.ManualDisconnect()
		}
		return
	}
	f.ctrl.MarkDisconnected(&e)
}

// OnTransportError реализует stream.Handler
func (f *Feed) OnTransportError(err error) {
	if f.isClosed() {
		return
	}
	f.store.SetStreaming(false)
	f.poller.Start()
	f.ctrl.MarkDisconnected(err)
}

func (f *Feed) poll(ctx context.Context) error {
	ticks, err := f.api.Tickers(ctx)
	if err != nil {
		return err
	}
	f.store.SetMarketData(ticks)
	return nil
}

// PlaceOrder размещает ордер по текущей форме
func (f *Feed) PlaceOrder(ctx context.Context) (models.Trade, error) {
	st := f.store.State()
	form := st.OrderForm

	req := exchange.OrderRequest{
		Exchange: form.Exchange,
		Symbol:   form.Symbol,
		Side:     form.Side,
		Amount:   form.Amount,
	}
	if tick, ok := st.Tick(form.Symbol); ok {
		req.Price = tick.Price
	}

	trade, err := f.execute(ctx, req)
	if err != nil {
		return models.Trade{}, err
	}

	f.store.UpsertPosition(models.Position{
		ID:           uuid.New().String(),
		Symbol:       trade.Symbol,
		Side:         models.PositionSideFor(trade.Side),
		Size:         trade.Amount,
		EntryPrice:   trade.Price,
		CurrentPrice: trade.Price,
	})
	f.emit(LevelSuccess, fmt.Sprintf("Ордер размещен: %s %g %s",
		strings.ToUpper(string(trade.Side)), trade.Amount, trade.Symbol))
	return trade, nil
}

// ClosePosition закрывает позицию встречным ордером
func (f *Feed) ClosePosition(ctx context.Context, id string) (models.Trade, error) {
	st := f.store.State()
	var pos *models.Position
	for i := range st.Positions {
		if st.Positions[i].ID == id {
			pos = &st.Positions[i]
			break
		}
	}
	if pos == nil {
		return models.Trade{}, fmt.Errorf("позиция %s не найдена", id)
	}

	side := models.SideSell
	if pos.Side == models.PositionShort {
		side = models.SideBuy
	}
	trade, err := f.execute(ctx, exchange.OrderRequest{
		Exchange: st.OrderForm.Exchange,
		Symbol:   pos.Symbol,
		Side:     side,
		Amount:   pos.Size,
		Price:    pos.CurrentPrice,
	})
	if err != nil {
		return models.Trade{}, err
	}

	f.store.ClosePosition(id)
	f.emit(LevelSuccess, fmt.Sprintf("Позиция закрыта: %s", pos.Symbol))
	return trade, nil
}

// execute отправляет ордер и добавляет нормализованную сделку в историю
func (f *Feed) execute(ctx context.Context, req exchange.OrderRequest) (models.Trade, error) {
	raw, err := f.api.PlaceOrder(ctx, req)
	if err != nil {
		f.emit(LevelError, fmt.Sprintf("Ордер отклонен: %v", err))
		return models.Trade{}, err
	}

	var order map[string]any
	if err := json.Unmarshal(raw, &order); err != nil {
		f.emit(LevelError, "Некорректный ответ на ордер")
		return models.Trade{}, fmt.Errorf("ошибка разбора ордера: %w", err)
	}
	res := normalize.Trades([]any{order}, normalize.WithClock(f.clock.Now))
	if len(res.Trades) == 0 {
		f.emit(LevelError, "Некорректный ответ на ордер")
		return models.Trade{}, fmt.Errorf("ордер не прошел проверку")
	}

	trade := res.Trades[0]
	f.store.PrependTrade(trade)
	return trade, nil
}

// CancelOrder отменяет ордер и помечает сделку отмененной
func (f *Feed) CancelOrder(ctx context.Context, orderID string) error {
	st := f.store.State()
	exchangeName := st.OrderForm.Exchange
	var found *models.Trade
	for i := range st.Trades {
		if st.Trades[i].ID == orderID {
			found = &st.Trades[i]
			exchangeName = found.Exchange
			break
		}
	}

	if err := f.api.CancelOrder(ctx, exchangeName, orderID); err != nil {
		f.emit(LevelError, fmt.Sprintf("Отмена не удалась: %v", err))
		return err
	}
	if found != nil {
		t := *found
		t.Status = models.StatusCancelled
		f.store.MergeTrades([]models.Trade{t})
	}
	f.emit(LevelInfo, fmt.Sprintf("Ордер %s отменен", orderID))
	return nil
}

// Subscribe подписывает на котировки символов
func (f *Feed) Subscribe(ctx context.Context, symbols []string) ([]string, error) {
	return f.api.Subscribe(ctx, symbols)
}

// SetConnected включает или отключает соединение вручную
func (f *Feed) SetConnected(ctx context.Context, on bool) error {
	if _, err := f.api.ToggleConnection(ctx, on); err != nil {
		f.emit(LevelError, fmt.Sprintf("Переключение не удалось: %v", err))
		return err
	}

	if !on {
		f.stream.Close()
		f.poller.Stop()
		f.store.SetStreaming(false)
		f.ctrl.ManualDisconnect()
		f.emit(LevelInfo, "Соединение отключено")
		return nil
	}

	f.mu.Lock()
	f.lastUpstream = ""
	f.mu.Unlock()
	f.ctrl.MarkConnected()
	f.emit(LevelSuccess, "Соединение восстановлено")
	return nil
}

// Reconnect ручной запуск цикла переподключения
func (f *Feed) Reconnect() {
	f.ctrl.Reconnect()
}

// Close останавливает все компоненты и сохраняет состояние
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	f.cancel()
	f.ctrl.Stop()
	f.poller.Stop()
	f.stream.Close()
	f.store.PersistNow(true)
	f.store.Close()

	var err error
	for _, c := range f.closers {
		err = multierr.Append(err, c.Close())
	}
	if err != nil {
		f.log.Warn("Ошибка при закрытии", zap.Error(err))
	}
	return err
}

func (f *Feed) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Feed) emit(level Level, msg string) {
	f.notify(Notification{Level: level, Message: msg, At: f.clock.Now().UnixMilli()})
}
