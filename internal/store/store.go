package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skalibog/tradesync/internal/clock"
	"github.com/skalibog/tradesync/internal/persist"
	"github.com/skalibog/tradesync/pkg/logger"
	"github.com/skalibog/tradesync/pkg/models"
)

// Интервалы сохранения
const (
	HotDelay  = 800 * time.Millisecond
	ColdDelay = 1500 * time.Millisecond
)

// Options настройки хранилища
type Options struct {
	// MaxAge окно свежести кэша котировок при старте
	MaxAge time.Duration
}

// DefaultOptions настройки по умолчанию
func DefaultOptions() Options {
	return Options{MaxAge: persist.DefaultMaxAge}
}

// Store единственный владелец состояния торговли.
// Действия применяются по порядку; запись состояния троттлится.
type Store struct {
	adapter *persist.Adapter
	clock   clock.Clock
	log     *zap.Logger

	mu          sync.Mutex
	state       State
	subscribers map[int]func(State)
	nextSub     int

	// persistMu сериализует записи в хранилище
	persistMu sync.Mutex

	hotTimer  clock.Timer
	coldTimer clock.Timer
	// cachedMarket последний сохраненный кэш котировок
	cachedMarket   []models.MarketTick
	cachedMarketAt int64
	closed         bool
}

// New создает хранилище и восстанавливает состояние из адаптера
func New(ctx context.Context, adapter *persist.Adapter, clk clock.Clock, opts Options) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = persist.DefaultMaxAge
	}

	s := &Store{
		adapter:     adapter,
		clock:       clk,
		log:         logger.Named("store"),
		subscribers: make(map[int]func(State)),
	}

	now := clk.Now()
	saved := adapter.Load(ctx)

	st := State{
		Connection: models.ConnectionState{Phase: models.PhaseDisconnected},
		OrderForm:  saved.OrderForm,
	}
	st = Reduce(st, SetPositions{Positions: saved.Positions}, now)
	st = Reduce(st, SetTrades{Trades: saved.Trades}, now)

	if len(saved.MarketData) > 0 && persist.IsFresh(saved.MarketDataSavedAt, opts.MaxAge, now) {
		st = Reduce(st, SetMarketData{Ticks: saved.MarketData, KeepUpdateTime: true}, now)
		s.cachedMarket = st.MarketData
		s.cachedMarketAt = saved.MarketDataSavedAt
		s.log.Info("Восстановлен кэш котировок", zap.Int("symbols", len(st.MarketData)))
	}

	s.state = st

	s.log.Info("Состояние торговли загружено",
		zap.Int("positions", len(st.Positions)),
		zap.Int("trades", len(st.Trades)))
	return s
}

// State возвращает копию текущего состояния
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.state)
}

// Subscribe подписывает на изменения состояния, возвращает функцию отписки
func (s *Store) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// Dispatch применяет действие к состоянию
func (s *Store) Dispatch(a Action) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	s.state = Reduce(s.state, a, s.clock.Now())
	snapshot := clone(s.state)

	if hot(a) {
		s.scheduleHotLocked()
	}
	if md, ok := a.(SetMarketData); ok && len(md.Ticks) > 0 {
		s.scheduleColdLocked()
	}

	subs := make([]func(State), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}

// scheduleHotLocked откладывает запись на HotDelay.
// Изменения до срабатывания таймера попадают в ту же запись.
func (s *Store) scheduleHotLocked() {
	if s.hotTimer != nil {
		return
	}
	s.hotTimer = s.clock.AfterFunc(HotDelay, s.flushHot)
}

func (s *Store) scheduleColdLocked() {
	if s.coldTimer != nil {
		return
	}
	s.coldTimer = s.clock.AfterFunc(ColdDelay, s.flushCold)
}

func (s *Store) flushHot() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.hotTimer = nil
	s.mu.Unlock()
	s.PersistNow(false)
}

func (s *Store) flushCold() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.coldTimer = nil
	s.mu.Unlock()
	s.PersistNow(true)
}

// PersistNow сразу записывает полный снимок состояния.
// includeMarket обновляет сохраненный кэш котировок текущими данными.
func (s *Store) PersistNow(includeMarket bool) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	st := s.state

	if includeMarket && len(st.MarketData) > 0 {
		s.cachedMarket = st.MarketData
		s.cachedMarketAt = now.UnixMilli()
	}

	saved := persist.State{
		Version:           persist.Version,
		SavedAt:           now.UnixMilli(),
		OrderForm:         st.OrderForm,
		Positions:         nonNil(st.Positions),
		Trades:            nonNil(st.Trades),
		MarketData:        s.cachedMarket,
		MarketDataSavedAt: s.cachedMarketAt,
	}
	s.mu.Unlock()

	s.adapter.Save(context.Background(), saved)
	s.log.Debug("Состояние сохранено", zap.Bool("market_data", includeMarket))
}

// Close отменяет отложенные записи. После Close запись не выполняется.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.hotTimer != nil {
		s.hotTimer.Stop()
		s.hotTimer = nil
	}
	if s.coldTimer != nil {
		s.coldTimer.Stop()
		s.coldTimer = nil
	}
	s.subscribers = map[int]func(State){}
}

// SetConnection применяет состояние контроллера переподключения
func (s *Store) SetConnection(c models.ConnectionState) { s.Dispatch(SetConnection{State: c}) }

// SetStatus сохраняет ответ status-эндпоинта
func (s *Store) SetStatus(st models.ExchangeStatus) { s.Dispatch(SetStatus{Status: st}) }

// SetExchanges заменяет список бирж
func (s *Store) SetExchanges(ex []models.ExchangeInfo) { s.Dispatch(SetExchanges{Exchanges: ex}) }

// SetMarketData заменяет котировки
func (s *Store) SetMarketData(ticks []models.MarketTick) {
	s.Dispatch(SetMarketData{Ticks: ticks})
}

// SetPositions заменяет позиции
func (s *Store) SetPositions(p []models.Position) { s.Dispatch(SetPositions{Positions: p}) }

// SetTrades заменяет историю сделок
func (s *Store) SetTrades(raw any) { s.Dispatch(SetTrades{Trades: raw}) }

// PrependTrade добавляет сделку в начало истории
func (s *Store) PrependTrade(t models.Trade) { s.Dispatch(PrependTrade{Trade: t}) }

// MergeTrades объединяет пачку сделок с историей
func (s *Store) MergeTrades(raw any) { s.Dispatch(MergeTrades{Trades: raw}) }

// PatchOrderForm обновляет поля формы ордера
func (s *Store) PatchOrderForm(p models.OrderFormPatch) { s.Dispatch(PatchOrderForm{Patch: p}) }

// SetStreaming выставляет флаг потока
func (s *Store) SetStreaming(on bool) { s.Dispatch(SetStreaming{Streaming: on}) }

// SetLastUpdate выставляет время последнего обновления
func (s *Store) SetLastUpdate(at time.Time) { s.Dispatch(SetLastUpdate{At: at.UnixMilli()}) }

// UpsertPosition добавляет или объединяет позицию
func (s *Store) UpsertPosition(p models.Position) { s.Dispatch(UpsertPosition{Position: p}) }

// ClosePosition удаляет позицию
func (s *Store) ClosePosition(id string) { s.Dispatch(ClosePosition{ID: id}) }

func clone(st State) State {
	st.Exchanges = append([]models.ExchangeInfo(nil), st.Exchanges...)
	st.MarketData = append([]models.MarketTick(nil), st.MarketData...)
	st.Positions = append([]models.Position(nil), st.Positions...)
	st.Trades = append([]models.Trade(nil), st.Trades...)
	if st.Status != nil {
		status := *st.Status
		st.Status = &status
	}
	if st.Connection.LastError != nil {
		e := *st.Connection.LastError
		st.Connection.LastError = &e
	}
	return st
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
