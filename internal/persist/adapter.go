// Package persist сохраняет и восстанавливает состояние торговли как один версионированный JSON документ.
package persist

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/skalibog/tradesync/internal/clock"
	"github.com/skalibog/tradesync/internal/normalize"
	"github.com/skalibog/tradesync/pkg/logger"
	"github.com/skalibog/tradesync/pkg/models"
)

const (
	// StateKey единственный ключ документа
	StateKey = "tradesync.trading.state.v1"
	// Version текущая версия схемы
	Version = 1
	// DefaultMaxAge окно свежести кэша рыночных данных
	DefaultMaxAge = 5 * time.Minute

	ioTimeout = 5 * time.Second
)

// State сохраненное состояние версии 1
type State struct {
	Version           int                 `json:"version"`
	SavedAt           int64               `json:"savedAt"`
	OrderForm         models.OrderForm    `json:"orderForm"`
	Positions         []models.Position   `json:"positions"`
	Trades            []models.Trade      `json:"trades"`
	MarketData        []models.MarketTick `json:"marketData,omitempty"`
	MarketDataSavedAt int64               `json:"marketDataSavedAt,omitempty"`
}

// DefaultState состояние по умолчанию
func DefaultState(now time.Time) State {
	return State{
		Version:   Version,
		SavedAt:   now.UnixMilli(),
		OrderForm: models.DefaultOrderForm(),
		Positions: []models.Position{},
		Trades:    []models.Trade{},
	}
}

// IsFresh проверяет, что savedAt моложе maxAge. Нулевой savedAt всегда устаревший.
func IsFresh(savedAt int64, maxAge time.Duration, now time.Time) bool {
	if savedAt == 0 {
		return false
	}
	return now.UnixMilli()-savedAt < maxAge.Milliseconds()
}

// Adapter читает и пишет состояние по фиксированному ключу
type Adapter struct {
	store BlobStore
	clock clock.Clock
	log   *zap.Logger
}

// NewAdapter создает адаптер над хранилищем
func NewAdapter(store BlobStore, clk clock.Clock) *Adapter {
	if clk == nil {
		clk = clock.Real()
	}
	return &Adapter{
		store: store,
		clock: clk,
		log:   logger.Named("persist"),
	}
}

// Load читает состояние. Никогда не возвращает ошибку: отсутствующий ключ,
// битый JSON или неверная структура дают состояние по умолчанию.
func (a *Adapter) Load(ctx context.Context) State {
	now := a.clock.Now()

	ctx, cancel := context.WithTimeout(ctx, ioTimeout)
	defer cancel()

	data, err := a.store.Get(ctx, StateKey)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			a.log.Warn("Ошибка чтения сохраненного состояния", zap.Error(err))
		}
		return DefaultState(now)
	}

	state, err := decodeState(data, now)
	if err != nil {
		a.log.Warn("Сохраненное состояние повреждено, используются значения по умолчанию", zap.Error(err))
		return DefaultState(now)
	}

	a.log.Debug("Состояние восстановлено",
		zap.Int("positions", len(state.Positions)),
		zap.Int("trades", len(state.Trades)),
		zap.Int("market_data", len(state.MarketData)))
	return state
}

// Save записывает состояние. Ошибки сериализации и хранилища только логируются.
func (a *Adapter) Save(ctx context.Context, state State) {
	state.Version = Version
	if state.SavedAt == 0 {
		state.SavedAt = a.clock.Now().UnixMilli()
	}

	data, err := json.Marshal(state)
	if err != nil {
		a.log.Warn("Ошибка сериализации состояния", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, ioTimeout)
	defer cancel()

	if err := a.store.Put(ctx, StateKey, data); err != nil {
		a.log.Warn("Ошибка записи состояния", zap.Error(err))
	}
}

// rawState документ до проверки полей
type rawState struct {
	Version           json.RawMessage `json:"version"`
	SavedAt           json.RawMessage `json:"savedAt"`
	OrderForm         json.RawMessage `json:"orderForm"`
	Positions         json.RawMessage `json:"positions"`
	Trades            json.RawMessage `json:"trades"`
	MarketData        json.RawMessage `json:"marketData"`
	MarketDataSavedAt json.RawMessage `json:"marketDataSavedAt"`
}

var errVersion = errors.New("неподдерживаемая версия состояния")

// decodeState проверяет каждое поле отдельно и подставляет значения по умолчанию
func decodeState(data []byte, now time.Time) (State, error) {
	var raw rawState
	if err := json.Unmarshal(data, &raw); err != nil {
		return State{}, err
	}

	state := DefaultState(now)

	if present(raw.Version) {
		var v float64
		if err := json.Unmarshal(raw.Version, &v); err != nil || v != Version {
			return State{}, errVersion
		}
	}

	if ms, ok := decodeMillis(raw.SavedAt); ok {
		state.SavedAt = ms
	}

	if present(raw.OrderForm) {
		state.OrderForm = decodeOrderForm(raw.OrderForm)
	}

	state.Positions = decodePositions(raw.Positions)

	if present(raw.Trades) {
		res := normalize.Trades(raw.Trades, normalize.WithClock(func() time.Time { return now }))
		state.Trades = res.Trades
	}

	if present(raw.MarketData) {
		var ticks []models.MarketTick
		if err := json.Unmarshal(raw.MarketData, &ticks); err == nil && ticks != nil {
			state.MarketData = ticks
		}
	}

	if ms, ok := decodeMillis(raw.MarketDataSavedAt); ok {
		state.MarketDataSavedAt = ms
	}

	return state, nil
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

func decodeMillis(raw json.RawMessage) (int64, bool) {
	if !present(raw) {
		return 0, false
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil || v <= 0 {
		return 0, false
	}
	return int64(v), true
}

// decodeOrderForm накладывает сохраненные поля на форму по умолчанию
func decodeOrderForm(raw json.RawMessage) models.OrderForm {
	def := models.DefaultOrderForm()

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return def
	}

	var patch models.OrderFormPatch
	var s string
	if json.Unmarshal(fields["exchange"], &s) == nil {
		v := s
		patch.Exchange = &v
	}
	s = ""
	if json.Unmarshal(fields["symbol"], &s) == nil {
		v := s
		patch.Symbol = &v
	}
	s = ""
	if json.Unmarshal(fields["side"], &s) == nil {
		v := models.Side(s)
		patch.Side = &v
	}
	var f float64
	if json.Unmarshal(fields["amount"], &f) == nil {
		v := f
		patch.Amount = &v
	}
	f = 0
	if json.Unmarshal(fields["leverage"], &f) == nil && f >= 1 {
		v := int(f)
		patch.Leverage = &v
	}
	return patch.Apply(def)
}

// decodePositions пропускает битые элементы
func decodePositions(raw json.RawMessage) []models.Position {
	out := []models.Position{}
	if !present(raw) {
		return out
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return out
	}
	for _, item := range items {
		var p models.Position
		if err := json.Unmarshal(item, &p); err != nil {
			continue
		}
		if p.ID == "" || p.Symbol == "" || !p.Side.Valid() {
			continue
		}
		out = append(out, p)
	}
	return out
}
