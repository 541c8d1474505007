// Package store хранит состояние торговли и изменяет его только через действия.
package store

import (
	"math"
	"sort"
	"time"

	"github.com/skalibog/tradesync/internal/normalize"
	"github.com/skalibog/tradesync/pkg/models"
)

// MaxTrades лимит истории сделок
const MaxTrades = normalize.DefaultLimit

// State состояние торговли
type State struct {
	Connection models.ConnectionState
	Status     *models.ExchangeStatus
	Exchanges  []models.ExchangeInfo
	MarketData []models.MarketTick
	Positions  []models.Position
	Trades     []models.Trade
	OrderForm  models.OrderForm
	Streaming  bool
	LastUpdate int64 // Unix ms, 0 - данных еще не было
}

// Tick возвращает котировку символа
func (s State) Tick(symbol string) (models.MarketTick, bool) {
	for _, t := range s.MarketData {
		if t.Symbol == symbol {
			return t, true
		}
	}
	return models.MarketTick{}, false
}

// Position возвращает открытую позицию по символу
func (s State) Position(symbol string) (models.Position, bool) {
	for _, p := range s.Positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return models.Position{}, false
}

// Action действие над состоянием
type Action interface {
	action()
}

// SetConnection состояние соединения от контроллера переподключения
type SetConnection struct{ State models.ConnectionState }

// SetStatus ответ status-эндпоинта
type SetStatus struct{ Status models.ExchangeStatus }

// SetExchanges список бирж
type SetExchanges struct{ Exchanges []models.ExchangeInfo }

// SetMarketData полная замена котировок.
// KeepUpdateTime не трогает LastUpdate (воспроизведение кэша).
type SetMarketData struct {
	Ticks          []models.MarketTick
	KeepUpdateTime bool
}

// SetPositions замена позиций
type SetPositions struct{ Positions []models.Position }

// SetTrades замена сделок, вход проходит нормализацию
type SetTrades struct{ Trades any }

// PrependTrade новая сделка в начало истории
type PrependTrade struct{ Trade models.Trade }

// MergeTrades добавляет пачку сделок к истории
type MergeTrades struct{ Trades any }

// PatchOrderForm частичное обновление формы ордера
type PatchOrderForm struct{ Patch models.OrderFormPatch }

// SetStreaming флаг открытого потока
type SetStreaming struct{ Streaming bool }

// SetLastUpdate время последнего обновления данных
type SetLastUpdate struct{ At int64 }

// UpsertPosition добавляет позицию или объединяет с открытой по тому же символу
type UpsertPosition struct{ Position models.Position }

// ClosePosition удаляет позицию по id
type ClosePosition struct{ ID string }

func (SetConnection) action()  {}
func (SetStatus) action()      {}
func (SetExchanges) action()   {}
func (SetMarketData) action()  {}
func (SetPositions) action()   {}
func (SetTrades) action()      {}
func (PrependTrade) action()   {}
func (MergeTrades) action()    {}
func (PatchOrderForm) action() {}
func (SetStreaming) action()   {}
func (SetLastUpdate) action()  {}
func (UpsertPosition) action() {}
func (ClosePosition) action()  {}

// hot сообщает, меняет ли действие сохраняемое состояние (форма, позиции, сделки)
func hot(a Action) bool {
	switch a.(type) {
	case SetPositions, SetTrades, PrependTrade, MergeTrades, PatchOrderForm, UpsertPosition, ClosePosition:
		return true
	}
	return false
}

// Reduce применяет действие и возвращает новое состояние. Исходное не меняется.
func Reduce(s State, a Action, now time.Time) State {
	clk := normalize.WithClock(func() time.Time { return now })

	switch a := a.(type) {
	case SetConnection:
		s.Connection = a.State
		if a.State.LastError != nil {
			e := *a.State.LastError
			s.Connection.LastError = &e
		}

	case SetStatus:
		st := a.Status
		s.Status = &st

	case SetExchanges:
		s.Exchanges = append([]models.ExchangeInfo(nil), a.Exchanges...)

	case SetMarketData:
		s.MarketData = dedupeTicks(a.Ticks)
		s.Positions = reprice(s.Positions, s.MarketData)
		if !a.KeepUpdateTime {
			s.LastUpdate = now.UnixMilli()
		}

	case SetPositions:
		s.Positions = reprice(collapse(a.Positions), s.MarketData)

	case SetTrades:
		s.Trades = newest(a.Trades, clk)

	case PrependTrade:
		incoming := normalize.Trades([]models.Trade{a.Trade}, clk).Trades
		if len(incoming) == 0 {
			return s
		}
		t := incoming[0]
		out := make([]models.Trade, 0, len(s.Trades)+1)
		out = append(out, t)
		for _, existing := range s.Trades {
			if existing.ID == t.ID {
				continue
			}
			out = append(out, existing)
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
		if len(out) > MaxTrades {
			out = out[:MaxTrades]
		}
		s.Trades = out

	case MergeTrades:
		incoming := normalize.Trades(a.Trades, clk).Trades
		if len(incoming) == 0 {
			return s
		}
		combined := make([]models.Trade, 0, len(incoming)+len(s.Trades))
		combined = append(combined, incoming...)
		combined = append(combined, s.Trades...)
		s.Trades = newest(combined, clk)

	case PatchOrderForm:
		s.OrderForm = a.Patch.Apply(s.OrderForm)

	case SetStreaming:
		s.Streaming = a.Streaming

	case SetLastUpdate:
		s.LastUpdate = a.At

	case UpsertPosition:
		s.Positions = upsert(s.Positions, a.Position, s.MarketData)

	case ClosePosition:
		out := make([]models.Position, 0, len(s.Positions))
		for _, p := range s.Positions {
			if p.ID != a.ID {
				out = append(out, p)
			}
		}
		s.Positions = out
	}
	return s
}

// newest нормализует вход и оставляет MaxTrades самых новых сделок
func newest(input any, clk normalize.Option) []models.Trade {
	trades := normalize.Trades(input, clk, normalize.WithLimit(math.MaxInt32)).Trades
	if len(trades) > MaxTrades {
		trades = trades[:MaxTrades]
	}
	return trades
}

// dedupeTicks оставляет одну котировку на символ, побеждает последняя
func dedupeTicks(ticks []models.MarketTick) []models.MarketTick {
	index := make(map[string]int, len(ticks))
	out := make([]models.MarketTick, 0, len(ticks))
	for _, t := range ticks {
		if t.Symbol == "" {
			continue
		}
		if i, ok := index[t.Symbol]; ok {
			out[i] = t
			continue
		}
		index[t.Symbol] = len(out)
		out = append(out, t)
	}
	return out
}

func reprice(positions []models.Position, ticks []models.MarketTick) []models.Position {
	if len(positions) == 0 {
		return positions
	}
	prices := make(map[string]float64, len(ticks))
	for _, t := range ticks {
		prices[t.Symbol] = t.Price
	}
	out := make([]models.Position, len(positions))
	for i, p := range positions {
		if price, ok := prices[p.Symbol]; ok && price > 0 {
			p = p.Reprice(price)
		}
		out[i] = p
	}
	return out
}

// collapse оставляет первую позицию для каждого символа
func collapse(positions []models.Position) []models.Position {
	seen := make(map[string]bool, len(positions))
	out := make([]models.Position, 0, len(positions))
	for _, p := range positions {
		if seen[p.Symbol] {
			continue
		}
		seen[p.Symbol] = true
		out = append(out, p)
	}
	return out
}

// upsert объединяет позицию с открытой по тому же символу.
// Та же сторона - средняя цена входа, встречная - уменьшение или разворот.
func upsert(positions []models.Position, p models.Position, ticks []models.MarketTick) []models.Position {
	out := make([]models.Position, 0, len(positions)+1)
	merged := false
	for _, existing := range positions {
		if merged || existing.Symbol != p.Symbol {
			out = append(out, existing)
			continue
		}
		merged = true
		if next, ok := combine(existing, p); ok {
			out = append(out, next)
		}
	}
	if !merged {
		if p.CurrentPrice == 0 {
			p.CurrentPrice = p.EntryPrice
		}
		out = append(out, p.Reprice(p.CurrentPrice))
	}
	return reprice(out, ticks)
}

// combine сливает встречную или одностороннюю позицию; false - позиция закрыта полностью
func combine(a, b models.Position) (models.Position, bool) {
	current := a.CurrentPrice
	if b.CurrentPrice > 0 {
		current = b.CurrentPrice
	}

	if a.Side == b.Side {
		size := a.Size + b.Size
		if size <= 0 {
			return models.Position{}, false
		}
		a.EntryPrice = (a.EntryPrice*a.Size + b.EntryPrice*b.Size) / size
		a.Size = size
		return a.Reprice(current), true
	}

	switch {
	case a.Size > b.Size:
		a.Size -= b.Size
		return a.Reprice(current), true
	case a.Size < b.Size:
		b.Size -= a.Size
		b.ID = a.ID
		return b.Reprice(current), true
	default:
		return models.Position{}, false
	}
}
