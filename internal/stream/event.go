package stream

import (
	"fmt"
	"sort"

	"github.com/goccy/go-json"

	"github.com/skalibog/tradesync/pkg/models"
)

// Типы событий потока
const (
	EventConnected    = "connected"
	EventTickerUpdate = "ticker_update"
	EventError        = "error"
)

// Event событие потока рыночных данных
type Event struct {
	Type      string                       `json:"type"`
	Tickers   map[string]models.MarketTick `json:"tickers,omitempty"`
	Error     *models.ConnectionError      `json:"error,omitempty"`
	Timestamp int64                        `json:"timestamp,omitempty"`
}

// ParseEvent разбирает JSON событие
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("ошибка разбора события: %w", err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("событие без типа")
	}
	return ev, nil
}

// Snapshot возвращает котировки, отсортированные по символу.
// Символ берется из ключа карты, если в котировке он пустой.
func (e Event) Snapshot() []models.MarketTick {
	out := make([]models.MarketTick, 0, len(e.Tickers))
	for symbol, tick := range e.Tickers {
		if tick.Symbol == "" {
			tick.Symbol = symbol
		}
		out = append(out, tick)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
