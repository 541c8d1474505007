// Package normalize приводит произвольные записи сделок к каноническому виду.
package normalize

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/skalibog/tradesync/pkg/models"
)

// DefaultLimit максимальное количество сделок в результате
const DefaultLimit = 200

const (
	unknownExchange = "Unknown"
	unknownSymbol   = "UNKNOWN/UNKNOWN"
)

// Result результат нормализации
type Result struct {
	Trades  []models.Trade
	Dropped int
	Deduped int
}

type options struct {
	limit int
	now   func() time.Time
}

// Option настройка нормализации
type Option func(*options)

// WithLimit ограничивает число принятых сделок
func WithLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.limit = n
		}
	}
}

// WithClock задает источник времени для записей без timestamp
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Trades нормализует список сделок: приводит типы, отбрасывает невалидные,
// убирает дубликаты по id и сортирует от новых к старым.
// Единственная недетерминированность - время для записей без timestamp.
func Trades(input any, opts ...Option) Result {
	o := options{limit: DefaultLimit, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	records, ok := asRecords(input)
	if !ok {
		return Result{Trades: []models.Trade{}}
	}

	out := make([]models.Trade, 0, min(len(records), o.limit))
	seen := make(map[string]struct{}, len(records))
	var res Result

	for i, raw := range records {
		rec, ok := raw.(map[string]any)
		if !ok {
			res.Dropped++
			continue
		}

		trade, ok := coerce(rec, i, o.now)
		if !ok {
			res.Dropped++
			continue
		}

		if _, dup := seen[trade.ID]; dup {
			res.Deduped++
			continue
		}
		seen[trade.ID] = struct{}{}
		out = append(out, trade)

		if len(out) >= o.limit {
			break
		}
	}

	// Порядок источника не гарантирован
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp > out[j].Timestamp
	})

	res.Trades = out
	return res
}

// asRecords приводит вход к списку записей
func asRecords(input any) ([]any, bool) {
	switch v := input.(type) {
	case []any:
		return v, true
	case []map[string]any:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out, true
	case []models.Trade:
		out := make([]any, len(v))
		for i := range v {
			out[i] = fromTrade(v[i])
		}
		return out, true
	case json.RawMessage:
		return decodeRecords(v)
	case []byte:
		return decodeRecords(v)
	case string:
		return decodeRecords([]byte(v))
	default:
		return nil, false
	}
}

func decodeRecords(data []byte) ([]any, bool) {
	var list []any
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, false
	}
	if list == nil {
		return nil, false
	}
	return list, true
}

// fromTrade представляет типизированную сделку как сырую запись
func fromTrade(t models.Trade) map[string]any {
	rec := map[string]any{
		"id":       t.ID,
		"exchange": t.Exchange,
		"symbol":   t.Symbol,
		"side":     string(t.Side),
		"amount":   t.Amount,
		"price":    t.Price,
		"status":   string(t.Status),
	}
	if t.Timestamp != 0 {
		rec["timestamp"] = t.Timestamp
	}
	if t.Exchange == "" {
		delete(rec, "exchange")
	}
	return rec
}

func coerce(rec map[string]any, index int, now func() time.Time) (models.Trade, bool) {
	t := models.Trade{
		Exchange: unknownExchange,
		Symbol:   unknownSymbol,
		Side:     models.SideBuy,
		Status:   models.StatusFilled,
	}

	if s, ok := rec["exchange"].(string); ok {
		t.Exchange = s
	}
	if s, ok := rec["symbol"].(string); ok {
		t.Symbol = s
	}
	if s, ok := rec["side"].(string); ok && models.Side(s).Valid() {
		t.Side = models.Side(s)
	}
	if s, ok := rec["status"].(string); ok && models.TradeStatus(s).Valid() {
		t.Status = models.TradeStatus(s)
	}

	amount, okAmount := number(rec["amount"])
	price, okPrice := number(rec["price"])
	t.Amount, t.Price = amount, price

	ts, hasTS := number(rec["timestamp"])
	if hasTS && ts > 0 {
		t.Timestamp = int64(ts)
	} else {
		hasTS = false
		t.Timestamp = now().UnixMilli()
	}

	if strings.TrimSpace(t.Symbol) == "" {
		return t, false
	}
	if !okAmount || !positive(amount) || !okPrice || !positive(price) {
		return t, false
	}

	if id, ok := rec["id"].(string); ok && strings.TrimSpace(id) != "" {
		t.ID = id
	} else {
		t.ID = stableID(t, hasTS, index)
	}
	return t, true
}

// stableID строит детерминированный id. Позиционный суффикс добавляется только
// для записей без собственного timestamp.
func stableID(t models.Trade, hasTS bool, index int) string {
	var b strings.Builder
	b.WriteString(t.Exchange)
	b.WriteByte(':')
	b.WriteString(t.Symbol)
	b.WriteByte(':')
	b.WriteString(string(t.Side))
	b.WriteByte(':')
	b.WriteString(strconv.FormatFloat(t.Amount, 'f', -1, 64))
	b.WriteByte(':')
	b.WriteString(strconv.FormatFloat(t.Price, 'f', -1, 64))
	b.WriteByte(':')
	if hasTS {
		b.WriteString(strconv.FormatInt(t.Timestamp, 10))
	} else {
		b.WriteString("0#")
		b.WriteString(strconv.Itoa(index))
	}
	return b.String()
}

func positive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

// number принимает числа JSON, числовые типы Go и числовые строки
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
