package normalize

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/tradesync/pkg/models"
)

func fixedNow() time.Time { return time.UnixMilli(5_000_000) }

func TestTradesNonListInput(t *testing.T) {
	for name, input := range map[string]any{
		"nil":         nil,
		"map":         map[string]any{"symbol": "BTC/USDT"},
		"number":      42,
		"json object": `{"symbol":"BTC/USDT"}`,
		"broken json": []byte(`[{"symbol":`),
		"json null":   "null",
	} {
		t.Run(name, func(t *testing.T) {
			res := Trades(input)
			assert.Empty(t, res.Trades)
			assert.Zero(t, res.Dropped)
			assert.Zero(t, res.Deduped)
		})
	}
}

func TestTradesIdenticalRecordsCollapse(t *testing.T) {
	input := []any{
		map[string]any{"symbol": "BTC/USDT", "amount": 0.5, "price": 42000.0, "timestamp": 1000.0},
		map[string]any{"symbol": "BTC/USDT", "amount": 0.5, "price": 42000.0, "timestamp": 1000.0},
	}

	res := Trades(input)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, 1, res.Deduped)
	assert.Equal(t, 0, res.Dropped)
	assert.Equal(t, "Unknown:BTC/USDT:buy:0.5:42000:1000", res.Trades[0].ID)
}

func TestTradesEmptySymbolDropped(t *testing.T) {
	res := Trades([]any{map[string]any{"symbol": "", "amount": 1.0, "price": 100.0}})

	assert.Empty(t, res.Trades)
	assert.Equal(t, 1, res.Dropped)
}

func TestTradesRejectsInvalidNumbers(t *testing.T) {
	input := []any{
		map[string]any{"symbol": "BTC/USDT", "amount": 0.0, "price": 1.0},
		map[string]any{"symbol": "BTC/USDT", "amount": -1.0, "price": 1.0},
		map[string]any{"symbol": "BTC/USDT", "amount": 1.0, "price": math.NaN()},
		map[string]any{"symbol": "BTC/USDT", "amount": math.Inf(1), "price": 1.0},
		map[string]any{"symbol": "BTC/USDT", "amount": "abc", "price": 1.0},
		map[string]any{"symbol": "BTC/USDT", "price": 1.0},
		map[string]any{"symbol": "   ", "amount": 1.0, "price": 1.0},
		"not an object",
		map[string]any{"symbol": "ETH/USDT", "amount": "2", "price": 2500, "timestamp": 10},
	}

	res := Trades(input, WithClock(fixedNow))

	require.Len(t, res.Trades, 1)
	assert.Equal(t, 8, res.Dropped)
	for _, tr := range res.Trades {
		assert.Greater(t, tr.Amount, 0.0)
		assert.Greater(t, tr.Price, 0.0)
		assert.NotEmpty(t, tr.Symbol)
	}
	assert.Equal(t, 2.0, res.Trades[0].Amount)
}

func TestTradesFallbacks(t *testing.T) {
	res := Trades([]any{
		map[string]any{"amount": 1.0, "price": 10.0, "side": "hold", "status": "weird", "exchange": 7},
	}, WithClock(fixedNow))

	require.Len(t, res.Trades, 1)
	tr := res.Trades[0]
	assert.Equal(t, "Unknown", tr.Exchange)
	assert.Equal(t, "UNKNOWN/UNKNOWN", tr.Symbol)
	assert.Equal(t, models.SideBuy, tr.Side)
	assert.Equal(t, models.StatusFilled, tr.Status)
	// Время без timestamp берется из часов - единственная недетерминированность
	assert.Equal(t, fixedNow().UnixMilli(), tr.Timestamp)
	assert.Equal(t, "Unknown:UNKNOWN/UNKNOWN:buy:1:10:0#0", tr.ID)
}

func TestTradesWithoutTimestampKeepPositionalIdentity(t *testing.T) {
	rec := map[string]any{"symbol": "SOL/USDT", "amount": 1.0, "price": 98.5}

	res := Trades([]any{rec, rec}, WithClock(fixedNow))

	assert.Len(t, res.Trades, 2)
	assert.Zero(t, res.Deduped)
}

func TestTradesProvidedIDWins(t *testing.T) {
	res := Trades([]any{
		map[string]any{"id": "a1", "symbol": "BTC/USDT", "amount": 1.0, "price": 1.0, "timestamp": 1.0},
		map[string]any{"id": "a1", "symbol": "ETH/USDT", "amount": 2.0, "price": 2.0, "timestamp": 2.0},
		map[string]any{"id": "a2", "symbol": "ETH/USDT", "amount": 2.0, "price": 2.0, "timestamp": 3.0},
	})

	require.Len(t, res.Trades, 2)
	assert.Equal(t, 1, res.Deduped)
	assert.Equal(t, "a2", res.Trades[0].ID)
	assert.Equal(t, "BTC/USDT", res.Trades[1].Symbol)
}

func TestTradesDedupeCountsExtras(t *testing.T) {
	rec := map[string]any{"symbol": "BTC/USDT", "amount": 1.0, "price": 1.0, "timestamp": 7.0}

	res := Trades([]any{rec, rec, rec, rec})

	assert.Len(t, res.Trades, 1)
	assert.Equal(t, 3, res.Deduped)
}

func TestTradesLimitTruncates(t *testing.T) {
	input := make([]any, 0, 10)
	for i := 0; i < 10; i++ {
		input = append(input, map[string]any{"symbol": "BTC/USDT", "amount": 1.0, "price": 1.0, "timestamp": float64(i + 1)})
	}

	res := Trades(input, WithLimit(3))

	require.Len(t, res.Trades, 3)
	assert.Zero(t, res.Dropped)
	// Принимаются первые три записи, затем сортировка
	assert.Equal(t, []int64{3, 2, 1}, []int64{res.Trades[0].Timestamp, res.Trades[1].Timestamp, res.Trades[2].Timestamp})
}

func TestTradesSortedDescendingForAnyPermutation(t *testing.T) {
	base := make([]any, 0, 50)
	for i := 0; i < 50; i++ {
		base = append(base, map[string]any{
			"id":        string(rune('A' + i%26)) + string(rune('a'+i/26)),
			"symbol":    "BTC/USDT",
			"amount":    1.0,
			"price":     100.0,
			"timestamp": float64(1000 + i*7%50),
		})
	}

	rng := rand.New(rand.NewSource(1))
	for round := 0; round < 20; round++ {
		rng.Shuffle(len(base), func(i, j int) { base[i], base[j] = base[j], base[i] })

		res := Trades(base)
		require.Len(t, res.Trades, 50)
		for i := 1; i < len(res.Trades); i++ {
			assert.GreaterOrEqual(t, res.Trades[i-1].Timestamp, res.Trades[i].Timestamp)
		}
	}
}

func TestTradesRawJSON(t *testing.T) {
	payload := `[
		{"id":"1","symbol":"BTC/USDT","side":"buy","amount":0.5,"price":42000,"timestamp":1000,"status":"filled","exchange":"Binance"},
		{"id":"2","symbol":"ETH/USDT","side":"sell","amount":5,"price":2500,"timestamp":2000,"status":"pending"}
	]`

	res := Trades([]byte(payload))

	require.Len(t, res.Trades, 2)
	assert.Equal(t, "2", res.Trades[0].ID)
	assert.Equal(t, models.SideSell, res.Trades[0].Side)
	assert.Equal(t, models.StatusPending, res.Trades[0].Status)
	assert.Equal(t, "Binance", res.Trades[1].Exchange)
}

func TestTradesTypedInputIsStable(t *testing.T) {
	in := []models.Trade{
		{Symbol: "BTC/USDT", Side: models.SideSell, Amount: 1, Price: 2, Timestamp: 10},
		{Symbol: "BTC/USDT", Side: models.SideSell, Amount: 1, Price: 2, Timestamp: 10},
	}

	first := Trades(in)
	second := Trades(in)

	assert.Equal(t, first, second)
	require.Len(t, first.Trades, 1)
	assert.Equal(t, "Unknown:BTC/USDT:sell:1:2:10", first.Trades[0].ID)
}
