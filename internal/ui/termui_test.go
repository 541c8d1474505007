package ui

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/tradesync/internal/clock"
	"github.com/skalibog/tradesync/internal/config"
	"github.com/skalibog/tradesync/internal/feed"
	"github.com/skalibog/tradesync/internal/persist"
	"github.com/skalibog/tradesync/internal/store"
	"github.com/skalibog/tradesync/pkg/logger"
	"github.com/skalibog/tradesync/pkg/models"
)

type fakeActions struct {
	mu         sync.Mutex
	placed     int
	closed     []string
	connected  []bool
	reconnects int
	err        error
}

func (a *fakeActions) PlaceOrder(ctx context.Context) (models.Trade, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.placed++
	return models.Trade{}, a.err
}

func (a *fakeActions) ClosePosition(ctx context.Context, id string) (models.Trade, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = append(a.closed, id)
	return models.Trade{}, a.err
}

func (a *fakeActions) SetConnected(ctx context.Context, on bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = append(a.connected, on)
	return a.err
}

func (a *fakeActions) Reconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reconnects++
}

func newModel(t *testing.T) (*Model, *store.Store, *fakeActions) {
	t.Helper()
	logger.UseNop()
	clk := clock.NewFake(time.UnixMilli(1_700_000_000_000))
	st := store.New(context.Background(), persist.NewAdapter(persist.NewMemoryStore(), clk), clk, store.DefaultOptions())
	t.Cleanup(st.Close)

	actions := &fakeActions{}
	m := NewModel(st, actions, Options{
		UI:         config.UIConfig{RefreshRate: 100, TradesVisible: 5},
		Symbols:    []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"},
		AmountStep: 0.1,
	})
	return m, st, actions
}

// press отправляет клавишу, выполняет команду и синхронизирует модель с хранилищем
func press(m *Model, st *store.Store, key tea.KeyMsg) tea.Msg {
	_, cmd := m.Update(key)
	var out tea.Msg
	if cmd != nil {
		out = cmd()
		if out != nil {
			m.Update(out)
		}
	}
	m.Update(stateMsg(st.State()))
	return out
}

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestOrderFormKeys(t *testing.T) {
	m, st, _ := newModel(t)

	press(m, st, runes("s"))
	assert.Equal(t, models.SideSell, st.State().OrderForm.Side)
	press(m, st, runes("b"))
	assert.Equal(t, models.SideBuy, st.State().OrderForm.Side)

	press(m, st, runes("+"))
	press(m, st, runes("+"))
	assert.Equal(t, 0.3, st.State().OrderForm.Amount)
	press(m, st, runes("-"))
	assert.Equal(t, 0.2, st.State().OrderForm.Amount)
	press(m, st, runes("-"))
	press(m, st, runes("-"))
	assert.Equal(t, 0.1, st.State().OrderForm.Amount)

	press(m, st, tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, "ETH/USDT", st.State().OrderForm.Symbol)
	press(m, st, tea.KeyMsg{Type: tea.KeyTab})
	press(m, st, tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, "BTC/USDT", st.State().OrderForm.Symbol)
}

func TestActionKeys(t *testing.T) {
	m, st, actions := newModel(t)

	press(m, st, tea.KeyMsg{Type: tea.KeyEnter})
	assert.Equal(t, 1, actions.placed)
	assert.False(t, m.busy)

	press(m, st, runes("d"))
	press(m, st, runes("c"))
	assert.Equal(t, []bool{false}, actions.connected)
	assert.Equal(t, 1, actions.reconnects)

	st.SetConnection(models.ConnectionState{
		Phase:     models.PhaseDisconnected,
		LastError: &models.ConnectionError{Code: models.CodeManualDisconnect},
	})
	m.Update(stateMsg(st.State()))
	press(m, st, runes("c"))
	assert.Equal(t, []bool{false, true}, actions.connected)
	assert.Equal(t, 1, actions.reconnects)

	msg := press(m, st, runes("q"))
	_, ok := msg.(tea.QuitMsg)
	assert.True(t, ok)
}

func TestBusyIgnoresRepeatedAction(t *testing.T) {
	m, _, actions := newModel(t)

	_, first := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, first)
	_, second := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, second)

	actions.err = errors.New("отклонено")
	m.Update(first())
	assert.False(t, m.busy)
	assert.Equal(t, 1, actions.placed)
}

func TestClosePositionKey(t *testing.T) {
	m, st, actions := newModel(t)
	st.UpsertPosition(models.Position{ID: "p1", Symbol: "BTC/USDT", Side: models.PositionLong, Size: 1, EntryPrice: 100})
	st.UpsertPosition(models.Position{ID: "p2", Symbol: "ETH/USDT", Side: models.PositionShort, Size: 2, EntryPrice: 10})
	m.Update(stateMsg(st.State()))

	press(m, st, tea.KeyMsg{Type: tea.KeyDown})
	press(m, st, tea.KeyMsg{Type: tea.KeyDown})
	press(m, st, runes("x"))
	assert.Equal(t, []string{"p2"}, actions.closed)
}

func TestViewRendersState(t *testing.T) {
	m, st, _ := newModel(t)
	st.SetMarketData([]models.MarketTick{{Symbol: "BTC/USDT", Price: 43250.5, Change24h: 1.5}})
	st.UpsertPosition(models.Position{ID: "p1", Symbol: "BTC/USDT", Side: models.PositionLong, Size: 1, EntryPrice: 43000})
	st.PrependTrade(models.Trade{ID: "t1", Exchange: "Binance", Symbol: "BTC/USDT", Side: models.SideBuy, Amount: 1, Price: 43000, Timestamp: 1_700_000_000_000})
	st.SetConnection(models.ConnectionState{
		Phase:      models.PhaseReconnecting,
		RetryCount: 2,
		LastError:  &models.ConnectionError{Code: models.CodeConnectionFailed, Message: "lost"},
	})
	m.Update(stateMsg(st.State()))
	m.Update(noteMsg(feed.Notification{Level: feed.LevelSuccess, Message: "Ордер размещен"}))

	view := m.View()
	assert.Contains(t, view, "$43,250.50")
	assert.Contains(t, view, "+1.50%")
	assert.Contains(t, view, "LONG")
	assert.Contains(t, view, "ПЕРЕПОДКЛЮЧЕНИЕ (3/5)")
	assert.Contains(t, view, "CONNECTION_FAILED: lost")
	assert.Contains(t, view, "Ордер размещен")
	assert.Contains(t, view, "Binance")
}

func TestNotesAreCapped(t *testing.T) {
	m, _, _ := newModel(t)
	for i := 0; i < maxNotes+3; i++ {
		m.Update(noteMsg(feed.Notification{Message: strings.Repeat("x", i+1)}))
	}
	assert.Len(t, m.notes, maxNotes)
	assert.Equal(t, strings.Repeat("x", maxNotes+3), m.notes[maxNotes-1].Message)
}

func TestReadLogTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.json.log")
	lines := []string{
		`{"level":"INFO","ts":"14.11.2023 - 22:13:20.000000000Z","msg":"первое"}`,
		`not json`,
		`{"level":"\u001b[31mERROR\u001b[0m","ts":"14.11.2023 - 22:13:21.000000000Z","msg":"второе","attempt":2,"caller":"x.go:1"}`,
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	got, err := readLogTail(path, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "not json", got[0])
	assert.Equal(t, "[22:13:21] [ERROR] второе (attempt: 2)", got[1])

	missing, err := readLogTail(filepath.Join(t.TempDir(), "none.log"), 5)
	require.NoError(t, err)
	assert.Empty(t, missing)
}
