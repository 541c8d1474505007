package ui

import (
	"context"
	"fmt"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/skalibog/tradesync/internal/config"
	"github.com/skalibog/tradesync/internal/feed"
	"github.com/skalibog/tradesync/internal/store"
	"github.com/skalibog/tradesync/pkg/logger"
	"github.com/skalibog/tradesync/pkg/models"
)

// Сколько уведомлений держать на экране
const maxNotes = 5

// StateSource хранилище, за которым следит интерфейс
type StateSource interface {
	State() store.State
	Subscribe(fn func(store.State)) func()
	PatchOrderForm(p models.OrderFormPatch)
}

// Actions операции, которые пользователь запускает с клавиатуры
type Actions interface {
	PlaceOrder(ctx context.Context) (models.Trade, error)
	ClosePosition(ctx context.Context, id string) (models.Trade, error)
	SetConnected(ctx context.Context, on bool) error
	Reconnect()
}

// Options настройки интерфейса
type Options struct {
	UI         config.UIConfig
	Symbols    []string
	AmountStep float64
	// LogFile JSON лог для секции логов, пусто - секция скрыта
	LogFile string
}

// TermUI представляет терминальный интерфейс
type TermUI struct {
	source  StateSource
	model   *Model
	program *tea.Program

	mu      sync.Mutex
	pending []feed.Notification
}

// Сообщения для обновления UI
type (
	stateMsg   store.State
	noteMsg    feed.Notification
	logsMsg    []string
	refreshMsg struct{}
)

// NewTermUI создает интерфейс над хранилищем
func NewTermUI(source StateSource, actions Actions, opts Options) *TermUI {
	return &TermUI{
		source: source,
		model:  NewModel(source, actions, opts),
	}
}

// Notify показывает уведомление. Безопасно вызывать из любой горутины.
func (ui *TermUI) Notify(n feed.Notification) {
	ui.mu.Lock()
	p := ui.program
	if p == nil {
		ui.pending = append(ui.pending, n)
		ui.mu.Unlock()
		return
	}
	ui.mu.Unlock()
	p.Send(noteMsg(n))
}

// Run запускает интерфейс и блокируется до выхода пользователя или отмены ctx
func (ui *TermUI) Run(ctx context.Context) error {
	ui.mu.Lock()
	ui.model.pendingNotes = ui.pending
	ui.pending = nil
	ui.program = tea.NewProgram(ui.model, tea.WithAltScreen(), tea.WithContext(ctx))
	p := ui.program
	ui.mu.Unlock()

	unsubscribe := ui.source.Subscribe(func(st store.State) {
		p.Send(stateMsg(st))
	})
	defer unsubscribe()

	logger.Info("Интерфейс запущен")
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		logger.Error("Ошибка интерфейса", zap.Error(err))
		return fmt.Errorf("ошибка запуска UI: %w", err)
	}
	return nil
}

// Model модель bubbletea
type Model struct {
	source  StateSource
	actions Actions
	opts    Options

	state        store.State
	notes        []feed.Notification
	pendingNotes []feed.Notification
	logs         []string
	selected     int
	width        int
	height       int
	busy         bool
}

// NewModel создает модель с текущим состоянием хранилища
func NewModel(source StateSource, actions Actions, opts Options) *Model {
	if opts.AmountStep <= 0 {
		opts.AmountStep = 0.1
	}
	if opts.UI.RefreshRate <= 0 {
		opts.UI.RefreshRate = 500
	}
	if opts.UI.TradesVisible <= 0 {
		opts.UI.TradesVisible = 10
	}
	return &Model{
		source:  source,
		actions: actions,
		opts:    opts,
		state:   source.State(),
		width:   120,
		height:  40,
	}
}

// Методы для bubbletea
func (m *Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.tick()}
	for _, n := range m.pendingNotes {
		n := n
		cmds = append(cmds, func() tea.Msg { return noteMsg(n) })
	}
	m.pendingNotes = nil
	return tea.Batch(cmds...)
}

func (m *Model) tick() tea.Cmd {
	interval := time.Duration(m.opts.UI.RefreshRate) * time.Millisecond
	return tea.Tick(interval, func(time.Time) tea.Msg { return refreshMsg{} })
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m, m.handleKey(msg.String())

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case stateMsg:
		m.state = store.State(msg)
		if m.selected >= len(m.state.Positions) {
			m.selected = max(0, len(m.state.Positions)-1)
		}

	case noteMsg:
		m.addNote(feed.Notification(msg))

	case resultMsg:
		m.busy = false
		if msg.err != nil {
			logger.Debug("Действие завершилось ошибкой", zap.Error(msg.err))
		}

	case logsMsg:
		m.logs = msg

	case refreshMsg:
		return m, tea.Batch(m.tick(), m.loadLogs())
	}

	return m, nil
}

// resultMsg завершение асинхронного действия
type resultMsg struct{ err error }

// handleKey изменения хранилища и вызовы API выполняются в командах,
// чтобы не блокировать цикл событий
func (m *Model) handleKey(key string) tea.Cmd {
	form := m.state.OrderForm

	switch key {
	case "q", "ctrl+c":
		return tea.Quit

	case "b":
		return m.patch(models.OrderFormPatch{Side: ptr(models.SideBuy)})
	case "s":
		return m.patch(models.OrderFormPatch{Side: ptr(models.SideSell)})

	case "+", "=":
		return m.patch(models.OrderFormPatch{Amount: ptr(roundStep(form.Amount + m.opts.AmountStep))})
	case "-":
		next := roundStep(form.Amount - m.opts.AmountStep)
		if next < m.opts.AmountStep {
			next = m.opts.AmountStep
		}
		return m.patch(models.OrderFormPatch{Amount: ptr(next)})

	case "tab":
		if symbol, ok := nextSymbol(m.opts.Symbols, form.Symbol); ok {
			return m.patch(models.OrderFormPatch{Symbol: ptr(symbol)})
		}

	case "up":
		m.selected = max(0, m.selected-1)
	case "down":
		m.selected = min(max(0, len(m.state.Positions)-1), m.selected+1)

	case "enter":
		return m.run(func(ctx context.Context) error {
			_, err := m.actions.PlaceOrder(ctx)
			return err
		})

	case "x":
		if m.selected >= len(m.state.Positions) {
			return nil
		}
		id := m.state.Positions[m.selected].ID
		return m.run(func(ctx context.Context) error {
			_, err := m.actions.ClosePosition(ctx, id)
			return err
		})

	case "d":
		return m.run(func(ctx context.Context) error {
			return m.actions.SetConnected(ctx, false)
		})

	case "c":
		conn := m.state.Connection
		if conn.LastError != nil && conn.LastError.Code == models.CodeManualDisconnect {
			return m.run(func(ctx context.Context) error {
				return m.actions.SetConnected(ctx, true)
			})
		}
		return func() tea.Msg {
			m.actions.Reconnect()
			return nil
		}
	}
	return nil
}

func (m *Model) patch(p models.OrderFormPatch) tea.Cmd {
	return func() tea.Msg {
		m.source.PatchOrderForm(p)
		return nil
	}
}

// run выполняет действие в фоне. Повторный запуск до завершения предыдущего игнорируется.
func (m *Model) run(fn func(ctx context.Context) error) tea.Cmd {
	if m.busy {
		return nil
	}
	m.busy = true
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return resultMsg{err: fn(ctx)}
	}
}

func (m *Model) addNote(n feed.Notification) {
	m.notes = append(m.notes, n)
	if len(m.notes) > maxNotes {
		m.notes = m.notes[len(m.notes)-maxNotes:]
	}
}

func (m *Model) loadLogs() tea.Cmd {
	if m.opts.LogFile == "" {
		return nil
	}
	path := m.opts.LogFile
	return func() tea.Msg {
		lines, err := readLogTail(path, maxLogLines)
		if err != nil {
			return nil
		}
		return logsMsg(lines)
	}
}

func (m *Model) View() string {
	return render(m)
}

func nextSymbol(symbols []string, current string) (string, bool) {
	if len(symbols) == 0 {
		return "", false
	}
	for i, s := range symbols {
		if s == current {
			return symbols[(i+1)%len(symbols)], true
		}
	}
	return symbols[0], true
}

// roundStep убирает ошибку округления float после сложения шагов
func roundStep(v float64) float64 {
	return float64(int64(v*1e8+0.5)) / 1e8
}

func ptr[T any](v T) *T { return &v }
