// Package reconnect управляет переподключением к источнику данных с отступами по расписанию.
package reconnect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skalibog/tradesync/internal/clock"
	"github.com/skalibog/tradesync/pkg/logger"
	"github.com/skalibog/tradesync/pkg/models"
)

// MaxAttempts попыток в одном цикле переподключения
const MaxAttempts = 5

// DefaultSchedule задержки перед попытками, последнее значение повторяется
var DefaultSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// Attempter выполняет одну попытку подключения
type Attempter interface {
	Attempt(ctx context.Context) error
}

// AttemptFunc адаптер функции к Attempter
type AttemptFunc func(ctx context.Context) error

func (f AttemptFunc) Attempt(ctx context.Context) error { return f(ctx) }

// Listener получает состояние после каждого перехода
type Listener func(models.ConnectionState)

// Controller конечный автомат Connected / Disconnected / Reconnecting(n)
type Controller struct {
	attempter   Attempter
	clock       clock.Clock
	schedule    []time.Duration
	maxAttempts int
	log         *zap.Logger

	mu        sync.Mutex
	state     models.ConnectionState
	listeners []Listener
	timer     clock.Timer
	cancel    context.CancelFunc
	gen       uint64 // меняется при каждой отмене цикла
	stopped   bool
}

// Option настройка контроллера
type Option func(*Controller)

// WithSchedule задает расписание задержек
func WithSchedule(s []time.Duration) Option {
	return func(c *Controller) {
		if len(s) > 0 {
			c.schedule = append([]time.Duration(nil), s...)
		}
	}
}

// WithMaxAttempts задает число попыток в цикле
func WithMaxAttempts(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// New создает контроллер в состоянии Connected
func New(attempter Attempter, clk clock.Clock, opts ...Option) *Controller {
	if clk == nil {
		clk = clock.Real()
	}
	c := &Controller{
		attempter:   attempter,
		clock:       clk,
		schedule:    DefaultSchedule,
		maxAttempts: MaxAttempts,
		log:         logger.Named("reconnect"),
		state:       models.ConnectionState{Phase: models.PhaseConnected, Connected: true},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Delay задержка перед попыткой n (с 1)
func (c *Controller) Delay(attempt int) time.Duration {
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(c.schedule) {
		i = len(c.schedule) - 1
	}
	return c.schedule[i]
}

// Subscribe добавляет получателя переходов
func (c *Controller) Subscribe(l Listener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// State текущее состояние
func (c *Controller) State() models.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Seed устанавливает начальное состояние по ответу status-эндпоинта.
// Автоматический цикл не запускается.
func (c *Controller) Seed(status models.ExchangeStatus) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.cancelLocked()
	if status.Connected {
		c.state = models.ConnectionState{Phase: models.PhaseConnected, Connected: true}
	} else {
		c.state = models.ConnectionState{
			Phase:      models.PhaseDisconnected,
			RetryCount: status.ConnectionRetryCount,
			LastError:  status.LastError,
		}
	}
	c.notifyLocked()
}

// MarkDisconnected фиксирует обнаруженный обрыв и запускает цикл переподключения.
// Повторный вызов во время цикла игнорируется.
func (c *Controller) MarkDisconnected(cause error) {
	c.mu.Lock()
	if c.stopped || c.state.Phase == models.PhaseReconnecting {
		c.mu.Unlock()
		return
	}
	if c.state.Phase == models.PhaseDisconnected && (c.state.Exhausted || isManual(c.state.LastError)) {
		// Ждем явного Reconnect
		c.mu.Unlock()
		return
	}

	msg := "соединение потеряно"
	if cause != nil {
		msg = cause.Error()
	}
	c.log.Warn("Соединение потеряно, запуск переподключения", zap.Error(cause))
	c.state = models.ConnectionState{
		Phase:     models.PhaseDisconnected,
		LastError: c.connErr(models.CodeConnectionFailed, msg, true),
	}
	c.startCycleLocked()
}

// ManualDisconnect переводит в Disconnected без автоматических попыток
func (c *Controller) ManualDisconnect() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.cancelLocked()
	c.log.Info("Соединение отключено вручную")
	c.state = models.ConnectionState{
		Phase:     models.PhaseDisconnected,
		LastError: c.connErr(models.CodeManualDisconnect, "соединение отключено вручную", false),
	}
	c.notifyLocked()
}

// Reconnect запускает новый цикл с первой попытки (ручной запрос)
func (c *Controller) Reconnect() {
	c.mu.Lock()
	if c.stopped || c.state.Phase == models.PhaseConnected {
		c.mu.Unlock()
		return
	}
	c.cancelLocked()
	c.log.Info("Ручной запрос переподключения")
	c.state.Exhausted = false
	c.state.RetryCount = 0
	c.startCycleLocked()
}

// MarkConnected фиксирует подключение, установленное вне контроллера
func (c *Controller) MarkConnected() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.cancelLocked()
	c.state = models.ConnectionState{Phase: models.PhaseConnected, Connected: true}
	c.notifyLocked()
}

// Stop отменяет ожидающие попытки. После Stop контроллер ничего не делает.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.cancelLocked()
}

// startCycleLocked планирует первую попытку, снимает блокировку и уведомляет
func (c *Controller) startCycleLocked() {
	c.state.Connected = false
	c.scheduleLocked(1)
	c.notifyLocked()
}

// scheduleLocked планирует попытку n
func (c *Controller) scheduleLocked(attempt int) {
	c.releaseLocked()
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	gen := c.gen

	c.state.Phase = models.PhaseReconnecting
	delay := c.Delay(attempt)
	c.log.Info("Попытка переподключения запланирована",
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", c.maxAttempts),
		zap.Duration("delay", delay))

	c.timer = c.clock.AfterFunc(delay, func() {
		c.run(ctx, gen, attempt)
	})
}

func (c *Controller) run(ctx context.Context, gen uint64, attempt int) {
	c.mu.Lock()
	if c.stopped || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	err := c.attempter.Attempt(ctx)

	c.mu.Lock()
	if c.stopped || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.timer = nil

	if err == nil {
		c.log.Info("Переподключение успешно", zap.Int("attempt", attempt))
		c.gen++
		c.releaseLocked()
		c.state = models.ConnectionState{Phase: models.PhaseConnected, Connected: true}
		c.notifyLocked()
		return
	}

	c.state.RetryCount = attempt
	if attempt >= c.maxAttempts {
		c.log.Error("Попытки переподключения исчерпаны",
			zap.Int("attempts", attempt), zap.Error(err))
		c.gen++
		c.releaseLocked()
		c.state.Phase = models.PhaseDisconnected
		c.state.Exhausted = true
		c.state.LastError = c.connErr(models.CodeReconnectExhausted,
			fmt.Sprintf("не удалось переподключиться за %d попыток: %v", attempt, err), false)
		c.notifyLocked()
		return
	}

	c.log.Warn("Попытка переподключения не удалась", zap.Int("attempt", attempt), zap.Error(err))
	c.state.LastError = c.connErr(models.CodeConnectionFailed,
		fmt.Sprintf("попытка переподключения %d не удалась", attempt), true)
	c.scheduleLocked(attempt + 1)
	c.notifyLocked()
}

// releaseLocked освобождает контекст завершенной попытки
func (c *Controller) releaseLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// cancelLocked отменяет таймер и текущую попытку
func (c *Controller) cancelLocked() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.releaseLocked()
}

// notifyLocked снимает блокировку и рассылает состояние
func (c *Controller) notifyLocked() {
	state := c.state
	if state.LastError != nil {
		e := *state.LastError
		state.LastError = &e
	}
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	for _, l := range listeners {
		l(state)
	}
}

func (c *Controller) connErr(code, msg string, retryable bool) *models.ConnectionError {
	return &models.ConnectionError{
		Code:      code,
		Message:   msg,
		Timestamp: c.clock.Now().UnixMilli(),
		Retryable: retryable,
	}
}

func isManual(e *models.ConnectionError) bool {
	return e != nil && e.Code == models.CodeManualDisconnect
}
