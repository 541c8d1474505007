package reconnect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/tradesync/internal/clock"
	"github.com/skalibog/tradesync/pkg/logger"
	"github.com/skalibog/tradesync/pkg/models"
)

// scripted возвращает результаты по порядку, дальше повторяет последний
type scripted struct {
	mu      sync.Mutex
	results []error
	calls   int
	at      []time.Time
	ctxs    []context.Context
	clock   clock.Clock
}

func (s *scripted) Attempt(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.at = append(s.at, s.clock.Now())
	s.ctxs = append(s.ctxs, ctx)
	if len(s.results) == 0 {
		return nil
	}
	i := s.calls - 1
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	return s.results[i]
}

func (s *scripted) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var errRefused = errors.New("connection refused")

func setup(results ...error) (*Controller, *scripted, *clock.Fake, *[]models.ConnectionState) {
	logger.UseNop()
	clk := clock.NewFake(time.UnixMilli(1_700_000_000_000))
	att := &scripted{results: results, clock: clk}
	c := New(att, clk)
	var seen []models.ConnectionState
	c.Subscribe(func(s models.ConnectionState) { seen = append(seen, s) })
	return c, att, clk, &seen
}

func TestDelaySchedule(t *testing.T) {
	c := New(nil, clock.NewFake(time.Now()))
	want := []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, d := range want {
		assert.Equal(t, d, c.Delay(i+1), "попытка %d", i+1)
	}
	assert.Equal(t, time.Second, c.Delay(0))
}

func TestFinishedAttemptContextsReleased(t *testing.T) {
	c, att, clk, _ := setup(errRefused, errRefused, nil)

	c.MarkDisconnected(errors.New("stream closed"))
	clk.Advance(time.Second)
	require.Equal(t, 1, att.count())
	// Следующая попытка запланирована, контекст первой освобожден
	assert.ErrorIs(t, att.ctxs[0].Err(), context.Canceled)

	clk.Advance(2 * time.Second)
	clk.Advance(5 * time.Second)
	require.Equal(t, 3, att.count())
	assert.Equal(t, models.PhaseConnected, c.State().Phase)
	for i, ctx := range att.ctxs {
		assert.ErrorIs(t, ctx.Err(), context.Canceled, "попытка %d", i+1)
	}
}

func TestExhaustionAfterFiveFailures(t *testing.T) {
	c, att, clk, _ := setup(errRefused)
	start := clk.Now()

	c.MarkDisconnected(errors.New("stream closed"))
	st := c.State()
	assert.Equal(t, models.PhaseReconnecting, st.Phase)
	assert.False(t, st.Connected)
	require.NotNil(t, st.LastError)
	assert.Equal(t, models.CodeConnectionFailed, st.LastError.Code)
	assert.True(t, st.LastError.Retryable)

	clk.Advance(48 * time.Second)
	assert.Equal(t, 5, att.count())

	// Попытки через 1, 1+2, 1+2+5, 1+2+5+10, 1+2+5+10+30 секунд
	offsets := []time.Duration{1, 3, 8, 18, 48}
	for i, off := range offsets {
		assert.Equal(t, start.Add(off*time.Second), att.at[i], "попытка %d", i+1)
	}

	st = c.State()
	assert.Equal(t, models.PhaseDisconnected, st.Phase)
	assert.True(t, st.Exhausted)
	assert.Equal(t, 5, st.RetryCount)
	require.NotNil(t, st.LastError)
	assert.Equal(t, models.CodeReconnectExhausted, st.LastError.Code)
	assert.False(t, st.LastError.Retryable)

	// Шестой попытки нет
	clk.Advance(10 * time.Minute)
	assert.Equal(t, 5, att.count())
	assert.Equal(t, 0, clk.Pending())

	// Новый обрыв тоже не запускает цикл
	c.MarkDisconnected(errRefused)
	clk.Advance(time.Minute)
	assert.Equal(t, 5, att.count())
}

func TestRetryCountProgression(t *testing.T) {
	c, _, clk, seen := setup(errRefused, errRefused, nil)
	c.MarkDisconnected(errRefused)

	clk.Advance(time.Second)
	assert.Equal(t, 1, c.State().RetryCount)
	assert.Equal(t, models.PhaseReconnecting, c.State().Phase)

	clk.Advance(2 * time.Second)
	assert.Equal(t, 2, c.State().RetryCount)

	clk.Advance(5 * time.Second)
	st := c.State()
	assert.Equal(t, models.PhaseConnected, st.Phase)
	assert.True(t, st.Connected)
	assert.Equal(t, 0, st.RetryCount)
	assert.Nil(t, st.LastError)

	// disconnected->reconnecting, 2 неудачи, успех
	require.Len(t, *seen, 4)
	assert.True(t, (*seen)[3].Connected)
}

func TestManualDisconnectCancelsPendingAttempt(t *testing.T) {
	c, att, clk, _ := setup(errRefused)
	c.MarkDisconnected(errRefused)
	clk.Advance(time.Second)
	require.Equal(t, 1, att.count())

	c.ManualDisconnect()
	st := c.State()
	assert.Equal(t, models.PhaseDisconnected, st.Phase)
	require.NotNil(t, st.LastError)
	assert.Equal(t, models.CodeManualDisconnect, st.LastError.Code)
	assert.False(t, st.LastError.Retryable)

	clk.Advance(time.Hour)
	assert.Equal(t, 1, att.count())

	// Обнаруженный обрыв после ручного отключения игнорируется
	c.MarkDisconnected(errRefused)
	clk.Advance(time.Hour)
	assert.Equal(t, 1, att.count())
}

func TestManualReconnectStartsFreshCycle(t *testing.T) {
	c, att, clk, _ := setup(errRefused, errRefused, errRefused, errRefused, errRefused, nil)
	c.MarkDisconnected(errRefused)
	clk.Advance(time.Minute)
	require.True(t, c.State().Exhausted)

	c.Reconnect()
	st := c.State()
	assert.Equal(t, models.PhaseReconnecting, st.Phase)
	assert.False(t, st.Exhausted)
	assert.Equal(t, 0, st.RetryCount)

	clk.Advance(time.Second)
	assert.Equal(t, 6, att.count())
	assert.True(t, c.State().Connected)
}

func TestReconnectWhenConnectedIsNoop(t *testing.T) {
	c, att, clk, _ := setup()
	c.Reconnect()
	clk.Advance(time.Minute)
	assert.Equal(t, 0, att.count())
	assert.Equal(t, models.PhaseConnected, c.State().Phase)
}

func TestMarkDisconnectedDuringCycleIsIgnored(t *testing.T) {
	c, att, clk, _ := setup(errRefused)
	c.MarkDisconnected(errRefused)
	clk.Advance(500 * time.Millisecond)
	c.MarkDisconnected(errRefused)
	assert.Equal(t, 1, clk.Pending())

	clk.Advance(500 * time.Millisecond)
	assert.Equal(t, 1, att.count())
}

func TestSeedFromStatus(t *testing.T) {
	c, att, clk, seen := setup()
	c.Seed(models.ExchangeStatus{
		Connected:            false,
		ConnectionRetryCount: 2,
		LastError:            &models.ConnectionError{Code: models.CodeConnectionFailed, Message: "down", Retryable: true},
	})

	st := c.State()
	assert.Equal(t, models.PhaseDisconnected, st.Phase)
	assert.Equal(t, 2, st.RetryCount)
	assert.Equal(t, "down", st.LastError.Message)
	require.Len(t, *seen, 1)

	clk.Advance(time.Minute)
	assert.Equal(t, 0, att.count())

	c.Seed(models.ExchangeStatus{Connected: true})
	assert.True(t, c.State().Connected)
	assert.Nil(t, c.State().LastError)
}

func TestStopCancelsTimers(t *testing.T) {
	c, att, clk, _ := setup(errRefused)
	c.MarkDisconnected(errRefused)
	c.Stop()
	assert.Equal(t, 0, clk.Pending())

	clk.Advance(time.Hour)
	assert.Equal(t, 0, att.count())

	c.Reconnect()
	c.MarkDisconnected(errRefused)
	assert.Equal(t, 0, clk.Pending())
}

func TestStopDiscardsInflightResult(t *testing.T) {
	logger.UseNop()
	clk := clock.NewFake(time.Now())
	var c *Controller
	c = New(AttemptFunc(func(ctx context.Context) error {
		c.Stop()
		assert.Error(t, ctx.Err())
		return nil
	}), clk)

	c.MarkDisconnected(errRefused)
	clk.Advance(time.Second)

	assert.Equal(t, models.PhaseReconnecting, c.State().Phase)
	assert.False(t, c.State().Connected)
}

func TestListenerGetsCopy(t *testing.T) {
	c, _, _, seen := setup()
	c.ManualDisconnect()
	require.Len(t, *seen, 1)
	(*seen)[0].LastError.Message = "changed"
	assert.NotEqual(t, "changed", c.State().LastError.Message)
}
