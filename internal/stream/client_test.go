package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/tradesync/pkg/logger"
	"github.com/skalibog/tradesync/pkg/models"
)

type recorder struct {
	mu        sync.Mutex
	snapshots [][]models.MarketTick
	upstream  []models.ConnectionError
	transport []error
	events    chan string
}

func newRecorder() *recorder {
	return &recorder{events: make(chan string, 1024)}
}

func (r *recorder) OnSnapshot(ticks []models.MarketTick) {
	r.mu.Lock()
	r.snapshots = append(r.snapshots, ticks)
	r.mu.Unlock()
	r.events <- "snapshot"
}

func (r *recorder) OnUpstreamError(err models.ConnectionError) {
	r.mu.Lock()
	r.upstream = append(r.upstream, err)
	r.mu.Unlock()
	r.events <- "error"
}

func (r *recorder) OnTransportError(err error) {
	r.mu.Lock()
	r.transport = append(r.transport, err)
	r.mu.Unlock()
	r.events <- "transport"
}

func (r *recorder) wait(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-r.events:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("не дождались события %s", want)
	}
}

func (r *recorder) snapshotCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

func sseHandler(frames []string, hold bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, f := range frames {
			io.WriteString(w, f)
			flusher.Flush()
		}
		if hold {
			<-r.Context().Done()
		}
	}
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"ticker_update","tickers":{"ETH/USDT":{"price":2450},"BTC/USDT":{"symbol":"BTC/USDT","price":43500,"change24h":2.5,"volume24h":1.2e9,"timestamp":7}}}`))
	require.NoError(t, err)

	snap := ev.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "BTC/USDT", snap[0].Symbol)
	assert.Equal(t, "ETH/USDT", snap[1].Symbol)
	assert.Equal(t, 2450.0, snap[1].Price)

	_, err = ParseEvent([]byte(`{"tickers":{}}`))
	assert.Error(t, err)
	_, err = ParseEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestSSEClientDeliversEvents(t *testing.T) {
	logger.UseNop()
	frames := []string{
		": keep-alive\n\n",
		`data: {"type":"connected","tickers":{"BTC/USDT":{"symbol":"BTC/USDT","price":43500}}}` + "\n\n",
		"data: {\"type\":\"ticker_update\",\n",
		`data: "tickers":{"BTC/USDT":{"symbol":"BTC/USDT","price":43510}}}` + "\n\n",
		`data: {"type":"error","error":{"code":"CONNECTION_FAILED","message":"x","timestamp":1,"retryable":true}}` + "\n\n",
		"data: garbage\n\n",
		`data: {"type":"error","error":null}` + "\n\n",
	}
	srv := httptest.NewServer(sseHandler(frames, true))
	defer srv.Close()

	rec := newRecorder()
	c := NewClient(NewSSESource(srv.URL), rec)
	require.NoError(t, c.Open(context.Background()))
	defer c.Close()

	rec.wait(t, "snapshot")
	rec.wait(t, "snapshot")
	rec.wait(t, "error")
	rec.wait(t, "error")

	assert.True(t, c.Streaming())
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 43510.0, rec.snapshots[1][0].Price)
	assert.Equal(t, models.CodeConnectionFailed, rec.upstream[0].Code)
	assert.Equal(t, models.CodeAPIError, rec.upstream[1].Code)
	assert.Empty(t, rec.transport)
}

func TestSSEClientTransportFailure(t *testing.T) {
	logger.UseNop()
	srv := httptest.NewServer(sseHandler([]string{
		`data: {"type":"connected","tickers":{}}` + "\n\n",
	}, false))
	defer srv.Close()

	rec := newRecorder()
	c := NewClient(NewSSESource(srv.URL), rec)
	require.NoError(t, c.Open(context.Background()))

	rec.wait(t, "snapshot")
	rec.wait(t, "transport")
	assert.False(t, c.Streaming())

	// Клиент сам не переподключается
	select {
	case ev := <-rec.events:
		t.Fatalf("неожиданное событие %s", ev)
	case <-time.After(100 * time.Millisecond):
	}
	c.Close()
}

func TestSSESourceRejectsWrongContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	_, err := NewSSESource(srv.URL).Connect(context.Background())
	assert.Error(t, err)
}

func TestSSESourceRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	start := time.Now()
	_, err := NewSSESource(srv.URL).Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	// Повторных попыток нет
	assert.Less(t, time.Since(start), time.Second)
}

func TestSSEConnCloseEndsNext(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{"data: {}\n\n"}, true))
	defer srv.Close()

	conn, err := NewSSESource(srv.URL).Connect(context.Background())
	require.NoError(t, err)

	data, err := conn.Next()
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))

	require.NoError(t, conn.Close())
	_, err = conn.Next()
	assert.Error(t, err)
}

func TestCloseStopsDeliveryAndIsIdempotent(t *testing.T) {
	logger.UseNop()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; ; i++ {
			select {
			case <-r.Context().Done():
				return
			default:
			}
			fmt.Fprintf(w, "data: {\"type\":\"ticker_update\",\"tickers\":{\"BTC/USDT\":{\"price\":%d}}}\n\n", i+1)
			flusher.Flush()
			time.Sleep(time.Millisecond)
		}
	}))
	defer srv.Close()

	rec := newRecorder()
	rec.events = make(chan string, 1<<16)
	c := NewClient(NewSSESource(srv.URL), rec)
	require.NoError(t, c.Open(context.Background()))
	rec.wait(t, "snapshot")

	done := c.Done()
	c.Close()
	after := rec.snapshotCount()

	c.Close()
	assert.False(t, c.Streaming())

	<-done
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, rec.snapshotCount())

	rec.mu.Lock()
	assert.Empty(t, rec.transport)
	rec.mu.Unlock()
}

// countingSource считает одновременно открытые каналы
type countingSource struct {
	mu     sync.Mutex
	open   int
	peak   int
	opened int
}

type blockingConn struct {
	src    *countingSource
	closed chan struct{}
	once   sync.Once
}

func (s *countingSource) Connect(ctx context.Context) (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open++
	s.opened++
	if s.open > s.peak {
		s.peak = s.open
	}
	return &blockingConn{src: s, closed: make(chan struct{})}, nil
}

func (c *blockingConn) Next() ([]byte, error) {
	<-c.closed
	return nil, errors.New("closed")
}

func (c *blockingConn) Close() error {
	c.once.Do(func() {
		c.src.mu.Lock()
		c.src.open--
		c.src.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func TestOpenClosesPreviousChannel(t *testing.T) {
	logger.UseNop()
	src := &countingSource{}
	rec := newRecorder()
	c := NewClient(src, rec)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Open(context.Background()))
	}

	src.mu.Lock()
	assert.Equal(t, 1, src.open)
	assert.Equal(t, 1, src.peak)
	assert.Equal(t, 3, src.opened)
	src.mu.Unlock()

	c.Close()
	src.mu.Lock()
	assert.Equal(t, 0, src.open)
	src.mu.Unlock()

	// Закрытие по запросу не считается обрывом транспорта
	select {
	case ev := <-rec.events:
		t.Fatalf("неожиданное событие %s", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWebSocketSource(t *testing.T) {
	logger.UseNop()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connected","tickers":{"SOL/USDT":{"symbol":"SOL/USDT","price":98.5}}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","error":{"code":"MANUAL_DISCONNECT","message":"off","retryable":false}}`))
	}))
	defer srv.Close()

	rec := newRecorder()
	c := NewClient(NewWebSocketSource(srv.URL), rec)
	require.NoError(t, c.Open(context.Background()))

	rec.wait(t, "snapshot")
	rec.wait(t, "error")
	rec.wait(t, "transport")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "SOL/USDT", rec.snapshots[0][0].Symbol)
	assert.False(t, rec.upstream[0].Retryable)
}
