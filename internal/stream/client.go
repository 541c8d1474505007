// Package stream реализует клиент однонаправленного потока рыночных данных.
package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/skalibog/tradesync/pkg/logger"
	"github.com/skalibog/tradesync/pkg/models"
)

// Handler получатель событий потока.
// Методы вызываются из горутины чтения и не должны синхронно вызывать Client.Close.
type Handler interface {
	// OnSnapshot полный снимок котировок (connected, ticker_update)
	OnSnapshot(ticks []models.MarketTick)
	// OnUpstreamError ошибка, присланная источником; рыночные данные не меняются
	OnUpstreamError(err models.ConnectionError)
	// OnTransportError канал закрылся не по запросу клиента
	OnTransportError(err error)
}

// Client держит не более одного открытого канала. Сам не переподключается.
type Client struct {
	source  Source
	handler Handler
	log     *zap.Logger

	mu        sync.Mutex
	current   *session
	streaming atomic.Bool
}

// NewClient создает клиент потока
func NewClient(source Source, handler Handler) *Client {
	return &Client{
		source:  source,
		handler: handler,
		log:     logger.Named("stream"),
	}
}

// session один открытый канал
type session struct {
	conn   Conn
	cancel context.CancelFunc
	closed atomic.Bool
	// deliver сериализует доставку и закрытие
	deliver sync.Mutex
	done    chan struct{}
}

// stop помечает сессию закрытой и ждет завершения текущей доставки
func (s *session) stop() {
	if s.closed.Swap(true) {
		return
	}
	s.cancel()
	s.conn.Close()
	s.deliver.Lock()
	s.deliver.Unlock()
}

// Open закрывает активный канал, если он есть, и открывает новый
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	prev := c.current
	c.current = nil
	c.mu.Unlock()

	if prev != nil {
		prev.stop()
		c.streaming.Store(false)
	}

	sctx, cancel := context.WithCancel(ctx)
	conn, err := c.source.Connect(sctx)
	if err != nil {
		cancel()
		return err
	}

	s := &session{conn: conn, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	if c.current != nil {
		// Параллельный Open успел раньше
		other := c.current
		c.current = nil
		c.mu.Unlock()
		other.stop()
		c.mu.Lock()
	}
	c.current = s
	c.mu.Unlock()

	c.streaming.Store(true)
	c.log.Info("Поток рыночных данных открыт")

	go c.read(s)
	return nil
}

// Close закрывает канал. Повторный вызов безопасен. После возврата события не доставляются.
func (c *Client) Close() {
	c.mu.Lock()
	s := c.current
	c.current = nil
	c.mu.Unlock()

	if s == nil {
		return
	}
	s.stop()
	c.streaming.Store(false)
	c.log.Info("Поток рыночных данных закрыт")
}

// Streaming сообщает, открыт ли канал
func (c *Client) Streaming() bool {
	return c.streaming.Load()
}

// Done закрывается, когда горутина чтения текущего канала завершилась
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.current.done
}

func (c *Client) read(s *session) {
	defer close(s.done)

	for {
		data, err := s.conn.Next()
		if err != nil {
			c.fail(s, err)
			return
		}

		ev, err := ParseEvent(data)
		if err != nil {
			c.log.Warn("Пропущено некорректное событие", zap.Error(err))
			continue
		}

		if !c.dispatch(s, ev) {
			return
		}
	}
}

// dispatch доставляет событие, если сессия не закрыта
func (c *Client) dispatch(s *session, ev Event) bool {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	if s.closed.Load() {
		return false
	}

	switch ev.Type {
	case EventConnected, EventTickerUpdate:
		c.handler.OnSnapshot(ev.Snapshot())
	case EventError:
		upstream := models.ConnectionError{
			Code:      models.CodeAPIError,
			Message:   "источник сообщил об ошибке",
			Timestamp: ev.Timestamp,
			Retryable: true,
		}
		if ev.Error != nil {
			upstream = *ev.Error
		}
		c.handler.OnUpstreamError(upstream)
	default:
		c.log.Debug("Неизвестный тип события", zap.String("type", ev.Type))
	}
	return true
}

// fail обрабатывает обрыв транспорта: сессия закрывается, флаг сбрасывается
func (c *Client) fail(s *session, err error) {
	if s.closed.Swap(true) {
		return // закрыта по запросу
	}
	s.cancel()
	s.conn.Close()

	c.mu.Lock()
	if c.current == s {
		c.current = nil
		c.streaming.Store(false)
	}
	c.mu.Unlock()

	c.log.Warn("Поток рыночных данных прерван", zap.Error(err))
	c.handler.OnTransportError(err)
}
