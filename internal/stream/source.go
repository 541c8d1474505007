package stream

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/r3labs/sse/v2"
	backoff "gopkg.in/cenkalti/backoff.v1"
)

// Conn открытый канал событий
type Conn interface {
	// Next блокируется до следующего события
	Next() ([]byte, error)
	Close() error
}

// Source открывает канал событий
type Source interface {
	Connect(ctx context.Context) (Conn, error)
}

// SSESource поток text/event-stream
type SSESource struct {
	URL    string
	Client *http.Client
}

// NewSSESource создает источник для базового адреса API
func NewSSESource(baseURL string) *SSESource {
	return &SSESource{
		URL:    strings.TrimRight(baseURL, "/") + "/api/mcp?action=stream",
		Client: &http.Client{},
	}
}

// Connect подписывается на поток и ждет ответа сервера.
// Переподключение sse-клиента отключено, им управляет контроллер.
func (s *SSESource) Connect(ctx context.Context) (Conn, error) {
	cctx, cancel := context.WithCancel(ctx)
	c := &sseConn{
		cancel: cancel,
		events: make(chan []byte),
		done:   make(chan struct{}),
	}
	accepted := make(chan struct{})

	client := sse.NewClient(s.URL)
	if s.Client != nil {
		client.Connection = s.Client
	}
	client.ReconnectStrategy = &backoff.StopBackOff{}
	client.ResponseValidator = func(_ *sse.Client, resp *http.Response) error {
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return fmt.Errorf("поток недоступен: статус %d", resp.StatusCode)
		}
		mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
		if mediaType != "text/event-stream" {
			resp.Body.Close()
			return fmt.Errorf("неожиданный тип ответа %q", mediaType)
		}
		close(accepted)
		return nil
	}

	go func() {
		err := client.SubscribeRawWithContext(cctx, func(msg *sse.Event) {
			if len(msg.Data) == 0 {
				return
			}
			select {
			case c.events <- msg.Data:
			case <-cctx.Done():
			}
		})
		if err == nil {
			err = io.EOF
		}
		c.err = err
		close(c.done)
	}()

	select {
	case <-accepted:
		return c, nil
	case <-c.done:
		cancel()
		return nil, fmt.Errorf("ошибка подключения к потоку: %w", c.err)
	}
}

// sseConn доставляет поля data событий по одному
type sseConn struct {
	cancel context.CancelFunc
	events chan []byte
	done   chan struct{}
	err    error
}

func (c *sseConn) Next() ([]byte, error) {
	select {
	case data := <-c.events:
		return data, nil
	case <-c.done:
		return nil, c.err
	}
}

func (c *sseConn) Close() error {
	c.cancel()
	return nil
}

// WebSocketSource поток через WebSocket, одно событие на текстовое сообщение
type WebSocketSource struct {
	URL         string
	Dialer      *websocket.Dialer
	ReadTimeout time.Duration
}

// NewWebSocketSource создает источник для базового адреса API (http/https заменяется на ws/wss)
func NewWebSocketSource(baseURL string) *WebSocketSource {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return &WebSocketSource{
		URL: u + "/api/mcp/ws",
		Dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		ReadTimeout: 60 * time.Second,
	}
}

// Connect открывает WebSocket соединение
func (s *WebSocketSource) Connect(ctx context.Context) (Conn, error) {
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к WebSocket: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	return &wsConn{conn: conn, readTimeout: s.ReadTimeout}, nil
}

type wsConn struct {
	conn        *websocket.Conn
	readTimeout time.Duration
}

func (c *wsConn) Next() ([]byte, error) {
	for {
		if c.readTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}
