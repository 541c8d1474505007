package simulator

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/skalibog/tradesync/pkg/models"
)

const (
	requestIDHeaderKey  = "X-Request-ID"
	requestIDContextKey = "request_id"
)

var errExchangeNotConnected = errors.New("биржа не подключена")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type postRequest struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params"`
}

type orderParams struct {
	Exchange string      `json:"exchange"`
	Symbol   string      `json:"symbol"`
	Side     models.Side `json:"side"`
	Amount   float64     `json:"amount"`
	Price    float64     `json:"price"`
}

// Handler возвращает HTTP обработчик API
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(requestIDMiddleware())
	router.Use(s.loggerMiddleware())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/api/mcp", s.handleGet)
	router.POST("/api/mcp", s.handlePost)
	router.GET("/api/mcp/ws", s.handleWebSocket)

	return router
}

func (s *Server) handleGet(c *gin.Context) {
	if fail, lastError := s.failRequest(); fail {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":     "MCP disconnected",
			"lastError": lastError,
			"connected": false,
		})
		return
	}

	switch c.Query("action") {
	case "tools":
		c.JSON(http.StatusOK, gin.H{"tools": tools})
	case "exchanges":
		c.JSON(http.StatusOK, gin.H{"exchanges": s.exchangeList()})
	case "ticker":
		if symbol := c.Query("symbol"); symbol != "" {
			if t, ok := s.ticker(symbol); ok {
				c.JSON(http.StatusOK, gin.H{"ticker": t})
			} else {
				c.JSON(http.StatusOK, gin.H{"ticker": nil})
			}
			return
		}
		c.JSON(http.StatusOK, gin.H{"tickers": s.tickerMap()})
	case "orders":
		c.JSON(http.StatusOK, gin.H{"orders": []any{}})
	case "status":
		c.JSON(http.StatusOK, s.status())
	case "stream":
		s.handleStream(c)
	default:
		st := s.status()
		c.JSON(http.StatusOK, gin.H{
			"connected": st["connected"],
			"exchanges": s.exchangeList(),
			"tools":     tools,
			"tickers":   s.tickerMap(),
		})
	}
}

// handleStream отдает события в формате text/event-stream
func (s *Server) handleStream(c *gin.Context) {
	initial, err := s.connectedEvent()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "MCP request failed"})
		return
	}

	events := s.hub.subscribe()
	defer s.hub.unsubscribe(events)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	fmt.Fprintf(c.Writer, "data: %s\n\n", initial)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case msg := <-events:
			fmt.Fprintf(w, "data: %s\n\n", msg)
			return true
		}
	})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("Ошибка WebSocket upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	initial, err := s.connectedEvent()
	if err != nil {
		return
	}

	events := s.hub.subscribe()
	defer s.hub.unsubscribe(events)

	if err := conn.WriteMessage(websocket.TextMessage, initial); err != nil {
		return
	}

	// Чтение нужно, чтобы заметить закрытие со стороны клиента
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case msg := <-events:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (s *Server) handlePost(c *gin.Context) {
	var req postRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	switch req.Action {
	case "toggle_connection":
		s.handleToggle(c, req.Params)
		return
	case "reconnect":
		s.handleReconnect(c)
		return
	}

	if !s.Connected() {
		st := s.status()
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":     "MCP disconnected",
			"lastError": st["lastError"],
			"message":   "MCP server is not connected",
		})
		return
	}

	switch req.Action {
	case "place_order":
		var p orderParams
		if err := decodeParams(req.Params, &p); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		order, err := s.placeOrder(p)
		if errors.Is(err, errExchangeNotConnected) {
			s.mu.Lock()
			available := s.connectedExchangesLocked()
			s.mu.Unlock()
			c.JSON(http.StatusBadRequest, gin.H{
				"error":              "Exchange not connected",
				"exchange":           p.Exchange,
				"availableExchanges": available,
			})
			return
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"order": order, "success": true})

	case "cancel_order":
		var p struct {
			OrderID string `json:"orderId"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "orderId": p.OrderID})

	case "subscribe_ticker":
		var p struct {
			Symbols []string `json:"symbols"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"subscribed": true,
			"symbols":    s.subscribe(p.Symbols),
			"message":    "Successfully subscribed to ticker updates",
		})

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown action"})
	}
}

func (s *Server) handleToggle(c *gin.Context, raw json.RawMessage) {
	var p struct {
		Connected *bool `json:"connected"`
	}
	if err := decodeParams(raw, &p); err != nil || p.Connected == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "connected flag is required"})
		return
	}
	connected, lastError := s.toggle(*p.Connected)
	state := "disconnected"
	if connected {
		state = "connected"
	}
	c.JSON(http.StatusOK, gin.H{
		"connected": connected,
		"message":   "MCP " + state,
		"lastError": lastError,
	})
}

func (s *Server) handleReconnect(c *gin.Context) {
	ok, lastError := s.reconnect()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":     "MCP disconnected",
			"lastError": lastError,
			"message":   "Failed to reconnect to MCP server",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connected": true})
}

func decodeParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return errors.New("params are required")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeaderKey)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header(requestIDHeaderKey, requestID)
		c.Set(requestIDContextKey, requestID)
		c.Next()
	}
}

func (s *Server) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("HTTP запрос",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("action", c.Query("action")),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString(requestIDContextKey)))
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
