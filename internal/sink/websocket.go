package sink

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/KathyLau/un-webtv-transcriber/internal/transcript"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// WebSocketSink broadcasts segments to connected live-caption clients.
// Clients that fall behind their queue are disconnected.
type WebSocketSink struct {
	runID     string
	queueSize int
	upgrader  websocket.Upgrader
	logger    *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

func NewWebSocketSink(runID string, queueSize int, logger *slog.Logger) *WebSocketSink {
	if queueSize <= 0 {
		queueSize = 32
	}
	return &WebSocketSink{
		runID:     runID,
		queueSize: queueSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger.With(slog.String("component", "sink"), slog.String("sink", "websocket")),
		clients: make(map[*wsClient]struct{}),
	}
}

func (s *WebSocketSink) Name() string { return "websocket" }

// Clients returns the number of connected clients.
func (s *WebSocketSink) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// ServeHTTP upgrades the request and streams segments until the client leaves.
func (s *WebSocketSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, s.queueSize)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[client] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("websocket client connected", slog.String("remote", r.RemoteAddr))

	go s.readPump(client)
	s.writePump(client)
}

// readPump discards client input and detects disconnects.
func (s *WebSocketSink) readPump(c *wsClient) {
	defer s.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *WebSocketSink) writePump(c *wsClient) {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.remove(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

func (s *WebSocketSink) remove(c *wsClient) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if ok {
		c.close()
	}
}

// Deliver never fails on client behaviour; slow clients are dropped.
func (s *WebSocketSink) Deliver(_ context.Context, seg transcript.Segment) error {
	data, err := json.Marshal(Message(s.runID, seg))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			s.logger.Warn("websocket client too slow, disconnecting")
			delete(s.clients, c)
			c.close()
		}
	}
	return nil
}

func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for c := range s.clients {
		delete(s.clients, c)
		c.close()
	}
	return nil
}
