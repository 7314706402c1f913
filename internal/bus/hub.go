// ABOUTME: Websocket hub holding one live connection per agent
// ABOUTME: Read and write pumps per connection, with ping/pong keepalive and replace-on-reconnect

package bus

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/nimrod-master/internal/auth"
)

// Hub errors
var (
	ErrNotConnected    = errors.New("agent is not connected")
	ErrSendBufferFull  = errors.New("agent send buffer is full")
	ErrHubClosed       = errors.New("hub is closed")
	ErrBadFrame        = errors.New("malformed frame")
	ErrHandlerNotReady = errors.New("hub has no handler attached")
)

// Handler receives what arrives on agent connections.
type Handler interface {
	Deliver(ctx context.Context, agent uuid.UUID, env *auth.Envelope) error
	ConnectionLost(agent uuid.UUID)
	Exists(agent uuid.UUID) bool
}

// HubConfig tunes connection keepalive and buffering.
type HubConfig struct {
	PongWait       time.Duration
	PingPeriod     time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBuffer     int
	// DeliverTimeout bounds the handling of one inbound frame.
	DeliverTimeout time.Duration
}

// DefaultHubConfig returns the keepalive settings used when none are given.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		PongWait:       60 * time.Second,
		PingPeriod:     30 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 1 << 20,
		SendBuffer:     64,
		DeliverTimeout: 10 * time.Second,
	}
}

func (c HubConfig) withDefaults() HubConfig {
	d := DefaultHubConfig()
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait / 2
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = d.DeliverTimeout
	}
	return c
}

type conn struct {
	id   uuid.UUID
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	// dropped is set when the hub closes the connection itself, so the
	// read pump does not report it as lost.
	dropped bool
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// Hub accepts agent websocket connections and routes frames to and from them.
type Hub struct {
	cfg      HubConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	conns   map[uuid.UUID]*conn
	handler Handler
	closed  bool

	wg sync.WaitGroup
}

// NewHub creates a hub. A handler must be attached before agents connect.
func NewHub(cfg HubConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "bus"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[uuid.UUID]*conn),
	}
}

// Attach sets the handler inbound traffic is delivered to.
func (h *Hub) Attach(handler Handler) {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()
}

func (h *Hub) getHandler() Handler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.handler
}

// ServeHTTP upgrades GET /agents/connect?agent=<id> to a websocket.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handler := h.getHandler()
	if handler == nil {
		http.Error(w, ErrHandlerNotReady.Error(), http.StatusServiceUnavailable)
		return
	}
	id, err := uuid.Parse(r.URL.Query().Get("agent"))
	if err != nil {
		http.Error(w, "agent query parameter must be a uuid", http.StatusBadRequest)
		return
	}
	if !handler.Exists(id) {
		http.Error(w, "unknown agent", http.StatusNotFound)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "agent", id, "error", err)
		return
	}

	c := &conn{
		id:   id,
		ws:   ws,
		send: make(chan []byte, h.cfg.SendBuffer),
		done: make(chan struct{}),
	}
	if err := h.register(c); err != nil {
		ws.Close()
		return
	}

	h.wg.Add(2)
	go h.writePump(c)
	go h.readPump(c, handler)
}

func (h *Hub) register(c *conn) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	old := h.conns[c.id]
	if old != nil {
		old.dropped = true
	}
	h.conns[c.id] = c
	h.mu.Unlock()

	if old != nil {
		h.logger.Info("agent reconnected, replacing connection", "agent", c.id)
		old.close()
	} else {
		h.logger.Info("agent connected", "agent", c.id)
	}
	return nil
}

// unregister removes c if it is still the current connection and reports
// whether the loss should be surfaced to the handler.
func (h *Hub) unregister(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.conns[c.id]; ok && cur == c {
		delete(h.conns, c.id)
	}
	return !c.dropped && !h.closed
}

func (h *Hub) readPump(c *conn, handler Handler) {
	defer h.wg.Done()
	defer func() {
		lost := h.unregister(c)
		c.close()
		if lost {
			h.logger.Info("agent connection lost", "agent", c.id)
			handler.ConnectionLost(c.id)
		}
	}()

	c.ws.SetReadLimit(h.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", "agent", c.id, "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))

		env, err := UnmarshalFrame(frame)
		if err != nil {
			h.logger.Warn("dropping frame", "agent", c.id, "error", err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.DeliverTimeout)
		err = handler.Deliver(ctx, c.id, env)
		cancel()
		if err != nil {
			h.logger.Debug("message rejected", "agent", c.id, "type", env.Properties.Type, "error", err)
		}
	}
}

func (h *Hub) writePump(c *conn) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.PingPeriod)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Debug("websocket write error", "agent", c.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.cfg.WriteWait))
			return
		}
	}
}

// Send queues a frame for agent id. It never blocks.
func (h *Hub) Send(id uuid.UUID, frame []byte) error {
	h.mu.RLock()
	c, ok := h.conns[id]
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return ErrHubClosed
	}
	if !ok {
		return ErrNotConnected
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrNotConnected
	default:
		return ErrSendBufferFull
	}
}

// Drop closes the connection of agent id without reporting it as lost.
func (h *Hub) Drop(id uuid.UUID) {
	h.mu.Lock()
	c, ok := h.conns[id]
	if ok {
		c.dropped = true
		delete(h.conns, id)
	}
	h.mu.Unlock()
	if ok {
		h.logger.Debug("dropping agent connection", "agent", id)
		c.close()
	}
}

// Connected reports whether agent id has a live connection.
func (h *Hub) Connected(id uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[id]
	return ok
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close shuts every connection and waits for the pumps to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[uuid.UUID]*conn)
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	h.wg.Wait()
}
