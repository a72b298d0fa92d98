// Package realtime carries the bidirectional channel between clients and the server over websockets.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/gate"
	"github.com/victornm/livequiz/internal/lobby"
	"github.com/victornm/livequiz/internal/session"
	"github.com/victornm/livequiz/internal/telemetry"
)

type Config struct {
	WriteTimeout   time.Duration   `mapstructure:"write_timeout"`
	ReadTimeout    time.Duration   `mapstructure:"read_timeout"`
	PingInterval   time.Duration   `mapstructure:"ping_interval"`
	MaxMessageSize int64           `mapstructure:"max_message_size"`
	SendBuffer     int             `mapstructure:"send_buffer"`
	CommandTimeout time.Duration   `mapstructure:"command_timeout"`
	Clock          clockwork.Clock `mapstructure:"-"`
}

var DefaultConfig = Config{
	WriteTimeout:   10 * time.Second,
	ReadTimeout:    60 * time.Second,
	PingInterval:   30 * time.Second,
	MaxMessageSize: 4096,
	SendBuffer:     256,
	CommandTimeout: 45 * time.Second,
}

// Services are the components client commands are routed to.
type Services struct {
	Lobby    *lobby.Lobby
	Sessions *session.Registry
	Gate     *gate.Gate
}

// Hub keeps at most one live connection per identity and delivers notifications to them. It implements
// domain.Notifier.
type Hub struct {
	c        Config
	upgrader websocket.Upgrader

	svc Services

	mu    sync.RWMutex
	conns map[string]*conn // by identity
	wg    sync.WaitGroup
}

func NewHub(c Config) *Hub {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultConfig.WriteTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultConfig.ReadTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultConfig.PingInterval
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultConfig.MaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultConfig.SendBuffer
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultConfig.CommandTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}

	return &Hub{
		c: c,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origins are checked by the CORS layer in front of the hub.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*conn),
	}
}

// Route sets the components commands are dispatched to. It must be called before the hub serves.
func (h *Hub) Route(svc Services) {
	h.svc = svc
}

// ServeHTTP upgrades the request to a websocket and serves it until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(r.Context(), "realtime: upgrade failed", "error", err)
		return
	}

	c := &conn{
		id:   uuid.NewString(),
		hub:  h,
		ws:   ws,
		send: make(chan []byte, h.c.SendBuffer),
		done: make(chan struct{}),
	}

	telemetry.ConnectionOpened()
	slog.InfoContext(r.Context(), "realtime: connection opened", "conn", c.id, "remote", r.RemoteAddr)

	go c.writePump()
	c.readPump()
}

// Notify queues n for every recipient with a live connection. It never blocks: a connection whose
// buffer is full is closed, and its participant may reconnect.
func (h *Hub) Notify(ctx context.Context, recipients []string, n domain.Notification) {
	if len(recipients) == 0 {
		return
	}

	b, err := json.Marshal(n)
	if err != nil {
		slog.ErrorContext(ctx, "realtime: marshal notification failed", "event", n.Event, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*conn, 0, len(recipients))
	for _, id := range recipients {
		if c, ok := h.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(b) {
			slog.WarnContext(ctx, "realtime: send buffer full, closing connection",
				"conn", c.id,
				"identity", c.identity(),
				"event", n.Event,
			)
			c.close()
		}
	}
}

// Connected reports whether identity has a live connection.
func (h *Hub) Connected(identity string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.conns[identity]
	return ok
}

// Close closes every connection and waits for running commands.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}
	h.wg.Wait()
}

// bind makes c the live connection of identity. A previous connection of the same identity is closed
// without disconnecting the participant.
func (h *Hub) bind(identity string, c *conn) {
	h.mu.Lock()
	prev := h.conns[identity]
	h.conns[identity] = c
	h.mu.Unlock()

	if prev != nil && prev != c {
		slog.Info("realtime: connection replaced", "identity", identity, "old", prev.id, "new", c.id)
		prev.close()
	}
}

// unbind runs when c goes away. The participant is only disconnected if c was still its live connection.
func (h *Hub) unbind(c *conn) {
	identity := c.identity()
	if identity == "" {
		return
	}

	h.mu.Lock()
	live := h.conns[identity] == c
	if live {
		delete(h.conns, identity)
	}
	h.mu.Unlock()

	if !live {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.c.WriteTimeout)
	defer cancel()

	if h.svc.Lobby != nil {
		h.svc.Lobby.Leave(ctx, identity)
	}
	if h.svc.Sessions != nil {
		if err := h.svc.Sessions.Disconnect(ctx, identity); err != nil {
			slog.WarnContext(ctx, "realtime: disconnect participant failed", "identity", identity, "error", err)
		}
	}
}

type conn struct {
	id   string
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu    sync.RWMutex
	ident string
}

func (c *conn) identity() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ident
}

func (c *conn) enqueue(b []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}

	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.hub.c.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.c.WriteTimeout))
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.c.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Warn("realtime: write failed", "conn", c.id, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.c.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Warn("realtime: ping failed", "conn", c.id, "error", err)
				return
			}
		}
	}
}

func (c *conn) readPump() {
	defer func() {
		c.close()
		c.hub.unbind(c)
		telemetry.ConnectionClosed()
		slog.Info("realtime: connection closed", "conn", c.id, "identity", c.identity())
	}()

	c.ws.SetReadLimit(c.hub.c.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.c.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.hub.c.ReadTimeout))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("realtime: unexpected close", "conn", c.id, "error", err)
			}
			return
		}
		receivedAt := c.hub.c.Clock.Now()

		_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.c.ReadTimeout))
		c.handle(msg, receivedAt)
	}
}

// reply sends a notification to this connection only, whether or not it is bound to an identity yet.
func (c *conn) reply(n domain.Notification) {
	b, err := json.Marshal(n)
	if err != nil {
		slog.Error("realtime: marshal reply failed", "event", n.Event, "error", err)
		return
	}
	if !c.enqueue(b) {
		c.close()
	}
}
