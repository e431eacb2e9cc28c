package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"postwave/internal/eventbus"
	logx "postwave/pkg/logx"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	busBuffer    = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The admin API is token-guarded; origin checks add nothing for it.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub streams bus events to websocket clients as JSON text frames. Each
// connection has its own write lock and, when configured, its own rate
// limiter; frames over the limit are dropped for that client only.
type Hub struct {
	bus  eventbus.Bus
	rate float64
	log  logx.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]*client
}

type client struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	dropped int
}

func NewHub(bus eventbus.Bus, perSecond float64, log logx.Logger) *Hub {
	return &Hub{bus: bus, rate: perSecond, log: log, clients: map[*websocket.Conn]*client{}}
}

// Run forwards bus events until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	if h.bus == nil {
		return
	}
	ch, unsub := h.bus.Subscribe(busBuffer)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			h.Broadcast(ev)
		}
	}
}

func (h *Hub) Broadcast(ev eventbus.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("event marshal failed", logx.String("kind", string(ev.Kind)), logx.Err(err))
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	states := make([]*client, 0, len(h.clients))
	for conn, c := range h.clients {
		conns = append(conns, conn)
		states = append(states, c)
	}
	h.mu.RUnlock()

	for i, conn := range conns {
		c := states[i]
		if c.limiter != nil && !c.limiter.Allow() {
			c.mu.Lock()
			c.dropped++
			c.mu.Unlock()
			continue
		}
		c.mu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := conn.WriteMessage(websocket.TextMessage, data)
		c.mu.Unlock()
		if err != nil {
			h.log.Debug("event send failed", logx.Err(err))
			h.remove(conn)
		}
	}
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and keeps the connection until the client
// goes away. Client messages are read and discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", logx.Err(err))
		return
	}
	c := &client{}
	if h.rate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(h.rate), max(1, int(h.rate)))
	}
	h.mu.Lock()
	h.clients[conn] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("websocket client connected", logx.Int("clients", n))

	done := make(chan struct{})
	defer func() {
		close(done)
		h.remove(conn)
	}()
	go h.ping(conn, c, done)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read failed", logx.Err(err))
			}
			return
		}
	}
}

func (h *Hub) ping(conn *websocket.Conn, c *client, done <-chan struct{}) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	c, ok := h.clients[conn]
	delete(h.clients, conn)
	n := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}
	_ = conn.Close()
	c.mu.Lock()
	dropped := c.dropped
	c.mu.Unlock()
	h.log.Debug("websocket client disconnected", logx.Int("clients", n), logx.Int("dropped", dropped))
}

// CloseAll sends a close frame to every client and drops them.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn, c := range h.clients {
		c.mu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		conns = append(conns, conn)
	}
	h.mu.RUnlock()
	for _, conn := range conns {
		h.remove(conn)
	}
}
