package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tianshanos/tianshan-core/internal/eventbus"
	"github.com/tianshanos/tianshan-core/internal/infrastructure/logging"
)

// Websocket tuning.
const (
	wsSendBufferSize = 64
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = 54 * time.Second
)

// wsEvent is the wire form of a pushed bus event.
type wsEvent struct {
	Base      string    `json:"base"`
	ID        int       `json:"id"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The device serves its own UI from the same origin; cross-origin
	// dashboards are expected on a trusted LAN.
	CheckOrigin: func(*http.Request) bool { return true },
}

// hub fans bus events out to connected websocket clients.
type hub struct {
	logger *logging.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	subs    []*eventbus.Subscription
	bus     *eventbus.Bus
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newHub(logger *logging.Logger) *hub {
	return &hub{
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// attach subscribes the hub to every event base.
func (h *hub) attach(bus *eventbus.Bus) {
	h.bus = bus
	for _, base := range []eventbus.Base{
		eventbus.BaseSystem,
		eventbus.BaseStorage,
		eventbus.BasePower,
		eventbus.BaseNet,
		eventbus.BaseConfig,
		eventbus.BaseService,
		eventbus.BaseSecurity,
	} {
		b := base
		sub := bus.SubscribeAll(b, func(ev eventbus.Event) {
			h.broadcast(ev)
		})
		h.subs = append(h.subs, sub)
	}
}

func (h *hub) run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bus != nil {
		for _, sub := range h.subs {
			h.bus.Unsubscribe(sub)
		}
	}
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *hub) broadcast(ev eventbus.Event) {
	data, err := json.Marshal(wsEvent{
		Base:      ev.Base.String(),
		ID:        int(ev.ID),
		Payload:   ev.Payload,
		Timestamp: ev.Timestamp,
	})
	if err != nil {
		h.logger.Warn("cannot encode event for websocket", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Slow client: drop it rather than block the bus.
			close(c.send)
			delete(h.clients, c)
		}
	}
}

func (h *hub) add(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
	}
}

// handleEvents upgrades the connection and streams bus events until the
// client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBufferSize)}
	s.hub.add(c)
	s.logger.Debug("websocket client connected", "remote", r.RemoteAddr)

	go c.writeLoop()
	c.readLoop(s.hub)
}

// readLoop consumes client frames (only control traffic is expected)
// and tears the client down on error.
func (c *wsClient) readLoop(h *hub) {
	defer func() {
		h.remove(c)
		c.conn.Close() //nolint:errcheck,gosec // teardown
	}()

	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))         //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close() //nolint:errcheck,gosec // teardown
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
