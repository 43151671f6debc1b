// Package broadcast serves the dashboard's live alert feed: a WebSocket
// endpoint fed by a tail of the alerts stream.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentstack/agentstack/internal/config"
	"github.com/agentstack/agentstack/internal/stream"
)

const (
	// Clients only send small control frames; anything larger is abuse.
	maxClientFrame = 4096

	// A quiet connection gets a keepalive this often. Dashboards are
	// read-mostly, so the server keeps the connection warm.
	keepaliveEvery = 30 * time.Second

	writeWait = 5 * time.Second

	tailBlock = time.Second
	tailCount = 100
)

// client is one dashboard connection. The write mutex serializes the
// tail goroutine against keepalives and control replies.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) sendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *client) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Hub fans alert stream entries out to connected dashboards.
type Hub struct {
	cfg       *config.Config
	log       stream.Log
	upgrader  websocket.Upgrader
	keepalive time.Duration

	mu      sync.RWMutex
	clients map[*client]struct{}

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewHub builds a hub tailing the given stream log.
func NewHub(cfg *config.Config, log stream.Log) *Hub {
	h := &Hub{
		cfg:       cfg,
		log:       log,
		keepalive: keepaliveEvery,
		clients:   make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin validates the WebSocket origin against the configured
// whitelist. No configured origins allows all; an empty Origin header
// (non-browser clients) is always allowed.
func (h *Hub) checkOrigin(r *http.Request) bool {
	allowed := h.cfg.AllowedOrigins()
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("websocket origin rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux.
func (h *Hub) BuildMux() *http.ServeMux {
	if h.mux != nil {
		return h.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/traces", h.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	h.mux = mux
	return mux
}

// Start serves the endpoint and runs the tail loop. Blocks until ctx is
// done.
func (h *Hub) Start(ctx context.Context) error {
	go h.runTail(ctx)

	mux := h.BuildMux()
	addr := fmt.Sprintf("%s:%d", h.cfg.Dashboard.Host, h.cfg.Dashboard.Port)
	h.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("broadcast hub starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.httpServer.Shutdown(shutdownCtx)
	}()

	if err := h.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("broadcast server: %w", err)
	}
	return nil
}

// runTail follows the alert stream from its current tip and fans every
// entry out to all clients. A send failure drops that client.
func (h *Hub) runTail(ctx context.Context) {
	lastID := "$"
	for {
		if ctx.Err() != nil {
			return
		}
		entries, next, err := h.log.Tail(ctx, stream.TopicAlerts, lastID, tailCount, tailBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("alert tail error", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		lastID = next
		for _, entry := range entries {
			h.broadcast(map[string]any{
				"type": "alert",
				"data": entry.Fields,
			})
		}
	}
}

func (h *Hub) broadcast(msg map[string]any) {
	h.mu.RLock()
	conns := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.sendJSON(msg); err != nil {
			h.drop(c)
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.conn.Close()
		slog.Info("dashboard client dropped")
	}
}

// handleWebSocket upgrades the connection and runs its read loop.
func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn}
	conn.SetReadLimit(maxClientFrame)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * h.keepalive))
	})

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	slog.Info("dashboard client connected", "remote", conn.RemoteAddr())

	stop := make(chan struct{})
	go h.keepaliveLoop(c, stop)

	defer h.drop(c)
	defer close(stop)
	h.readLoop(c)
}

// keepaliveLoop pings a quiet client on a ticker: an application-level
// {"type":"ping"} for the protocol plus a control ping, which browsers
// answer automatically and the pong handler turns into a deadline
// extension. A failed write closes the connection, unblocking the read
// loop.
func (h *Hub) keepaliveLoop(c *client, stop <-chan struct{}) {
	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.sendJSON(map[string]string{"type": "ping"}); err != nil {
				c.conn.Close()
				return
			}
			if err := c.ping(); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

// readLoop consumes client frames: ping gets pong, filter gets an ack.
// The read deadline rolls forward on every frame and pong; a client
// silent for two keepalive intervals is dead. Read errors are permanent
// in gorilla, so the loop exits on the first one. A read limit
// violation closes the connection with 1009.
func (h *Hub) readLoop(c *client) {
	for {
		c.conn.SetReadDeadline(time.Now().Add(2 * h.keepalive))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read error", "error", err)
			}
			return
		}

		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg["type"] {
		case "ping":
			if err := c.sendJSON(map[string]string{"type": "pong"}); err != nil {
				return
			}
		case "filter":
			// Filters are acknowledged and echoed back; the dashboard
			// client applies them locally for now.
			delete(msg, "type")
			if err := c.sendJSON(map[string]any{"type": "filter_ack", "filters": msg}); err != nil {
				return
			}
		}
	}
}

// ClientCount reports connected dashboards. Test helper.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// StartTestServer creates a listener on :0 (random port) and returns the
// actual address and a start function. Used for integration tests.
func StartTestServer(h *Hub, ctx context.Context) (addr string, start func()) {
	mux := h.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	h.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go h.runTail(ctx)
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			h.httpServer.Shutdown(shutdownCtx)
		}()
		h.httpServer.Serve(ln)
	}

	return addr, start
}
