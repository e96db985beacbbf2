package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	defaultSendBuffer = 64
	defaultPingPeriod = 30 * time.Second
	writeWait         = 10 * time.Second
)

var (
	WebsocketClientsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wallflower_atto_websocket_clients_connected",
			Help: "Number of websocket clients currently subscribed to events",
		},
	)

	WebsocketClientsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wallflower_atto_websocket_clients_dropped_total",
			Help: "Total number of websocket clients dropped for falling behind",
		},
	)
)

type HubConfig struct {
	Logger     *slog.Logger
	SendBuffer int
	PingPeriod time.Duration
}

func (c *HubConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = defaultPingPeriod
	}
	return nil
}

// Hub broadcasts events to every connected websocket client. Clients are
// receive-only; anything they send is discarded.
type Hub struct {
	log      *slog.Logger
	cfg      *HubConfig
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*websocket.Conn]*client
	wg      sync.WaitGroup
}

type client struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewHub(cfg *HubConfig) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Hub{
		log: cfg.Logger,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*websocket.Conn]*client),
	}, nil
}

// Handler serves websocket upgrades on / and /ws.
func (h *Hub) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/", h.serveWS)
	r.Get("/ws", h.serveWS)
	return r
}

// Serve accepts websocket clients on listener until ctx is done.
func (h *Hub) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		h.Close()
		return err
	case err := <-errCh:
		h.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("notify: websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, h.cfg.SendBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[conn] = c
	count := len(h.clients)
	h.mu.Unlock()
	WebsocketClientsConnected.Set(float64(count))
	h.log.Debug("notify: websocket client connected", "remote", conn.RemoteAddr(), "clients", count)

	h.wg.Add(2)
	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) writeLoop(c *client) {
	defer h.wg.Done()
	defer h.remove(c)

	ticker := time.NewTicker(h.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readLoop(c *client) {
	defer h.wg.Done()
	defer h.remove(c)

	pongWait := 2 * h.cfg.PingPeriod
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	c.closeOnce.Do(func() {
		h.mu.Lock()
		delete(h.clients, c.conn)
		count := len(h.clients)
		h.mu.Unlock()
		WebsocketClientsConnected.Set(float64(count))

		close(c.done)
		_ = c.conn.Close()
	})
}

// Publish queues ev on every client. A client whose buffer is full is
// disconnected rather than blocking the publisher.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- b:
		default:
			WebsocketClientsDroppedTotal.Inc()
			h.log.Warn("notify: dropping slow websocket client", "remote", c.conn.RemoteAddr())
			h.remove(c)
		}
	}
	return nil
}

// Len is the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and waits for their goroutines to exit.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.remove(c)
	}
	h.wg.Wait()
}
