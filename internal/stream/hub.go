// Package stream pushes live tick batches to websocket subscribers. The hub
// owns all client registration state through a single run loop; a subscriber
// that cannot keep up is disconnected so it never blocks the others.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	appconfig "marketsync/config"
	"marketsync/internal/metrics"
	"marketsync/internal/models"
	"marketsync/logger"
)

const (
	readLimit = 4096
	pongWait  = 60 * time.Second
)

// serverMessage is the envelope for everything the hub sends.
type serverMessage struct {
	Type        string        `json:"type"`
	Status      string        `json:"status,omitempty"`
	Message     string        `json:"message,omitempty"`
	Symbols     []string      `json:"symbols,omitempty"`
	Data        []models.Tick `json:"data,omitempty"`
	Count       int           `json:"count,omitempty"`
	Subscribers int           `json:"subscribers,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// clientMessage is everything a subscriber may send.
type clientMessage struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols,omitempty"`
}

// Client is one websocket subscriber. Its symbol filter is empty until the
// first subscribe message, which means "all symbols".
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu      sync.RWMutex
	symbols map[string]struct{}
}

func (c *Client) setSymbols(symbols []string) {
	filter := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		filter[s] = struct{}{}
	}
	c.mu.Lock()
	c.symbols = filter
	c.mu.Unlock()
}

// wants reports whether the client's filter admits any tick in the batch. An
// empty filter admits everything.
func (c *Client) wants(ticks []models.Tick) []models.Tick {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.symbols) == 0 {
		return ticks
	}
	var out []models.Tick
	for _, t := range ticks {
		if _, ok := c.symbols[t.Symbol]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Hub fans tick batches out to all registered clients.
type Hub struct {
	cfg appconfig.StreamConfig

	register   chan *Client
	unregister chan *Client
	broadcast  chan []models.Tick
	clients    map[*Client]struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	count   atomic.Int32

	upgrader websocket.Upgrader
	log      *logger.Log
}

func NewHub(cfg appconfig.StreamConfig) *Hub {
	return &Hub{
		cfg:        cfg,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []models.Tick, 16),
		clients:    make(map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: logger.GetLogger(),
	}
}

func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return fmt.Errorf("stream hub already running")
	}
	h.running = true
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.mu.Unlock()

	h.log.WithComponent("stream_hub").Info("starting stream hub")
	h.wg.Add(1)
	go h.run()
	return nil
}

func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
	h.log.WithComponent("stream_hub").Info("stream hub stopped")
}

// BroadcastTicks queues one batch for fan-out. Never blocks the caller; when
// the hub itself is saturated the batch is dropped, subscribers will catch up
// with the next one.
func (h *Hub) BroadcastTicks(ticks []models.Tick) {
	if len(ticks) == 0 {
		return
	}
	select {
	case h.broadcast <- ticks:
	default:
		h.log.WithComponent("stream_hub").Warn("broadcast queue full, dropping batch")
	}
}

func (h *Hub) run() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Store(int32(len(h.clients)))
			h.log.WithComponent("stream_hub").WithFields(logger.Fields{
				"subscribers": len(h.clients),
			}).Info("subscriber connected")
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
		case ticks := <-h.broadcast:
			h.fanOut(ticks)
		}
	}
}

// fanOut delivers one batch. The full-batch payload is marshalled once and
// shared; only clients with a symbol filter pay for their own encoding. A
// client whose send buffer is full is dropped on the spot.
func (h *Hub) fanOut(ticks []models.Tick) {
	now := time.Now().UTC()
	full, err := json.Marshal(serverMessage{
		Type:      "stock_updates",
		Data:      ticks,
		Count:     len(ticks),
		Timestamp: now,
	})
	if err != nil {
		h.log.WithComponent("stream_hub").WithError(err).Warn("failed to encode broadcast")
		return
	}

	metrics.IncrementBroadcasts()
	for c := range h.clients {
		subset := c.wants(ticks)
		if len(subset) == 0 {
			continue
		}
		payload := full
		if len(subset) != len(ticks) {
			payload, err = json.Marshal(serverMessage{
				Type:      "stock_updates",
				Data:      subset,
				Count:     len(subset),
				Timestamp: now,
			})
			if err != nil {
				continue
			}
		}
		select {
		case c.send <- payload:
		default:
			h.log.WithComponent("stream_hub").Warn("dropping unresponsive subscriber")
			metrics.IncrementSubscribersDropped()
			h.drop(c)
		}
	}
}

// drop is only called from the run loop, which owns the clients map.
func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	h.count.Store(int32(len(h.clients)))
	close(c.send)
	_ = c.conn.Close()
}

// SubscriberCount reports the number of connected clients.
func (h *Hub) SubscriberCount() int {
	return int(h.count.Load())
}

// ServeWS upgrades the request and greets the new subscriber.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	running := h.running
	h.mu.Unlock()
	if !running {
		http.Error(w, "stream is not running", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithComponent("stream_hub").WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, h.cfg.SendBuffer),
		symbols: make(map[string]struct{}),
	}

	select {
	case h.register <- c:
	case <-h.ctx.Done():
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()

	c.reply(serverMessage{
		Type:      "connection",
		Status:    "connected",
		Message:   "live tick stream ready",
		Timestamp: time.Now().UTC(),
	})
}

func (c *Client) reply(msg serverMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.reply(serverMessage{
				Type:      "error",
				Message:   "malformed message",
				Timestamp: time.Now().UTC(),
			})
			continue
		}

		switch msg.Type {
		case "subscribe":
			c.setSymbols(msg.Symbols)
			c.reply(serverMessage{
				Type:      "subscription_confirmed",
				Symbols:   msg.Symbols,
				Timestamp: time.Now().UTC(),
			})
		case "ping":
			c.reply(serverMessage{
				Type:      "pong",
				Timestamp: time.Now().UTC(),
			})
		case "status":
			c.reply(serverMessage{
				Type:        "status",
				Status:      "streaming",
				Subscribers: c.hub.SubscriberCount(),
				Timestamp:   time.Now().UTC(),
			})
		default:
			c.reply(serverMessage{
				Type:      "error",
				Message:   fmt.Sprintf("unknown message type %q", msg.Type),
				Timestamp: time.Now().UTC(),
			})
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.SendTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.SendTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
