package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"orion/internal/marketdata"
	"orion/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The session boundary in front of this service enforces origin.
		return true
	},
}

// Hub bridges WebSocket clients to the market-data coalescer. Each client
// holds one coalescer subscription; resubscribing replaces it, which
// replays the snapshot-then-incremental protocol.
type Hub struct {
	coalescer *marketdata.Coalescer
	logger    *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]bool
}

func NewHub(coalescer *marketdata.Coalescer, logger *slog.Logger) *Hub {
	return &Hub{
		coalescer: coalescer,
		logger:    logger.With("component", "ws-hub"),
		clients:   make(map[*wsClient]bool),
	}
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the connection. The initial instrument set may
// come from the ?instruments= query; later subscribe messages replace it.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := &wsClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 16),
	}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	h.logger.Info("stream client connected", "clients", h.ClientCount())

	client.resubscribe(splitHeader(r.URL.Query().Get("instruments")))
	go client.writePump()
	go client.readPump()
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	sub    *marketdata.Subscription
	closed bool
}

// clientCommand is the only message clients send: a full replacement of
// their instrument set.
type clientCommand struct {
	Action      string   `json:"action"` // "subscribe"
	Instruments []string `json:"instruments"`
}

// streamMessage is one coalesced batch on the wire.
type streamMessage struct {
	Type  string       `json:"type"` // "ticks"
	Ticks []types.Tick `json:"ticks"`
}

// resubscribe swaps the coalescer subscription. The old forward loop ends
// when its updates channel closes; the new subscription starts with a
// snapshot.
func (c *wsClient) resubscribe(instruments []string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	old := c.sub
	c.sub = c.hub.coalescer.Subscribe(instruments)
	sub := c.sub
	c.mu.Unlock()
	if old != nil {
		c.hub.coalescer.Unsubscribe(old)
	}
	go c.forward(sub)
}

// forward pumps coalesced batches into the send channel. A full channel
// drops the batch; the next one carries the latest state anyway.
func (c *wsClient) forward(sub *marketdata.Subscription) {
	for batch := range sub.Updates() {
		data, err := json.Marshal(streamMessage{Type: "ticks", Ticks: batch})
		if err != nil {
			c.hub.logger.Error("marshal tick batch", "error", err)
			continue
		}
		// The closed check and the send sit under one lock so close()
		// cannot close the channel mid-send.
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		select {
		case c.send <- data:
		default:
		}
		c.mu.Unlock()
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer c.close()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("websocket error", "error", err)
			}
			return
		}
		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.hub.logger.Warn("ignoring malformed client message", "error", err)
			continue
		}
		if strings.EqualFold(cmd.Action, "subscribe") {
			c.resubscribe(cmd.Instruments)
		}
	}
}

func (c *wsClient) close() {
	c.hub.mu.Lock()
	delete(c.hub.clients, c)
	c.hub.mu.Unlock()

	c.mu.Lock()
	c.closed = true
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		c.hub.coalescer.Unsubscribe(sub)
	}
	close(c.send)
	c.conn.Close()
	c.hub.logger.Info("stream client disconnected", "clients", c.hub.ClientCount())
}
