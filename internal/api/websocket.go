package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zakaria-lahyani/quantronaute-sub000/internal/events"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/workers"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 50 * time.Second
	clientSendSize = 256
)

// wsEvent is the wire form of one bus event.
type wsEvent struct {
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Client is one connected websocket subscriber.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub fans bus events out to websocket clients. Register, unregister and
// broadcast all flow through channels onto one goroutine; clients whose
// send buffer is full are dropped rather than slowing the bus.
type Hub struct {
	logger *zap.Logger
	pool   *workers.Pool

	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	stopCh     chan struct{}
	doneCh     chan struct{}

	upgrader websocket.Upgrader
}

// NewHub creates the hub and wires it onto the bus via SubscribeAll. The
// worker pool carries event serialization off the publishing goroutine; a
// nil pool serializes inline.
func NewHub(logger *zap.Logger, bus *events.Bus, pool *workers.Pool) *Hub {
	h := &Hub{
		logger:     logger.Named("ws_hub"),
		pool:       pool,
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 1024),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	bus.SubscribeAll(func(event events.Event) error {
		if h.pool != nil && h.pool.IsRunning() {
			if err := h.pool.SubmitFunc(func() error {
				h.enqueue(event)
				return nil
			}); err == nil {
				return nil
			}
		}
		h.enqueue(event)
		return nil
	})

	go h.run()
	return h
}

func (h *Hub) enqueue(event events.Event) {
	data, err := json.Marshal(wsEvent{
		Type:      string(event.GetType()),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   event,
	})
	if err != nil {
		h.logger.Warn("Event serialize failed", zap.Error(err))
		return
	}

	select {
	case h.broadcast <- data:
	default:
		// Hub backlog full; drop rather than block the publisher.
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)

	for {
		select {
		case <-h.stopCh:
			for _, client := range h.clients {
				close(client.send)
				client.conn.Close()
			}
			h.clients = nil
			return

		case client := <-h.register:
			h.clients[client.id] = client
			h.logger.Info("Client connected",
				zap.String("client_id", client.id),
				zap.Int("clients", len(h.clients)),
			)

		case client := <-h.unregister:
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
				h.logger.Info("Client disconnected", zap.String("client_id", client.id))
			}

		case data := <-h.broadcast:
			for id, client := range h.clients {
				select {
				case client.send <- data:
				default:
					delete(h.clients, id)
					close(client.send)
					h.logger.Warn("Slow client dropped", zap.String("client_id", id))
				}
			}
		}
	}
}

// Stop closes every client and halts the hub goroutine.
func (h *Hub) Stop() {
	select {
	case <-h.stopCh:
		return
	default:
	}
	close(h.stopCh)
	<-h.doneCh
}

// HandleWebSocket upgrades the request and attaches the client to the hub.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, clientSendSize),
		hub:  h,
	}

	h.register <- client
	go client.writePump()
	go client.readPump()
}

// readPump drains client frames so control messages are processed; any
// read error unregisters the client.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump forwards the send channel to the socket and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
