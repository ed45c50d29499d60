package server

import (
	"context"
	"net/http"
	"sync/atomic"

	"market-feeder/src/broadcast"
	"market-feeder/src/logger"
	"market-feeder/src/models"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// monitorMessage is every frame the monitor sends.
type monitorMessage struct {
	Type         string `json:"type"` // hello, event or status
	ClientID     string `json:"client_id,omitempty"`
	Subscription string `json:"subscription,omitempty"`
	Lagged       uint64 `json:"lagged,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type delivery struct {
	client *Client
	msg    []byte
}

// -----------------------------------------------------------------------------
// Hub
// -----------------------------------------------------------------------------

// Hub owns the set of monitor clients. Only the Run loop writes to or closes
// a client's send channel; slow clients are dropped instead of blocking it.
type Hub struct {
	Registry *broadcast.Registry
	Feeds    FeedSource
	Logger   *logger.Logger

	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	direct     chan delivery
	done       chan struct{}
	count      atomic.Int32
}

func NewHub(registry *broadcast.Registry, feeds FeedSource, log *logger.Logger) *Hub {
	return &Hub{
		Registry:   registry,
		Feeds:      feeds,
		Logger:     log,
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		// buffered so status bursts never block the caller
		broadcast: make(chan []byte, 256),
		direct:    make(chan delivery, 256),
		done:      make(chan struct{}),
	}
}

// -----------------------------------------------------------------------------

// Run is the hub loop. It closes every client when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.drop(client)
			}
			return

		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.count.Store(int32(len(h.clients)))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}

		case msg := <-h.broadcast:
			for client := range h.clients {
				h.offer(client, msg)
			}

		case d := <-h.direct:
			if _, ok := h.clients[d.client]; ok {
				h.offer(d.client, d.msg)
			}
		}
	}
}

func (h *Hub) offer(client *Client, msg []byte) {
	select {
	case client.send <- msg:
	default:
		h.Logger.Info("Monitor client %s too slow, disconnecting", client.ID)
		h.drop(client)
	}
}

func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	close(client.send)
	h.count.Store(int32(len(h.clients)))
}

// -----------------------------------------------------------------------------

// Len is the number of connected monitor clients.
func (h *Hub) Len() int {
	return int(h.count.Load())
}

// Broadcast queues msg for every client; it is dropped when the queue is full.
func (h *Hub) Broadcast(msg any) {
	b, err := json.Marshal(msg)
	if err != nil {
		h.Logger.Error("Encoding monitor broadcast: %v", err)
		return
	}
	select {
	case h.broadcast <- b:
	default:
		h.Logger.Debug("Monitor broadcast queue full, dropping message")
	}
}

func (h *Hub) registerClient(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) deliver(c *Client, msg monitorMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		h.Logger.Error("Encoding monitor message: %v", err)
		return
	}
	select {
	case h.direct <- delivery{client: c, msg: b}:
	case <-c.done:
	case <-h.done:
	}
}

// -----------------------------------------------------------------------------
// WebSocket Handlers
// -----------------------------------------------------------------------------

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades a monitor connection. With subscription parameters the
// client also receives that subscription's events; without, only status
// broadcasts.
func (h *Hub) ServeWS(c *gin.Context) {
	var (
		sub  *models.DataSubscription
		recv *broadcast.Receiver
	)

	if c.Query("symbol") != "" {
		var q subscriptionQuery
		if err := c.ShouldBindQuery(&q); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s, err := q.subscription()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		recv = h.Registry.Subscribe(s)
		if err := h.Feeds.Subscribe(c.Request.Context(), s); err != nil {
			recv.Close()
			c.JSON(httpStatus(err), gin.H{"error": err.Error()})
			return
		}
		sub = &s
	}

	release := func() {
		if sub != nil {
			recv.Close()
			h.Feeds.Unsubscribe(context.Background(), *sub)
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Logger.Info("Failed to upgrade websocket: %v", err)
		release()
		return
	}

	client := newClient(h, conn, sub, recv)
	if !h.registerClient(client) {
		_ = conn.Close()
		release()
		return
	}

	go client.writePump()
	go client.readPump()
	if sub != nil {
		go client.pumpEvents(release)
	}

	hello := monitorMessage{Type: "hello", ClientID: client.ID}
	if sub != nil {
		hello.Subscription = sub.String()
	}
	h.deliver(client, hello)
	h.Logger.Info("Monitor client %s connected from %s", client.ID, c.ClientIP())
}
