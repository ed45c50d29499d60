package server

import (
	"sync"
	"time"

	"market-feeder/src/broadcast"
	"market-feeder/src/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const (
	writeWait      = 2 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024 // monitor clients only send small commands
)

// -----------------------------------------------------------------------------
// Client Structure
// -----------------------------------------------------------------------------

// Client is one websocket monitor connection.
type Client struct {
	ID string

	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	sub  *models.DataSubscription
	recv *broadcast.Receiver

	done     chan struct{}
	doneOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn, sub *models.DataSubscription, recv *broadcast.Receiver) *Client {
	return &Client{
		ID:   uuid.NewString(),
		hub:  h,
		conn: conn,
		// buffered so the hub loop never waits on a client
		send: make(chan []byte, 256),
		sub:  sub,
		recv: recv,
		done: make(chan struct{}),
	}
}

// -----------------------------------------------------------------------------
// readPump - watchdog for the connection
// -----------------------------------------------------------------------------

func (c *Client) readPump() {
	defer func() {
		c.doneOnce.Do(func() { close(c.done) })
		c.hub.unregisterClient(c)
		_ = c.conn.Close()
		c.hub.Logger.Info("Monitor client %s disconnected", c.ID)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.Logger.Info("WebSocket error: %v", err)
			}
			return
		}
		c.hub.Logger.Debug("Monitor client %s sent %d bytes, ignored", c.ID, len(message))
	}
}

// -----------------------------------------------------------------------------
// writePump - sends messages to client
// -----------------------------------------------------------------------------

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.Logger.Info("Write error: %v", err)
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

// -----------------------------------------------------------------------------
// pumpEvents - forwards the subscription's events through the hub
// -----------------------------------------------------------------------------

func (c *Client) pumpEvents(release func()) {
	defer release()

	name := c.sub.String()
	for {
		select {
		case <-c.done:
			return
		case <-c.recv.Ready():
			for {
				ev, ok, lagged := c.recv.TryRecv()
				if !ok {
					break
				}
				c.hub.deliver(c, monitorMessage{Type: "event", Subscription: name, Lagged: lagged, Data: ev})
			}
		}
	}
}
