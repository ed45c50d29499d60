package client

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"market-feeder/src/callbacks"
	"market-feeder/src/helpers"
	"market-feeder/src/logger"
	"market-feeder/src/models"
	"market-feeder/src/network"
)

// Connection is one 8-byte framed registry connection. Responses are matched
// to requests by callback id; any number of requests may be in flight.
type Connection struct {
	Logger *logger.Logger

	conn      net.Conn
	framer    network.Framer
	callbacks *callbacks.Registry
	writeMu   sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func NewConnection(conn net.Conn, maxFrameBytes int, log *logger.Logger) *Connection {
	if log == nil {
		log = logger.Nop()
	}
	c := &Connection{
		Logger:    log,
		conn:      conn,
		framer:    network.RegistryFramer(maxFrameBytes),
		callbacks: callbacks.NewRegistry(),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// -----------------------------------------------------------------------------

func (c *Connection) readLoop() {
	for {
		payload, err := c.framer.ReadFrame(c.conn)
		if err != nil {
			c.closeWith(err)
			return
		}
		resp, err := network.DecodeResponse(payload)
		if err != nil {
			c.Logger.Warning("Dropping undecodable response: %v", err)
			continue
		}
		if !c.callbacks.Resolve(resp) {
			c.Logger.Debug("Dropping response for unknown callback %d", resp.CallbackID)
		}
	}
}

// closeWith records the first terminal error and fails every pending callback.
func (c *Connection) closeWith(err error) {
	c.closeOnce.Do(func() {
		if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			err = helpers.New(helpers.ErrCodeConnectionClosed, "connection closed")
		}
		c.err = err
		close(c.done)
		_ = c.conn.Close()
		if n := c.callbacks.FailAll(err); n > 0 {
			c.Logger.Info("Failed %d pending callbacks: %v", n, err)
		}
	})
}

// -----------------------------------------------------------------------------

func (c *Connection) write(req models.DataServerRequest) error {
	payload, err := network.EncodeRequest(req)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.framer.WriteFrame(c.conn, payload); err != nil {
		c.closeWith(err)
		return err
	}
	return nil
}

// SendCallback stamps a fresh callback id on req and waits for its response.
// Error responses from the server come back as responses; the error return is
// for cancellation and connection loss.
func (c *Connection) SendCallback(ctx context.Context, req models.DataServerRequest) (models.DataServerResponse, error) {
	id, ch := c.callbacks.Register()
	// registered before done was closed means FailAll will see it
	if err := c.Err(); err != nil {
		c.callbacks.Cancel(id)
		return models.DataServerResponse{}, err
	}

	req.CallbackID = id
	if err := c.write(req); err != nil {
		c.callbacks.Cancel(id)
		return models.DataServerResponse{}, err
	}

	select {
	case resp := <-ch:
		if err := c.Err(); err != nil && resp.IsError() {
			return resp, err
		}
		return resp, nil
	case <-ctx.Done():
		c.callbacks.Cancel(id)
		return models.DataServerResponse{}, ctx.Err()
	}
}

// SendOneWay writes req without waiting for anything back.
func (c *Connection) SendOneWay(req models.DataServerRequest) error {
	select {
	case <-c.done:
		return c.err
	default:
	}
	return c.write(req)
}

// Ping round-trips a heartbeat.
func (c *Connection) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	resp, err := c.SendCallback(ctx, models.DataServerRequest{Kind: models.RequestHeartbeat})
	if err != nil {
		return 0, err
	}
	if resp.IsError() {
		return 0, errors.New(resp.Error)
	}
	return time.Since(start), nil
}

// -----------------------------------------------------------------------------

// Pending is the number of requests awaiting a response.
func (c *Connection) Pending() int {
	return c.callbacks.Pending()
}

// Done is closed once the connection is gone.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err is the reason the connection ended, nil while it is up.
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Connection) Close() error {
	c.closeWith(nil)
	return nil
}
