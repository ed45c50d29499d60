package client

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"market-feeder/src/helpers"
	"market-feeder/src/logger"
	"market-feeder/src/models"
	"market-feeder/src/network"
	"market-feeder/src/timeslice"
)

// StreamClient is the strategy side of a streaming connection: it registers,
// manages subscriptions and yields the TimeSlices the server flushes.
type StreamClient struct {
	Logger *logger.Logger

	conn    net.Conn
	framer  network.Framer
	writeMu sync.Mutex
	slices  chan *timeslice.TimeSlice

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func NewStreamClient(conn net.Conn, maxFrameBytes int, log *logger.Logger) *StreamClient {
	if log == nil {
		log = logger.Nop()
	}
	c := &StreamClient{
		Logger: log,
		conn:   conn,
		framer: network.StreamFramer(maxFrameBytes),
		slices: make(chan *timeslice.TimeSlice, 64),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// -----------------------------------------------------------------------------

func (c *StreamClient) readLoop() {
	defer close(c.slices)
	for {
		payload, err := c.framer.ReadFrame(c.conn)
		if err != nil {
			c.closeWith(err)
			return
		}
		ts, err := network.DecodeTimeSlice(payload)
		if err != nil {
			c.closeWith(err)
			return
		}
		select {
		case c.slices <- ts:
		case <-c.done:
			return
		}
	}
}

func (c *StreamClient) closeWith(err error) {
	c.closeOnce.Do(func() {
		if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			err = helpers.New(helpers.ErrCodeConnectionClosed, "stream closed")
		}
		c.err = err
		close(c.done)
		_ = c.conn.Close()
	})
}

// -----------------------------------------------------------------------------

func (c *StreamClient) send(req models.StreamRequest) error {
	payload, err := network.EncodeStreamRequest(req)
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

// Register must be the first call. A zero flush asks for the server default.
func (c *StreamClient) Register(port uint16, flush time.Duration) error {
	return c.send(models.NewRegisterRequest(models.NewRegisterStreamer(port, flush)))
}

func (c *StreamClient) Subscribe(sub models.DataSubscription) error {
	return c.send(models.NewSubscribeRequest(sub))
}

func (c *StreamClient) Unsubscribe(sub models.DataSubscription) error {
	return c.send(models.NewUnsubscribeRequest(sub))
}

// -----------------------------------------------------------------------------

// Slices yields every flushed TimeSlice; it is closed when the stream ends.
func (c *StreamClient) Slices() <-chan *timeslice.TimeSlice {
	return c.slices
}

// Recv waits for the next TimeSlice.
func (c *StreamClient) Recv(ctx context.Context) (*timeslice.TimeSlice, error) {
	select {
	case ts, ok := <-c.slices:
		if !ok {
			return nil, c.err
		}
		return ts, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Err is the reason the stream ended, nil while it is up.
func (c *StreamClient) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *StreamClient) Close() error {
	c.closeWith(nil)
	return nil
}
