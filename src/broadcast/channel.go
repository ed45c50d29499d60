package broadcast

import (
	"context"
	"sync"

	"market-feeder/src/models"
)

// channel is a bounded multi-consumer ring. Each receiver reads with its own
// cursor; a receiver that falls more than capacity behind skips ahead.
type channel struct {
	mu        sync.Mutex
	buf       []models.BaseData
	head      uint64 // sequence number of the next publish
	receivers int
	removed   bool
	notify    chan struct{}
}

// -----------------------------------------------------------------------------

func newChannel(capacity int) *channel {
	if capacity <= 0 {
		capacity = 1
	}
	return &channel{buf: make([]models.BaseData, capacity), notify: make(chan struct{})}
}

// -----------------------------------------------------------------------------

// send stores ev unless nobody is listening.
func (c *channel) send(ev models.BaseData) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.receivers == 0 || c.removed {
		return false
	}
	c.buf[c.head%uint64(len(c.buf))] = ev
	c.head++
	close(c.notify)
	c.notify = make(chan struct{})
	return true
}

// -----------------------------------------------------------------------------

// attach registers a receiver starting at the current head. It fails if the
// channel was already collected.
func (c *channel) attach() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.removed {
		return 0, false
	}
	c.receivers++
	return c.head, true
}

// -----------------------------------------------------------------------------

func (c *channel) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receivers--
}

// -----------------------------------------------------------------------------

// markRemovedIfIdle flags an idle channel so late attaches retry elsewhere.
func (c *channel) markRemovedIfIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.receivers > 0 {
		return false
	}
	c.removed = true
	return true
}

// -----------------------------------------------------------------------------

func (c *channel) receiverCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receivers
}

// -----------------------------------------------------------------------------

// Receiver is one consumer's cursor into a subscription channel. A Receiver is
// owned by a single goroutine.
type Receiver struct {
	sub    models.DataSubscription
	ch     *channel
	next   uint64
	closed bool
}

// -----------------------------------------------------------------------------

func (r *Receiver) Subscription() models.DataSubscription {
	return r.sub
}

// -----------------------------------------------------------------------------

// TryRecv returns the next event without blocking. lagged is the number of
// events this receiver missed because it fell behind.
func (r *Receiver) TryRecv() (ev models.BaseData, ok bool, lagged uint64) {
	if r.closed {
		return ev, false, 0
	}

	c := r.ch
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.next == c.head {
		return ev, false, 0
	}
	capacity := uint64(len(c.buf))
	if c.head-r.next > capacity {
		oldest := c.head - capacity
		lagged = oldest - r.next
		r.next = oldest
	}
	ev = c.buf[r.next%capacity]
	r.next++
	return ev, true, lagged
}

// -----------------------------------------------------------------------------

// Recv blocks until an event is available or ctx is done.
func (r *Receiver) Recv(ctx context.Context) (models.BaseData, uint64, error) {
	for {
		if ev, ok, lagged := r.TryRecv(); ok {
			return ev, lagged, nil
		}
		if r.closed {
			return models.BaseData{}, 0, ErrReceiverClosed
		}

		select {
		case <-ctx.Done():
			return models.BaseData{}, 0, ctx.Err()
		case <-r.Ready():
		}
	}
}

// -----------------------------------------------------------------------------

// closedSignal is returned by Ready when there is no need to wait.
var closedSignal = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Ready returns a channel closed once TryRecv has something to return, so
// callers can select on it together with timers.
func (r *Receiver) Ready() <-chan struct{} {
	if r.closed {
		return closedSignal
	}
	c := r.ch
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.next != c.head {
		return closedSignal
	}
	return c.notify
}

// -----------------------------------------------------------------------------

// Close releases the receiver. A channel left without receivers is collected
// by the next failed publish or GC pass.
func (r *Receiver) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.ch.detach()
}
