package broadcast

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"market-feeder/src/logger"
	"market-feeder/src/models"
)

var ErrReceiverClosed = errors.New("broadcast: receiver closed")

// -----------------------------------------------------------------------------

// Registry owns one broadcast channel per active subscription. It never holds
// references to consumers; they hold Receivers.
type Registry struct {
	channels sync.Map // models.DataSubscription -> *channel
	capacity int
	Logger   *logger.Logger
}

// -----------------------------------------------------------------------------

func NewRegistry(capacity int, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	return &Registry{capacity: capacity, Logger: log}
}

// -----------------------------------------------------------------------------

// Subscribe returns a receiver positioned at the channel's current head,
// creating the channel when needed.
func (r *Registry) Subscribe(sub models.DataSubscription) *Receiver {
	for {
		v, ok := r.channels.Load(sub)
		if !ok {
			v, _ = r.channels.LoadOrStore(sub, newChannel(r.capacity))
		}
		ch := v.(*channel)
		if next, ok := ch.attach(); ok {
			return &Receiver{sub: sub, ch: ch, next: next}
		}
		// lost a race with GC; drop the dead entry and try again
		r.channels.CompareAndDelete(sub, ch)
	}
}

// -----------------------------------------------------------------------------

// Publish never blocks. It returns false, and collects the channel, when the
// subscription has no receivers.
func (r *Registry) Publish(sub models.DataSubscription, ev models.BaseData) bool {
	v, ok := r.channels.Load(sub)
	if !ok {
		return false
	}
	ch := v.(*channel)
	if ch.send(ev) {
		return true
	}
	r.removeIfIdle(sub, ch)
	return false
}

// -----------------------------------------------------------------------------

// GCIdle removes every channel without receivers and returns how many went.
func (r *Registry) GCIdle() int {
	removed := 0
	r.channels.Range(func(key, value any) bool {
		if r.removeIfIdle(key.(models.DataSubscription), value.(*channel)) {
			removed++
		}
		return true
	})
	if removed > 0 {
		r.Logger.Debug("Collected %d idle broadcast channels", removed)
	}
	return removed
}

// -----------------------------------------------------------------------------

func (r *Registry) removeIfIdle(sub models.DataSubscription, ch *channel) bool {
	if !ch.markRemovedIfIdle() {
		return false
	}
	return r.channels.CompareAndDelete(sub, ch)
}

// -----------------------------------------------------------------------------

// Run collects idle channels every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.GCIdle()
		}
	}
}

// -----------------------------------------------------------------------------

// ReceiverCount is zero for unknown subscriptions.
func (r *Registry) ReceiverCount(sub models.DataSubscription) int {
	v, ok := r.channels.Load(sub)
	if !ok {
		return 0
	}
	return v.(*channel).receiverCount()
}

// -----------------------------------------------------------------------------

// Subscriptions lists subscriptions with a live channel, sorted.
func (r *Registry) Subscriptions() []models.DataSubscription {
	var subs []models.DataSubscription
	r.channels.Range(func(key, _ any) bool {
		subs = append(subs, key.(models.DataSubscription))
		return true
	})
	slices.SortFunc(subs, models.DataSubscription.Compare)
	return subs
}

// -----------------------------------------------------------------------------

func (r *Registry) Len() int {
	n := 0
	r.channels.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
