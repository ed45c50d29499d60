package callbacks

import (
	"sync"
	"sync/atomic"

	"market-feeder/src/models"
)

// Registry correlates outbound requests with their responses by callback id.
type Registry struct {
	next    atomic.Uint64
	pending sync.Map // uint64 -> chan models.DataServerResponse
}

func NewRegistry() *Registry {
	return &Registry{}
}

// -----------------------------------------------------------------------------

// Register reserves the next free id. The returned channel receives exactly one
// response unless the id is cancelled.
func (r *Registry) Register() (uint64, <-chan models.DataServerResponse) {
	ch := make(chan models.DataServerResponse, 1)
	for {
		id := r.next.Add(1) // wraps on overflow
		if _, loaded := r.pending.LoadOrStore(id, ch); !loaded {
			return id, ch
		}
	}
}

// -----------------------------------------------------------------------------

// Resolve completes the matching callback. Unknown ids are ignored.
func (r *Registry) Resolve(resp models.DataServerResponse) bool {
	v, ok := r.pending.LoadAndDelete(resp.CallbackID)
	if !ok {
		return false
	}
	v.(chan models.DataServerResponse) <- resp
	return true
}

// -----------------------------------------------------------------------------

// Cancel forgets id without completing it.
func (r *Registry) Cancel(id uint64) {
	r.pending.Delete(id)
}

// -----------------------------------------------------------------------------

// FailAll completes every pending callback with an error response.
func (r *Registry) FailAll(err error) int {
	n := 0
	r.pending.Range(func(key, _ any) bool {
		if r.Resolve(models.NewErrorResponse(key.(uint64), err)) {
			n++
		}
		return true
	})
	return n
}

// -----------------------------------------------------------------------------

// Pending is the number of unresolved callbacks.
func (r *Registry) Pending() int {
	n := 0
	r.pending.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
