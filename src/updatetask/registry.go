package updatetask

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"market-feeder/src/helpers"
	"market-feeder/src/models"

	"golang.org/x/sync/singleflight"
)

// Key identifies one historical refresh.
type Key struct {
	Symbol     models.Symbol
	Resolution models.Resolution
}

func (k Key) String() string {
	return k.Symbol.String() + "@" + k.Resolution.String()
}

// -----------------------------------------------------------------------------

// Handle is a caller's view of a shared in-flight task.
type Handle[T any] struct {
	ch <-chan singleflight.Result
}

// Wait blocks until the task finishes or ctx is done. Leaving early does not
// cancel the task for other waiters.
func (h *Handle[T]) Wait(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-h.ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(T)
		return v, nil
	}
}

// -----------------------------------------------------------------------------

// Registry runs at most one task per key at a time. Entries are released when
// the task returns, whether it succeeded, failed or panicked.
type Registry[T any] struct {
	group    singleflight.Group
	inFlight sync.Map // string -> struct{}
	started  atomic.Int64
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{}
}

// -----------------------------------------------------------------------------

// GetOrStart joins the running task for key or starts work. work runs on its
// own goroutine and has no implicit timeout.
func (r *Registry[T]) GetOrStart(key Key, work func() (T, error)) *Handle[T] {
	id := key.String()
	ch := r.group.DoChan(id, func() (v interface{}, err error) {
		r.inFlight.Store(id, struct{}{})
		r.started.Add(1)
		defer r.inFlight.Delete(id)
		defer func() {
			if p := recover(); p != nil {
				err = helpers.New(helpers.ErrCodeTaskPanicked, "update task %s panicked: %v", id, p)
			}
		}()
		return work()
	})
	return &Handle[T]{ch: ch}
}

// -----------------------------------------------------------------------------

// Run is GetOrStart followed by Wait.
func (r *Registry[T]) Run(ctx context.Context, key Key, work func() (T, error)) (T, error) {
	return r.GetOrStart(key, work).Wait(ctx)
}

// -----------------------------------------------------------------------------

func (r *Registry[T]) InFlight(key Key) bool {
	_, ok := r.inFlight.Load(key.String())
	return ok
}

// -----------------------------------------------------------------------------

// Len is the number of tasks currently running.
func (r *Registry[T]) Len() int {
	n := 0
	r.inFlight.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// -----------------------------------------------------------------------------

// Started counts every task that has actually run.
func (r *Registry[T]) Started() int64 {
	return r.started.Load()
}

// -----------------------------------------------------------------------------

func (r *Registry[T]) String() string {
	return fmt.Sprintf("updatetask.Registry{in_flight=%d started=%d}", r.Len(), r.Started())
}
