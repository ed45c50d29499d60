package utils

import (
	"runtime"
	"sort"
	"sync"

	"market-feeder/src/models"
)

// -----------------------------------------------------------------------------
// MemoryManager keeps the latest events of every live subscription in
// bounded rolling windows for the admin API and the monitor hub.
// -----------------------------------------------------------------------------

type MemoryManager struct {
	streams  map[models.DataSubscription]*RollingWindow[models.BaseData]
	capacity int
	mu       sync.RWMutex
}

// -----------------------------------------------------------------------------

func NewMemoryManager(capacity int) *MemoryManager {
	if capacity <= 0 {
		capacity = DefaultLatestCapacity
	}
	return &MemoryManager{
		streams:  make(map[models.DataSubscription]*RollingWindow[models.BaseData]),
		capacity: capacity,
	}
}

// -----------------------------------------------------------------------------

// AddDataPoint records ev as the newest event of sub.
func (mm *MemoryManager) AddDataPoint(sub models.DataSubscription, ev models.BaseData) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	w, ok := mm.streams[sub]
	if !ok {
		w = NewRollingWindow[models.BaseData](mm.capacity)
		mm.streams[sub] = w
	}
	w.Add(ev)
}

// -----------------------------------------------------------------------------

// Latest returns up to n events of sub, newest first. n <= 0 returns all.
func (mm *MemoryManager) Latest(sub models.DataSubscription, n int) []models.BaseData {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	w, ok := mm.streams[sub]
	if !ok {
		return nil
	}
	items := w.Items()
	if n > 0 && n < len(items) {
		items = items[:n]
	}
	return items
}

// -----------------------------------------------------------------------------

// Snapshot returns the newest event of every tracked subscription.
func (mm *MemoryManager) Snapshot() map[string]models.BaseData {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	result := make(map[string]models.BaseData, len(mm.streams))
	for sub, w := range mm.streams {
		if ev, ok := w.Newest(); ok {
			result[sub.String()] = ev
		}
	}
	return result
}

// -----------------------------------------------------------------------------

// Drop forgets sub once its feed is released.
func (mm *MemoryManager) Drop(sub models.DataSubscription) {
	mm.mu.Lock()
	delete(mm.streams, sub)
	mm.mu.Unlock()
}

// -----------------------------------------------------------------------------

// Subscriptions lists tracked subscriptions in order.
func (mm *MemoryManager) Subscriptions() []models.DataSubscription {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	out := make([]models.DataSubscription, 0, len(mm.streams))
	for sub := range mm.streams {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// -----------------------------------------------------------------------------

// GetProcessMemoryMB gets current heap usage in MB
func GetProcessMemoryMB() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.HeapAlloc) / 1024 / 1024
}
