package timeslice

import (
	"iter"
	"slices"

	"market-feeder/src/models"

	"github.com/goccy/go-json"
)

// TimeSlice groups events by the nanosecond timestamp of their close time.
// Buckets keep insertion order and are never empty. Not safe for concurrent use.
type TimeSlice struct {
	keys    []int64 // ascending
	buckets map[int64][]models.BaseData
	count   int
}

// -----------------------------------------------------------------------------

func New() *TimeSlice {
	return &TimeSlice{buckets: make(map[int64][]models.BaseData)}
}

// -----------------------------------------------------------------------------

// FromEvents builds a slice containing events in the given order.
func FromEvents(events []models.BaseData) *TimeSlice {
	ts := New()
	for _, ev := range events {
		ts.Add(ev)
	}
	return ts
}

// -----------------------------------------------------------------------------

// Add appends ev to the bucket keyed by its close time.
// Events without a payload are ignored.
func (ts *TimeSlice) Add(ev models.BaseData) {
	if !ev.Valid() {
		return
	}
	ts.appendTo(ev.TimeClosedUTC().UnixNano(), ev)
}

// -----------------------------------------------------------------------------

func (ts *TimeSlice) appendTo(key int64, events ...models.BaseData) {
	if len(events) == 0 {
		return
	}
	bucket, ok := ts.buckets[key]
	if !ok {
		pos, _ := slices.BinarySearch(ts.keys, key)
		ts.keys = slices.Insert(ts.keys, pos, key)
	}
	ts.buckets[key] = append(bucket, events...)
	ts.count += len(events)
}

// -----------------------------------------------------------------------------

// Merge appends every bucket of other to the matching bucket here.
func (ts *TimeSlice) Merge(other *TimeSlice) {
	if other == nil || other == ts {
		return
	}
	for _, key := range other.keys {
		ts.appendTo(key, other.buckets[key]...)
	}
}

// -----------------------------------------------------------------------------

func (ts *TimeSlice) IsEmpty() bool {
	return ts.count == 0
}

// -----------------------------------------------------------------------------

// Len is the number of events across all buckets.
func (ts *TimeSlice) Len() int {
	return ts.count
}

// -----------------------------------------------------------------------------

// Timestamps returns the bucket keys in ascending order.
func (ts *TimeSlice) Timestamps() []int64 {
	return slices.Clone(ts.keys)
}

// -----------------------------------------------------------------------------

// Bucket returns a copy of the events stored under key.
func (ts *TimeSlice) Bucket(key int64) []models.BaseData {
	return slices.Clone(ts.buckets[key])
}

// -----------------------------------------------------------------------------

func (ts *TimeSlice) Clear() {
	ts.keys = ts.keys[:0]
	clear(ts.buckets)
	ts.count = 0
}

// -----------------------------------------------------------------------------

// All yields (timestamp, event) in ascending time order. The sequence reads the
// slice as it is when iteration starts, so it can be reused after Clear.
func (ts *TimeSlice) All() iter.Seq2[int64, models.BaseData] {
	return func(yield func(int64, models.BaseData) bool) {
		for _, key := range ts.keys {
			for _, ev := range ts.buckets[key] {
				if !yield(key, ev) {
					return
				}
			}
		}
	}
}

// -----------------------------------------------------------------------------

// Events flattens the slice in iteration order.
func (ts *TimeSlice) Events() []models.BaseData {
	out := make([]models.BaseData, 0, ts.count)
	for _, ev := range ts.All() {
		out = append(out, ev)
	}
	return out
}

// -----------------------------------------------------------------------------

// MarshalJSON encodes the events as an ordered list; keys are derived again on
// decode.
func (ts *TimeSlice) MarshalJSON() ([]byte, error) {
	return json.Marshal(ts.Events())
}

// -----------------------------------------------------------------------------

func (ts *TimeSlice) UnmarshalJSON(data []byte) error {
	var events []models.BaseData
	if err := json.Unmarshal(data, &events); err != nil {
		return err
	}
	if ts.buckets == nil {
		ts.buckets = make(map[int64][]models.BaseData)
	}
	ts.Clear()
	for _, ev := range events {
		ts.Add(ev)
	}
	return nil
}

// -----------------------------------------------------------------------------

// Bytes serializes the slice into one contiguous buffer.
func (ts *TimeSlice) Bytes() ([]byte, error) {
	return ts.MarshalJSON()
}

// -----------------------------------------------------------------------------

func FromBytes(data []byte) (*TimeSlice, error) {
	ts := New()
	if err := ts.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return ts, nil
}
