package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRollingWindowKeepsLastCNewestFirst(t *testing.T) {
	for _, tc := range []struct{ capacity, inserts int }{{1, 5}, {3, 3}, {5, 12}, {10, 4}} {
		rw := NewRollingWindow[int](tc.capacity)
		for i := 1; i <= tc.inserts; i++ {
			rw.Add(i)
		}

		want := []int{}
		for i := tc.inserts; i >= 1 && len(want) < tc.capacity; i-- {
			want = append(want, i)
		}
		assert.Equal(t, len(want), rw.Len())
		assert.LessOrEqual(t, rw.Len(), rw.Capacity())
		assert.Equal(t, want, rw.Items())
		assert.Equal(t, tc.inserts > tc.capacity || tc.inserts == tc.capacity, rw.IsFull())
	}
}

func TestRollingWindowAccessors(t *testing.T) {
	rw := NewRollingWindow[string](3)
	_, ok := rw.Newest()
	assert.False(t, ok)

	rw.Add("a")
	rw.Add("b")
	rw.Add("c")
	rw.Add("d")

	newest, ok := rw.Newest()
	require.True(t, ok)
	assert.Equal(t, "d", newest)

	oldest, ok := rw.Oldest()
	require.True(t, ok)
	assert.Equal(t, "b", oldest)

	v, ok := rw.Get(1)
	require.True(t, ok)
	assert.Equal(t, "c", v)

	_, ok = rw.Get(3)
	assert.False(t, ok)
	_, ok = rw.Get(-1)
	assert.False(t, ok)

	rw.Clear()
	assert.Equal(t, 0, rw.Len())
	assert.Empty(t, rw.Items())

	assert.Equal(t, 1, NewRollingWindow[int](0).Capacity())
}
