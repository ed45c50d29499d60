package ratelimit

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireSuspendsUntilReplenished(t *testing.T) {
	mock := clock.NewMock()
	rl := New(3, time.Second, mock)
	defer rl.Close()

	for i := 0; i < 3; i++ {
		require.True(t, rl.TryAcquire())
	}
	assert.False(t, rl.TryAcquire())

	acquired := make(chan struct{})
	go func() {
		if rl.Acquire(context.Background()) == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("acquired before replenishment")
	case <-time.After(30 * time.Millisecond):
	}

	mock.Add(time.Second)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("acquire not released by replenishment")
	}
}

func TestReplenishNeverExceedsMax(t *testing.T) {
	mock := clock.NewMock()
	rl := New(5, 100*time.Millisecond, mock)
	defer rl.Close()

	assert.Equal(t, 5, rl.Available())
	for i := 0; i < 10; i++ {
		mock.Add(100 * time.Millisecond)
	}
	assert.Equal(t, 5, rl.Available())

	require.True(t, rl.TryAcquire())
	require.True(t, rl.TryAcquire())
	mock.Add(100 * time.Millisecond)
	require.Eventually(t, func() bool { return rl.Available() == 5 }, time.Second, time.Millisecond)
	assert.Equal(t, 5, rl.MaxTokens())
}

func TestPermitsPerWindowAreBounded(t *testing.T) {
	mock := clock.NewMock()
	rl := New(4, time.Second, mock)
	defer rl.Close()

	var granted atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 10; i++ {
		go func() {
			if rl.Acquire(ctx) == nil {
				granted.Add(1)
			}
		}()
	}

	require.Eventually(t, func() bool { return granted.Load() == 4 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(4), granted.Load())

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return granted.Load() == 8 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(8), granted.Load())
}

func TestAcquireHonoursContext(t *testing.T) {
	rl := New(1, time.Hour, clock.NewMock())
	defer rl.Close()
	require.NoError(t, rl.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, rl.Acquire(ctx), context.DeadlineExceeded)
}
