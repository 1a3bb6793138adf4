package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_NeverExceedsSize(t *testing.T) {
	const size = 4
	p := New(size)

	var running, maxSeen atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < size*10; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func() {
			defer wg.Done()
			n := running.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			running.Add(-1)
		}))
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen.Load(), int32(size))
	assert.LessOrEqual(t, p.Peak(), size)
	assert.Equal(t, 0, p.Queued())

	p.Close()
	require.NoError(t, p.Wait(context.Background()))
}

func TestPool_CloseDrainsBacklog(t *testing.T) {
	p := New(1)
	var done atomic.Int32
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Submit(func() { done.Add(1) }))
	}
	p.Close()
	require.NoError(t, p.Wait(context.Background()))
	assert.Equal(t, int32(20), done.Load())

	assert.ErrorIs(t, p.Submit(func() {}), ErrClosed)
}

func TestPool_PanicDoesNotKillWorker(t *testing.T) {
	p := New(1)
	require.NoError(t, p.Submit(func() { panic("boom") }))

	ran := make(chan struct{})
	require.NoError(t, p.Submit(func() { close(ran) }))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("worker died after panic")
	}
	p.Close()
}

func TestPool_WaitHonoursContext(t *testing.T) {
	p := New(1)
	block := make(chan struct{})
	require.NoError(t, p.Submit(func() { <-block }))
	p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Wait(ctx), context.DeadlineExceeded)

	close(block)
	require.NoError(t, p.Wait(context.Background()))
}
