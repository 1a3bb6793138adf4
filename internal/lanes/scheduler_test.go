package lanes

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/domain"
)

func newTestScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	s := NewScheduler(cfg, zap.NewNop())
	t.Cleanup(func() { _ = s.Shutdown(time.Second) })
	return s
}

func ok(out string) Task {
	return func(context.Context) domain.InvocationResult {
		return domain.Succeeded(out, 0)
	}
}

func waitResult(t *testing.T, h *Handle) domain.InvocationResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	require.NoError(t, err)
	return res
}

func TestEnqueue_FIFOAndSerial(t *testing.T) {
	s := newTestScheduler(t, Config{})

	var (
		mu      sync.Mutex
		order   []int
		running atomic.Int32
		overlap atomic.Bool
	)

	const n = 50
	var last *Handle
	for i := 0; i < n; i++ {
		i := i
		h, err := s.Enqueue("chat", func(context.Context) domain.InvocationResult {
			if running.Add(1) > 1 {
				overlap.Store(true)
			}
			defer running.Add(-1)
			time.Sleep(100 * time.Microsecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return domain.Succeeded("", 0)
		})
		require.NoError(t, err)
		last = h
	}
	waitResult(t, last)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, n)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
	assert.False(t, overlap.Load(), "two tasks of one lane ran at once")
}

func TestEnqueue_LanesIndependent(t *testing.T) {
	s := newTestScheduler(t, Config{})

	release := make(chan struct{})
	blocked, err := s.Enqueue("slow", func(ctx context.Context) domain.InvocationResult {
		<-release
		return domain.Succeeded("slow", 0)
	})
	require.NoError(t, err)

	fast, err := s.Enqueue("fast", ok("fast"))
	require.NoError(t, err)
	assert.Equal(t, "fast", waitResult(t, fast).Output)

	_, done := blocked.Result()
	assert.False(t, done)
	close(release)
	assert.Equal(t, "slow", waitResult(t, blocked).Output)
}

func TestEnqueue_EmptyLane(t *testing.T) {
	s := newTestScheduler(t, Config{})
	_, err := s.Enqueue("", ok(""))
	assert.ErrorIs(t, err, ErrEmptyLane)
}

func TestSubmitParallel_BoundedPool(t *testing.T) {
	const size = 3
	s := newTestScheduler(t, Config{ParallelSize: size})

	var running, maxSeen atomic.Int32
	handles := make([]*Handle, 0, 30)
	for i := 0; i < 30; i++ {
		h, err := s.SubmitParallel(func(context.Context) domain.InvocationResult {
			n := running.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			running.Add(-1)
			return domain.Succeeded("", 0)
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		assert.True(t, waitResult(t, h).Success)
	}

	assert.LessOrEqual(t, maxSeen.Load(), int32(size))
	st := s.Stats()
	assert.EqualValues(t, 30, st.Submitted)
	assert.EqualValues(t, 30, st.Completed)
	assert.Equal(t, 0, st.ParallelActive)
}

func TestSubmitAndWait_Success(t *testing.T) {
	s := newTestScheduler(t, Config{})

	res, err := s.SubmitAndWait(context.Background(), "a", ok("done"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Output)

	res, err = s.SubmitAndWait(context.Background(), "", ok("parallel"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "parallel", res.Output)
}

func TestSubmitAndWait_TimeoutCancelsTask(t *testing.T) {
	s := newTestScheduler(t, Config{})

	cancelled := make(chan struct{})
	res, err := s.SubmitAndWait(context.Background(), "a", func(ctx context.Context) domain.InvocationResult {
		<-ctx.Done()
		close(cancelled)
		return domain.Canceled(domain.StageExecution, 0)
	}, 20*time.Millisecond)

	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, domain.InvocationTimedOut, res.Status)
	assert.False(t, res.Success)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task context was not cancelled")
	}

	// Линия продолжает работать
	res, err = s.SubmitAndWait(context.Background(), "a", ok("next"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "next", res.Output)
	assert.EqualValues(t, 1, s.Stats().Failed)
}

func TestPanicDoesNotKillLane(t *testing.T) {
	s := newTestScheduler(t, Config{})

	h1, err := s.Enqueue("a", func(context.Context) domain.InvocationResult {
		panic("boom")
	})
	require.NoError(t, err)
	h2, err := s.Enqueue("a", ok("after"))
	require.NoError(t, err)

	res := waitResult(t, h1)
	assert.Equal(t, domain.InvocationFailed, res.Status)
	assert.Contains(t, res.Error, "boom")
	assert.Equal(t, "after", waitResult(t, h2).Output)

	st := s.Stats()
	assert.EqualValues(t, 1, st.Failed)
	assert.EqualValues(t, 1, st.Completed)
}

func TestCancelBeforeStart(t *testing.T) {
	s := newTestScheduler(t, Config{})

	started := make(chan struct{})
	release := make(chan struct{})
	first, err := s.Enqueue("a", func(context.Context) domain.InvocationResult {
		close(started)
		<-release
		return domain.Succeeded("first", 0)
	})
	require.NoError(t, err)
	<-started

	var ran atomic.Bool
	second, err := s.Enqueue("a", func(context.Context) domain.InvocationResult {
		ran.Store(true)
		return domain.Succeeded("second", 0)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Stats().Pending["a"])

	second.Cancel()
	close(release)

	assert.True(t, waitResult(t, first).Success)
	res := waitResult(t, second)
	assert.Equal(t, domain.InvocationCanceled, res.Status)
	assert.False(t, ran.Load())
}

func TestWriteLock_ReentrantFromLaneTask(t *testing.T) {
	s := newTestScheduler(t, Config{})

	started := make(chan struct{})
	release := make(chan struct{})
	var reentered atomic.Bool

	h, err := s.Enqueue("db", func(ctx context.Context) domain.InvocationResult {
		owner := OwnerFromContext(ctx)
		if s.AcquireLaneWriteLock(ctx, "db", owner, 50*time.Millisecond) {
			reentered.Store(true)
			if err := s.ReleaseLaneWriteLock("db", owner); err != nil {
				return domain.Failed(err.Error(), 0)
			}
		}
		close(started)
		<-release
		return domain.Succeeded("", 0)
	})
	require.NoError(t, err)

	<-started
	assert.True(t, reentered.Load())

	// Пока задача линии работает, посторонний владелец ждет и отваливается по таймауту
	assert.False(t, s.AcquireLaneWriteLock(context.Background(), "db", "migration", 20*time.Millisecond))

	close(release)
	assert.True(t, waitResult(t, h).Success)

	require.True(t, s.AcquireLaneWriteLock(context.Background(), "db", "migration", time.Second))
	require.NoError(t, s.ReleaseLaneWriteLock("db", "migration"))
}

func TestWriteLock_BlocksLaneTasks(t *testing.T) {
	s := newTestScheduler(t, Config{})

	require.True(t, s.AcquireLaneWriteLock(context.Background(), "db", "migration", time.Second))

	h, err := s.Enqueue("db", ok("after-lock"))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, done := h.Result()
	assert.False(t, done, "lane task ran while lock was held externally")

	require.NoError(t, s.ReleaseLaneWriteLock("db", "migration"))
	assert.Equal(t, "after-lock", waitResult(t, h).Output)
}

func TestWriteLock_ReleaseByStranger(t *testing.T) {
	s := newTestScheduler(t, Config{})

	assert.ErrorIs(t, s.ReleaseLaneWriteLock("nope", "x"), ErrLockNotHeld)

	require.True(t, s.AcquireLaneWriteLock(context.Background(), "a", "x", time.Second))
	assert.ErrorIs(t, s.ReleaseLaneWriteLock("a", "y"), ErrLockNotHeld)
	require.NoError(t, s.ReleaseLaneWriteLock("a", "x"))
	assert.ErrorIs(t, s.ReleaseLaneWriteLock("a", "x"), ErrLockNotHeld)
}

func TestShutdown_DrainsThenRejects(t *testing.T) {
	s := NewScheduler(Config{}, zap.NewNop())

	var done atomic.Int32
	for i := 0; i < 10; i++ {
		_, err := s.Enqueue("a", func(context.Context) domain.InvocationResult {
			time.Sleep(time.Millisecond)
			done.Add(1)
			return domain.Succeeded("", 0)
		})
		require.NoError(t, err)
	}

	require.NoError(t, s.Shutdown(time.Second))
	assert.EqualValues(t, 10, done.Load())

	_, err := s.Enqueue("a", ok(""))
	assert.ErrorIs(t, err, ErrShutdown)
	_, err = s.SubmitParallel(ok(""))
	assert.ErrorIs(t, err, ErrShutdown)
	assert.False(t, s.AcquireLaneWriteLock(context.Background(), "a", "x", time.Millisecond))
}

func TestShutdown_ForceCancelsStuckTasks(t *testing.T) {
	s := NewScheduler(Config{}, zap.NewNop())

	h, err := s.Enqueue("a", func(ctx context.Context) domain.InvocationResult {
		<-ctx.Done()
		return domain.Canceled(domain.StageExecution, 0)
	})
	require.NoError(t, err)
	queued, err := s.Enqueue("a", ok("never"))
	require.NoError(t, err)

	require.NoError(t, s.Shutdown(30*time.Millisecond))

	assert.Equal(t, domain.InvocationCanceled, waitResult(t, h).Status)
	assert.Equal(t, domain.InvocationCanceled, waitResult(t, queued).Status)
}
