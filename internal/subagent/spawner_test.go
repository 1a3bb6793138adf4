package subagent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/domain"
)

// blockingInvoker держит вызовы до release или отмены контекста.
type blockingInvoker struct {
	release chan struct{}
	started chan domain.InvocationRequest
	calls   atomic.Int32
}

func newBlockingInvoker() *blockingInvoker {
	return &blockingInvoker{release: make(chan struct{}), started: make(chan domain.InvocationRequest, 64)}
}

func (b *blockingInvoker) Invoke(ctx context.Context, req domain.InvocationRequest) domain.InvocationResult {
	b.calls.Add(1)
	b.started <- req
	select {
	case <-b.release:
		return domain.Succeeded("done:"+req.ToolID, time.Millisecond)
	case <-ctx.Done():
		return domain.Canceled(domain.StageExecution, 0)
	}
}

type funcInvoker func(ctx context.Context, req domain.InvocationRequest) domain.InvocationResult

func (f funcInvoker) Invoke(ctx context.Context, req domain.InvocationRequest) domain.InvocationResult {
	return f(ctx, req)
}

func newTestSpawner(t *testing.T, cfg Config, inv Invoker, opts ...Option) *Spawner {
	t.Helper()
	s := NewSpawner(cfg, inv, zap.NewNop(), opts...)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestSpawn_CeilingRejectsNinth(t *testing.T) {
	inv := newBlockingInvoker()
	s := newTestSpawner(t, Config{}, inv)

	for i := 0; i < 8; i++ {
		id, err := s.Spawn(context.Background(), Request{ParentID: "planner", TargetID: fmt.Sprintf("tool-%d", i)}, nil)
		require.NoError(t, err)
		require.NotEmpty(t, id)
	}

	id, err := s.Spawn(context.Background(), Request{ParentID: "planner", TargetID: "tool-9"}, nil)
	require.ErrorIs(t, err, ErrRejected)
	assert.Empty(t, id)
	assert.Equal(t, 8, s.ActiveCount())

	hist := s.History()
	require.Len(t, hist, 1)
	assert.Equal(t, domain.SubAgentRejected, hist[0].Status)
	assert.Equal(t, "tool-9", hist[0].TargetID)

	close(inv.release)
	require.Eventually(t, func() bool { return s.ActiveCount() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 8, inv.calls.Load(), "rejected spawn must not reach the invoker")
}

func TestSpawn_NestedRejected(t *testing.T) {
	inv := newBlockingInvoker()
	s := newTestSpawner(t, Config{}, inv)

	_, err := s.Spawn(context.Background(), Request{ParentID: "planner", TargetID: "calculator"}, nil)
	require.NoError(t, err)

	_, err = s.Spawn(context.Background(), Request{ParentID: "calculator", TargetID: "echo"}, nil)
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "nested")
	assert.Equal(t, 1, s.ActiveCount())
	close(inv.release)
}

func TestSpawn_TierDenyLists(t *testing.T) {
	s := newTestSpawner(t, Config{}, funcInvoker(func(context.Context, domain.InvocationRequest) domain.InvocationResult {
		return domain.Succeeded("", 0)
	}))

	cases := []struct {
		tier   domain.IsolationTier
		tool   string
		denied bool
	}{
		{domain.IsolationMinimal, "sandbox_exec", true},
		{domain.IsolationMinimal, "file_manager", false},
		{domain.IsolationStandard, "sandbox_exec", true},
		{domain.IsolationStandard, "telegram_bridge", true},
		{domain.IsolationStandard, "web_search", false},
		{domain.IsolationStrict, "task_automation", true},
		{domain.IsolationStrict, "file_manager", true},
		{domain.IsolationStrict, "web_search", true},
		{domain.IsolationStrict, "calculator", false},
		{"", "communication_hub", true},
	}
	for _, tc := range cases {
		t.Run(string(tc.tier)+"/"+tc.tool, func(t *testing.T) {
			res := s.SpawnAndWait(context.Background(), Request{ParentID: "p", TargetID: tc.tool, Tier: tc.tier})
			if tc.denied {
				assert.Equal(t, domain.SubAgentRejected, res.Status)
			} else {
				assert.Equal(t, domain.SubAgentCompleted, res.Status)
			}
		})
	}
}

func TestDenyLists_Cumulative(t *testing.T) {
	d := DefaultDenyLists()
	for id := range d[domain.IsolationMinimal] {
		assert.True(t, d.Denies(domain.IsolationStandard, id))
	}
	for id := range d[domain.IsolationStandard] {
		assert.True(t, d.Denies(domain.IsolationStrict, id))
	}
	assert.Greater(t, len(d[domain.IsolationStrict]), len(d[domain.IsolationStandard]))
	assert.Greater(t, len(d[domain.IsolationStandard]), len(d[domain.IsolationMinimal]))
}

func TestSpawn_RequestFlags(t *testing.T) {
	got := make(chan domain.InvocationRequest, 2)
	s := newTestSpawner(t, Config{}, funcInvoker(func(_ context.Context, req domain.InvocationRequest) domain.InvocationResult {
		got <- req
		return domain.Succeeded("ok", 0)
	}))

	res := s.SpawnAndWait(context.Background(), Request{ParentID: "p", TargetID: "calculator", Tier: domain.IsolationStrict, Input: "2+2"})
	require.Equal(t, domain.SubAgentCompleted, res.Status)
	req := <-got
	assert.True(t, req.IsSubAgent)
	assert.True(t, req.IsSandboxed)
	assert.Equal(t, "2+2", req.Input)
	assert.Equal(t, res.AgentID, req.TraceID)

	res = s.SpawnAndWait(context.Background(), Request{ParentID: "p", TargetID: "calculator", Tier: domain.IsolationMinimal})
	require.Equal(t, domain.SubAgentCompleted, res.Status)
	req = <-got
	assert.True(t, req.IsSubAgent)
	assert.False(t, req.IsSandboxed)
}

func TestSpawn_FailureAndPanic(t *testing.T) {
	s := newTestSpawner(t, Config{}, funcInvoker(func(_ context.Context, req domain.InvocationRequest) domain.InvocationResult {
		if req.ToolID == "panicky" {
			panic("kaboom")
		}
		return domain.Denied(domain.StagePolicy, "denied by rule", 0)
	}))

	res := s.SpawnAndWait(context.Background(), Request{TargetID: "denied"})
	assert.Equal(t, domain.SubAgentFailed, res.Status)
	assert.Contains(t, res.Error, "denied by rule")

	res = s.SpawnAndWait(context.Background(), Request{TargetID: "panicky"})
	assert.Equal(t, domain.SubAgentFailed, res.Status)
	assert.Contains(t, res.Error, "kaboom")
}

func TestCancel_ExactlyOnce(t *testing.T) {
	inv := newBlockingInvoker()

	var calls atomic.Int32
	var mu sync.Mutex
	var last domain.SubAgentResult
	s := newTestSpawner(t, Config{}, inv)

	id, err := s.Spawn(context.Background(), Request{TargetID: "echo"}, func(r domain.SubAgentResult) {
		calls.Add(1)
		mu.Lock()
		last = r
		mu.Unlock()
	})
	require.NoError(t, err)
	<-inv.started

	assert.True(t, s.Cancel(id))
	assert.False(t, s.Cancel(id))
	assert.False(t, s.Cancel("unknown"))

	// Воркер видит отмену и пытается завершиться повторно
	require.Eventually(t, func() bool { return s.pool.Active() == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Close(context.Background()))
	assert.EqualValues(t, 1, calls.Load())

	mu.Lock()
	assert.Equal(t, domain.SubAgentCancelled, last.Status)
	mu.Unlock()

	res, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, domain.SubAgentCancelled, res.Status)
}

func TestSweep_TimesOutExpired(t *testing.T) {
	inv := newBlockingInvoker()
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	s := newTestSpawner(t, Config{SweepInterval: time.Hour}, inv, WithClock(clock))

	short, err := s.Spawn(context.Background(), Request{TargetID: "a", Timeout: time.Second}, nil)
	require.NoError(t, err)
	long, err := s.Spawn(context.Background(), Request{TargetID: "b", Timeout: time.Minute}, nil)
	require.NoError(t, err)
	<-inv.started
	<-inv.started

	assert.Equal(t, 0, s.Sweep())

	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()

	assert.Equal(t, 1, s.Sweep())
	res, ok := s.Get(short)
	require.True(t, ok)
	assert.Equal(t, domain.SubAgentTimedOut, res.Status)

	res, ok = s.Get(long)
	require.True(t, ok)
	assert.Equal(t, domain.SubAgentRunning, res.Status)
	close(inv.release)
}

func TestSpawnAndWait_ContextCancel(t *testing.T) {
	inv := newBlockingInvoker()
	s := newTestSpawner(t, Config{}, inv)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-inv.started
		cancel()
	}()
	res := s.SpawnAndWait(ctx, Request{TargetID: "echo"})
	assert.Equal(t, domain.SubAgentCancelled, res.Status)
	assert.Equal(t, 0, s.ActiveCount())
}

func TestHistory_Bounded(t *testing.T) {
	s := newTestSpawner(t, Config{HistoryLimit: 3}, funcInvoker(func(_ context.Context, req domain.InvocationRequest) domain.InvocationResult {
		return domain.Succeeded(req.Input, 0)
	}))

	for i := 0; i < 5; i++ {
		res := s.SpawnAndWait(context.Background(), Request{TargetID: "echo", Input: fmt.Sprint(i)})
		require.Equal(t, domain.SubAgentCompleted, res.Status)
	}

	hist := s.History()
	require.Len(t, hist, 3)
	assert.Equal(t, "2", hist[0].Output)
	assert.Equal(t, "4", hist[2].Output)

	st := s.Stats()
	assert.Equal(t, 3, st.ByStatus[string(domain.SubAgentCompleted)])
	assert.Equal(t, 8, st.Ceiling)
}

func TestClose_CancelsActiveAndRejectsNew(t *testing.T) {
	inv := newBlockingInvoker()
	var observed atomic.Int32
	s := NewSpawner(Config{}, inv, zap.NewNop(), WithObserver(func(domain.SubAgentResult) { observed.Add(1) }))

	id, err := s.Spawn(context.Background(), Request{TargetID: "echo"}, nil)
	require.NoError(t, err)
	<-inv.started

	require.NoError(t, s.Close(context.Background()))
	res, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, domain.SubAgentCancelled, res.Status)
	assert.EqualValues(t, 1, observed.Load())

	_, err = s.Spawn(context.Background(), Request{TargetID: "echo"}, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCancel_DoesNotWaitForCallbacks(t *testing.T) {
	inv := newBlockingInvoker()
	unblock := make(chan struct{})
	var observed, completed atomic.Int32
	s := newTestSpawner(t, Config{SweepInterval: time.Hour}, inv, WithObserver(func(domain.SubAgentResult) {
		<-unblock
		observed.Add(1)
	}))
	defer close(unblock)

	id, err := s.Spawn(context.Background(), Request{TargetID: "echo"}, func(domain.SubAgentResult) {
		completed.Add(1)
	})
	require.NoError(t, err)
	<-inv.started

	start := time.Now()
	require.True(t, s.Cancel(id))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	res, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, domain.SubAgentCancelled, res.Status)
	assert.Zero(t, observed.Load())
	assert.Zero(t, completed.Load())

	unblock <- struct{}{}
	require.Eventually(t, func() bool { return completed.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, observed.Load())
}

func TestSweep_DoesNotWaitForCallbacks(t *testing.T) {
	inv := newBlockingInvoker()
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	unblock := make(chan struct{})
	s := newTestSpawner(t, Config{SweepInterval: time.Hour}, inv, WithClock(clock))
	defer close(unblock)

	_, err := s.Spawn(context.Background(), Request{TargetID: "a", Timeout: time.Second}, func(domain.SubAgentResult) {
		<-unblock
	})
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()

	start := time.Now()
	assert.Equal(t, 1, s.Sweep())
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	unblock <- struct{}{}
}

func TestGet_QueuedWhileWorkersBusy(t *testing.T) {
	// Инвокер не смотрит на ctx: отмененные задачи держат воркеров до release
	release := make(chan struct{})
	started := make(chan string, 4)
	s := newTestSpawner(t, Config{MaxConcurrent: 2}, funcInvoker(func(_ context.Context, req domain.InvocationRequest) domain.InvocationResult {
		started <- req.ToolID
		<-release
		return domain.Succeeded("", 0)
	}))

	first, err := s.Spawn(context.Background(), Request{TargetID: "a"}, nil)
	require.NoError(t, err)
	second, err := s.Spawn(context.Background(), Request{TargetID: "b"}, nil)
	require.NoError(t, err)
	<-started
	<-started

	res, _ := s.Get(first)
	assert.Equal(t, domain.SubAgentRunning, res.Status)

	require.True(t, s.Cancel(first))
	require.True(t, s.Cancel(second))

	third, err := s.Spawn(context.Background(), Request{TargetID: "c"}, nil)
	require.NoError(t, err)
	res, ok := s.Get(third)
	require.True(t, ok)
	assert.Equal(t, domain.SubAgentQueued, res.Status)
	assert.Equal(t, 1, s.Stats().Queued)

	close(release)
	assert.Equal(t, "c", <-started)
	require.Eventually(t, func() bool {
		res, _ := s.Get(third)
		return res.Status == domain.SubAgentCompleted
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, s.Stats().Queued)
}
