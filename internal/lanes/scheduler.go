// Package lanes — планировщик вызовов: последовательные очереди по именованным
// линиям и ограниченный параллельный пул для безопасных задач.
package lanes

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/domain"
	"github.com/xela07ax/toolgate/internal/workerpool"
)

var (
	ErrShutdown    = errors.New("lanes: scheduler is shut down")
	ErrTimeout     = errors.New("lanes: wait timed out")
	ErrLockNotHeld = errors.New("lanes: write lock is not held by owner")
	ErrEmptyLane   = errors.New("lanes: lane id is required")
)

// Task — единица работы. ctx отменяется при Cancel, таймауте ожидания или
// принудительной остановке.
type Task func(ctx context.Context) domain.InvocationResult

type Config struct {
	ParallelSize int
	LockTimeout  time.Duration

	// LockMaxHold — сколько внешний владелец может держать блокировку линии,
	// после этого она снимается принудительно.
	LockMaxHold time.Duration
}

func (c Config) withDefaults() Config {
	if c.ParallelSize <= 0 {
		c.ParallelSize = 4
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 10 * time.Second
	}
	if c.LockMaxHold <= 0 {
		c.LockMaxHold = time.Minute
	}
	return c
}

type job struct {
	h    *Handle
	task Task
}

type lane struct {
	id   string
	lock *writeLock

	mu      sync.Mutex
	queue   []job
	running bool
}

// taskOwner — владелец блокировки на время одной задачи линии. Случайная часть
// не дает внешнему вызывающему войти повторно в чужой захват.
func (l *lane) taskOwner() string { return laneOwnerPrefix + l.id + ":" + uuid.NewString() }

const laneOwnerPrefix = "lane:"

type Scheduler struct {
	cfg    Config
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool

	pool    *workerpool.Pool
	workers sync.WaitGroup

	seq       atomic.Uint64
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

func NewScheduler(cfg Config, logger *zap.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg,
		logger: logger.Named("lanes"),
		ctx:    ctx,
		cancel: cancel,
		lanes:  make(map[string]*lane),
		pool:   workerpool.New(cfg.ParallelSize),
	}
}

// laneLocked возвращает линию, создавая ее при первом обращении. Требует s.mu.
func (s *Scheduler) laneLocked(id string) *lane {
	l, ok := s.lanes[id]
	if !ok {
		l = &lane{id: id, lock: newWriteLock()}
		s.lanes[id] = l
		s.logger.Debug("lane created", zap.String("lane", id))
	}
	return l
}

// Enqueue ставит задачу в конец очереди линии. Задачи одной линии
// выполняются строго по одной в порядке постановки.
func (s *Scheduler) Enqueue(laneID string, task Task) (*Handle, error) {
	if laneID == "" {
		return nil, ErrEmptyLane
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrShutdown
	}

	l := s.laneLocked(laneID)
	h := newHandle(s.ctx, s.seq.Add(1), laneID)
	s.submitted.Add(1)

	l.mu.Lock()
	l.queue = append(l.queue, job{h: h, task: task})
	if !l.running {
		l.running = true
		s.workers.Add(1)
		go s.runLane(l)
	}
	l.mu.Unlock()

	return h, nil
}

// SubmitParallel отправляет задачу в общий пул. Только для идемпотентных задач:
// порядок между ними не гарантируется.
func (s *Scheduler) SubmitParallel(task Task) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrShutdown
	}

	h := newHandle(s.ctx, s.seq.Add(1), "")
	if err := s.pool.Submit(func() { s.runJob(h.ctx, h, task) }); err != nil {
		return nil, ErrShutdown
	}
	s.submitted.Add(1)
	return h, nil
}

// SubmitAndWait — синхронная обертка. Пустой laneID = параллельный пул.
// По истечении timeout задача отменяется, возвращается ErrTimeout.
func (s *Scheduler) SubmitAndWait(ctx context.Context, laneID string, task Task, timeout time.Duration) (domain.InvocationResult, error) {
	var (
		h   *Handle
		err error
	)
	if laneID == "" {
		h, err = s.SubmitParallel(task)
	} else {
		h, err = s.Enqueue(laneID, task)
	}
	if err != nil {
		return domain.InvocationResult{}, err
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := h.Wait(waitCtx)
	if err == nil {
		return res, nil
	}

	if ctx.Err() != nil {
		h.Cancel()
		s.finish(h, domain.Canceled(domain.StageScheduler, timeout))
		return domain.InvocationResult{}, ctx.Err()
	}

	timedOut := domain.TimedOut(domain.StageScheduler, timeout)
	if s.finish(h, timedOut) {
		h.Cancel()
		s.logger.Warn("task wait timed out",
			zap.String("lane", laneID),
			zap.Uint64("task", h.ID()),
			zap.Duration("timeout", timeout))
		return timedOut, ErrTimeout
	}
	// Задача успела завершиться в момент таймаута
	res, _ = h.Result()
	return res, nil
}

func (s *Scheduler) runLane(l *lane) {
	defer s.workers.Done()
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			l.mu.Unlock()
			return
		}
		j := l.queue[0]
		l.queue[0] = job{}
		l.queue = l.queue[1:]
		l.mu.Unlock()

		s.runLaneJob(l, j)
	}
}

// runLaneJob держит блокировку записи линии на время задачи.
func (s *Scheduler) runLaneJob(l *lane, j job) {
	owner := l.taskOwner()
	if _, err := l.lock.acquire(j.h.ctx, owner); err != nil {
		s.finish(j.h, domain.Canceled(domain.StageScheduler, 0))
		return
	}
	defer func() {
		if err := l.lock.release(owner); err != nil {
			s.logger.Error("lane lock release failed", zap.String("lane", l.id), zap.Error(err))
		}
	}()

	s.runJob(WithOwner(j.h.ctx, owner), j.h, j.task)
}

func (s *Scheduler) runJob(ctx context.Context, h *Handle, task Task) {
	if ctx.Err() != nil {
		s.finish(h, domain.Canceled(domain.StageScheduler, 0))
		return
	}

	start := time.Now()
	res := s.safeRun(ctx, h, task, start)
	if res.Elapsed == 0 {
		res.Elapsed = time.Since(start)
	}
	s.finish(h, res)
}

// safeRun превращает панику задачи в FAILED, линия продолжает работу.
func (s *Scheduler) safeRun(ctx context.Context, h *Handle, task Task, start time.Time) (res domain.InvocationResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked",
				zap.String("lane", h.Lane()),
				zap.Uint64("task", h.ID()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			res = domain.Failed(fmt.Sprintf("task panicked: %v", r), time.Since(start))
		}
	}()
	return task(ctx)
}

func (s *Scheduler) finish(h *Handle, res domain.InvocationResult) bool {
	if !h.finish(res) {
		return false
	}
	if res.Success {
		s.completed.Add(1)
	} else {
		s.failed.Add(1)
	}
	return true
}

// AcquireLaneWriteLock берет эксклюзивную блокировку линии. Владелец, уже
// держащий блокировку, входит повторно. Ждет не дольше timeout (0 = по конфигу).
// Новый внешний захват снимается сам через LockMaxHold.
func (s *Scheduler) AcquireLaneWriteLock(ctx context.Context, laneID, owner string, timeout time.Duration) bool {
	if laneID == "" || owner == "" {
		return false
	}
	internal := owner == OwnerFromContext(ctx)
	if strings.HasPrefix(owner, laneOwnerPrefix) && !internal {
		s.logger.Warn("reserved lane owner rejected", zap.String("lane", laneID), zap.String("owner", owner))
		return false
	}
	if timeout <= 0 {
		timeout = s.cfg.LockTimeout
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	l := s.laneLocked(laneID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	fresh, err := l.lock.acquire(ctx, owner)
	if err != nil {
		holder, _ := l.lock.heldBy()
		s.logger.Warn("lane write lock not acquired",
			zap.String("lane", laneID),
			zap.String("owner", owner),
			zap.String("holder", holder),
			zap.Error(err))
		return false
	}
	if fresh {
		maxHold := s.cfg.LockMaxHold
		l.lock.leaseFor(owner, maxHold, func() {
			s.logger.Warn("lane write lock lease expired, released",
				zap.String("lane", laneID),
				zap.String("owner", owner),
				zap.Duration("max_hold", maxHold))
		})
	}
	return true
}

func (s *Scheduler) ReleaseLaneWriteLock(laneID, owner string) error {
	s.mu.Lock()
	l, ok := s.lanes[laneID]
	s.mu.Unlock()
	if !ok {
		return ErrLockNotHeld
	}
	return l.lock.release(owner)
}

func (s *Scheduler) Stats() domain.LaneStats {
	s.mu.Lock()
	lanes := make([]*lane, 0, len(s.lanes))
	for _, l := range s.lanes {
		lanes = append(lanes, l)
	}
	s.mu.Unlock()

	pending := make(map[string]int, len(lanes))
	for _, l := range lanes {
		l.mu.Lock()
		pending[l.id] = len(l.queue)
		l.mu.Unlock()
	}

	return domain.LaneStats{
		Submitted:      s.submitted.Load(),
		Completed:      s.completed.Load(),
		Failed:         s.failed.Load(),
		ActiveLanes:    len(lanes),
		Pending:        pending,
		ParallelActive: s.pool.Active(),
		ParallelQueued: s.pool.Queued(),
	}
}

// Shutdown перестает принимать задачи и ждет их завершения grace.
// Затем отменяет контексты оставшихся задач и ждет еще grace.
func (s *Scheduler) Shutdown(grace time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.pool.Close()

	if s.drain(grace) == nil {
		s.cancel()
		s.logger.Info("scheduler drained")
		return nil
	}

	s.logger.Warn("scheduler drain exceeded grace, cancelling tasks", zap.Duration("grace", grace))
	s.cancel()
	if err := s.drain(grace); err != nil {
		return fmt.Errorf("lanes: tasks still running after forced cancel: %w", err)
	}
	return nil
}

func (s *Scheduler) drain(grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	if err := s.pool.Wait(ctx); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
