// Package subagent делегирует вызовы инструментов фоновым под-задачам
// с потолком конкурентности, уровнями изоляции и запретом вложенности.
package subagent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/domain"
	"github.com/xela07ax/toolgate/internal/workerpool"
)

var (
	ErrRejected = errors.New("subagent: spawn rejected")
	ErrClosed   = errors.New("subagent: spawner is closed")
)

// Invoker — шлюз, через который под-задача вызывает целевой инструмент.
type Invoker interface {
	Invoke(ctx context.Context, req domain.InvocationRequest) domain.InvocationResult
}

type Config struct {
	MaxConcurrent  int
	DefaultTimeout time.Duration
	SweepInterval  time.Duration
	HistoryLimit   int
	DenyLists      DenyLists
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 60 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 256
	}
	if c.DenyLists == nil {
		c.DenyLists = DefaultDenyLists()
	}
	return c
}

type Request struct {
	ParentID  string               `json:"parent_id"`
	TargetID  string               `json:"target_id"`
	Input     string               `json:"input"`
	Timeout   time.Duration        `json:"timeout"`
	Tier      domain.IsolationTier `json:"tier"`
	SessionID string               `json:"session_id,omitempty"`
}

// CompletionFunc вызывается ровно один раз для принятой под-задачи.
type CompletionFunc func(domain.SubAgentResult)

// agent — живой контекст под-задачи от запуска до терминального статуса.
type agent struct {
	id        string
	req       Request
	spawnedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc

	onComplete CompletionFunc
	done       chan struct{}
	result     domain.SubAgentResult

	started bool // воркер пула взял задачу, под s.mu
}

type Option func(*Spawner)

// WithObserver подписывает наблюдателя на каждый терминальный результат (метрики, аудит).
func WithObserver(fn func(domain.SubAgentResult)) Option {
	return func(s *Spawner) { s.observer = fn }
}

func WithClock(now func() time.Time) Option {
	return func(s *Spawner) { s.now = now }
}

type Spawner struct {
	cfg      Config
	invoker  Invoker
	logger   *zap.Logger
	observer func(domain.SubAgentResult)
	now      func() time.Time

	pool      *workerpool.Pool
	callbacks sync.WaitGroup

	mu      sync.Mutex
	active  map[string]*agent
	history []domain.SubAgentResult
	closed  bool

	stop      chan struct{}
	sweepDone chan struct{}
}

func NewSpawner(cfg Config, invoker Invoker, logger *zap.Logger, opts ...Option) *Spawner {
	cfg = cfg.withDefaults()
	s := &Spawner{
		cfg:       cfg,
		invoker:   invoker,
		logger:    logger.Named("subagent"),
		now:       time.Now,
		pool:      workerpool.New(cfg.MaxConcurrent),
		active:    make(map[string]*agent),
		stop:      make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.sweepLoop()
	return s
}

// Spawn принимает под-задачу и сразу возвращает ее идентификатор.
// При отказе возвращает "" и ошибку, оборачивающую ErrRejected; отказ попадает в историю.
func (s *Spawner) Spawn(ctx context.Context, req Request, onComplete CompletionFunc) (string, error) {
	a, _, err := s.admit(ctx, req, onComplete)
	if err != nil {
		return "", err
	}
	return a.id, nil
}

// SpawnAndWait блокируется до терминального статуса под-задачи.
// Отмена ctx отменяет под-задачу.
func (s *Spawner) SpawnAndWait(ctx context.Context, req Request) domain.SubAgentResult {
	a, rejected, err := s.admit(ctx, req, nil)
	if err != nil {
		if errors.Is(err, ErrRejected) {
			return rejected
		}
		return s.rejectedResult(req, err)
	}

	select {
	case <-a.done:
	case <-ctx.Done():
		s.finish(a, domain.SubAgentCancelled, "", ctx.Err().Error())
		<-a.done
	}
	return a.result
}

func (s *Spawner) admit(ctx context.Context, req Request, onComplete CompletionFunc) (*agent, domain.SubAgentResult, error) {
	tier, err := domain.ParseIsolationTier(string(req.Tier))
	if err != nil {
		return s.reject(req, err.Error())
	}
	req.Tier = tier
	if req.Timeout <= 0 {
		req.Timeout = s.cfg.DefaultTimeout
	}
	if req.TargetID == "" {
		return s.reject(req, "target tool id is required")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, domain.SubAgentResult{}, ErrClosed
	}
	if reason := s.admissionLocked(req); reason != "" {
		s.mu.Unlock()
		return s.reject(req, reason)
	}

	// Под-задача живет дольше запроса, который ее породил: значения контекста
	// сохраняем, отмену нет.
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a := &agent{
		id:         uuid.NewString(),
		req:        req,
		spawnedAt:  s.now(),
		ctx:        taskCtx,
		cancel:     cancel,
		onComplete: onComplete,
		done:       make(chan struct{}),
	}
	s.active[a.id] = a
	s.mu.Unlock()

	if err := s.pool.Submit(func() { s.run(a) }); err != nil {
		s.finish(a, domain.SubAgentFailed, "", err.Error())
		return nil, domain.SubAgentResult{}, err
	}

	s.logger.Info("sub-agent spawned",
		zap.String("agent", a.id),
		zap.String("parent", req.ParentID),
		zap.String("target", req.TargetID),
		zap.String("tier", string(req.Tier)),
		zap.Duration("timeout", req.Timeout))
	return a, domain.SubAgentResult{}, nil
}

// admissionLocked проверяет правила допуска до выделения любых ресурсов. Требует s.mu.
func (s *Spawner) admissionLocked(req Request) string {
	if len(s.active) >= s.cfg.MaxConcurrent {
		return fmt.Sprintf("concurrency ceiling reached (%d)", s.cfg.MaxConcurrent)
	}
	if req.ParentID != "" {
		for _, a := range s.active {
			if a.req.TargetID == req.ParentID {
				return fmt.Sprintf("nested spawn: %s is itself running as a sub-agent", req.ParentID)
			}
		}
	}
	if s.cfg.DenyLists.Denies(req.Tier, req.TargetID) {
		return fmt.Sprintf("tool %s is not allowed at isolation tier %s", req.TargetID, req.Tier)
	}
	return ""
}

func (s *Spawner) reject(req Request, reason string) (*agent, domain.SubAgentResult, error) {
	res := s.rejectedResult(req, errors.New(reason))
	s.mu.Lock()
	s.archiveLocked(res)
	s.mu.Unlock()

	s.logger.Warn("sub-agent rejected",
		zap.String("parent", req.ParentID),
		zap.String("target", req.TargetID),
		zap.String("reason", reason))
	if s.observer != nil {
		s.observer(res)
	}
	return nil, res, fmt.Errorf("%w: %s", ErrRejected, reason)
}

func (s *Spawner) rejectedResult(req Request, err error) domain.SubAgentResult {
	now := s.now()
	return domain.SubAgentResult{
		AgentID:    uuid.NewString(),
		ParentID:   req.ParentID,
		TargetID:   req.TargetID,
		Tier:       req.Tier,
		Status:     domain.SubAgentRejected,
		Error:      err.Error(),
		StartedAt:  now,
		FinishedAt: now,
	}
}

func (s *Spawner) run(a *agent) {
	if !s.markStarted(a) {
		return
	}

	res, panicked := s.invoke(a)
	switch {
	case panicked != "":
		s.finish(a, domain.SubAgentFailed, "", panicked)
	case res.Success:
		s.finish(a, domain.SubAgentCompleted, res.Output, "")
	case res.Status == domain.InvocationTimedOut:
		s.finish(a, domain.SubAgentTimedOut, res.Output, res.Error)
	case res.Status == domain.InvocationCanceled:
		s.finish(a, domain.SubAgentCancelled, res.Output, res.Error)
	default:
		s.finish(a, domain.SubAgentFailed, res.Output, res.Error)
	}
}

// markStarted возвращает false, если под-задачу завершили, пока она ждала воркера.
func (s *Spawner) markStarted(a *agent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[a.id]; !ok {
		return false
	}
	a.started = true
	return true
}

func (s *Spawner) invoke(a *agent) (res domain.InvocationResult, panicked string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sub-agent panicked",
				zap.String("agent", a.id),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			panicked = fmt.Sprintf("sub-agent panicked: %v", r)
		}
	}()

	return s.invoker.Invoke(a.ctx, domain.InvocationRequest{
		ToolID:      a.req.TargetID,
		Input:       a.req.Input,
		IsSubAgent:  true,
		IsSandboxed: a.req.Tier == domain.IsolationStrict,
		SessionID:   a.req.SessionID,
		Timeout:     a.req.Timeout,
		TraceID:     a.id,
		CallerID:    a.req.ParentID,
	}), ""
}

// finish переводит под-задачу в терминальный статус. Срабатывает только первый вызов.
func (s *Spawner) finish(a *agent, status domain.SubAgentStatus, output, errMsg string) bool {
	s.mu.Lock()
	if _, ok := s.active[a.id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.active, a.id)
	a.result = domain.SubAgentResult{
		AgentID:    a.id,
		ParentID:   a.req.ParentID,
		TargetID:   a.req.TargetID,
		Tier:       a.req.Tier,
		Status:     status,
		Output:     output,
		Error:      errMsg,
		StartedAt:  a.spawnedAt,
		FinishedAt: s.now(),
	}
	s.archiveLocked(a.result)
	s.mu.Unlock()

	a.cancel()
	close(a.done)

	s.logger.Info("sub-agent finished",
		zap.String("agent", a.id),
		zap.String("target", a.req.TargetID),
		zap.String("status", string(status)),
		zap.Duration("elapsed", a.result.FinishedAt.Sub(a.spawnedAt)))

	s.notify(a.result, a.onComplete)
	return true
}

// notify доставляет терминальный результат наблюдателю и onComplete в отдельной
// горутине, Cancel и Sweep колбэков не ждут. Close дожидается доставки.
func (s *Spawner) notify(res domain.SubAgentResult, onComplete CompletionFunc) {
	if s.observer == nil && onComplete == nil {
		return
	}
	s.callbacks.Add(1)
	go func() {
		defer s.callbacks.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("sub-agent callback panicked",
					zap.String("agent", res.AgentID),
					zap.Any("panic", r))
			}
		}()
		if s.observer != nil {
			s.observer(res)
		}
		if onComplete != nil {
			onComplete(res)
		}
	}()
}

// archiveLocked добавляет результат в историю, вытесняя самые старые. Требует s.mu.
func (s *Spawner) archiveLocked(res domain.SubAgentResult) {
	s.history = append(s.history, res)
	if over := len(s.history) - s.cfg.HistoryLimit; over > 0 {
		copy(s.history, s.history[over:])
		for i := len(s.history) - over; i < len(s.history); i++ {
			s.history[i] = domain.SubAgentResult{}
		}
		s.history = s.history[:len(s.history)-over]
	}
}

// Cancel отменяет активную под-задачу. Не блокируется.
func (s *Spawner) Cancel(agentID string) bool {
	s.mu.Lock()
	a, ok := s.active[agentID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return s.finish(a, domain.SubAgentCancelled, "", "cancelled by caller")
}

// Sweep — один проход по активным под-задачам: просроченные получают TIMED_OUT.
func (s *Spawner) Sweep() int {
	now := s.now()
	s.mu.Lock()
	var expired []*agent
	for _, a := range s.active {
		if now.Sub(a.spawnedAt) > a.req.Timeout {
			expired = append(expired, a)
		}
	}
	s.mu.Unlock()

	swept := 0
	for _, a := range expired {
		msg := fmt.Sprintf("exceeded timeout %v", a.req.Timeout)
		if s.finish(a, domain.SubAgentTimedOut, "", msg) {
			swept++
		}
	}
	if swept > 0 {
		s.logger.Warn("sub-agents timed out by sweep", zap.Int("count", swept))
	}
	return swept
}

func (s *Spawner) sweepLoop() {
	defer close(s.sweepDone)
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Get возвращает результат из истории или снимок активной под-задачи.
// Активная задача, которой еще не достался воркер, отдается как QUEUED: так бывает,
// когда отмененные задачи с инвокером, игнорирующим ctx, еще занимают пул.
func (s *Spawner) Get(agentID string) (domain.SubAgentResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.active[agentID]; ok {
		status := domain.SubAgentRunning
		if !a.started {
			status = domain.SubAgentQueued
		}
		return domain.SubAgentResult{
			AgentID:   a.id,
			ParentID:  a.req.ParentID,
			TargetID:  a.req.TargetID,
			Tier:      a.req.Tier,
			Status:    status,
			StartedAt: a.spawnedAt,
		}, true
	}
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].AgentID == agentID {
			return s.history[i], true
		}
	}
	return domain.SubAgentResult{}, false
}

// History — копия истории, от старых к новым.
func (s *Spawner) History() []domain.SubAgentResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SubAgentResult(nil), s.history...)
}

func (s *Spawner) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Spawner) Stats() domain.SpawnerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	byStatus := make(map[string]int)
	for _, r := range s.history {
		byStatus[string(r.Status)]++
	}
	queued := 0
	for _, a := range s.active {
		if !a.started {
			queued++
		}
	}
	return domain.SpawnerStats{
		Active:   len(s.active),
		Queued:   queued,
		Ceiling:  s.cfg.MaxConcurrent,
		History:  len(s.history),
		ByStatus: byStatus,
	}
}

// Close отменяет все активные под-задачи и ждет воркеров и колбэков до отмены ctx.
func (s *Spawner) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	running := make([]*agent, 0, len(s.active))
	for _, a := range s.active {
		running = append(running, a)
	}
	s.mu.Unlock()

	close(s.stop)
	<-s.sweepDone

	for _, a := range running {
		s.finish(a, domain.SubAgentCancelled, "", "spawner closed")
	}
	s.pool.Close()
	if err := s.pool.Wait(ctx); err != nil {
		return err
	}

	delivered := make(chan struct{})
	go func() {
		s.callbacks.Wait()
		close(delivered)
	}()
	select {
	case <-delivered:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
