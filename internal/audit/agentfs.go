package audit

/*
Файл agentfs.go реализует журнал решений шлюза (Audit Trail).

- Non-blocking Logging: события передаются из Hot Path через буферизованный канал,
  задержки записи в БД не влияют на время ответа.
- Batching: накопление событий и пакетная запись по таймеру или при достижении лимита.
- Drain Pattern: при остановке канал закрывается, воркер вычитывает остатки
  и делает финальный flush.
- Load Shedding: при переполнении буфера событие не теряется молча, а уходит в zap.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/domain"
)

// StorageInterface определяет, куда физически будут сохраняться логи
type StorageInterface interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []AuditEvent) error
}

type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = 10000
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 500 * time.Millisecond
	}
	return o
}

type AgentFS struct {
	ch     chan AuditEvent
	repo   StorageInterface
	opts   Options
	logger *zap.Logger
	wg     sync.WaitGroup

	// Защита от Log после Stop: 0 - открыт, 1 - закрыт
	isClosed int32
	mu       sync.RWMutex

	dropped atomic.Int64
}

func NewAgentFS(repo StorageInterface, opts Options, logger *zap.Logger) *AgentFS {
	opts = opts.withDefaults()
	return &AgentFS{
		ch:     make(chan AuditEvent, opts.BufferSize),
		repo:   repo,
		opts:   opts,
		logger: logger.With(zap.String("mod", "agentfs")),
	}
}

func (fs *AgentFS) Start() {
	fs.wg.Add(1)
	go fs.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (fs *AgentFS) Stop() {
	fs.mu.Lock()
	if !atomic.CompareAndSwapInt32(&fs.isClosed, 0, 1) {
		fs.mu.Unlock()
		return
	}
	fs.logger.Info("stopping auditor: closing channel and flushing buffer...")
	close(fs.ch)
	fs.mu.Unlock()

	fs.wg.Wait()
	fs.logger.Info("auditor stopped gracefully", zap.Int64("dropped", fs.dropped.Load()))
}

func (fs *AgentFS) Log(event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	// RLock не дает Stop закрыть канал между проверкой флага и отправкой
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if atomic.LoadInt32(&fs.isClosed) == 1 {
		fs.logger.Warn("audit event dropped: auditor is stopping", zap.String("id", event.ID))
		return
	}

	select {
	case fs.ch <- event:
	default:
		fs.dropped.Add(1)
		fs.logger.Error("audit_buffer_overflow",
			zap.String("kind", string(event.Kind)),
			zap.String("tool_id", event.ToolID),
			zap.String("status", event.Status),
			zap.String("stage", event.Stage),
			zap.String("reason", event.Reason),
			zap.String("trace_id", event.TraceID),
		)
	}
}

// Len — текущая заполненность буфера (для метрики backpressure).
func (fs *AgentFS) Len() int { return len(fs.ch) }

func (fs *AgentFS) Dropped() int64 { return fs.dropped.Load() }

func (fs *AgentFS) worker() {
	defer fs.wg.Done()

	batch := make([]AuditEvent, 0, fs.opts.BatchSize)
	ticker := time.NewTicker(fs.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Используем Background, так как основной контекст может быть уже закрыт
			if err := fs.repo.WriteBatch(context.Background(), batch); err != nil {
				fs.logger.Error("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
			}
			batch = batch[:0]
		}
	}

	for {
		select {
		case event, ok := <-fs.ch:
			if !ok {
				flush()
				fs.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= fs.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func baseEvent(kind EventKind, req domain.InvocationRequest) AuditEvent {
	return AuditEvent{
		TraceID:     req.TraceID,
		Kind:        kind,
		ToolID:      req.ToolID,
		SessionID:   req.SessionID,
		CallerID:    req.CallerID,
		IsSubAgent:  req.IsSubAgent,
		IsSandboxed: req.IsSandboxed,
	}
}

// LogSecurityEvent фиксирует отказ: какой этап и почему.
func (fs *AgentFS) LogSecurityEvent(_ context.Context, req domain.InvocationRequest, res domain.InvocationResult) {
	e := baseEvent(KindSecurity, req)
	e.Status = string(res.Status)
	e.Stage = string(res.Stage)
	e.Reason = res.Reason
	e.Findings = res.Findings
	e.Error = res.Error
	e.DurationMs = res.Elapsed.Milliseconds()
	fs.Log(e)
}

// LogPluginExecution фиксирует исход тела инструмента вместе с длительностью.
func (fs *AgentFS) LogPluginExecution(_ context.Context, req domain.InvocationRequest, res domain.InvocationResult) {
	e := baseEvent(KindExecution, req)
	e.Status = string(res.Status)
	e.Stage = string(res.Stage)
	e.Findings = res.Findings
	e.Error = res.Error
	e.DurationMs = res.Elapsed.Milliseconds()
	fs.Log(e)
}

func (fs *AgentFS) LogCapabilityDenied(_ context.Context, req domain.InvocationRequest, missing []domain.Capability) {
	e := baseEvent(KindCapabilityDenied, req)
	e.Status = string(domain.InvocationDenied)
	e.Stage = string(domain.StageCapability)
	e.Reason = "missing capabilities"
	for _, c := range missing {
		e.Missing = append(e.Missing, string(c))
	}
	fs.Log(e)
}

// LogSubAgent фиксирует терминальный статус под-задачи.
func (fs *AgentFS) LogSubAgent(res domain.SubAgentResult) {
	fs.Log(AuditEvent{
		TraceID:    res.AgentID,
		Kind:       KindSubAgentLifecycle,
		ToolID:     res.TargetID,
		CallerID:   res.ParentID,
		IsSubAgent: true,
		Status:     string(res.Status),
		Stage:      string(domain.StageSubAgent),
		Reason:     string(res.Tier),
		Error:      res.Error,
		Timestamp:  res.FinishedAt,
		DurationMs: res.FinishedAt.Sub(res.StartedAt).Milliseconds(),
	})
}
