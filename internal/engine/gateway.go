package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/domain"
	"github.com/xela07ax/toolgate/internal/plugins"
)

const defaultInvokeTimeout = 30 * time.Second

// PluginSource — реестр, из которого шлюз берет инструменты.
type PluginSource interface {
	Get(id string) (plugins.Plugin, bool, error)
}

type PolicyEvaluator interface {
	Evaluate(toolID string, isSubAgent, isSandboxed bool, sessionID string) domain.Decision
	EvaluateCapabilities(toolID string, required []domain.Capability) domain.CapabilityDecision
}

type RiskScanner interface {
	Scan(ctx context.Context, toolID, input string) domain.ScanResult
}

// Auditor — приемник журнала решений.
type Auditor interface {
	LogSecurityEvent(ctx context.Context, req domain.InvocationRequest, res domain.InvocationResult)
	LogPluginExecution(ctx context.Context, req domain.InvocationRequest, res domain.InvocationResult)
	LogCapabilityDenied(ctx context.Context, req domain.InvocationRequest, missing []domain.Capability)
}

type nopAuditor struct{}

func (nopAuditor) LogSecurityEvent(context.Context, domain.InvocationRequest, domain.InvocationResult) {
}
func (nopAuditor) LogPluginExecution(context.Context, domain.InvocationRequest, domain.InvocationResult) {
}
func (nopAuditor) LogCapabilityDenied(context.Context, domain.InvocationRequest, []domain.Capability) {
}

// Deps — коллабораторы шлюза. Все, кроме Plugins, необязательны:
// отсутствующий этап пропускается.
type Deps struct {
	Plugins   PluginSource
	Tiers     *DangerClassifier
	Policy    PolicyEvaluator
	Scanner   RiskScanner
	Guardrail *Guardrail
	Integrity *Integrity
	Sandbox   *SandboxManager
	Executor  Executor
	Auditor   Auditor
	Metrics   *Metrics

	DefaultTimeout time.Duration
}

// Gateway прогоняет каждый вызов через все этапы проверки до исполнения тела инструмента.
type Gateway struct {
	deps   Deps
	tracer trace.Tracer
	logger *zap.Logger
	now    func() time.Time
}

func NewGateway(deps Deps, logger *zap.Logger) *Gateway {
	if deps.Executor == nil {
		deps.Executor = DirectExecutor{}
	}
	if deps.Auditor == nil {
		deps.Auditor = nopAuditor{}
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	if deps.DefaultTimeout <= 0 {
		deps.DefaultTimeout = defaultInvokeTimeout
	}
	return &Gateway{
		deps:   deps,
		tracer: otel.Tracer("toolgate/engine"),
		logger: logger.With(zap.String("mod", "gateway")),
		now:    time.Now,
	}
}

// Invoke никогда не возвращает ошибку Go: любой исход, включая отказ,
// таймаут и падение инструмента, описан в InvocationResult.
func (g *Gateway) Invoke(ctx context.Context, req domain.InvocationRequest) domain.InvocationResult {
	start := g.now()
	if req.TraceID == "" {
		req.TraceID = TraceIDFromContext(ctx)
	}
	if g.deps.Sandbox != nil && req.SessionID != "" && g.deps.Sandbox.IsSandbox(req.SessionID) {
		req.IsSandboxed = true
	}

	ctx, span := g.tracer.Start(ctx, "gateway.invoke", trace.WithAttributes(
		attribute.String("tool_id", req.ToolID),
		attribute.String("trace_id", req.TraceID),
		attribute.Bool("sub_agent", req.IsSubAgent),
		attribute.Bool("sandboxed", req.IsSandboxed),
	))
	defer span.End()

	res := g.pipeline(ctx, req, start)

	span.SetAttributes(attribute.String("status", string(res.Status)))
	if res.Status != domain.InvocationSuccess {
		span.SetStatus(codes.Error, res.Error)
	}
	g.deps.Metrics.TotalRequests.WithLabelValues(req.ToolID, string(res.Status)).Inc()
	g.deps.Metrics.RequestDuration.WithLabelValues(req.ToolID, string(res.Status)).Observe(res.Elapsed.Seconds())
	return res
}

func (g *Gateway) pipeline(ctx context.Context, req domain.InvocationRequest, start time.Time) domain.InvocationResult {
	// 0. Lookup
	if g.deps.Plugins == nil {
		return g.deny(ctx, req, start, domain.StageLookup, "no plugin registry attached", nil)
	}
	p, enabled, err := g.deps.Plugins.Get(req.ToolID)
	if err != nil {
		return g.deny(ctx, req, start, domain.StageLookup, fmt.Sprintf("unknown tool %q", req.ToolID), nil)
	}
	if !enabled {
		return g.deny(ctx, req, start, domain.StageLookup, "tool is disabled", nil)
	}

	// 1. Danger tier
	tier := domain.TierSafe
	if g.deps.Tiers != nil {
		tier = g.deps.Tiers.Classify(req.ToolID)
		if reason := admitTier(tier, req.IsSubAgent); reason != "" {
			return g.deny(ctx, req, start, domain.StageDangerTier, reason, nil)
		}
	}

	// 2. Policy rules
	if g.deps.Policy != nil {
		d := g.deps.Policy.Evaluate(req.ToolID, req.IsSubAgent, req.IsSandboxed, req.SessionID)
		if !d.Allowed {
			return g.deny(ctx, req, start, domain.StagePolicy, fmt.Sprintf("%s: %s", d.Layer, d.Reason), nil)
		}
	}

	// 3. Capabilities: обязательны, если инструмент их заявил
	if required := plugins.RequiredCapabilities(p); len(required) > 0 {
		missing := required
		if g.deps.Policy != nil {
			missing = g.deps.Policy.EvaluateCapabilities(req.ToolID, required).Missing
		}
		if len(missing) > 0 {
			return g.denyCapabilities(ctx, req, start, missing)
		}
	}

	// 4. Scanner
	var findings []domain.Finding
	if g.deps.Scanner != nil {
		sr := g.deps.Scanner.Scan(ctx, req.ToolID, req.Input)
		g.deps.Metrics.observeFindings(sr.Findings)
		findings = sr.Findings
		if !sr.Allowed {
			reason := fmt.Sprintf("risk %s: %s", sr.Risk, sr.Recommendation)
			return g.deny(ctx, req, start, domain.StageScanner, reason, sr.Findings)
		}
	}

	// 5. Legacy guardrail
	if g.deps.Guardrail != nil {
		if reason := g.deps.Guardrail.Check(req.ToolID, req.Input); reason != "" {
			return g.deny(ctx, req, start, domain.StageGuardrail, reason, findings)
		}
	}

	// 6. Integrity
	if g.deps.Integrity != nil {
		if reason := g.deps.Integrity.Check(req, p, tier); reason != "" {
			return g.deny(ctx, req, start, domain.StageIntegrity, reason, findings)
		}
	}

	// 7. Исполнение
	res := g.execute(ctx, req, p, start)
	res.Findings = findings

	// 8. Аудит
	g.deps.Auditor.LogPluginExecution(ctx, req, res)
	if res.Status != domain.InvocationSuccess {
		g.logger.Warn("tool invocation did not succeed",
			zap.String("tool", req.ToolID),
			zap.String("trace_id", req.TraceID),
			zap.String("status", string(res.Status)),
			zap.String("error", res.Error))
	}
	return res
}

type execOutcome struct {
	res plugins.Result
	err error
}

// execute ограничивает тело инструмента таймаутом даже если оно игнорирует ctx.
func (g *Gateway) execute(ctx context.Context, req domain.InvocationRequest, p plugins.Plugin, start time.Time) domain.InvocationResult {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = g.deps.DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, span := g.tracer.Start(execCtx, "gateway.execute")
	defer span.End()

	ch := make(chan execOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("tool panicked", zap.String("tool", req.ToolID), zap.Any("panic", r))
				ch <- execOutcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		r, err := g.deps.Executor.Execute(execCtx, p, req.Input)
		ch <- execOutcome{res: r, err: err}
	}()

	var out execOutcome
	select {
	case out = <-ch:
	case <-execCtx.Done():
		out = execOutcome{err: execCtx.Err()}
	}

	elapsed := g.now().Sub(start)
	switch {
	case out.err != nil && ctx.Err() != nil:
		return domain.Canceled(domain.StageExecution, elapsed)
	case out.err != nil && (errors.Is(out.err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded)):
		return domain.TimedOut(domain.StageExecution, elapsed)
	case out.err != nil:
		return domain.Failed(out.err.Error(), elapsed)
	case !out.res.Success:
		msg := out.res.Error
		if msg == "" {
			msg = "tool reported failure"
		}
		return domain.Failed(msg, elapsed)
	default:
		return domain.Succeeded(out.res.Data, elapsed)
	}
}

func (g *Gateway) deny(ctx context.Context, req domain.InvocationRequest, start time.Time, stage domain.Stage, reason string, findings []domain.Finding) domain.InvocationResult {
	res := domain.Denied(stage, reason, g.now().Sub(start))
	res.Findings = findings
	g.deps.Metrics.DenialsTotal.WithLabelValues(string(stage)).Inc()
	g.deps.Auditor.LogSecurityEvent(ctx, req, res)
	g.logger.Info("invocation denied",
		zap.String("tool", req.ToolID),
		zap.String("trace_id", req.TraceID),
		zap.String("stage", string(stage)),
		zap.String("reason", reason))
	return res
}

func (g *Gateway) denyCapabilities(ctx context.Context, req domain.InvocationRequest, start time.Time, missing []domain.Capability) domain.InvocationResult {
	names := make([]string, 0, len(missing))
	for _, c := range missing {
		names = append(names, string(c))
	}
	res := domain.Denied(domain.StageCapability, "missing capabilities: "+strings.Join(names, ", "), g.now().Sub(start))
	g.deps.Metrics.DenialsTotal.WithLabelValues(string(domain.StageCapability)).Inc()
	g.deps.Auditor.LogCapabilityDenied(ctx, req, missing)
	g.logger.Info("invocation denied",
		zap.String("tool", req.ToolID),
		zap.String("trace_id", req.TraceID),
		zap.String("stage", string(domain.StageCapability)),
		zap.Strings("missing", names))
	return res
}

// NewTraceID — идентификатор вызова, если клиент его не прислал.
func NewTraceID() string { return uuid.New().String() }
