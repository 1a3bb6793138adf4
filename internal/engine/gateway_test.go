package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/domain"
	"github.com/xela07ax/toolgate/internal/plugins"
	"github.com/xela07ax/toolgate/internal/policy"
	"github.com/xela07ax/toolgate/internal/risk"
	"github.com/xela07ax/toolgate/internal/state"
)

type auditCall struct {
	kind    string
	req     domain.InvocationRequest
	res     domain.InvocationResult
	missing []domain.Capability
}

type recordingAuditor struct {
	mu    sync.Mutex
	calls []auditCall
}

func (a *recordingAuditor) add(c auditCall) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, c)
}

func (a *recordingAuditor) LogSecurityEvent(_ context.Context, req domain.InvocationRequest, res domain.InvocationResult) {
	a.add(auditCall{kind: "security", req: req, res: res})
}

func (a *recordingAuditor) LogPluginExecution(_ context.Context, req domain.InvocationRequest, res domain.InvocationResult) {
	a.add(auditCall{kind: "execution", req: req, res: res})
}

func (a *recordingAuditor) LogCapabilityDenied(_ context.Context, req domain.InvocationRequest, missing []domain.Capability) {
	a.add(auditCall{kind: "capability", req: req, missing: missing})
}

func (a *recordingAuditor) only(t *testing.T) auditCall {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.Len(t, a.calls, 1)
	return a.calls[0]
}

type fixture struct {
	gw         *Gateway
	registry   *plugins.Registry
	policy     *policy.Engine
	guardrail  *Guardrail
	killSwitch *KillSwitchManager
	quarantine *QuarantineManager
	sandbox    *SandboxManager
	audit      *recordingAuditor
}

func newFixture(t *testing.T, extra ...plugins.Plugin) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()
	store := state.NewMemoryStore()

	reg := plugins.NewRegistry(nil, logger)
	for _, p := range append([]plugins.Plugin{plugins.Echo{}}, extra...) {
		require.NoError(t, reg.Register(ctx, p))
	}

	tiers, err := NewDangerClassifier(nil)
	require.NoError(t, err)

	f := &fixture{
		registry:   reg,
		policy:     policy.NewEngine(store, logger),
		guardrail:  NewGuardrail(store, nil, logger),
		killSwitch: NewKillSwitchManager(nil, store, logger),
		quarantine: NewQuarantineManager(nil, store, logger),
		sandbox:    NewSandboxManager(nil, store, logger),
		audit:      &recordingAuditor{},
	}
	f.gw = NewGateway(Deps{
		Plugins:   reg,
		Tiers:     tiers,
		Policy:    f.policy,
		Scanner:   risk.NewScanner(risk.DefaultOptions(), risk.NewKernelChecker(nil), reg.IDs, logger),
		Guardrail: f.guardrail,
		Integrity: NewIntegrity(f.killSwitch, f.quarantine, reg),
		Sandbox:   f.sandbox,
		Auditor:   f.audit,
	}, logger)
	return f
}

func okTool(id string, caps []domain.Capability) *plugins.Func {
	return plugins.NewFunc(id, caps, func(_ context.Context, input string) (string, error) {
		return "ok:" + input, nil
	})
}

func TestGateway_Success(t *testing.T) {
	f := newFixture(t)

	res := f.gw.Invoke(context.Background(), domain.InvocationRequest{ToolID: "echo", Input: "hello"})
	require.Equal(t, domain.InvocationSuccess, res.Status)
	assert.True(t, res.Success)
	assert.Equal(t, "hello", res.Output)

	call := f.audit.only(t)
	assert.Equal(t, "execution", call.kind)
	assert.NotEmpty(t, call.req.TraceID)
}

func TestGateway_UnknownAndDisabledTool(t *testing.T) {
	f := newFixture(t)

	res := f.gw.Invoke(context.Background(), domain.InvocationRequest{ToolID: "nope"})
	assert.Equal(t, domain.InvocationDenied, res.Status)
	assert.Equal(t, domain.StageLookup, res.Stage)

	require.NoError(t, f.registry.SetEnabled("echo", false))
	res = f.gw.Invoke(context.Background(), domain.InvocationRequest{ToolID: "echo"})
	assert.Equal(t, domain.StageLookup, res.Stage)
	assert.Contains(t, res.Reason, "disabled")
}

func TestGateway_DangerTier(t *testing.T) {
	f := newFixture(t, okTool("sandbox_exec", []domain.Capability{}), okTool("wiper", []domain.Capability{}))
	f.gw.deps.Tiers.Set("wiper", domain.TierBlocked)
	ctx := context.Background()

	res := f.gw.Invoke(ctx, domain.InvocationRequest{ToolID: "wiper"})
	assert.Equal(t, domain.StageDangerTier, res.Stage)

	res = f.gw.Invoke(ctx, domain.InvocationRequest{ToolID: "sandbox_exec", IsSubAgent: true})
	assert.Equal(t, domain.StageDangerTier, res.Stage)
	assert.Contains(t, res.Reason, "OWNER_ONLY")

	// Владельцу OWNER_ONLY доступен
	res = f.gw.Invoke(ctx, domain.InvocationRequest{ToolID: "sandbox_exec", Input: "ls"})
	assert.Equal(t, domain.InvocationSuccess, res.Status)
}

func TestGateway_PolicyDenyCarriesLayer(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.policy.AddRule(context.Background(), domain.PolicyRule{
		Layer: domain.LayerGlobal, Target: "*", Action: domain.ActionDeny, Reason: "maintenance",
	}))

	res := f.gw.Invoke(context.Background(), domain.InvocationRequest{ToolID: "echo", Input: "x"})
	assert.Equal(t, domain.InvocationDenied, res.Status)
	assert.Equal(t, domain.StagePolicy, res.Stage)
	assert.Equal(t, "GLOBAL: maintenance", res.Reason)

	call := f.audit.only(t)
	assert.Equal(t, "security", call.kind)
	assert.Equal(t, domain.StagePolicy, call.res.Stage)
}

func TestGateway_CapabilitiesMandatory(t *testing.T) {
	f := newFixture(t, okTool("web_search", nil))
	ctx := context.Background()

	res := f.gw.Invoke(ctx, domain.InvocationRequest{ToolID: "web_search", Input: "golang"})
	assert.Equal(t, domain.StageCapability, res.Stage)
	assert.Contains(t, res.Reason, "network")

	call := f.audit.only(t)
	assert.Equal(t, "capability", call.kind)
	assert.Equal(t, []domain.Capability{domain.CapNetwork}, call.missing)

	require.NoError(t, f.policy.GrantCapability(ctx, "web_search", domain.CapNetwork))
	res = f.gw.Invoke(ctx, domain.InvocationRequest{ToolID: "web_search", Input: "golang"})
	assert.Equal(t, domain.InvocationSuccess, res.Status)
}

func TestGateway_CapabilitiesWithoutPolicyEngine(t *testing.T) {
	reg := plugins.NewRegistry(nil, zap.NewNop())
	require.NoError(t, reg.Register(context.Background(), okTool("notes", []domain.Capability{domain.CapMemoryRead})))
	require.NoError(t, reg.Register(context.Background(), plugins.Echo{}))
	audit := &recordingAuditor{}
	gw := NewGateway(Deps{Plugins: reg, Auditor: audit}, zap.NewNop())

	res := gw.Invoke(context.Background(), domain.InvocationRequest{ToolID: "notes"})
	assert.Equal(t, domain.StageCapability, res.Stage)

	// Без заявленных требований этап пропускается
	res = gw.Invoke(context.Background(), domain.InvocationRequest{ToolID: "echo", Input: "hi"})
	assert.Equal(t, domain.InvocationSuccess, res.Status)
}

func TestGateway_ScannerBlocksCritical(t *testing.T) {
	f := newFixture(t)

	res := f.gw.Invoke(context.Background(), domain.InvocationRequest{ToolID: "echo", Input: "please rm -rf / now"})
	assert.Equal(t, domain.InvocationDenied, res.Status)
	assert.Equal(t, domain.StageScanner, res.Stage)
	assert.Contains(t, res.Reason, "CRITICAL")
	require.NotEmpty(t, res.Findings)

	call := f.audit.only(t)
	assert.Equal(t, domain.StageScanner, call.res.Stage)
	assert.NotEmpty(t, call.res.Findings)
}

func TestGateway_GuardrailAfterScanner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// MEDIUM у сканера пропускается, guardrail ловит подстроку
	res := f.gw.Invoke(ctx, domain.InvocationRequest{ToolID: "echo", Input: "shutdown now"})
	assert.Equal(t, domain.StageGuardrail, res.Stage)
	assert.NotEmpty(t, res.Findings)

	require.NoError(t, f.guardrail.DenyPlugin(ctx, "echo"))
	res = f.gw.Invoke(ctx, domain.InvocationRequest{ToolID: "echo", Input: "hi"})
	assert.Equal(t, domain.StageGuardrail, res.Stage)
	assert.Equal(t, "policy blocked plugin: echo", res.Reason)
}

func TestGateway_Integrity(t *testing.T) {
	f := newFixture(t, okTool("file_manager", []domain.Capability{}))
	ctx := context.Background()

	require.NoError(t, f.killSwitch.SetTool(ctx, "echo", true))
	res := f.gw.Invoke(ctx, domain.InvocationRequest{ToolID: "echo", Input: "hi"})
	assert.Equal(t, domain.StageIntegrity, res.Stage)
	require.NoError(t, f.killSwitch.SetTool(ctx, "echo", false))

	require.NoError(t, f.killSwitch.SetSession(ctx, "s-bad", true))
	res = f.gw.Invoke(ctx, domain.InvocationRequest{ToolID: "echo", Input: "hi", SessionID: "s-bad"})
	assert.Equal(t, domain.StageIntegrity, res.Stage)
	assert.Contains(t, res.Reason, "session")

	// Карантин: SAFE можно, APPROVAL_REQUIRED нельзя
	require.NoError(t, f.quarantine.Set(ctx, "s-q", true))
	res = f.gw.Invoke(ctx, domain.InvocationRequest{ToolID: "echo", Input: "hi", SessionID: "s-q"})
	assert.Equal(t, domain.InvocationSuccess, res.Status)
	res = f.gw.Invoke(ctx, domain.InvocationRequest{ToolID: "file_manager", Input: "ls", SessionID: "s-q"})
	assert.Equal(t, domain.StageIntegrity, res.Stage)
	assert.Contains(t, res.Reason, "quarantined")
}

func TestGateway_ManifestTamper(t *testing.T) {
	tool := okTool("mutable", []domain.Capability{})
	tool.Desc = "harmless"
	f := newFixture(t, tool)
	ctx := context.Background()

	res := f.gw.Invoke(ctx, domain.InvocationRequest{ToolID: "mutable", Input: "a"})
	require.Equal(t, domain.InvocationSuccess, res.Status)

	tool.Desc = "now does something else"
	res = f.gw.Invoke(ctx, domain.InvocationRequest{ToolID: "mutable", Input: "a"})
	assert.Equal(t, domain.StageIntegrity, res.Stage)
	assert.Contains(t, res.Reason, "manifest")
}

func TestGateway_SandboxSessionMarksRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.sandbox.Set(ctx, "s-sb", true))
	require.NoError(t, f.policy.AddRule(ctx, domain.PolicyRule{
		Layer: domain.LayerSandbox, Target: "echo", Action: domain.ActionDeny, Reason: "no echo in sandbox",
	}))

	res := f.gw.Invoke(ctx, domain.InvocationRequest{ToolID: "echo", Input: "x", SessionID: "s-sb"})
	assert.Equal(t, domain.StagePolicy, res.Stage)
	assert.True(t, f.audit.only(t).req.IsSandboxed)
}

func TestGateway_ExecutionOutcomes(t *testing.T) {
	var calls atomic.Int32
	failing := plugins.NewFunc("failing", []domain.Capability{}, func(context.Context, string) (string, error) {
		calls.Add(1)
		return "", errors.New("backend down")
	})
	panicking := plugins.NewFunc("panicking", []domain.Capability{}, func(context.Context, string) (string, error) {
		panic("boom")
	})
	// Игнорирует ctx: таймаут все равно обязан сработать
	stubborn := plugins.NewFunc("stubborn", []domain.Capability{}, func(context.Context, string) (string, error) {
		time.Sleep(2 * time.Second)
		return "late", nil
	})
	f := newFixture(t, failing, panicking, stubborn)
	ctx := context.Background()

	res := f.gw.Invoke(ctx, domain.InvocationRequest{ToolID: "failing", Input: "x"})
	assert.Equal(t, domain.InvocationFailed, res.Status)
	assert.Contains(t, res.Error, "backend down")
	assert.EqualValues(t, 1, calls.Load())

	res = f.gw.Invoke(ctx, domain.InvocationRequest{ToolID: "panicking", Input: "x"})
	assert.Equal(t, domain.InvocationFailed, res.Status)
	assert.Contains(t, res.Error, "panicked")

	start := time.Now()
	res = f.gw.Invoke(ctx, domain.InvocationRequest{ToolID: "stubborn", Input: "x", Timeout: 50 * time.Millisecond})
	assert.Equal(t, domain.InvocationTimedOut, res.Status)
	assert.Equal(t, domain.StageExecution, res.Stage)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGateway_CallerCancellation(t *testing.T) {
	blocking := plugins.NewFunc("blocking", []domain.Capability{}, func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	f := newFixture(t, blocking)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res := f.gw.Invoke(ctx, domain.InvocationRequest{ToolID: "blocking", Input: "x", Timeout: 5 * time.Second})
	assert.Equal(t, domain.InvocationCanceled, res.Status)
}

func TestGateway_MissingOptionalStagesAreSkipped(t *testing.T) {
	reg := plugins.NewRegistry(nil, zap.NewNop())
	require.NoError(t, reg.Register(context.Background(), plugins.Echo{}))
	gw := NewGateway(Deps{Plugins: reg}, zap.NewNop())

	// Без сканера и guardrail опасный вход доходит до инструмента
	res := gw.Invoke(context.Background(), domain.InvocationRequest{ToolID: "echo", Input: "rm -rf /"})
	assert.Equal(t, domain.InvocationSuccess, res.Status)

	res = NewGateway(Deps{}, zap.NewNop()).Invoke(context.Background(), domain.InvocationRequest{ToolID: "echo"})
	assert.Equal(t, domain.StageLookup, res.Stage)
}

func TestGateway_TraceIDFromContext(t *testing.T) {
	f := newFixture(t)
	ctx := WithTraceID(context.Background(), "trace-123")

	f.gw.Invoke(ctx, domain.InvocationRequest{ToolID: "echo", Input: "x"})
	assert.Equal(t, "trace-123", f.audit.only(t).req.TraceID)
}
