package engine

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/domain"
	"github.com/xela07ax/toolgate/internal/infra/auth"
	"github.com/xela07ax/toolgate/internal/lanes"
	"github.com/xela07ax/toolgate/internal/subagent"
)

type apiFixture struct {
	*fixture
	handler   *Handler
	scheduler *lanes.Scheduler
	spawner   *subagent.Spawner
}

func newAPIFixture(t *testing.T, validator auth.TokenValidator) *apiFixture {
	t.Helper()
	f := newFixture(t)
	sched := lanes.NewScheduler(lanes.Config{ParallelSize: 2}, zap.NewNop())
	sp := subagent.NewSpawner(subagent.Config{MaxConcurrent: 2}, f.gw, zap.NewNop())
	t.Cleanup(func() {
		_ = sp.Close(context.Background())
		_ = sched.Shutdown(time.Second)
	})

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.RegisterRuntimeGauges(sched.Stats, sp.Stats)

	h := NewHandler(HandlerConfig{
		Gateway:     f.gw,
		Scheduler:   sched,
		Spawner:     sp,
		Tools:       f.registry,
		Tiers:       f.gw.deps.Tiers,
		Validator:   validator,
		Gatherer:    reg,
		WaitTimeout: 2 * time.Second,
	}, zap.NewNop())
	return &apiFixture{fixture: f, handler: h, scheduler: sched, spawner: sp}
}

func (a *apiFixture) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) domain.InvocationResult {
	t.Helper()
	var res domain.InvocationResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	return res
}

func TestHandler_InvokeStatusMapping(t *testing.T) {
	a := newAPIFixture(t, nil)

	rec := a.do(t, http.MethodPost, "/v1/invoke", `{"tool_id":"echo","input":"hi"}`, "X-Trace-ID", "t-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "t-1", rec.Header().Get("X-Trace-ID"))
	assert.Equal(t, "hi", decodeResult(t, rec).Output)

	rec = a.do(t, http.MethodPost, "/v1/invoke", `{"tool_id":"echo","input":"rm -rf /"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, domain.StageScanner, decodeResult(t, rec).Stage)

	rec = a.do(t, http.MethodPost, "/v1/invoke", `{"input":"hi"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPost, "/v1/invoke", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_InvokeThroughLaneAndPool(t *testing.T) {
	a := newAPIFixture(t, nil)

	rec := a.do(t, http.MethodPost, "/v1/invoke", `{"tool_id":"echo","input":"a","lane":"session-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a", decodeResult(t, rec).Output)

	rec = a.do(t, http.MethodPost, "/v1/invoke", `{"tool_id":"echo","input":"b","parallel":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "b", decodeResult(t, rec).Output)

	rec = a.do(t, http.MethodGet, "/v1/lanes/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats domain.LaneStats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.EqualValues(t, 2, stats.Submitted)
}

func TestHandler_LaneLock(t *testing.T) {
	a := newAPIFixture(t, nil)

	rec := a.do(t, http.MethodPost, "/v1/lanes/l1/lock", `{"owner":"ops","timeout_ms":100}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodPost, "/v1/lanes/l1/lock", `{"owner":"other","timeout_ms":20}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do(t, http.MethodDelete, "/v1/lanes/l1/lock?owner=other", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do(t, http.MethodDelete, "/v1/lanes/l1/lock?owner=ops", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandler_SubAgents(t *testing.T) {
	a := newAPIFixture(t, nil)

	rec := a.do(t, http.MethodPost, "/v1/subagents", `{"parent_id":"root","target_id":"echo","input":"x","tier":"minimal","wait":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var res domain.SubAgentResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, domain.SubAgentCompleted, res.Status)
	assert.Equal(t, "x", res.Output)

	rec = a.do(t, http.MethodGet, "/v1/subagents/"+res.AgentID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	// strict запрещает web_search
	rec = a.do(t, http.MethodPost, "/v1/subagents", `{"parent_id":"root","target_id":"web_search","tier":"strict"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = a.do(t, http.MethodPost, "/v1/subagents", `{"target_id":"echo","tier":"paranoid"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodGet, "/v1/subagents/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodDelete, "/v1/subagents/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_ToolsAndMetrics(t *testing.T) {
	a := newAPIFixture(t, nil)

	rec := a.do(t, http.MethodGet, "/v1/tools", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var tools []ToolView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&tools))
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].ID)
	assert.Equal(t, "SAFE", tools[0].DangerTier)

	a.do(t, http.MethodPost, "/v1/invoke", `{"tool_id":"echo","input":"hi"}`)
	rec = a.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "toolgate_lanes_pending")
	assert.Contains(t, rec.Body.String(), "toolgate_subagents_active")

	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/readyz", "").Code)
}

func TestHandler_AuthAndScopes(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	issuer := auth.NewIssuer(key, time.Hour)
	a := newAPIFixture(t, auth.NewBaseValidator(&key.PublicKey))

	rec := a.do(t, http.MethodPost, "/v1/invoke", `{"tool_id":"echo","input":"hi"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	readOnly, err := issuer.Issue("viewer", map[string]bool{"tools:read": true})
	require.NoError(t, err)
	rec = a.do(t, http.MethodPost, "/v1/invoke", `{"tool_id":"echo","input":"hi"}`, "Authorization", "Bearer "+readOnly.AccessToken)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = a.do(t, http.MethodGet, "/v1/tools", "", "Authorization", "Bearer "+readOnly.AccessToken)
	assert.Equal(t, http.StatusOK, rec.Code)

	invoker, err := issuer.Issue("agent-7", map[string]bool{domain.ScopeInvoke: true})
	require.NoError(t, err)
	rec = a.do(t, http.MethodPost, "/v1/invoke", `{"tool_id":"echo","input":"hi"}`, "Authorization", "Bearer "+invoker.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "agent-7", a.audit.only(t).req.CallerID)

	// health открыт
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/healthz", "").Code)
}
