package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/domain"
	"github.com/xela07ax/toolgate/internal/infra/auth"
	"github.com/xela07ax/toolgate/internal/lanes"
	"github.com/xela07ax/toolgate/internal/plugins"
	"github.com/xela07ax/toolgate/internal/subagent"
)


type ToolLister interface {
	List() []plugins.Info
}

// HandlerConfig — все, что нужно HTTP-слою шлюза. Nil-поля отключают соответствующие роуты.
type HandlerConfig struct {
	Gateway     *Gateway
	Scheduler   *lanes.Scheduler
	Spawner     *subagent.Spawner
	Tools       ToolLister
	Tiers       *DangerClassifier
	Reliability *ReliabilityWrapper
	Validator   auth.TokenValidator
	Gatherer    prometheus.Gatherer
	MetricsPath string
	// WaitTimeout — сколько HTTP-вызов ждет задачу в линии
	WaitTimeout time.Duration
	Ready       func() error
}

type Handler struct {
	cfg    HandlerConfig
	router *chi.Mux
	logger *zap.Logger
}

func NewHandler(cfg HandlerConfig, logger *zap.Logger) *Handler {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = time.Minute
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	h := &Handler{cfg: cfg, router: chi.NewRouter(), logger: logger.Named("gateway-api")}
	h.routes()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) routes() {
	r := h.router
	r.Use(middleware.RealIP)
	r.Use(TracingMiddleware)
	r.Use(RequestLogger(h.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", h.readyz)
	if h.cfg.Gatherer != nil {
		r.Handle(h.cfg.MetricsPath, promhttp.HandlerFor(h.cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		if h.cfg.Validator != nil {
			r.Use(auth.NewMiddleware(h.cfg.Validator, h.logger))
		}

		r.Get("/v1/tools", h.listTools)
		r.Get("/v1/stats", h.stats)

		r.Group(func(r chi.Router) {
			if h.cfg.Validator != nil {
				r.Use(auth.RequireScope(domain.ScopeInvoke))
			}
			r.Post("/v1/invoke", h.invoke)

			r.Get("/v1/lanes/stats", h.laneStats)
			r.Post("/v1/lanes/{lane}/lock", h.acquireLock)
			r.Delete("/v1/lanes/{lane}/lock", h.releaseLock)

			r.Route("/v1/subagents", func(r chi.Router) {
				r.Post("/", h.spawn)
				r.Get("/", h.listSubAgents)
				r.Get("/{id}", h.getSubAgent)
				r.Delete("/{id}", h.cancelSubAgent)
			})
		})
	})
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Ready != nil {
		if err := h.cfg.Ready(); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// InvokeRequest — тело POST /v1/invoke.
type InvokeRequest struct {
	ToolID     string `json:"tool_id"`
	Input      string `json:"input"`
	SessionID  string `json:"session_id"`
	IsSubAgent bool   `json:"is_sub_agent"`
	CallerID   string `json:"caller_id"`
	TimeoutMs  int64  `json:"timeout_ms"`
	// Lane — имя линии для последовательного исполнения; Parallel — общий пул
	Lane     string `json:"lane,omitempty"`
	Parallel bool   `json:"parallel,omitempty"`
}

func (h *Handler) invoke(w http.ResponseWriter, r *http.Request) {
	var body InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.ToolID == "" {
		writeError(w, http.StatusBadRequest, "tool_id is required")
		return
	}

	callerID := body.CallerID
	if c, ok := auth.ClaimsFromContext(r.Context()); ok && callerID == "" {
		callerID = c.UserID
	}
	req := domain.InvocationRequest{
		ToolID:     body.ToolID,
		Input:      body.Input,
		SessionID:  body.SessionID,
		IsSubAgent: body.IsSubAgent,
		Timeout:    time.Duration(body.TimeoutMs) * time.Millisecond,
		TraceID:    TraceIDFromContext(r.Context()),
		CallerID:   callerID,
	}
	task := func(ctx context.Context) domain.InvocationResult {
		return h.cfg.Gateway.Invoke(ctx, req)
	}

	switch {
	case body.Lane != "" && h.cfg.Scheduler != nil:
		res, err := h.cfg.Scheduler.SubmitAndWait(r.Context(), body.Lane, task, h.cfg.WaitTimeout)
		if err != nil && !errors.Is(err, lanes.ErrTimeout) {
			h.writeSchedulerError(w, err)
			return
		}
		writeResult(w, res)

	case body.Parallel && h.cfg.Scheduler != nil:
		handle, err := h.cfg.Scheduler.SubmitParallel(task)
		if err != nil {
			h.writeSchedulerError(w, err)
			return
		}
		res, err := handle.Wait(r.Context())
		if err != nil {
			handle.Cancel()
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeResult(w, res)

	default:
		writeResult(w, h.cfg.Gateway.Invoke(r.Context(), req))
	}
}

func (h *Handler) writeSchedulerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lanes.ErrShutdown), errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, lanes.ErrEmptyLane):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("scheduler failure", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// LockRequest — тело POST /v1/lanes/{lane}/lock.
type LockRequest struct {
	Owner     string `json:"owner"`
	TimeoutMs int64  `json:"timeout_ms"`
}

func (h *Handler) acquireLock(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Scheduler == nil {
		writeError(w, http.StatusNotImplemented, "scheduler is not attached")
		return
	}
	var body LockRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Owner == "" {
		writeError(w, http.StatusBadRequest, "owner is required")
		return
	}
	lane := chi.URLParam(r, "lane")
	ok := h.cfg.Scheduler.AcquireLaneWriteLock(r.Context(), lane, body.Owner, time.Duration(body.TimeoutMs)*time.Millisecond)
	if !ok {
		writeError(w, http.StatusConflict, "lock not acquired within timeout")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lane": lane, "owner": body.Owner, "acquired": true})
}

func (h *Handler) releaseLock(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Scheduler == nil {
		writeError(w, http.StatusNotImplemented, "scheduler is not attached")
		return
	}
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner query parameter is required")
		return
	}
	if err := h.cfg.Scheduler.ReleaseLaneWriteLock(chi.URLParam(r, "lane"), owner); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) laneStats(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Scheduler == nil {
		writeError(w, http.StatusNotImplemented, "scheduler is not attached")
		return
	}
	writeJSON(w, http.StatusOK, h.cfg.Scheduler.Stats())
}

// SpawnRequest — тело POST /v1/subagents. Wait=true блокирует ответ до терминального статуса.
type SpawnRequest struct {
	ParentID  string `json:"parent_id"`
	TargetID  string `json:"target_id"`
	Input     string `json:"input"`
	Tier      string `json:"tier"`
	SessionID string `json:"session_id"`
	TimeoutMs int64  `json:"timeout_ms"`
	Wait      bool   `json:"wait"`
}

func (h *Handler) spawn(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Spawner == nil {
		writeError(w, http.StatusNotImplemented, "sub-agent spawner is not attached")
		return
	}
	var body SpawnRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tier, err := domain.ParseIsolationTier(body.Tier)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := subagent.Request{
		ParentID:  body.ParentID,
		TargetID:  body.TargetID,
		Input:     body.Input,
		Tier:      tier,
		SessionID: body.SessionID,
		Timeout:   time.Duration(body.TimeoutMs) * time.Millisecond,
	}

	if body.Wait {
		res := h.cfg.Spawner.SpawnAndWait(r.Context(), req)
		status := http.StatusOK
		if res.Status == domain.SubAgentRejected {
			status = http.StatusTooManyRequests
		}
		writeJSON(w, status, res)
		return
	}

	// Запрос HTTP закончится раньше под-задачи, поэтому ее не связываем с r.Context()
	id, err := h.cfg.Spawner.Spawn(context.WithoutCancel(r.Context()), req, nil)
	if err != nil {
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"agent_id": id})
}

func (h *Handler) listSubAgents(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Spawner == nil {
		writeError(w, http.StatusNotImplemented, "sub-agent spawner is not attached")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":   h.cfg.Spawner.Stats(),
		"history": h.cfg.Spawner.History(),
	})
}

func (h *Handler) getSubAgent(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Spawner == nil {
		writeError(w, http.StatusNotImplemented, "sub-agent spawner is not attached")
		return
	}
	res, ok := h.cfg.Spawner.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "sub-agent not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) cancelSubAgent(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Spawner == nil {
		writeError(w, http.StatusNotImplemented, "sub-agent spawner is not attached")
		return
	}
	if !h.cfg.Spawner.Cancel(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "sub-agent is not running")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ToolView — инструмент с его уровнем опасности и состоянием предохранителя.
type ToolView struct {
	plugins.Info
	DangerTier string `json:"danger_tier"`
	Breaker    string `json:"breaker,omitempty"`
}

func (h *Handler) listTools(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Tools == nil {
		writeJSON(w, http.StatusOK, []ToolView{})
		return
	}
	infos := h.cfg.Tools.List()
	out := make([]ToolView, 0, len(infos))
	for _, info := range infos {
		v := ToolView{Info: info, DangerTier: domain.TierSafe.String()}
		if h.cfg.Tiers != nil {
			v.DangerTier = h.cfg.Tiers.Classify(info.ID).String()
		}
		if h.cfg.Reliability != nil {
			v.Breaker = h.cfg.Reliability.BreakerState(info.ID)
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]any)
	if h.cfg.Scheduler != nil {
		out["lanes"] = h.cfg.Scheduler.Stats()
	}
	if h.cfg.Spawner != nil {
		out["subagents"] = h.cfg.Spawner.Stats()
	}
	writeJSON(w, http.StatusOK, out)
}

// statusFor: отказ 403, таймаут 504, сбой инструмента 502.
func statusFor(res domain.InvocationResult) int {
	switch res.Status {
	case domain.InvocationSuccess:
		return http.StatusOK
	case domain.InvocationDenied:
		return http.StatusForbidden
	case domain.InvocationTimedOut:
		return http.StatusGatewayTimeout
	case domain.InvocationCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeResult(w http.ResponseWriter, res domain.InvocationResult) {
	writeJSON(w, statusFor(res), res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
