package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/console/handler"
	"github.com/xela07ax/toolgate/internal/domain"
	"github.com/xela07ax/toolgate/internal/engine"
	"github.com/xela07ax/toolgate/internal/infra/auth"
)

// Handlers — обработчики бизнес-доменов консоли.
type Handlers struct {
	Auth      *handler.AuthHandler      // /auth/token
	Control   *handler.ControlHandler   // /v1/tools, /v1/sessions, /v1/control
	Policy    *handler.PolicyHandler    // /v1/policies, /v1/groups, /v1/grants, /v1/guardrail
	Dashboard *handler.DashboardHandler // /api/v1/dashboard
	Audit     *handler.AuditHandler     // /v1/audit (Logs)
}

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Интерфейс для проверки токенов (RS256)
	// Реализуется через embedding BaseValidator в AuthService
	authValidator auth.TokenValidator

	h Handlers
}

// NewConsoleServer инициализирует сервер админки со всеми зависимостями
func NewConsoleServer(logger *zap.Logger, validator auth.TokenValidator, h Handlers) *ConsoleServer {
	s := &ConsoleServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("console-api"),
		authValidator: validator,
		h:             h,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RealIP)
	r.Use(engine.TracingMiddleware)
	r.Use(engine.RequestLogger(s.logger))
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ (Открыты для всех) ---
	r.Group(func(r chi.Router) {
		// Логин должен быть доступен без токена
		r.Post("/auth/token", s.h.Auth.Login)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		// Чтение доступно любому авторизованному оператору
		r.Get("/api/v1/dashboard/stats", s.h.Dashboard.GetStats)
		r.Get("/v1/audit", s.h.Audit.GetLogs)
		r.Get("/v1/control", s.h.Control.State)
		r.Get("/v1/policies", s.h.Policy.ListRules)
		r.Get("/v1/groups", s.h.Policy.ListGroups)
		r.Get("/v1/grants/{tool}", s.h.Policy.GetGrants)
		r.Get("/v1/guardrail", s.h.Policy.GetGuardrail)

		// Изменения — только admin
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(domain.ScopeAdmin))

			// Kill-switch инструментов
			r.Route("/v1/tools/{id}", func(r chi.Router) {
				r.Post("/block", s.h.Control.BlockTool())
				r.Post("/unblock", s.h.Control.UnblockTool())
			})

			// Сессии: kill-switch, карантин, песочница
			r.Route("/v1/sessions/{id}", func(r chi.Router) {
				r.Post("/block", s.h.Control.BlockSession())
				r.Post("/unblock", s.h.Control.UnblockSession())
				r.Post("/quarantine", s.h.Control.Quarantine(true))
				r.Delete("/quarantine", s.h.Control.Quarantine(false))
				r.Post("/sandbox", s.h.Control.Sandbox(true))
				r.Delete("/sandbox", s.h.Control.Sandbox(false))
			})

			// Policy Engine
			r.Post("/v1/policies", s.h.Policy.AddRule)
			r.Delete("/v1/policies", s.h.Policy.RemoveRule)
			r.Put("/v1/groups/{name}", s.h.Policy.DefineGroup)
			r.Delete("/v1/groups/{name}", s.h.Policy.DeleteGroup)
			r.Post("/v1/grants/{tool}", s.h.Policy.Grant)
			r.Delete("/v1/grants/{tool}", s.h.Policy.Revoke)
			r.Post("/v1/guardrail/command", s.h.Policy.GuardrailCommand)
		})
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
