package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/xela07ax/toolgate/internal/audit"
	"github.com/xela07ax/toolgate/internal/domain"
	"github.com/xela07ax/toolgate/internal/engine"
	"github.com/xela07ax/toolgate/internal/infra"
	"github.com/xela07ax/toolgate/internal/infra/auth"
	"github.com/xela07ax/toolgate/internal/lanes"
	"github.com/xela07ax/toolgate/internal/plugins"
	"github.com/xela07ax/toolgate/internal/policy"
	"github.com/xela07ax/toolgate/internal/repository"
	"github.com/xela07ax/toolgate/internal/repository/postgres"
	"github.com/xela07ax/toolgate/internal/risk"
	"github.com/xela07ax/toolgate/internal/state"
	"github.com/xela07ax/toolgate/internal/subagent"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	// Контекст для управления жизненным циклом фоновых горутин
	// При SIGTERM cancel() остановит слушателей
	appCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(appCtx, cfg, logger); err != nil {
		logger.Fatal("gateway stopped with error", zap.Error(err))
	}
	logger.Info("gateway exited properly")
}

func run(appCtx context.Context, cfg *infra.Config, logger *zap.Logger) error {
	// 1. Инфраструктура и ресурсы
	rdb := connectRedis(appCtx, cfg.Redis, logger)
	if rdb != nil {
		defer rdb.Close()
	}

	store, closeStore, err := repository.OpenStateStore(appCtx, cfg.State, rdb)
	if err != nil {
		return err
	}
	defer closeStore()

	pool, err := connectPostgres(appCtx, cfg.Database, logger)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	// Аудит: всегда в лог, плюс пачками в Postgres если он есть
	sinks := audit.MultiStorage{audit.NewLogStorage(logger)}
	if pool != nil {
		sinks = append(sinks, postgres.NewAuditRepo(pool))
	}
	agentFS := audit.NewAgentFS(sinks, audit.Options{
		BufferSize:    cfg.Engine.AuditBufferSize,
		FlushInterval: cfg.Engine.AuditFlushInterval,
	}, logger)
	agentFS.Start()
	defer agentFS.Stop()

	// Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 2. Инструменты
	registry := plugins.NewRegistry(cfg.Tools.Settings, logger)
	defer registry.DestroyAll()
	for _, p := range plugins.Builtins() {
		if err := registry.Register(appCtx, p); err != nil {
			logger.Warn("builtin plugin skipped", zap.String("plugin", p.ID()), zap.Error(err))
		}
	}
	tiers, err := engine.NewDangerClassifier(cfg.Tools.DangerTiers)
	if err != nil {
		return fmt.Errorf("tools.danger_tiers: %w", err)
	}

	// 3. Control Plane (Менеджеры управления)
	pe := policy.NewEngine(store, logger)
	if err := pe.Load(appCtx); err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	guardrail := engine.NewGuardrail(store, cfg.Engine.GuardrailPatterns, logger)
	if err := guardrail.Load(appCtx); err != nil {
		return fmt.Errorf("load guardrail: %w", err)
	}

	ksm := engine.NewKillSwitchManager(rdb, store, logger)
	qm := engine.NewQuarantineManager(rdb, store, logger)
	sm := engine.NewSandboxManager(rdb, store, logger)
	if err := errors.Join(ksm.Init(appCtx), qm.Init(appCtx), sm.Init(appCtx)); err != nil {
		return fmt.Errorf("init control state: %w", err)
	}
	go ksm.StartListener(appCtx)
	go qm.StartListener(appCtx)
	go sm.StartListener(appCtx)

	refresher := engine.NewStateRefresher(rdb, logger)
	refresher.Register(engine.RefreshPolicy, pe)
	refresher.Register(engine.RefreshGuardrail, guardrail)
	go refresher.Listen(appCtx)

	// Сканер с поведенческой памятью
	scanner := risk.NewScanner(scannerOptions(cfg.Scanner), risk.NewKernelChecker(cfg.Scanner.ConstitutionRules), registry.IDs, logger)
	if err := scanner.LoadProfiles(appCtx, store); err != nil {
		logger.Warn("behavior profiles not restored", zap.Error(err))
	}
	go saveProfilesLoop(appCtx, scanner, store, cfg.Scanner.ProfileSaveEvery, logger)

	// 4. Execution Layer (Исполнение + Надежность)
	safeExecutor := engine.NewReliabilityWrapper(engine.DirectExecutor{}, engine.ReliabilityConfig{
		RateLimit:     cfg.Engine.RateLimit,
		RateBurst:     cfg.Engine.RateBurst,
		RetryAttempts: cfg.Engine.RetryAttempts,
		CBMaxRequests: cfg.Engine.CBMaxRequests,
		CBInterval:    cfg.Engine.CBInterval,
		CBTimeout:     cfg.Engine.CBTimeout,
		CBMaxFailures: cfg.Engine.CBMaxFailures,
	}, metrics, logger)

	// 5. Core (Сборка шлюза)
	gw := engine.NewGateway(engine.Deps{
		Plugins:        registry,
		Tiers:          tiers,
		Policy:         pe,
		Scanner:        scanner,
		Guardrail:      guardrail,
		Integrity:      engine.NewIntegrity(ksm, qm, registry),
		Sandbox:        sm,
		Executor:       safeExecutor,
		Auditor:        agentFS,
		Metrics:        metrics,
		DefaultTimeout: cfg.Engine.DefaultTimeout,
	}, logger)

	scheduler := lanes.NewScheduler(lanes.Config{
		ParallelSize: cfg.Lanes.ParallelSize,
		LockTimeout:  cfg.Lanes.LockTimeout,
		LockMaxHold:  cfg.Lanes.LockMaxHold,
	}, logger)

	spawner := subagent.NewSpawner(subagent.Config{
		MaxConcurrent:  cfg.SubAgents.MaxConcurrent,
		DefaultTimeout: cfg.SubAgents.DefaultTimeout,
		SweepInterval:  cfg.SubAgents.SweepInterval,
		HistoryLimit:   cfg.SubAgents.HistoryLimit,
		DenyLists:      subagent.DenyListsWithDefaults(cfg.Isolation.Minimal, cfg.Isolation.Standard, cfg.Isolation.Strict),
	}, gw, logger, subagent.WithObserver(func(res domain.SubAgentResult) {
		agentFS.LogSubAgent(res)
		metrics.ObserveSubAgent(res)
	}))

	metrics.RegisterRuntimeGauges(scheduler.Stats, spawner.Stats)
	go trackAuditBuffer(appCtx, agentFS, metrics)

	// 6. Транспорт
	var validator auth.TokenValidator
	if cfg.Auth.Enabled {
		pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			return fmt.Errorf("auth public key: %w", err)
		}
		validator = auth.NewBaseValidator(pub)
	} else {
		logger.Warn("authentication is disabled, every caller is trusted")
	}

	handler := engine.NewHandler(engine.HandlerConfig{
		Gateway:     gw,
		Scheduler:   scheduler,
		Spawner:     spawner,
		Tools:       registry,
		Tiers:       tiers,
		Reliability: safeExecutor,
		Validator:   validator,
		Gatherer:    gatherer(cfg.Metrics, reg),
		MetricsPath: cfg.Metrics.Path,
		WaitTimeout: cfg.Lanes.WaitTimeout,
		Ready: func() error {
			if rdb == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return rdb.Ping(ctx).Err()
		},
	}, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("gateway HTTP started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	// Служебный gRPC: health + reflection
	var stopGRPC func()
	if cfg.GRPC.Port > 0 {
		grpcSrv, hs := engine.NewGRPCServer(validator, logger)
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
		if err != nil {
			return fmt.Errorf("listen gRPC: %w", err)
		}
		go func() {
			logger.Info("gateway gRPC started", zap.Int("port", cfg.GRPC.Port))
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
		stopGRPC = func() {
			hs.SetServingStatus(engine.HealthServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
			grpcSrv.GracefulStop()
		}
	}

	// 7. Graceful Shutdown
	select {
	case <-appCtx.Done():
		logger.Info("gateway stopping...")
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Lanes.ShutdownGrace+5*time.Second)
	defer shutdownCancel()

	if stopGRPC != nil {
		stopGRPC()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	if err := scheduler.Shutdown(cfg.Lanes.ShutdownGrace); err != nil {
		logger.Warn("scheduler did not drain in time", zap.Error(err))
	}
	if err := spawner.Close(shutdownCtx); err != nil {
		logger.Warn("sub-agents did not finish in time", zap.Error(err))
	}
	if err := scanner.SaveProfiles(shutdownCtx, store); err != nil {
		logger.Warn("behavior profiles not saved", zap.Error(err))
	}
	return nil
}

// connectRedis — Redis опционален: без него сигналы не распространяются между узлами,
// но шлюз работает на локальном состоянии.
func connectRedis(ctx context.Context, cfg infra.RedisConfig, logger *zap.Logger) *redis.Client {
	if cfg.Addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, signals stay local", zap.String("addr", cfg.Addr), zap.Error(err))
	}
	return rdb
}

func connectPostgres(ctx context.Context, cfg infra.DatabaseConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	if cfg.URL == "" {
		logger.Info("database.url is empty, audit goes to log only")
		return nil, nil
	}
	connCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := postgres.NewPool(connCtx, cfg)
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(connCtx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// scannerOptions накладывает заданные пороги на значения сканера по умолчанию.
func scannerOptions(cfg infra.ScannerConfig) risk.Options {
	opts := risk.DefaultOptions()
	opts.BlockOnHigh = cfg.BlockOnHigh
	if cfg.RapidFireThreshold > 0 {
		opts.RapidFireThreshold = cfg.RapidFireThreshold
	}
	if cfg.RapidFireWindow > 0 {
		opts.RapidFireWindow = cfg.RapidFireWindow
	}
	if cfg.OutlierFactor > 0 {
		opts.OutlierFactor = cfg.OutlierFactor
	}
	if cfg.OutlierMinLength > 0 {
		opts.OutlierMinLength = cfg.OutlierMinLength
	}
	if cfg.ChronicBlockRate > 0 {
		opts.ChronicBlockRate = cfg.ChronicBlockRate
	}
	if cfg.ChronicMinInvocations > 0 {
		opts.ChronicMinInvocations = cfg.ChronicMinInvocations
	}
	return opts
}

func saveProfilesLoop(ctx context.Context, s *risk.Scanner, store state.Store, every time.Duration, logger *zap.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := s.SaveProfiles(ctx, store); err != nil {
			logger.Warn("behavior profiles not saved", zap.Error(err))
		}
	}
}

func trackAuditBuffer(ctx context.Context, fs *audit.AgentFS, m *engine.Metrics) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.AuditBufferFill.Set(float64(fs.Len()))
		}
	}
}

// gatherer == nil убирает роут метрик
func gatherer(cfg infra.MetricsConfig, reg *prometheus.Registry) prometheus.Gatherer {
	if !cfg.Enabled {
		return nil
	}
	return reg
}
