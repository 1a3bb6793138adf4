package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/console/handler"
	"github.com/xela07ax/toolgate/internal/console/server"
	"github.com/xela07ax/toolgate/internal/console/service"
	"github.com/xela07ax/toolgate/internal/engine"
	"github.com/xela07ax/toolgate/internal/infra"
	"github.com/xela07ax/toolgate/internal/infra/auth"
	"github.com/xela07ax/toolgate/internal/policy"
	"github.com/xela07ax/toolgate/internal/repository"
	"github.com/xela07ax/toolgate/internal/repository/postgres"
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

	appCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(appCtx, cfg, logger); err != nil {
		logger.Fatal("console stopped with error", zap.Error(err))
	}
}

func run(appCtx context.Context, cfg *infra.Config, logger *zap.Logger) error {
	// 1. Инициализация ресурсов
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		pingCtx, pingCancel := context.WithTimeout(appCtx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			// Изменения сохранятся, но шлюзы узнают о них только при перезапуске
			logger.Warn("redis unreachable, gateways will not be notified", zap.Error(err))
		}
		pingCancel()
	}

	store, closeStore, err := repository.OpenStateStore(appCtx, cfg.State, rdb)
	if err != nil {
		return err
	}
	defer closeStore()

	// База опциональна: без нее нет журнала аудита и пользователей, остается администратор из конфига
	var (
		userRepo  service.AuthProvider
		auditRepo service.AuditLogProvider
	)
	if cfg.Database.URL != "" {
		// Проверяем соединение с таймаутом
		ctx, dbCancel := context.WithTimeout(appCtx, 5*time.Second)
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err == nil {
			err = postgres.Migrate(ctx, pool)
		}
		dbCancel()
		if err != nil {
			return fmt.Errorf("database unreachable: %w", err)
		}
		defer pool.Close()
		userRepo = postgres.NewUserRepo(pool)
		auditRepo = postgres.NewAuditRepo(pool)
	}

	// 2. Ключи подписи токенов
	priv, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		return fmt.Errorf("console requires auth private key: %w", err)
	}
	pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		return fmt.Errorf("console requires auth public key: %w", err)
	}

	// 3. Состояние управления, общее со шлюзами
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

	// Соседние консоли тоже публикуют изменения
	refresher := engine.NewStateRefresher(rdb, logger)
	refresher.Register(engine.RefreshPolicy, pe)
	refresher.Register(engine.RefreshGuardrail, guardrail)
	go refresher.Listen(appCtx)

	// 4. Инициализация слоев (Dependency Injection)
	authService := service.NewAuthService(userRepo, service.AdminCredentials{
		Username:     cfg.Console.AdminUser,
		PasswordHash: cfg.Console.AdminPassHash,
	}, auth.NewBaseValidator(pub), auth.NewIssuer(priv, cfg.Auth.TokenTTL))
	auditService := service.NewAuditService(auditRepo)

	consoleSrv := server.NewConsoleServer(logger, authService, server.Handlers{
		Auth:      handler.NewAuthHandler(authService),
		Control:   handler.NewControlHandler(service.NewControlService(ksm, qm, sm, logger)),
		Policy:    handler.NewPolicyHandler(service.NewPolicyService(pe, guardrail, rdb, logger)),
		Dashboard: handler.NewDashboardHandler(auditService),
		Audit:     handler.NewAuditHandler(auditService),
	})

	// 5. Запуск сервера
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Console.Port),
		Handler:      consoleSrv,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-appCtx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
