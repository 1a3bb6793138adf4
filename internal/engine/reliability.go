package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/toolgate/internal/plugins"
)

// Executor выполняет тело инструмента.
type Executor interface {
	Execute(ctx context.Context, p plugins.Plugin, input string) (plugins.Result, error)
}

// DirectExecutor вызывает плагин без оберток.
type DirectExecutor struct{}

func (DirectExecutor) Execute(ctx context.Context, p plugins.Plugin, input string) (plugins.Result, error) {
	return p.Execute(ctx, input)
}

type ReliabilityConfig struct {
	RateLimit     float64
	RateBurst     int
	RetryAttempts uint
	CBMaxRequests uint32
	CBInterval    time.Duration
	CBTimeout     time.Duration // Время, через которое CB попробует "закрыться"
	CBMaxFailures uint32        // Подряд идущих ошибок до размыкания
}

func (c ReliabilityConfig) withDefaults() ReliabilityConfig {
	if c.RateLimit <= 0 {
		c.RateLimit = 100
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 20
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.CBMaxRequests == 0 {
		c.CBMaxRequests = 3
	}
	if c.CBInterval <= 0 {
		c.CBInterval = 5 * time.Second
	}
	if c.CBTimeout <= 0 {
		c.CBTimeout = 30 * time.Second
	}
	if c.CBMaxFailures == 0 {
		c.CBMaxFailures = 5
	}
	return c
}

type toolGuard struct {
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// ReliabilityWrapper — лимитер, предохранитель и повтор при троттлинге,
// свои на каждый инструмент: сбой одного не выбивает остальные.
type ReliabilityWrapper struct {
	next    Executor
	cfg     ReliabilityConfig
	metrics *Metrics
	logger  *zap.Logger

	mu     sync.Mutex
	guards map[string]*toolGuard
}

func NewReliabilityWrapper(next Executor, cfg ReliabilityConfig, metrics *Metrics, logger *zap.Logger) *ReliabilityWrapper {
	if next == nil {
		next = DirectExecutor{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &ReliabilityWrapper{
		next:    next,
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		logger:  logger.With(zap.String("mod", "reliability")),
		guards:  make(map[string]*toolGuard),
	}
}

func (w *ReliabilityWrapper) guard(toolID string) *toolGuard {
	w.mu.Lock()
	defer w.mu.Unlock()
	if g, ok := w.guards[toolID]; ok {
		return g
	}

	g := &toolGuard{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        toolID,
			MaxRequests: w.cfg.CBMaxRequests,
			Interval:    w.cfg.CBInterval,
			Timeout:     w.cfg.CBTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= w.cfg.CBMaxFailures
			},
			// Троттлинг и отмена вызывающим — не поломка инструмента
			IsSuccessful: func(err error) bool {
				var tErr *plugins.ThrottleError
				return err == nil || errors.As(err, &tErr) || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				w.metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
				w.logger.Warn("circuit breaker state changed",
					zap.String("tool", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
		limiter: rate.NewLimiter(rate.Limit(w.cfg.RateLimit), w.cfg.RateBurst),
	}
	w.guards[toolID] = g
	return g
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	default:
		return 0
	}
}

// BreakerState — состояние предохранителя инструмента (для /v1/tools).
func (w *ReliabilityWrapper) BreakerState(toolID string) string {
	w.mu.Lock()
	g, ok := w.guards[toolID]
	w.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return g.cb.State().String()
}

func (w *ReliabilityWrapper) Execute(ctx context.Context, p plugins.Plugin, input string) (plugins.Result, error) {
	g := w.guard(p.ID())

	// 1. Rate Limiter
	if err := g.limiter.Wait(ctx); err != nil {
		return plugins.Result{}, fmt.Errorf("rate limit: %w", err)
	}

	// 2. Circuit Breaker
	out, err := g.cb.Execute(func() (interface{}, error) {
		var res plugins.Result
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.cfg.RetryAttempts),
			retry.LastErrorOnly(true),
			// Повторяем только то, что инструмент сам просил повторить
			retry.RetryIf(func(err error) bool {
				var tErr *plugins.ThrottleError
				return errors.As(err, &tErr)
			}),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				var tErr *plugins.ThrottleError
				if errors.As(err, &tErr) && tErr.RetryAfter > 0 {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := r.Do(func() error {
			var callErr error
			res, callErr = w.next.Execute(ctx, p, input)
			return callErr
		})
		return res, retryErr
	})
	if err != nil {
		return plugins.Result{}, err
	}
	return out.(plugins.Result), nil
}
