package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/infra"
)

// Reloader — компонент, который умеет перечитать свое состояние из хранилища.
type Reloader interface {
	Load(ctx context.Context) error
}

// Области обновления, которые рассылает консоль.
const (
	RefreshPolicy    = "policy"
	RefreshGuardrail = "guardrail"
	RefreshAll       = "all"
)

// StateRefresher слушает канал обновлений и перечитывает правила и guardrail,
// когда другой процесс (консоль) изменил хранилище.
type StateRefresher struct {
	rdb    *redis.Client
	logger *zap.Logger

	mu        sync.RWMutex
	reloaders map[string]Reloader
}

func NewStateRefresher(rdb *redis.Client, logger *zap.Logger) *StateRefresher {
	return &StateRefresher{
		rdb:       rdb,
		logger:    logger.With(zap.String("mod", "state-refresh")),
		reloaders: make(map[string]Reloader),
	}
}

func (r *StateRefresher) Register(scope string, rl Reloader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reloaders[scope] = rl
}

// Refresh перечитывает одну область или все при RefreshAll.
func (r *StateRefresher) Refresh(ctx context.Context, scope string) error {
	r.mu.RLock()
	targets := make(map[string]Reloader, len(r.reloaders))
	for name, rl := range r.reloaders {
		if scope == RefreshAll || scope == name {
			targets[name] = rl
		}
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		return fmt.Errorf("unknown refresh scope %q", scope)
	}

	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := targets[name].Load(ctx); err != nil {
			return fmt.Errorf("reload %s: %w", name, err)
		}
		r.logger.Info("state reloaded", zap.String("scope", name))
	}
	return nil
}

// Listen блокируется до отмены ctx. Без Redis сразу возвращается.
func (r *StateRefresher) Listen(ctx context.Context) {
	if r.rdb == nil {
		return
	}
	ListenStateResilient(ctx, r.rdb, r.logger, infra.RedisChanStateRefresh,
		func() error { return r.Refresh(ctx, RefreshAll) },
		func(scope string, on bool) {
			if !on {
				return
			}
			if err := r.Refresh(ctx, scope); err != nil {
				r.logger.Error("state refresh failed", zap.String("scope", scope), zap.Error(err))
			}
		},
	)
}

// PublishRefresh сообщает всем шлюзам, что область scope изменилась.
func PublishRefresh(ctx context.Context, rdb *redis.Client, scope string) error {
	if rdb == nil {
		return nil
	}
	return rdb.Publish(ctx, infra.RedisChanStateRefresh, FormatSignal(scope, true)).Err()
}
