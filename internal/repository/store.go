package repository

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xela07ax/toolgate/internal/infra"
	"github.com/xela07ax/toolgate/internal/repository/redis"
	"github.com/xela07ax/toolgate/internal/repository/sqlite"
	"github.com/xela07ax/toolgate/internal/state"
)

// OpenStateStore выбирает хранилище состояния управления по state.driver.
// Возвращаемую функцию нужно вызвать при остановке процесса.
func OpenStateStore(ctx context.Context, cfg infra.StateConfig, rdb *goredis.Client) (state.Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Driver {
	case "", "memory":
		return state.NewMemoryStore(), noop, nil
	case "redis":
		if rdb == nil {
			return nil, nil, fmt.Errorf("state driver redis requires redis connection")
		}
		return redis.NewStateRepo(rdb, cfg.RedisHash), noop, nil
	case "sqlite":
		repo, err := sqlite.NewStateRepo(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite state: %w", err)
		}
		return repo, repo.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown state driver %q", cfg.Driver)
	}
}
