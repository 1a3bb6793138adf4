package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"github.com/xela07ax/toolgate/internal/state"
)

// StateRepo хранит состояние управления в одном Redis HASH.
// HASH дает атомарные HSET/HDEL и один HGETALL на перечитывание,
// этого достаточно для сотен правил.
type StateRepo struct {
	rdb *goredis.Client
	key string
}

func NewStateRepo(rdb *goredis.Client, hashKey string) *StateRepo {
	return &StateRepo{rdb: rdb, key: hashKey}
}

func (r *StateRepo) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.rdb.HGet(ctx, r.key, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, state.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: hget %s: %w", key, err)
	}
	return v, nil
}

func (r *StateRepo) Put(ctx context.Context, key string, value []byte) error {
	if err := r.rdb.HSet(ctx, r.key, key, value).Err(); err != nil {
		return fmt.Errorf("redis: hset %s: %w", key, err)
	}
	return nil
}

func (r *StateRepo) Delete(ctx context.Context, key string) error {
	if err := r.rdb.HDel(ctx, r.key, key).Err(); err != nil {
		return fmt.Errorf("redis: hdel %s: %w", key, err)
	}
	return nil
}

func (r *StateRepo) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	all, err := r.rdb.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: hgetall: %w", err)
	}
	out := make(map[string][]byte)
	for k, v := range all {
		if strings.HasPrefix(k, prefix) {
			out[k] = []byte(v)
		}
	}
	return out, nil
}

// Ping проверяет доступность Redis при старте
func (r *StateRepo) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
