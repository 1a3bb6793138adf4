package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// warmupLockTTL — сколько держится блокировка прогрева, если инстанс упал посередине.
const warmupLockTTL = 30 * time.Second

// warmup обновляет L1 и, если Redis SET пуст, заливает в него состояние из хранилища.
// Заливает только один инстанс: блокировка через SETNX.
func (s *SignalSet) warmup(ctx context.Context, ids []string, redisEmpty bool) error {
	s.replace(ids)
	if !redisEmpty || len(ids) == 0 {
		return nil
	}

	acquired, err := s.rdb.SetNX(ctx, s.cfg.LockKey, "processing", warmupLockTTL).Result()
	if err != nil || !acquired {
		// Либо ошибка сети, либо другой уже греет кэш
		return nil
	}
	defer s.rdb.Del(context.WithoutCancel(ctx), s.cfg.LockKey)

	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	if err := s.rdb.SAdd(ctx, s.cfg.RedisKey, members...).Err(); err != nil {
		return err
	}
	s.logger.Info("redis set restored from state store",
		zap.String("key", s.cfg.RedisKey), zap.Int("count", len(ids)))
	return nil
}
