package engine

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/infra"
	"github.com/xela07ax/toolgate/internal/state"
)

// QuarantineManager — ручной контроль при подозрении: сессии в карантине
// доступны только инструменты уровня SAFE.
type QuarantineManager struct {
	sessions *SignalSet
}

func NewQuarantineManager(rdb *redis.Client, store state.Store, logger *zap.Logger) *QuarantineManager {
	return &QuarantineManager{
		sessions: NewSignalSet(SignalSetConfig{
			Name:     "quarantine_sessions",
			RedisKey: infra.RedisKeyQuarantineSessions,
			LockKey:  infra.RedisKeyLockQuarantine,
			Channel:  infra.RedisChanQuarantine,
		}, rdb, store, logger),
	}
}

func (m *QuarantineManager) Init(ctx context.Context) error { return m.sessions.Init(ctx) }

func (m *QuarantineManager) StartListener(ctx context.Context) { m.sessions.Listen(ctx) }

func (m *QuarantineManager) IsQuarantined(sessionID string) bool {
	return m.sessions.Contains(sessionID)
}

func (m *QuarantineManager) Set(ctx context.Context, sessionID string, on bool) error {
	return m.sessions.Set(ctx, sessionID, on)
}

func (m *QuarantineManager) Sessions() []string { return m.sessions.Members() }
