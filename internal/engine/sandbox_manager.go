package engine

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/infra"
	"github.com/xela07ax/toolgate/internal/state"
)

// SandboxManager — сессии, чьи вызовы всегда идут с IsSandboxed=true
// и проходят через слой политик SANDBOX.
type SandboxManager struct {
	sessions *SignalSet
}

func NewSandboxManager(rdb *redis.Client, store state.Store, logger *zap.Logger) *SandboxManager {
	return &SandboxManager{
		sessions: NewSignalSet(SignalSetConfig{
			Name:     "sandbox_sessions",
			RedisKey: infra.RedisKeySandboxSessions,
			LockKey:  infra.RedisKeyLockSandbox,
			Channel:  infra.RedisChanSandbox,
		}, rdb, store, logger),
	}
}

// Init загружает состояние всех "песочных" сессий при старте
func (sm *SandboxManager) Init(ctx context.Context) error { return sm.sessions.Init(ctx) }

// StartListener подписывается на изменения режима Sandbox в реальном времени
func (sm *SandboxManager) StartListener(ctx context.Context) { sm.sessions.Listen(ctx) }

// IsSandbox — максимально быстрый метод для проверки в Hot Path
func (sm *SandboxManager) IsSandbox(sessionID string) bool { return sm.sessions.Contains(sessionID) }

func (sm *SandboxManager) Set(ctx context.Context, sessionID string, on bool) error {
	return sm.sessions.Set(ctx, sessionID, on)
}

func (sm *SandboxManager) Sessions() []string { return sm.sessions.Members() }
