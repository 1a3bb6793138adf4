package engine

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/infra"
	"github.com/xela07ax/toolgate/internal/state"
)

// KillSwitchManager — мгновенная блокировка инструмента целиком или отдельной сессии.
type KillSwitchManager struct {
	tools    *SignalSet
	sessions *SignalSet
}

func NewKillSwitchManager(rdb *redis.Client, store state.Store, logger *zap.Logger) *KillSwitchManager {
	return &KillSwitchManager{
		tools: NewSignalSet(SignalSetConfig{
			Name:     "killswitch_tools",
			RedisKey: infra.RedisKeyKilledTools,
			LockKey:  infra.RedisKeyLockKilled,
			Channel:  infra.RedisChanKillSwitch,
		}, rdb, store, logger),
		sessions: NewSignalSet(SignalSetConfig{
			Name:     "killswitch_sessions",
			RedisKey: infra.RedisKeyKilledSessions,
			LockKey:  infra.GetWarmupLockKey("killed_sessions"),
			Channel:  infra.RedisChanSessionKillSwitch,
		}, rdb, store, logger),
	}
}

// Init загружает текущее состояние блокировок при старте сервиса
func (m *KillSwitchManager) Init(ctx context.Context) error {
	if err := m.tools.Init(ctx); err != nil {
		return err
	}
	return m.sessions.Init(ctx)
}

// StartListener подписывается на Redis и обновляет состояние до отмены ctx.
func (m *KillSwitchManager) StartListener(ctx context.Context) {
	go m.sessions.Listen(ctx)
	m.tools.Listen(ctx)
}

func (m *KillSwitchManager) IsToolBlocked(toolID string) bool { return m.tools.Contains(toolID) }

func (m *KillSwitchManager) IsSessionBlocked(sessionID string) bool {
	return m.sessions.Contains(sessionID)
}

func (m *KillSwitchManager) SetTool(ctx context.Context, toolID string, blocked bool) error {
	return m.tools.Set(ctx, toolID, blocked)
}

func (m *KillSwitchManager) SetSession(ctx context.Context, sessionID string, blocked bool) error {
	return m.sessions.Set(ctx, sessionID, blocked)
}

func (m *KillSwitchManager) BlockedTools() []string    { return m.tools.Members() }
func (m *KillSwitchManager) BlockedSessions() []string { return m.sessions.Members() }
