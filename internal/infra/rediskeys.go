package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "toolgate"
)

// Ключи для Sets (состояние)
const (
	RedisKeyState              = RedisNamespace + ":state"
	RedisKeyKilledTools        = RedisNamespace + ":tools:killed_set"
	RedisKeyKilledSessions     = RedisNamespace + ":sessions:killed_set"
	RedisKeySandboxSessions    = RedisNamespace + ":sessions:sandbox_set"
	RedisKeyQuarantineSessions = RedisNamespace + ":sessions:quarantine_set"
	RedisKeyLockKilled         = RedisNamespace + ":lock:warmup:killed"
	RedisKeyLockSandbox        = RedisNamespace + ":lock:warmup:sandbox"
	RedisKeyLockQuarantine     = RedisNamespace + ":lock:warmup:quarantine"
)

// Каналы Pub/Sub (события). Формат сообщения: "<id>:on" или "<id>:off".
const (
	RedisChanKillSwitch        = RedisNamespace + ":tools:kill-switch-signal"
	RedisChanSessionKillSwitch = RedisNamespace + ":sessions:kill-switch-signal"
	RedisChanSandbox           = RedisNamespace + ":sessions:sandbox-signal"
	RedisChanQuarantine        = RedisNamespace + ":sessions:quarantine-signal"
	// RedisChanStateRefresh — консоль изменила правила/группы/guardrail, шлюзы перечитывают хранилище.
	RedisChanStateRefresh      = RedisNamespace + ":state:refresh"
)

// GetWarmupLockKey Генератор ключей для блокировок (если нужны динамические)
func GetWarmupLockKey(resource string) string {
	return fmt.Sprintf("%s:lock:warmup:%s", RedisNamespace, resource)
}
