package domain

import (
	"fmt"
	"strings"
	"time"
)

// PolicyAction определяет, что делать с вызовом
type PolicyAction string

const (
	ActionAllow PolicyAction = "ALLOW"
	ActionDeny  PolicyAction = "DENY"
)

// PolicyLayer — слой политики. Меньшее значение = выше приоритет.
type PolicyLayer int

const (
	LayerSubAgent    PolicyLayer = iota // Ограничения для вызовов из под-агентов
	LayerSandbox                        // Ограничения песочницы
	LayerGroup                          // Политики групп инструментов
	LayerSession                        // Политики конкретной сессии
	LayerToolProfile                    // Персональный профиль инструмента
	LayerGlobal                         // Глобальный дефолт

	// LayerNone — ни один слой не сработал, действует дефолтный ALLOW
	LayerNone PolicyLayer = -1
)

// Layers возвращает слои в порядке приоритета.
func Layers() []PolicyLayer {
	return []PolicyLayer{LayerSubAgent, LayerSandbox, LayerGroup, LayerSession, LayerToolProfile, LayerGlobal}
}

func (l PolicyLayer) String() string {
	switch l {
	case LayerSubAgent:
		return "SUB_AGENT"
	case LayerSandbox:
		return "SANDBOX"
	case LayerGroup:
		return "GROUP"
	case LayerSession:
		return "SESSION"
	case LayerToolProfile:
		return "TOOL_PROFILE"
	case LayerGlobal:
		return "GLOBAL"
	case LayerNone:
		return "DEFAULT"
	default:
		return fmt.Sprintf("LAYER(%d)", int(l))
	}
}

func ParsePolicyLayer(s string) (PolicyLayer, error) {
	for _, l := range Layers() {
		if strings.EqualFold(l.String(), strings.TrimSpace(s)) {
			return l, nil
		}
	}
	return LayerNone, fmt.Errorf("unknown policy layer %q", s)
}

const (
	// Wildcard — правило применяется ко всем инструментам
	Wildcard = "*"
	// GroupPrefix — ссылка на группу инструментов: "group:network"
	GroupPrefix = "group:"
)

// PolicyRule — правило одного слоя.
// Ключ уникальности: (Layer, Target), для слоя SESSION — (Layer, SessionID, Target).
type PolicyRule struct {
	Layer     PolicyLayer  `json:"layer"`
	Target    string       `json:"target"` // ID инструмента, "*" или "group:<name>"
	Action    PolicyAction `json:"action"`
	Reason    string       `json:"reason"`
	SessionID string       `json:"session_id,omitempty"` // Только для LayerSession

	CreatedAt time.Time `json:"created_at"`
}

// Key — стабильный идентификатор правила для хранилища.
func (r PolicyRule) Key() string {
	if r.Layer == LayerSession {
		return fmt.Sprintf("%s:%s:%s", r.Layer, r.SessionID, r.Target)
	}
	return fmt.Sprintf("%s:%s", r.Layer, r.Target)
}

func (r PolicyRule) Validate() error {
	if r.Target == "" {
		return fmt.Errorf("rule target is required")
	}
	if r.Action != ActionAllow && r.Action != ActionDeny {
		return fmt.Errorf("rule action must be ALLOW or DENY, got %q", r.Action)
	}
	if r.Layer < LayerSubAgent || r.Layer > LayerGlobal {
		return fmt.Errorf("rule layer %d is out of range", int(r.Layer))
	}
	if r.Layer == LayerSession && r.SessionID == "" {
		return fmt.Errorf("session rule requires session_id")
	}
	if strings.HasPrefix(r.Target, GroupPrefix) && len(r.Target) == len(GroupPrefix) {
		return fmt.Errorf("group reference without a name")
	}
	return nil
}

// Decision — итог проверки правил.
type Decision struct {
	Allowed bool        `json:"allowed"`
	Layer   PolicyLayer `json:"layer"`
	Reason  string      `json:"reason"`

	// Сколько слоев реально было просмотрено (для аудита и тестов приоритета)
	EvaluatedLayers int `json:"evaluated_layers"`
}

// CapabilityDecision — итог проверки выданных capability.
type CapabilityDecision struct {
	Allowed bool         `json:"allowed"`
	Missing []Capability `json:"missing,omitempty"`
}
