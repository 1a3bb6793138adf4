package engine

import (
	"fmt"
	"sync"

	"github.com/xela07ax/toolgate/internal/domain"
)

// Встроенная классификация. Все, что не перечислено, считается SAFE.
var defaultDangerTiers = map[string]domain.DangerTier{
	"sandbox_exec":      domain.TierOwnerOnly,
	"task_automation":   domain.TierApprovalRequired,
	"communication_hub": domain.TierApprovalRequired,
	"telegram_bridge":   domain.TierApprovalRequired,
	"file_manager":      domain.TierApprovalRequired,
}

// DangerClassifier — грубая классификация инструментов, проверяется первой.
type DangerClassifier struct {
	mu    sync.RWMutex
	tiers map[string]domain.DangerTier
}

// NewDangerClassifier накладывает overrides (tool_id -> имя уровня) поверх встроенных значений.
func NewDangerClassifier(overrides map[string]string) (*DangerClassifier, error) {
	tiers := make(map[string]domain.DangerTier, len(defaultDangerTiers)+len(overrides))
	for id, t := range defaultDangerTiers {
		tiers[id] = t
	}
	for id, name := range overrides {
		t, err := domain.ParseDangerTier(name)
		if err != nil {
			return nil, fmt.Errorf("tools.danger_tiers.%s: %w", id, err)
		}
		tiers[id] = t
	}
	return &DangerClassifier{tiers: tiers}, nil
}

func (c *DangerClassifier) Classify(toolID string) domain.DangerTier {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tiers[toolID]
}

func (c *DangerClassifier) Set(toolID string, tier domain.DangerTier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tiers[toolID] = tier
}

// admitTier решает судьбу вызова по уровню опасности. Пустая причина = пропустить.
func admitTier(tier domain.DangerTier, isSubAgent bool) string {
	switch {
	case tier == domain.TierBlocked:
		return "tool is classified BLOCKED"
	case isSubAgent && (tier == domain.TierOwnerOnly || tier == domain.TierApprovalRequired):
		return fmt.Sprintf("tool tier %s is not available to sub-agents", tier)
	default:
		return ""
	}
}
