package engine

import (
	"github.com/xela07ax/toolgate/internal/domain"
	"github.com/xela07ax/toolgate/internal/plugins"
)

// FingerprintSource — где зафиксирован манифест плагина на момент регистрации.
type FingerprintSource interface {
	RegisteredFingerprint(id string) (string, bool)
}

// Integrity — последняя проверка перед исполнением: аварийные блокировки,
// подмена манифеста и карантин сессии. Любой коллаборатор может быть nil.
type Integrity struct {
	killSwitch   *KillSwitchManager
	quarantine   *QuarantineManager
	fingerprints FingerprintSource
}

func NewIntegrity(ks *KillSwitchManager, qm *QuarantineManager, fps FingerprintSource) *Integrity {
	return &Integrity{killSwitch: ks, quarantine: qm, fingerprints: fps}
}

// Check возвращает причину отказа или пустую строку.
func (i *Integrity) Check(req domain.InvocationRequest, p plugins.Plugin, tier domain.DangerTier) string {
	if i.killSwitch != nil {
		if i.killSwitch.IsToolBlocked(req.ToolID) {
			return "tool is blocked by kill-switch"
		}
		if req.SessionID != "" && i.killSwitch.IsSessionBlocked(req.SessionID) {
			return "session is blocked by kill-switch"
		}
	}

	if i.fingerprints != nil {
		if registered, ok := i.fingerprints.RegisteredFingerprint(p.ID()); ok && registered != plugins.Fingerprint(p) {
			return "tool manifest changed since registration"
		}
	}

	// В карантине сессии доступны только безопасные инструменты
	if i.quarantine != nil && req.SessionID != "" && i.quarantine.IsQuarantined(req.SessionID) && tier != domain.TierSafe {
		return "session is quarantined: only SAFE tools are allowed"
	}
	return ""
}
