package subagent

import (
	"github.com/xela07ax/toolgate/internal/domain"
)

// Каждый следующий уровень запрещает все инструменты предыдущего и добавляет свои.
var (
	minimalDeny  = []string{"sandbox_exec", "task_automation"}
	standardDeny = []string{"communication_hub", "telegram_bridge", "file_manager"}
	strictDeny   = []string{"web_search", "on_device_llm", "personalization", "device_info", "notes"}
)

// DenyLists — запреты по уровням изоляции. Списки накопительные:
// strict ⊃ standard ⊃ minimal.
type DenyLists map[domain.IsolationTier]map[string]struct{}

// DefaultDenyLists строит накопительные списки по умолчанию.
func DefaultDenyLists() DenyLists {
	return BuildDenyLists(minimalDeny, standardDeny, strictDeny)
}

// DenyListsWithDefaults добавляет инструменты из конфигурации поверх встроенных
// запретов. Пустая конфигурация дает DefaultDenyLists.
func DenyListsWithDefaults(minimal, standard, strict []string) DenyLists {
	return BuildDenyLists(
		concat(minimalDeny, minimal),
		concat(standardDeny, standard),
		concat(strictDeny, strict),
	)
}

func concat(base, extra []string) []string {
	out := make([]string, 0, len(base)+len(extra))
	return append(append(out, base...), extra...)
}

// BuildDenyLists принимает только добавки каждого уровня, без встроенных запретов.
func BuildDenyLists(minimal, standard, strict []string) DenyLists {
	lists := make(DenyLists, 3)
	acc := make(map[string]struct{})
	for _, step := range []struct {
		tier  domain.IsolationTier
		tools []string
	}{
		{domain.IsolationMinimal, minimal},
		{domain.IsolationStandard, standard},
		{domain.IsolationStrict, strict},
	} {
		for _, id := range step.tools {
			acc[id] = struct{}{}
		}
		set := make(map[string]struct{}, len(acc))
		for id := range acc {
			set[id] = struct{}{}
		}
		lists[step.tier] = set
	}
	return lists
}

func (d DenyLists) Denies(tier domain.IsolationTier, toolID string) bool {
	_, denied := d[tier][toolID]
	return denied
}
