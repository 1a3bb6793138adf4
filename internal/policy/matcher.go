package policy

import (
	"strings"

	"github.com/xela07ax/toolgate/internal/domain"
)

// matchKind — вариант правила по типу цели.
type matchKind int

const (
	matchExact matchKind = iota
	matchGroup
	matchWildcard
)

func (k matchKind) String() string {
	switch k {
	case matchExact:
		return "exact"
	case matchGroup:
		return "group"
	default:
		return "wildcard"
	}
}

// matcher — один предикат сопоставления правила с инструментом.
type matcher struct {
	kind  matchKind
	match func(rule domain.PolicyRule, toolID string, groups map[string]map[string]struct{}) bool
}

// defaultMatchers задает порядок приоритета кандидатов внутри слоя:
// точный ID инструмента, затем группа, затем "*".
var defaultMatchers = []matcher{
	{
		kind: matchExact,
		match: func(r domain.PolicyRule, toolID string, _ map[string]map[string]struct{}) bool {
			return r.Target == toolID
		},
	},
	{
		kind: matchGroup,
		match: func(r domain.PolicyRule, toolID string, groups map[string]map[string]struct{}) bool {
			name, ok := groupName(r.Target)
			if !ok {
				return false
			}
			_, member := groups[name][toolID]
			return member
		},
	},
	{
		kind: matchWildcard,
		match: func(r domain.PolicyRule, _ string, _ map[string]map[string]struct{}) bool {
			return r.Target == domain.Wildcard
		},
	},
}

func groupName(target string) (string, bool) {
	if !strings.HasPrefix(target, domain.GroupPrefix) {
		return "", false
	}
	return strings.TrimPrefix(target, domain.GroupPrefix), true
}
