package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xela07ax/toolgate/internal/domain"
	"github.com/xela07ax/toolgate/internal/state"
	"go.uber.org/zap"
)

// Префиксы ключей в state.Store
const (
	keyRulePrefix   = "policy:rule:"
	keyGroupPrefix  = "policy:group:"
	keyGrantsPrefix = "policy:grants:"
)

// Engine — слоистый движок политик. Горячий путь (Evaluate) работает только с RAM,
// каждая мутация сначала пишется в state.Store, затем в память.
type Engine struct {
	mu     sync.RWMutex
	rules  map[domain.PolicyLayer]map[string]domain.PolicyRule // layer -> rule.Key() -> rule
	groups map[string]map[string]struct{}                      // group -> tool ids
	grants map[string]map[domain.Capability]struct{}           // tool id -> capabilities

	matchers []matcher
	store    state.Store
	logger   *zap.Logger
	now      func() time.Time
}

func NewEngine(store state.Store, logger *zap.Logger) *Engine {
	if store == nil {
		store = state.NewMemoryStore()
	}
	return &Engine{
		rules:    make(map[domain.PolicyLayer]map[string]domain.PolicyRule),
		groups:   make(map[string]map[string]struct{}),
		grants:   make(map[string]map[domain.Capability]struct{}),
		matchers: defaultMatchers,
		store:    store,
		logger:   logger.Named("policy"),
		now:      time.Now,
	}
}

// Evaluate решает, разрешен ли вызов toolID в данном контексте.
func (e *Engine) Evaluate(toolID string, isSubAgent, isSandboxed bool, sessionID string) domain.Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	evaluated := 0
	for _, layer := range domain.Layers() {
		// 1. Пропускаем слои, которые не относятся к контексту
		switch {
		case layer == domain.LayerSubAgent && !isSubAgent,
			layer == domain.LayerSandbox && !isSandboxed,
			layer == domain.LayerSession && sessionID == "":
			continue
		}
		evaluated++

		// 2. Первый слой с совпадением решает, дальше не идем
		if rule, kind, ok := e.matchLayer(layer, toolID, sessionID); ok {
			d := domain.Decision{
				Allowed:         rule.Action == domain.ActionAllow,
				Layer:           layer,
				Reason:          rule.Reason,
				EvaluatedLayers: evaluated,
			}
			if d.Reason == "" {
				d.Reason = fmt.Sprintf("%s rule %q (%s match) at layer %s", rule.Action, rule.Target, kind, layer)
			}
			return d
		}
	}

	// 3. Ничего не сработало — дефолтный ALLOW
	return domain.Decision{
		Allowed:         true,
		Layer:           domain.LayerNone,
		Reason:          "no matching rule, default allow",
		EvaluatedLayers: evaluated,
	}
}

// matchLayer вызывается под RLock.
func (e *Engine) matchLayer(layer domain.PolicyLayer, toolID, sessionID string) (domain.PolicyRule, matchKind, bool) {
	rules := e.rules[layer]
	if len(rules) == 0 {
		return domain.PolicyRule{}, 0, false
	}

	for _, m := range e.matchers {
		var (
			found   domain.PolicyRule
			matched bool
		)
		for _, r := range rules {
			if layer == domain.LayerSession && r.SessionID != sessionID {
				continue
			}
			if !m.match(r, toolID, e.groups) {
				continue
			}
			// Несколько групп в одном слое: DENY побеждает,
			// при равенстве действий берем меньший ключ для детерминизма
			if !matched || betterCandidate(r, found) {
				found, matched = r, true
			}
		}
		if matched {
			return found, m.kind, true
		}
	}
	return domain.PolicyRule{}, 0, false
}

func betterCandidate(r, current domain.PolicyRule) bool {
	if r.Action != current.Action {
		return r.Action == domain.ActionDeny
	}
	return r.Key() < current.Key()
}

// EvaluateCapabilities проверяет, что каждая требуемая capability выдана инструменту.
func (e *Engine) EvaluateCapabilities(toolID string, required []domain.Capability) domain.CapabilityDecision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	granted := e.grants[toolID]
	var missing []domain.Capability
	for _, c := range required {
		if _, ok := granted[c]; !ok {
			missing = append(missing, c)
		}
	}
	return domain.CapabilityDecision{Allowed: len(missing) == 0, Missing: missing}
}

// AddRule добавляет правило или заменяет правило с тем же ключом.
func (e *Engine) AddRule(ctx context.Context, rule domain.PolicyRule) error {
	rule.Target = strings.TrimSpace(rule.Target)
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("add rule: %w", err)
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = e.now()
	}

	if err := state.PutJSON(ctx, e.store, keyRulePrefix+rule.Key(), rule); err != nil {
		return fmt.Errorf("add rule: %w", err)
	}

	e.mu.Lock()
	if e.rules[rule.Layer] == nil {
		e.rules[rule.Layer] = make(map[string]domain.PolicyRule)
	}
	e.rules[rule.Layer][rule.Key()] = rule
	e.mu.Unlock()

	e.logger.Info("policy rule set",
		zap.String("layer", rule.Layer.String()),
		zap.String("target", rule.Target),
		zap.String("action", string(rule.Action)))
	return nil
}

// RemoveRule удаляет правило (layer, target). Возвращает false, если его не было.
func (e *Engine) RemoveRule(ctx context.Context, layer domain.PolicyLayer, target string) (bool, error) {
	return e.removeByKey(ctx, domain.PolicyRule{Layer: layer, Target: target})
}

// RemoveSessionRule удаляет правило слоя SESSION для конкретной сессии.
func (e *Engine) RemoveSessionRule(ctx context.Context, sessionID, target string) (bool, error) {
	return e.removeByKey(ctx, domain.PolicyRule{Layer: domain.LayerSession, SessionID: sessionID, Target: target})
}

func (e *Engine) removeByKey(ctx context.Context, probe domain.PolicyRule) (bool, error) {
	key := probe.Key()

	e.mu.RLock()
	_, ok := e.rules[probe.Layer][key]
	e.mu.RUnlock()
	if !ok {
		return false, nil
	}

	if err := e.store.Delete(ctx, keyRulePrefix+key); err != nil {
		return false, fmt.Errorf("remove rule: %w", err)
	}

	e.mu.Lock()
	delete(e.rules[probe.Layer], key)
	e.mu.Unlock()

	e.logger.Info("policy rule removed", zap.String("key", key))
	return true, nil
}

// DefineGroup задает (заменяет) состав группы. Имя принимается как "network" или "group:network".
func (e *Engine) DefineGroup(ctx context.Context, name string, members []string) error {
	name = strings.TrimPrefix(strings.TrimSpace(name), domain.GroupPrefix)
	if name == "" {
		return fmt.Errorf("define group: name is required")
	}

	set := make(map[string]struct{}, len(members))
	for _, m := range members {
		if m = strings.TrimSpace(m); m != "" {
			set[m] = struct{}{}
		}
	}

	if err := state.PutJSON(ctx, e.store, keyGroupPrefix+name, setToSorted(set)); err != nil {
		return fmt.Errorf("define group: %w", err)
	}

	e.mu.Lock()
	e.groups[name] = set
	e.mu.Unlock()

	e.logger.Info("tool group defined", zap.String("group", name), zap.Int("members", len(set)))
	return nil
}

func (e *Engine) DeleteGroup(ctx context.Context, name string) error {
	name = strings.TrimPrefix(strings.TrimSpace(name), domain.GroupPrefix)
	if err := e.store.Delete(ctx, keyGroupPrefix+name); err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	e.mu.Lock()
	delete(e.groups, name)
	e.mu.Unlock()
	return nil
}

// GrantCapability выдает инструменту capabilities (добавляет к уже выданным).
func (e *Engine) GrantCapability(ctx context.Context, toolID string, caps ...domain.Capability) error {
	return e.updateGrants(ctx, toolID, func(set map[domain.Capability]struct{}) {
		for _, c := range caps {
			set[c] = struct{}{}
		}
	})
}

func (e *Engine) RevokeCapability(ctx context.Context, toolID string, caps ...domain.Capability) error {
	return e.updateGrants(ctx, toolID, func(set map[domain.Capability]struct{}) {
		for _, c := range caps {
			delete(set, c)
		}
	})
}

func (e *Engine) updateGrants(ctx context.Context, toolID string, mutate func(map[domain.Capability]struct{})) error {
	if toolID == "" {
		return fmt.Errorf("grants: tool id is required")
	}

	// Держим Lock на время записи: гранты одного инструмента меняются редко,
	// а так две параллельные выдачи не затрут друг друга
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[domain.Capability]struct{}, len(e.grants[toolID]))
	for c := range e.grants[toolID] {
		next[c] = struct{}{}
	}
	mutate(next)

	list := make([]domain.Capability, 0, len(next))
	for c := range next {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })

	if err := state.PutJSON(ctx, e.store, keyGrantsPrefix+toolID, list); err != nil {
		return fmt.Errorf("grants: %w", err)
	}
	e.grants[toolID] = next

	e.logger.Info("capability grants updated", zap.String("tool", toolID), zap.Int("count", len(list)))
	return nil
}

// Grants — выданные инструменту capabilities в стабильном порядке.
func (e *Engine) Grants(toolID string) []domain.Capability {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.Capability, 0, len(e.grants[toolID]))
	for c := range e.grants[toolID] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Rules — все правила, упорядоченные по слою и ключу.
func (e *Engine) Rules() []domain.PolicyRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []domain.PolicyRule
	for _, layer := range domain.Layers() {
		for _, r := range e.rules[layer] {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Layer != out[j].Layer {
			return out[i].Layer < out[j].Layer
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

// Groups — копия состава групп.
func (e *Engine) Groups() map[string][]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string][]string, len(e.groups))
	for name, set := range e.groups {
		out[name] = setToSorted(set)
	}
	return out
}

// Load выполняет "холодную загрузку" всего состояния из хранилища.
// Вызывается при старте и по сигналу обновления от консоли.
func (e *Engine) Load(ctx context.Context) error {
	rawRules, err := e.store.List(ctx, keyRulePrefix)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	rawGroups, err := e.store.List(ctx, keyGroupPrefix)
	if err != nil {
		return fmt.Errorf("load groups: %w", err)
	}
	rawGrants, err := e.store.List(ctx, keyGrantsPrefix)
	if err != nil {
		return fmt.Errorf("load grants: %w", err)
	}

	rules := make(map[domain.PolicyLayer]map[string]domain.PolicyRule)
	for key, raw := range rawRules {
		var r domain.PolicyRule
		if err := json.Unmarshal(raw, &r); err != nil {
			e.logger.Warn("skipping malformed rule", zap.String("key", key), zap.Error(err))
			continue
		}
		if err := r.Validate(); err != nil {
			e.logger.Warn("skipping invalid rule", zap.String("key", key), zap.Error(err))
			continue
		}
		if rules[r.Layer] == nil {
			rules[r.Layer] = make(map[string]domain.PolicyRule)
		}
		rules[r.Layer][r.Key()] = r
	}

	groups := make(map[string]map[string]struct{})
	for key, raw := range rawGroups {
		var members []string
		if err := json.Unmarshal(raw, &members); err != nil {
			e.logger.Warn("skipping malformed group", zap.String("key", key), zap.Error(err))
			continue
		}
		set := make(map[string]struct{}, len(members))
		for _, m := range members {
			set[m] = struct{}{}
		}
		groups[strings.TrimPrefix(key, keyGroupPrefix)] = set
	}

	grants := make(map[string]map[domain.Capability]struct{})
	for key, raw := range rawGrants {
		var caps []domain.Capability
		if err := json.Unmarshal(raw, &caps); err != nil {
			e.logger.Warn("skipping malformed grants", zap.String("key", key), zap.Error(err))
			continue
		}
		set := make(map[domain.Capability]struct{}, len(caps))
		for _, c := range caps {
			set[c] = struct{}{}
		}
		grants[strings.TrimPrefix(key, keyGrantsPrefix)] = set
	}

	e.mu.Lock()
	e.rules, e.groups, e.grants = rules, groups, grants
	e.mu.Unlock()

	e.logger.Info("policy state loaded",
		zap.Int("rules", len(rawRules)),
		zap.Int("groups", len(groups)),
		zap.Int("grants", len(grants)))
	return nil
}

func setToSorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
