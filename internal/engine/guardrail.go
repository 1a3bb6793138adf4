package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/state"
)

const (
	guardrailDeniedKey   = "guardrail:denied_plugins"
	guardrailPatternsKey = "guardrail:patterns"
)

// DefaultGuardrailPatterns действуют, пока список шаблонов ни разу не сохранялся.
var DefaultGuardrailPatterns = []string{"rm -rf", "drop table", "format /", "shutdown"}

// Guardrail — простой обратносовместимый фильтр: запрещенные инструменты
// и запрещенные подстроки во входе (без учета регистра).
type Guardrail struct {
	store  state.Store
	logger *zap.Logger

	mu       sync.RWMutex
	denied   map[string]struct{}
	patterns map[string]struct{}
}

func NewGuardrail(store state.Store, defaults []string, logger *zap.Logger) *Guardrail {
	if store == nil {
		store = state.NewMemoryStore()
	}
	if defaults == nil {
		defaults = DefaultGuardrailPatterns
	}
	g := &Guardrail{
		store:    store,
		logger:   logger.Named("guardrail"),
		denied:   make(map[string]struct{}),
		patterns: make(map[string]struct{}),
	}
	for _, p := range defaults {
		g.patterns[strings.ToLower(p)] = struct{}{}
	}
	return g
}

// Load перечитывает списки из хранилища. Отсутствующий ключ оставляет текущее значение.
func (g *Guardrail) Load(ctx context.Context) error {
	var denied, patterns []string
	deniedErr := state.GetJSON(ctx, g.store, guardrailDeniedKey, &denied)
	if deniedErr != nil && !errors.Is(deniedErr, state.ErrNotFound) {
		return fmt.Errorf("load guardrail denied list: %w", deniedErr)
	}
	patternsErr := state.GetJSON(ctx, g.store, guardrailPatternsKey, &patterns)
	if patternsErr != nil && !errors.Is(patternsErr, state.ErrNotFound) {
		return fmt.Errorf("load guardrail patterns: %w", patternsErr)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if deniedErr == nil {
		g.denied = toSet(denied, false)
	}
	if patternsErr == nil {
		g.patterns = toSet(patterns, true)
	}
	return nil
}

// Check возвращает пустую причину, если вызов разрешен.
func (g *Guardrail) Check(toolID, input string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.denied[toolID]; ok {
		return "policy blocked plugin: " + toolID
	}
	if input == "" {
		return ""
	}
	lowered := strings.ToLower(input)
	for _, p := range sortedSet(g.patterns) {
		if p != "" && strings.Contains(lowered, p) {
			return "policy blocked input pattern: " + p
		}
	}
	return ""
}

func (g *Guardrail) DenyPlugin(ctx context.Context, toolID string) error {
	return g.mutate(ctx, guardrailDeniedKey, func() map[string]struct{} {
		g.denied[toolID] = struct{}{}
		return g.denied
	})
}

func (g *Guardrail) AllowPlugin(ctx context.Context, toolID string) error {
	return g.mutate(ctx, guardrailDeniedKey, func() map[string]struct{} {
		delete(g.denied, toolID)
		return g.denied
	})
}

func (g *Guardrail) AddPattern(ctx context.Context, pattern string) error {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return fmt.Errorf("empty pattern")
	}
	return g.mutate(ctx, guardrailPatternsKey, func() map[string]struct{} {
		g.patterns[pattern] = struct{}{}
		return g.patterns
	})
}

func (g *Guardrail) RemovePattern(ctx context.Context, pattern string) error {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	return g.mutate(ctx, guardrailPatternsKey, func() map[string]struct{} {
		delete(g.patterns, pattern)
		return g.patterns
	})
}

func (g *Guardrail) mutate(ctx context.Context, key string, fn func() map[string]struct{}) error {
	g.mu.Lock()
	snapshot := sortedSet(fn())
	g.mu.Unlock()

	if err := state.PutJSON(ctx, g.store, key, snapshot); err != nil {
		return fmt.Errorf("persist %s: %w", key, err)
	}
	g.logger.Info("guardrail updated", zap.String("key", key), zap.Int("size", len(snapshot)))
	return nil
}

func (g *Guardrail) DeniedPlugins() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedSet(g.denied)
}

func (g *Guardrail) Patterns() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedSet(g.patterns)
}

// Command — текстовый интерфейс управления:
// deny_plugin|id, allow_plugin|id, list_denied, add_pattern|text,
// remove_pattern|text, list_patterns, check|id|input.
func (g *Guardrail) Command(ctx context.Context, input string) (string, error) {
	parts := strings.SplitN(input, "|", 3)
	cmd := strings.ToLower(strings.TrimSpace(parts[0]))
	arg := func() (string, error) {
		if len(parts) < 2 || strings.TrimSpace(parts[1]) == "" {
			return "", fmt.Errorf("usage: %s|<argument>", cmd)
		}
		return strings.TrimSpace(parts[1]), nil
	}

	switch cmd {
	case "deny_plugin", "allow_plugin", "add_pattern", "remove_pattern":
		a, err := arg()
		if err != nil {
			return "", err
		}
		var msg string
		switch cmd {
		case "deny_plugin":
			msg, err = "Denied plugin: "+a, g.DenyPlugin(ctx, a)
		case "allow_plugin":
			msg, err = "Allowed plugin: "+a, g.AllowPlugin(ctx, a)
		case "add_pattern":
			msg, err = "Added blocked pattern", g.AddPattern(ctx, a)
		default:
			msg, err = "Removed blocked pattern", g.RemovePattern(ctx, a)
		}
		if err != nil {
			return "", err
		}
		return msg, nil
	case "list_denied":
		return "Denied plugins: " + strings.Join(g.DeniedPlugins(), ", "), nil
	case "list_patterns":
		return "Blocked patterns: " + strings.Join(g.Patterns(), ", "), nil
	case "check":
		id, err := arg()
		if err != nil {
			return "", err
		}
		payload := ""
		if len(parts) == 3 {
			payload = parts[2]
		}
		if reason := g.Check(id, payload); reason != "" {
			return "", errors.New(reason)
		}
		return "Allowed", nil
	case "":
		return "", fmt.Errorf("no command provided")
	default:
		return "", fmt.Errorf("unknown command: %s", cmd)
	}
}

func toSet(items []string, lower bool) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		if lower {
			it = strings.ToLower(it)
		}
		set[it] = struct{}{}
	}
	return set
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
