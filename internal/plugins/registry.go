package plugins

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

type entry struct {
	plugin      Plugin
	enabled     bool
	fingerprint string // Манифест на момент регистрации
}

// Registry — реестр инициализированных плагинов.
type Registry struct {
	mu       sync.RWMutex
	plugins  map[string]*entry
	settings map[string]map[string]string
	logger   *zap.Logger
}

func NewRegistry(settings map[string]map[string]string, logger *zap.Logger) *Registry {
	if settings == nil {
		settings = make(map[string]map[string]string)
	}
	return &Registry{
		plugins:  make(map[string]*entry),
		settings: settings,
		logger:   logger.Named("plugins"),
	}
}

// Register инициализирует плагин и добавляет его в реестр.
// Если Initialize упал — плагин не регистрируется, остальные продолжают работать.
func (r *Registry) Register(ctx context.Context, p Plugin) error {
	if p == nil {
		return fmt.Errorf("register: nil plugin")
	}
	id := p.ID()

	r.mu.RLock()
	_, exists := r.plugins[id]
	r.mu.RUnlock()
	if exists {
		return fmt.Errorf("register %s: %w", id, ErrAlreadyExists)
	}

	env := Env{Logger: r.logger.With(zap.String("plugin", id)), Settings: r.settings[id]}
	if err := p.Initialize(ctx, env); err != nil {
		r.logger.Error("plugin initialization failed, skipping", zap.String("plugin", id), zap.Error(err))
		return fmt.Errorf("initialize %s: %w", id, err)
	}

	r.mu.Lock()
	r.plugins[id] = &entry{plugin: p, enabled: true, fingerprint: Fingerprint(p)}
	r.mu.Unlock()

	r.logger.Info("plugin registered", zap.String("plugin", id), zap.String("name", p.Name()))
	return nil
}

// Unregister удаляет плагин и вызывает его Destroy.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	e, ok := r.plugins[id]
	delete(r.plugins, id)
	r.mu.Unlock()

	if !ok {
		return false
	}
	e.plugin.Destroy()
	r.logger.Info("plugin unregistered", zap.String("plugin", id))
	return true
}

// Get возвращает плагин и признак включенности.
func (r *Registry) Get(id string) (Plugin, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.plugins[id]
	if !ok {
		return nil, false, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return e.plugin, e.enabled, nil
}

func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.plugins[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	e.enabled = enabled
	return nil
}

// RegisteredFingerprint — отпечаток манифеста, зафиксированный при регистрации.
func (r *Registry) RegisteredFingerprint(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.plugins[id]
	if !ok {
		return "", false
	}
	return e.fingerprint, true
}

// IDs — отсортированный список зарегистрированных инструментов.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.plugins))
	for id := range r.plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Info — описание плагина для API.
type Info struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Enabled      bool     `json:"enabled"`
	Capabilities []string `json:"capabilities"`
}

func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.plugins))
	for _, e := range r.plugins {
		caps := make([]string, 0)
		for _, c := range RequiredCapabilities(e.plugin) {
			caps = append(caps, string(c))
		}
		out = append(out, Info{
			ID:           e.plugin.ID(),
			Name:         e.plugin.Name(),
			Description:  e.plugin.Description(),
			Enabled:      e.enabled,
			Capabilities: caps,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DestroyAll вызывается при остановке сервиса.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	all := r.plugins
	r.plugins = make(map[string]*entry)
	r.mu.Unlock()

	for id, e := range all {
		e.plugin.Destroy()
		r.logger.Debug("plugin destroyed", zap.String("plugin", id))
	}
}
