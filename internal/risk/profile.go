package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xela07ax/toolgate/internal/state"
	"go.uber.org/zap"
)

const keyProfilePrefix = "risk:profile:"

// BehaviorProfile — поведенческая память об одном инструменте.
type BehaviorProfile struct {
	TotalInvocations   int64     `json:"total_invocations"`
	BlockedInvocations int64     `json:"blocked_invocations"`
	AvgInputSize       float64   `json:"avg_input_size"`
	LastInvocation     time.Time `json:"last_invocation"`

	RapidFireCount int       `json:"rapid_fire_count"`
	WindowStart    time.Time `json:"window_start"`
}

// BlockRate — доля заблокированных вызовов.
func (p BehaviorProfile) BlockRate() float64 {
	if p.TotalInvocations == 0 {
		return 0
	}
	return float64(p.BlockedInvocations) / float64(p.TotalInvocations)
}

// record учитывает завершенный скан. Среднее — кумулятивное.
func (p *BehaviorProfile) record(size int, blocked bool, at time.Time) {
	p.TotalInvocations++
	if blocked {
		p.BlockedInvocations++
	}
	p.AvgInputSize += (float64(size) - p.AvgInputSize) / float64(p.TotalInvocations)
	p.LastInvocation = at
}

// Profile возвращает копию профиля инструмента.
func (s *Scanner) Profile(toolID string) (BehaviorProfile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[toolID]
	if !ok {
		return BehaviorProfile{}, false
	}
	return *p, true
}

// Reset забывает всю поведенческую память.
func (s *Scanner) Reset() {
	s.mu.Lock()
	s.profiles = make(map[string]*BehaviorProfile)
	s.mu.Unlock()
	s.logger.Info("behavior profiles reset")
}

// SaveProfiles сохраняет все профили в хранилище.
func (s *Scanner) SaveProfiles(ctx context.Context, store state.Store) error {
	s.mu.Lock()
	snapshot := make(map[string]BehaviorProfile, len(s.profiles))
	for id, p := range s.profiles {
		snapshot[id] = *p
	}
	s.mu.Unlock()

	for id, p := range snapshot {
		if err := state.PutJSON(ctx, store, keyProfilePrefix+id, p); err != nil {
			return fmt.Errorf("save profile %s: %w", id, err)
		}
	}
	s.logger.Debug("behavior profiles saved", zap.Int("count", len(snapshot)))
	return nil
}

// LoadProfiles заменяет профили в памяти сохраненными.
func (s *Scanner) LoadProfiles(ctx context.Context, store state.Store) error {
	raw, err := store.List(ctx, keyProfilePrefix)
	if err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}

	loaded := make(map[string]*BehaviorProfile, len(raw))
	for key, v := range raw {
		var p BehaviorProfile
		if err := json.Unmarshal(v, &p); err != nil {
			s.logger.Warn("skipping malformed profile", zap.String("key", key), zap.Error(err))
			continue
		}
		loaded[strings.TrimPrefix(key, keyProfilePrefix)] = &p
	}

	s.mu.Lock()
	s.profiles = loaded
	s.mu.Unlock()

	s.logger.Info("behavior profiles loaded", zap.Int("count", len(loaded)))
	return nil
}
