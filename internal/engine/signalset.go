package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/state"
)

// SignalSetConfig — ключи одного синхронизируемого множества.
type SignalSetConfig struct {
	Name     string // Ключ в хранилище состояния: "integrity:<Name>"
	RedisKey string
	LockKey  string
	Channel  string
}

// SignalSet — множество идентификаторов с тремя уровнями:
// L1 — локальная мапа в Hot Path, L2 — Redis SET, изменения между инстансами — Pub/Sub.
// Хранилище состояния — источник для прогрева после рестарта.
// rdb и store могут быть nil: тогда множество живет только локально.
type SignalSet struct {
	cfg    SignalSetConfig
	rdb    *redis.Client
	store  state.Store
	logger *zap.Logger

	mu      sync.RWMutex
	members map[string]struct{}
}

func NewSignalSet(cfg SignalSetConfig, rdb *redis.Client, store state.Store, logger *zap.Logger) *SignalSet {
	return &SignalSet{
		cfg:     cfg,
		rdb:     rdb,
		store:   store,
		logger:  logger.With(zap.String("mod", cfg.Name)),
		members: make(map[string]struct{}),
	}
}

func (s *SignalSet) storeKey() string { return "integrity:" + s.cfg.Name }

// Init загружает текущее состояние при старте и после переподключения к Redis.
func (s *SignalSet) Init(ctx context.Context) error {
	var ids []string
	if s.store != nil {
		if err := state.GetJSON(ctx, s.store, s.storeKey(), &ids); err != nil && !errors.Is(err, state.ErrNotFound) {
			return fmt.Errorf("load %s from state store: %w", s.cfg.Name, err)
		}
	}

	if s.rdb == nil {
		s.replace(ids)
		return nil
	}

	live, err := s.rdb.SMembers(ctx, s.cfg.RedisKey).Result()
	if err != nil {
		s.logger.Warn("redis unavailable, using state store only", zap.Error(err))
		s.replace(ids)
		return nil
	}
	return s.warmup(ctx, union(ids, live), len(live) == 0)
}

// Listen держит подписку на изменения до отмены ctx. Без Redis сразу возвращается.
func (s *SignalSet) Listen(ctx context.Context) {
	if s.rdb == nil {
		return
	}
	ListenStateResilient(ctx, s.rdb, s.logger, s.cfg.Channel,
		func() error { return s.Init(ctx) },
		s.apply,
	)
}

// Set включает или выключает id: локально, в хранилище и в Redis с рассылкой сигнала.
func (s *SignalSet) Set(ctx context.Context, id string, on bool) error {
	if id == "" {
		return fmt.Errorf("%s: empty id", s.cfg.Name)
	}
	s.apply(id, on)

	if s.store != nil {
		if err := state.PutJSON(ctx, s.store, s.storeKey(), s.Members()); err != nil {
			return fmt.Errorf("persist %s: %w", s.cfg.Name, err)
		}
	}

	if s.rdb != nil {
		pipe := s.rdb.TxPipeline()
		if on {
			pipe.SAdd(ctx, s.cfg.RedisKey, id)
		} else {
			pipe.SRem(ctx, s.cfg.RedisKey, id)
		}
		pipe.Publish(ctx, s.cfg.Channel, FormatSignal(id, on))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("broadcast %s: %w", s.cfg.Name, err)
		}
	}

	s.logger.Info("signal set updated", zap.String("id", id), zap.Bool("on", on))
	return nil
}

func (s *SignalSet) apply(id string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.members[id] = struct{}{}
	} else {
		delete(s.members, id)
	}
}

func (s *SignalSet) replace(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}
	s.mu.Lock()
	s.members = next
	s.mu.Unlock()
}

// Contains — максимально быстрый метод для проверки в Hot Path
func (s *SignalSet) Contains(id string) bool {
	if id == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[id]
	return ok
}

func (s *SignalSet) Members() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.members))
	for id := range s.members {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out
}
