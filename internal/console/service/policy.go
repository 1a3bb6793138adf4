package service

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/domain"
	"github.com/xela07ax/toolgate/internal/engine"
	"github.com/xela07ax/toolgate/internal/policy"
)

// PolicyService — правила, группы, выданные capability и legacy guardrail.
// Каждое изменение сохраняется в общем хранилище и объявляется шлюзам.
type PolicyService struct {
	engine    *policy.Engine
	guardrail *engine.Guardrail
	rdb       *redis.Client
	logger    *zap.Logger
}

func NewPolicyService(pe *policy.Engine, g *engine.Guardrail, rdb *redis.Client, logger *zap.Logger) *PolicyService {
	return &PolicyService{
		engine:    pe,
		guardrail: g,
		rdb:       rdb,
		logger:    logger.Named("policy-service"),
	}
}

func (s *PolicyService) Rules() []domain.PolicyRule { return s.engine.Rules() }

// AddRule сохраняет правило и уведомляет шлюзы об обновлении
func (s *PolicyService) AddRule(ctx context.Context, rule domain.PolicyRule) error {
	if err := s.engine.AddRule(ctx, rule); err != nil {
		return err
	}
	s.notifyUpdate(ctx, engine.RefreshPolicy)
	return nil
}

func (s *PolicyService) RemoveRule(ctx context.Context, layer domain.PolicyLayer, target, sessionID string) (bool, error) {
	var (
		removed bool
		err     error
	)
	if layer == domain.LayerSession {
		removed, err = s.engine.RemoveSessionRule(ctx, sessionID, target)
	} else {
		removed, err = s.engine.RemoveRule(ctx, layer, target)
	}
	if err != nil || !removed {
		return removed, err
	}
	s.notifyUpdate(ctx, engine.RefreshPolicy)
	return true, nil
}

func (s *PolicyService) Groups() map[string][]string { return s.engine.Groups() }

func (s *PolicyService) DefineGroup(ctx context.Context, name string, members []string) error {
	if err := s.engine.DefineGroup(ctx, name, members); err != nil {
		return err
	}
	s.notifyUpdate(ctx, engine.RefreshPolicy)
	return nil
}

func (s *PolicyService) DeleteGroup(ctx context.Context, name string) error {
	if err := s.engine.DeleteGroup(ctx, name); err != nil {
		return err
	}
	s.notifyUpdate(ctx, engine.RefreshPolicy)
	return nil
}

func (s *PolicyService) Grants(toolID string) []domain.Capability { return s.engine.Grants(toolID) }

func (s *PolicyService) Grant(ctx context.Context, toolID string, caps []domain.Capability) error {
	if err := s.engine.GrantCapability(ctx, toolID, caps...); err != nil {
		return err
	}
	s.notifyUpdate(ctx, engine.RefreshPolicy)
	return nil
}

func (s *PolicyService) Revoke(ctx context.Context, toolID string, caps []domain.Capability) error {
	if err := s.engine.RevokeCapability(ctx, toolID, caps...); err != nil {
		return err
	}
	s.notifyUpdate(ctx, engine.RefreshPolicy)
	return nil
}

// GuardrailState — содержимое legacy-фильтра.
type GuardrailState struct {
	DeniedPlugins []string `json:"denied_plugins"`
	Patterns      []string `json:"patterns"`
}

func (s *PolicyService) Guardrail() GuardrailState {
	return GuardrailState{DeniedPlugins: s.guardrail.DeniedPlugins(), Patterns: s.guardrail.Patterns()}
}

// GuardrailCommand выполняет текстовую команду guardrail ("deny_plugin|web_search").
func (s *PolicyService) GuardrailCommand(ctx context.Context, cmd string) (string, error) {
	out, err := s.guardrail.Command(ctx, cmd)
	if err != nil {
		return "", err
	}
	verb := strings.ToLower(strings.TrimSpace(strings.SplitN(cmd, "|", 2)[0]))
	switch verb {
	case "deny_plugin", "allow_plugin", "add_pattern", "remove_pattern":
		s.notifyUpdate(ctx, engine.RefreshGuardrail)
	}
	return out, nil
}

// notifyUpdate отправляет широковещательный сигнал в Redis.
// Изменение уже в хранилище, поэтому сбой доставки только логируем:
// шлюз перечитает состояние при переподключении.
func (s *PolicyService) notifyUpdate(ctx context.Context, scope string) {
	if err := engine.PublishRefresh(ctx, s.rdb, scope); err != nil {
		s.logger.Warn("refresh signal delivery failed", zap.String("scope", scope), zap.Error(err))
	}
}
