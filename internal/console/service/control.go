package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/engine"
)

// ControlService — аварийные переключатели: kill-switch, карантин, песочница.
// Менеджеры сами сохраняют состояние и рассылают сигнал шлюзам через Redis.
type ControlService struct {
	killSwitch *engine.KillSwitchManager
	quarantine *engine.QuarantineManager
	sandbox    *engine.SandboxManager
	logger     *zap.Logger
}

func NewControlService(ks *engine.KillSwitchManager, qm *engine.QuarantineManager, sm *engine.SandboxManager, logger *zap.Logger) *ControlService {
	return &ControlService{
		killSwitch: ks,
		quarantine: qm,
		sandbox:    sm,
		logger:     logger.Named("control-service"),
	}
}

// toggle — унифицированный механизм переключения состояний.
func (s *ControlService) toggle(ctx context.Context, id string, on bool, action string, set func(context.Context, string, bool) error) error {
	if id == "" {
		return fmt.Errorf("%s: id is required", action)
	}
	if err := set(ctx, id, on); err != nil {
		s.logger.Error("state switch failed",
			zap.String("id", id),
			zap.String("action", action),
			zap.Error(err))
		return fmt.Errorf("%s: %w", action, err)
	}
	s.logger.Info("state switched",
		zap.String("id", id),
		zap.String("action", action),
		zap.Bool("on", on))
	return nil
}

func (s *ControlService) SetToolBlocked(ctx context.Context, toolID string, blocked bool) error {
	return s.toggle(ctx, toolID, blocked, "tool-kill-switch", s.killSwitch.SetTool)
}

func (s *ControlService) SetSessionBlocked(ctx context.Context, sessionID string, blocked bool) error {
	return s.toggle(ctx, sessionID, blocked, "session-kill-switch", s.killSwitch.SetSession)
}

func (s *ControlService) SetQuarantine(ctx context.Context, sessionID string, on bool) error {
	return s.toggle(ctx, sessionID, on, "quarantine", s.quarantine.Set)
}

func (s *ControlService) SetSandbox(ctx context.Context, sessionID string, on bool) error {
	return s.toggle(ctx, sessionID, on, "sandbox", s.sandbox.Set)
}

// ControlState — текущее состояние всех переключателей.
type ControlState struct {
	BlockedTools    []string `json:"blocked_tools"`
	BlockedSessions []string `json:"blocked_sessions"`
	Quarantined     []string `json:"quarantined_sessions"`
	Sandboxed       []string `json:"sandboxed_sessions"`
}

func (s *ControlService) Snapshot() ControlState {
	return ControlState{
		BlockedTools:    s.killSwitch.BlockedTools(),
		BlockedSessions: s.killSwitch.BlockedSessions(),
		Quarantined:     s.quarantine.Sessions(),
		Sandboxed:       s.sandbox.Sessions(),
	}
}
