package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/toolgate/internal/audit"
	"github.com/xela07ax/toolgate/internal/repository/postgres"
)

// ErrAuditUnavailable — база аудита не подключена.
var ErrAuditUnavailable = errors.New("audit storage is not configured")

// AuditLogProvider описывает контракт для чтения данных аудита.
type AuditLogProvider interface {
	ListRecent(ctx context.Context, f postgres.AuditFilter) ([]audit.AuditEvent, error)
	Summary(ctx context.Context, since time.Time) (*postgres.AuditSummary, error)
}

type AuditService struct {
	repo AuditLogProvider
}

func NewAuditService(repo AuditLogProvider) *AuditService {
	return &AuditService{repo: repo}
}

// FetchLogs запрашивает логи с фильтрацией.
func (s *AuditService) FetchLogs(ctx context.Context, f postgres.AuditFilter) ([]audit.AuditEvent, error) {
	if s.repo == nil {
		return nil, ErrAuditUnavailable
	}
	logs, err := s.repo.ListRecent(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch logs: %w", err)
	}
	if logs == nil {
		return []audit.AuditEvent{}, nil
	}
	return logs, nil
}

func (s *AuditService) GetGlobalStats(ctx context.Context, window time.Duration) (*postgres.AuditSummary, error) {
	if s.repo == nil {
		return nil, ErrAuditUnavailable
	}
	return s.repo.Summary(ctx, time.Now().Add(-window))
}
