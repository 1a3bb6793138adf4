package audit

import (
	"context"

	"go.uber.org/zap"
)

// LogStorage — запасное хранилище: пишет пачку в структурированный лог.
// Используется, когда база аудита не настроена.
type LogStorage struct {
	logger *zap.Logger
}

func NewLogStorage(logger *zap.Logger) *LogStorage {
	return &LogStorage{logger: logger.Named("audit")}
}

func (s *LogStorage) WriteBatch(_ context.Context, events []AuditEvent) error {
	for _, e := range events {
		s.logger.Info("audit",
			zap.String("id", e.ID),
			zap.String("trace_id", e.TraceID),
			zap.String("kind", string(e.Kind)),
			zap.String("tool_id", e.ToolID),
			zap.String("session_id", e.SessionID),
			zap.String("status", e.Status),
			zap.String("stage", e.Stage),
			zap.String("reason", e.Reason),
			zap.Int("findings", len(e.Findings)),
			zap.Strings("missing", e.Missing),
			zap.Int64("duration_ms", e.DurationMs),
			zap.Time("ts", e.Timestamp),
		)
	}
	return nil
}

// MultiStorage пишет в несколько хранилищ; ошибка первого не мешает остальным.
type MultiStorage []StorageInterface

func (m MultiStorage) WriteBatch(ctx context.Context, events []AuditEvent) error {
	var firstErr error
	for _, s := range m {
		if err := s.WriteBatch(ctx, events); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
