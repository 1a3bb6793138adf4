package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/toolgate/internal/audit"
)

var auditColumns = []string{
	"id", "trace_id", "kind", "tool_id", "session_id", "caller_id",
	"is_sub_agent", "is_sandboxed", "status", "stage", "reason",
	"findings", "missing", "error", "duration_ms", "timestamp",
}

type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

// WriteBatch пишет пачку одной операцией COPY.
func (r *AuditRepo) WriteBatch(ctx context.Context, events []audit.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	rows, err := auditRows(events)
	if err != nil {
		return err
	}
	_, err = r.pool.CopyFrom(ctx, pgx.Identifier{"audit_logs"}, auditColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("postgres: copy audit batch: %w", err)
	}
	return nil
}

func auditRows(events []audit.AuditEvent) ([][]any, error) {
	rows := make([][]any, 0, len(events))
	for _, e := range events {
		var findings []byte
		if len(e.Findings) > 0 {
			var err error
			if findings, err = json.Marshal(e.Findings); err != nil {
				return nil, fmt.Errorf("marshal findings of %s: %w", e.ID, err)
			}
		}
		rows = append(rows, []any{
			e.ID, e.TraceID, string(e.Kind), e.ToolID, e.SessionID, e.CallerID,
			e.IsSubAgent, e.IsSandboxed, e.Status, e.Stage, e.Reason,
			findings, e.Missing, e.Error, e.DurationMs, e.Timestamp,
		})
	}
	return rows, nil
}

// AuditFilter — фильтр выборки для консоли. Пустые поля не ограничивают.
type AuditFilter struct {
	ToolID    string
	SessionID string
	Status    string
	Since     time.Time
	Limit     int
}

// ListRecent возвращает последние события, новые первыми.
func (r *AuditRepo) ListRecent(ctx context.Context, f AuditFilter) ([]audit.AuditEvent, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	query := `
		SELECT id, trace_id, kind, tool_id, session_id, caller_id, is_sub_agent, is_sandboxed,
		       status, stage, reason, findings, missing, error, duration_ms, timestamp
		FROM audit_logs
		WHERE ($1 = '' OR tool_id = $1)
		  AND ($2 = '' OR session_id = $2)
		  AND ($3 = '' OR status = $3)
		  AND timestamp >= $4
		ORDER BY timestamp DESC
		LIMIT $5`

	rows, err := r.pool.Query(ctx, query, f.ToolID, f.SessionID, f.Status, f.Since, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: query audit: %w", err)
	}
	defer rows.Close()

	var out []audit.AuditEvent
	for rows.Next() {
		var (
			e        audit.AuditEvent
			kind     string
			findings []byte
		)
		if err := rows.Scan(&e.ID, &e.TraceID, &kind, &e.ToolID, &e.SessionID, &e.CallerID,
			&e.IsSubAgent, &e.IsSandboxed, &e.Status, &e.Stage, &e.Reason,
			&findings, &e.Missing, &e.Error, &e.DurationMs, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan audit: %w", err)
		}
		e.Kind = audit.EventKind(kind)
		if len(findings) > 0 {
			if err := json.Unmarshal(findings, &e.Findings); err != nil {
				return nil, fmt.Errorf("postgres: decode findings of %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AuditSummary — сводка для дашборда консоли.
type AuditSummary struct {
	Since    time.Time        `json:"since"`
	Total    int64            `json:"total"`
	ByStatus map[string]int64 `json:"by_status"`
	ByStage  map[string]int64 `json:"by_stage"`
	TopTools map[string]int64 `json:"top_denied_tools"`
}

// Summary агрегирует журнал за период: исходы, этапы отказов и самые отклоняемые инструменты.
func (r *AuditRepo) Summary(ctx context.Context, since time.Time) (*AuditSummary, error) {
	s := &AuditSummary{
		Since:    since,
		ByStatus: make(map[string]int64),
		ByStage:  make(map[string]int64),
		TopTools: make(map[string]int64),
	}

	rows, err := r.pool.Query(ctx, `
		SELECT status, stage, count(*)
		FROM audit_logs
		WHERE timestamp >= $1
		GROUP BY status, stage`, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: audit summary: %w", err)
	}
	for rows.Next() {
		var (
			status, stage string
			n             int64
		)
		if err := rows.Scan(&status, &stage, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: scan summary: %w", err)
		}
		s.Total += n
		s.ByStatus[status] += n
		if stage != "" && status != "SUCCESS" {
			s.ByStage[stage] += n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	top, err := r.pool.Query(ctx, `
		SELECT tool_id, count(*) AS n
		FROM audit_logs
		WHERE timestamp >= $1 AND status = 'DENIED'
		GROUP BY tool_id
		ORDER BY n DESC
		LIMIT 10`, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: top denied tools: %w", err)
	}
	defer top.Close()
	for top.Next() {
		var (
			tool string
			n    int64
		)
		if err := top.Scan(&tool, &n); err != nil {
			return nil, fmt.Errorf("postgres: scan top tools: %w", err)
		}
		s.TopTools[tool] = n
	}
	return s, top.Err()
}
