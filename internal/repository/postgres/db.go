package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/toolgate/internal/infra"
)

// NewPool открывает пул соединений и проверяет доступность базы.
func NewPool(ctx context.Context, cfg infra.DatabaseConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_logs (
	id           UUID PRIMARY KEY,
	trace_id     TEXT NOT NULL DEFAULT '',
	kind         TEXT NOT NULL,
	tool_id      TEXT NOT NULL,
	session_id   TEXT NOT NULL DEFAULT '',
	caller_id    TEXT NOT NULL DEFAULT '',
	is_sub_agent BOOLEAN NOT NULL DEFAULT FALSE,
	is_sandboxed BOOLEAN NOT NULL DEFAULT FALSE,
	status       TEXT NOT NULL,
	stage        TEXT NOT NULL DEFAULT '',
	reason       TEXT NOT NULL DEFAULT '',
	findings     JSONB,
	missing      TEXT[],
	error        TEXT NOT NULL DEFAULT '',
	duration_ms  BIGINT NOT NULL DEFAULT 0,
	timestamp    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_logs_tool_ts ON audit_logs (tool_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS users (
	id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	email         TEXT NOT NULL DEFAULT '',
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	role          TEXT NOT NULL DEFAULT 'operator',
	scopes        JSONB NOT NULL DEFAULT '{}',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

// Migrate создает таблицы, если их еще нет.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}
