package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/xela07ax/toolgate/internal/state"

	_ "modernc.org/sqlite" // Драйвер SQLite без cgo
)

// StateRepo — однонодовое хранилище состояния в SQLite файле.
type StateRepo struct {
	db *sql.DB
}

// NewStateRepo открывает (или создает) базу по пути dsn и готовит схему.
// Для тестов подходит ":memory:".
func NewStateRepo(ctx context.Context, dsn string) (*StateRepo, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// SQLite не любит конкурентных писателей, одного соединения достаточно
	db.SetMaxOpenConns(1)

	repo := &StateRepo{db: db}
	if err := repo.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

func (r *StateRepo) init(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS governance_state (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: create schema: %w", err)
	}
	return nil
}

func (r *StateRepo) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := r.db.QueryRowContext(ctx, `SELECT value FROM governance_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get %s: %w", key, err)
	}
	return v, nil
}

func (r *StateRepo) Put(ctx context.Context, key string, value []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO governance_state (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value)
	if err != nil {
		return fmt.Errorf("sqlite: put %s: %w", key, err)
	}
	return nil
}

func (r *StateRepo) Delete(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM governance_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite: delete %s: %w", key, err)
	}
	return nil
}

func (r *StateRepo) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	// substr вместо LIKE: в ключах встречаются '_' и '%'
	rows, err := r.db.QueryContext(ctx,
		`SELECT key, value FROM governance_state WHERE substr(key, 1, ?) = ?`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list %s: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (r *StateRepo) Close() error {
	return r.db.Close()
}
