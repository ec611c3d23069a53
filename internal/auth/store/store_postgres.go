package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"advisor/pkg/platform/sentinel"
)

// PostgresSchema creates the table used by PostgresKV.
const PostgresSchema = `
	CREATE TABLE IF NOT EXISTS session_kv (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (namespace, key)
	)
`

const defaultNamespace = "default"

// PostgresKV stores values in session_kv, one row per key.
type PostgresKV struct {
	db        *sql.DB
	namespace string
}

type PostgresOption func(*PostgresKV)

func WithNamespace(ns string) PostgresOption {
	return func(p *PostgresKV) {
		if ns != "" {
			p.namespace = ns
		}
	}
}

func NewPostgresKV(db *sql.DB, opts ...PostgresOption) *PostgresKV {
	p := &PostgresKV{db: db, namespace: defaultNamespace}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

func (p *PostgresKV) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("create session_kv: %w", err)
	}
	return nil
}

// Put upserts all values in one statement, so they commit together.
func (p *PostgresKV) Put(ctx context.Context, values map[string]string) error {
	defer observeKV("postgres", "put", time.Now())
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	vals := make([]string, 0, len(values))
	for k, v := range values {
		keys = append(keys, k)
		vals = append(vals, v)
	}
	query := `
		INSERT INTO session_kv (namespace, key, value, updated_at)
		SELECT $1, k, v, now() FROM unnest($2::text[], $3::text[]) AS t(k, v)
		ON CONFLICT (namespace, key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := p.db.ExecContext(ctx, query, p.namespace, pq.Array(keys), pq.Array(vals)); err != nil {
		return fmt.Errorf("postgres put: %w: %w", sentinel.ErrUnavailable, err)
	}
	return nil
}

func (p *PostgresKV) Get(ctx context.Context, keys ...string) (map[string]string, error) {
	defer observeKV("postgres", "get", time.Now())
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT key, value FROM session_kv WHERE namespace = $1 AND key = ANY($2)`,
		p.namespace, pq.Array(keys))
	if err != nil {
		return nil, fmt.Errorf("postgres get: %w: %w", sentinel.ErrUnavailable, err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("postgres get: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres get: %w: %w", sentinel.ErrUnavailable, err)
	}
	return out, nil
}

func (p *PostgresKV) Delete(ctx context.Context, keys ...string) error {
	defer observeKV("postgres", "delete", time.Now())
	if len(keys) == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM session_kv WHERE namespace = $1 AND key = ANY($2)`,
		p.namespace, pq.Array(keys))
	if err != nil {
		return fmt.Errorf("postgres delete: %w: %w", sentinel.ErrUnavailable, err)
	}
	return nil
}
