// Package postgres provides the Postgres-backed dataset provider. Records
// live as jsonb rows; insertion order is the serial primary key.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sitestitch/sitestitch/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool behind the store.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Store writes page records into Postgres.
type Store struct {
	pool  querier
	table string
}

// New creates a Postgres-backed Store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dataset.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "page_records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, table: table}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for
// testing).
func NewWithPool(pool querier, table string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "page_records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the record table if it does not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Push inserts one record row.
func (s *Store) Push(ctx context.Context, record crawler.PageRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("dataset store is not configured")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (payload) VALUES ($1)`, s.table)
	if _, err := s.pool.Exec(ctx, query, payload); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// Source streams the stored records ordered by insertion.
func (s *Store) Source(ctx context.Context) (crawler.RecordSource, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("dataset store is not configured")
	}
	query := fmt.Sprintf(`SELECT payload FROM %s ORDER BY id`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	return &rowSource{rows: rows}, nil
}

type rowSource struct {
	rows pgx.Rows
}

func (r *rowSource) Next(context.Context) (crawler.PageRecord, error) {
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return crawler.PageRecord{}, fmt.Errorf("iterate records: %w", err)
		}
		return crawler.PageRecord{}, io.EOF
	}
	var payload []byte
	if err := r.rows.Scan(&payload); err != nil {
		return crawler.PageRecord{}, fmt.Errorf("scan record: %w", err)
	}
	var rec crawler.PageRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return crawler.PageRecord{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

func (r *rowSource) Close() error {
	r.rows.Close()
	return nil
}
