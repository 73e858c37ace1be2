// Package pgxstore implements the timer KV on a pgx connection pool.
package pgxstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const (
	createTableSQL = `CREATE TABLE IF NOT EXISTS timer_kv (
		key TEXT PRIMARY KEY,
		value BYTEA NOT NULL,
		updated_at BIGINT NOT NULL
	)`
	upsertSQL = `INSERT INTO timer_kv (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	selectSQL = `SELECT value FROM timer_kv WHERE key = $1`
	deleteSQL = `DELETE FROM timer_kv WHERE key = $1`
)

// Querier is the subset of *pgxpool.Pool the store uses.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is a KV backed by Postgres through pgx.
type Store struct {
	pool  Querier
	close func()
	now   func() time.Time
}

// Open creates a pool for dsn, pings it and migrates the KV table.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := New(pool)
	s.close = pool.Close
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info().Msg("connected pgx timer store")
	return s, nil
}

// New wraps an existing pool or connection. The caller keeps ownership.
func New(q Querier) *Store {
	return &Store{pool: q, close: func() {}, now: time.Now}
}

// Migrate creates the KV table if needed.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create timer_kv table: %w", err)
	}
	return nil
}

func (s *Store) Write(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	if _, err := s.pool.Exec(ctx, upsertSQL, key, value, s.now().UnixMilli()); err != nil {
		return fmt.Errorf("upsert %q: %w", key, err)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	if err := s.pool.QueryRow(ctx, selectSQL, key).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select %q: %w", key, err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, deleteSQL, key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// Close releases the pool when the store created it.
func (s *Store) Close() {
	s.close()
}
