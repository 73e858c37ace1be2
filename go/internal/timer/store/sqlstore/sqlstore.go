// Package sqlstore implements the timer KV on top of database/sql, with
// SQLite (modernc.org/sqlite) and Postgres (lib/pq) dialects.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Dialect captures the SQL differences between supported databases.
type Dialect struct {
	Name      string
	BlobType  string
	bindvar   func(n int) string
	driverSQL string
}

var (
	// SQLite uses ? placeholders and BLOB values.
	SQLite = Dialect{
		Name:      "sqlite",
		BlobType:  "BLOB",
		bindvar:   func(int) string { return "?" },
		driverSQL: "sqlite",
	}

	// Postgres uses $n placeholders and BYTEA values.
	Postgres = Dialect{
		Name:      "postgres",
		BlobType:  "BYTEA",
		bindvar:   func(n int) string { return "$" + strconv.Itoa(n) },
		driverSQL: "postgres",
	}
)

// DefaultTable holds the key/value rows.
const DefaultTable = "timer_kv"

// Store is a KV backed by a single SQL table.
type Store struct {
	db      *sql.DB
	dialect Dialect
	table   string
	now     func() time.Time

	upsertSQL string
	selectSQL string
	deleteSQL string
}

// New binds a Store to an open database. Call Migrate before first use.
func New(db *sql.DB, dialect Dialect) *Store {
	s := &Store{
		db:      db,
		dialect: dialect,
		table:   DefaultTable,
		now:     time.Now,
	}
	b := dialect.bindvar
	s.upsertSQL = fmt.Sprintf(`INSERT INTO %s (key, value, updated_at) VALUES (%s, %s, %s)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		s.table, b(1), b(2), b(3))
	s.selectSQL = fmt.Sprintf(`SELECT value FROM %s WHERE key = %s`, s.table, b(1))
	s.deleteSQL = fmt.Sprintf(`DELETE FROM %s WHERE key = %s`, s.table, b(1))
	return s
}

// Migrate creates the KV table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		value %s NOT NULL,
		updated_at BIGINT NOT NULL
	)`, s.table, s.dialect.BlobType)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

func (s *Store) Write(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	if _, err := s.db.ExecContext(ctx, s.upsertSQL, key, value, s.now().UnixMilli()); err != nil {
		return fmt.Errorf("upsert %q: %w", key, err)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, s.selectSQL, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
	if _, err := s.db.ExecContext(ctx, s.deleteSQL, key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// OpenSQLite opens (creating if needed) a SQLite database in WAL mode and
// migrates the KV table.
func OpenSQLite(ctx context.Context, path string) (*Store, *sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open(SQLite.driverSQL, path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	s := New(db, SQLite)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return s, db, nil
}

// OpenPostgres connects through lib/pq and migrates the KV table.
func OpenPostgres(ctx context.Context, dsn string) (*Store, *sql.DB, error) {
	db, err := sql.Open(Postgres.driverSQL, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := New(db, Postgres)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	log.Info().Str("table", s.table).Msg("connected postgres timer store")
	return s, db, nil
}
