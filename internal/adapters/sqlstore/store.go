package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/manthysbr/aule-escrow/internal/core/domain"
	"github.com/manthysbr/aule-escrow/internal/core/ports"
	_ "github.com/marcboeker/go-duckdb"
	_ "modernc.org/sqlite"
)

// Dialect names a supported database/sql driver.
type Dialect string

const (
	DialectDuckDB   Dialect = "duckdb"
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "pgx"
)

//go:embed schema.sql
var schema string

// Store is a ports.Store over database/sql. Embedded engines (DuckDB,
// SQLite) take one writer at a time; PostgreSQL relies on row locks.
type Store struct {
	db      *sql.DB
	pool    *pgxpool.Pool
	dialect Dialect
	logger  *slog.Logger
	writeMu sync.Mutex
}

var _ ports.Store = (*Store)(nil)

// Open connects to dsn with the named driver and applies the schema.
func Open(ctx context.Context, logger *slog.Logger, driver, dsn string) (*Store, error) {
	d := Dialect(driver)
	logger.Info("opening store", "driver", driver)

	switch d {
	case DialectPostgres:
		pc, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse postgres dsn: %w", err)
		}
		pc.ConnConfig.RuntimeParams["application_name"] = "aule-escrow"
		pool, err := pgxpool.NewWithConfig(ctx, pc)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		s, err := New(ctx, stdlib.OpenDBFromPool(pool), d, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		s.pool = pool
		return s, nil

	case DialectDuckDB, DialectSQLite:
		db, err := sql.Open(driver, dsn)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", driver, err)
		}
		if d == DialectSQLite {
			db.SetMaxOpenConns(1)
		}
		s, err := New(ctx, db, d, logger)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported store driver %q", driver)
}

// New wraps an open database and applies the schema.
func New(ctx context.Context, db *sql.DB, dialect Dialect, logger *slog.Logger) (*Store, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	s := &Store{db: db, dialect: dialect, logger: logger}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *Store) serialized() bool { return s.dialect != DialectPostgres }

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ports.Tx) error) error {
	if s.serialized() {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	t := &tx{q: sqlTx, dialect: s.dialect}

	if err := fn(ctx, t); err != nil {
		if rerr := sqlTx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			s.logger.Error("rollback failed", "error", rerr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, rebind(s.dialect, `SELECT setting_value FROM platform_settings WHERE setting_key = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrSettingNotFound
	}
	return value, err
}

func (s *Store) SaveSetting(ctx context.Context, key string, value string) error {
	if s.serialized() {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}
	_, err := s.db.ExecContext(ctx, rebind(s.dialect, `
	INSERT INTO platform_settings (setting_key, setting_value) VALUES (?, ?)
	ON CONFLICT (setting_key) DO UPDATE SET setting_value = excluded.setting_value`), key, value)
	return err
}

func (s *Store) Close() error {
	err := s.db.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func rebind(d Dialect, query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
