// Package sqlitestore is a store.Store backed by a SQLite database file.
package sqlitestore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"devicelink-go/errcode"
)

const schema = `CREATE TABLE IF NOT EXISTS kv (
	ns  TEXT NOT NULL,
	key TEXT NOT NULL,
	val BLOB,
	PRIMARY KEY (ns, key)
) WITHOUT ROWID;`

type Config struct {
	// Path of the database file. Its directory must exist.
	Path string
	// PoolSize defaults to 2: one writer plus a concurrent reader.
	PoolSize int
	// Timeout bounds each call, including waiting for a pooled connection.
	Timeout time.Duration
	Logger  *slog.Logger
}

type Store struct {
	pool    *sqlitex.Pool
	path    string
	timeout time.Duration
	log     *slog.Logger
}

func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitestore: Path is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    cfg.PoolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: opening %s: %w", cfg.Path, err)
	}
	log.Info("config store opened", "path", cfg.Path, "pool_size", cfg.PoolSize)
	return &Store{pool: pool, path: cfg.Path, timeout: cfg.Timeout, log: log}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if err := sqlitex.ExecuteTransient(conn, q, nil); err != nil {
			return fmt.Errorf("sqlitestore: %s: %w", q, err)
		}
	}
	return sqlitex.ExecuteScript(conn, schema, nil)
}

func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("sqlitestore: closing %s: %w", s.path, err)
	}
	return nil
}

// with runs fn on a pooled connection.
func (s *Store) with(op string, fn func(*sqlite.Conn) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return errcode.Wrap(errcode.PersistenceError, op, err)
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

func (s *Store) Save(namespace, key string, value []byte) error {
	const op = "sqlitestore.save"
	return s.with(op, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT INTO kv (ns, key, val) VALUES (?, ?, ?)
			 ON CONFLICT (ns, key) DO UPDATE SET val = excluded.val`,
			&sqlitex.ExecOptions{Args: []any{namespace, key, value}})
		return errcode.Wrap(errcode.PersistenceError, op, err)
	})
}

func (s *Store) Load(namespace, key string) ([]byte, error) {
	const op = "sqlitestore.load"
	var (
		out   []byte
		found bool
	)
	err := s.with(op, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `SELECT val FROM kv WHERE ns = ? AND key = ?`, &sqlitex.ExecOptions{
			Args: []any{namespace, key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				out = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, out)
				return nil
			},
		})
		return errcode.Wrap(errcode.PersistenceError, op, err)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errcode.NotFound
	}
	return out, nil
}

func (s *Store) Clear(namespace string) error {
	const op = "sqlitestore.clear"
	return s.with(op, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `DELETE FROM kv WHERE ns = ?`, &sqlitex.ExecOptions{Args: []any{namespace}})
		return errcode.Wrap(errcode.PersistenceError, op, err)
	})
}
