package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/optisync/internal/snapshot"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Empty database
// 1 - nodes, versions, changes, operations + idx_operations_status
const currentSchemaVersion = 1

// DefaultPollInterval is how often Run tails the change log.
const DefaultPollInterval = 250 * time.Millisecond

// SQLite is a durable Backend in a single SQLite file.
//
// Writers in other processes sharing the file are picked up by tailing
// the changes table, so watchers see every writer.
type SQLite struct {
	db           *sql.DB
	hub          *hub
	pollInterval time.Duration
	closed       atomic.Bool

	pollMu  sync.Mutex
	lastSeq int64
}

// SQLiteOption configures OpenSQLite.
type SQLiteOption func(*SQLite)

// WithPollInterval sets how often Run checks the change log.
func WithPollInterval(d time.Duration) SQLiteOption {
	return func(s *SQLite) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// OpenSQLite creates or opens a database at path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func OpenSQLite(path string, opts ...SQLiteOption) (*SQLite, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &SQLite{db: db, hub: newHub(), pollInterval: DefaultPollInterval}
	for _, opt := range opts {
		opt(s)
	}

	// History before open is not replayed; new watchers read current values.
	if err := db.QueryRow("SELECT COALESCE(MAX(seq), 0) FROM changes").Scan(&s.lastSeq); err != nil {
		db.Close()
		return nil, fmt.Errorf("read change log position: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// Journal returns an operation journal stored in the same database.
func (s *SQLite) Journal() *SQLJournal {
	return &SQLJournal{db: s.db}
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 indexes open journal entries for the reconciliation sweep.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_operations_status
		ON operations(status, created_seq)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return "?" + strings.Repeat(",?", n-1)
}

// subtreeBounds returns the half-open key range of strict descendants:
// every "p/..." sorts after "p/" and before "p0" ('0' follows '/').
func subtreeBounds(path string) (string, string) {
	return path + "/", path + "0"
}

func versionOf(ctx context.Context, q queryer, path string) (Version, error) {
	ancestors := snapshot.Ancestors(path)
	args := make([]any, 0, len(ancestors)+1)
	args = append(args, path)
	for _, a := range ancestors {
		args = append(args, a)
	}

	rows, err := q.QueryContext(ctx,
		"SELECT path, exact_seq, subtree_seq FROM versions WHERE path IN ("+placeholders(len(args))+")",
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	var v int64
	for rows.Next() {
		var p string
		var exact, subtree int64
		if err := rows.Scan(&p, &exact, &subtree); err != nil {
			return 0, fmt.Errorf("scan version: %w", err)
		}
		if p == path {
			v = max(v, subtree)
		} else {
			v = max(v, exact)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate versions: %w", err)
	}
	return Version(v), nil
}

func readValue(ctx context.Context, q queryer, path string) (snapshot.Value, error) {
	lo, hi := subtreeBounds(path)
	rows, err := q.QueryContext(ctx, `
		SELECT path, value FROM nodes
		WHERE path = ? OR (path > ? AND path < ?)
		ORDER BY path COLLATE BINARY
	`, path, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	leaves := make(map[string]snapshot.Value)
	for rows.Next() {
		var p, raw string
		if err := rows.Scan(&p, &raw); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		leaf, err := snapshot.Decode([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", p, err)
		}
		if leaf != nil {
			leaves[p] = leaf
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return snapshot.Build(path, leaves), nil
}

// Read returns the value rooted at path and its version.
//
// No transaction: the version is read before the value, so a concurrent
// write can only make the version stale, which fails the later CAS.
func (s *SQLite) Read(ctx context.Context, path string) (snapshot.Value, Version, error) {
	if err := s.check(path); err != nil {
		return nil, 0, err
	}
	ver, err := versionOf(ctx, s.db, path)
	if err != nil {
		return nil, 0, fmt.Errorf("read %s: %w", path, err)
	}
	v, err := readValue(ctx, s.db, path)
	if err != nil {
		return nil, 0, fmt.Errorf("read %s: %w", path, err)
	}
	return v, ver, nil
}

// CompareAndSwap writes value if path's version equals expected.
func (s *SQLite) CompareAndSwap(ctx context.Context, path string, expected Version, value snapshot.Value) (bool, error) {
	if err := s.check(path); err != nil {
		return false, err
	}
	return s.write(ctx, path, &expected, value)
}

// Set writes value unconditionally.
func (s *SQLite) Set(ctx context.Context, path string, value snapshot.Value) error {
	if err := s.check(path); err != nil {
		return err
	}
	_, err := s.write(ctx, path, nil, value)
	return err
}

func (s *SQLite) write(ctx context.Context, path string, expected *Version, value snapshot.Value) (bool, error) {
	value = snapshot.Normalize(value)
	leaves := snapshot.Flatten(path, value)
	encoded := make(map[string]string, len(leaves))
	for p, leaf := range leaves {
		b, err := snapshot.MarshalCanonical(leaf)
		if err != nil {
			return false, fmt.Errorf("write %s: encode %s: %w", path, p, err)
		}
		encoded[p] = string(b)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("write %s: begin: %w", path, err)
	}
	defer tx.Rollback()

	if expected != nil {
		cur, err := versionOf(ctx, tx, path)
		if err != nil {
			return false, fmt.Errorf("write %s: %w", path, err)
		}
		if cur != *expected {
			return false, nil
		}
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) + 1 FROM changes").Scan(&seq); err != nil {
		return false, fmt.Errorf("write %s: next seq: %w", path, err)
	}

	lo, hi := subtreeBounds(path)
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM nodes WHERE path = ? OR (path > ? AND path < ?)", path, lo, hi,
	); err != nil {
		return false, fmt.Errorf("write %s: clear subtree: %w", path, err)
	}

	ancestors := snapshot.Ancestors(path)
	if value != nil && len(ancestors) > 0 {
		args := make([]any, len(ancestors))
		for i, a := range ancestors {
			args[i] = a
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM nodes WHERE path IN ("+placeholders(len(args))+")", args...,
		); err != nil {
			return false, fmt.Errorf("write %s: clear ancestors: %w", path, err)
		}
	}

	for p, raw := range encoded {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO nodes (path, value) VALUES (?, ?)", p, raw,
		); err != nil {
			return false, fmt.Errorf("write %s: insert %s: %w", path, p, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO versions (path, exact_seq, subtree_seq) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET exact_seq = excluded.exact_seq, subtree_seq = excluded.subtree_seq
	`, path, seq, seq); err != nil {
		return false, fmt.Errorf("write %s: version: %w", path, err)
	}
	for _, a := range ancestors {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO versions (path, exact_seq, subtree_seq) VALUES (?, 0, ?)
			ON CONFLICT(path) DO UPDATE SET subtree_seq = excluded.subtree_seq
		`, a, seq); err != nil {
			return false, fmt.Errorf("write %s: ancestor version: %w", path, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO changes (seq, path) VALUES (?, ?)", seq, path,
	); err != nil {
		return false, fmt.Errorf("write %s: change log: %w", path, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("write %s: commit: %w", path, err)
	}

	s.hub.touch(path)
	return true, nil
}

// Watch registers fn. The current value is delivered on the next Deliver
// or Run iteration.
func (s *SQLite) Watch(path string, fn WatchFunc) (func(), error) {
	if err := s.check(path); err != nil {
		return nil, err
	}
	return s.hub.add(path, fn), nil
}

// Deliver tails the change log once and hands out changed snapshots on the
// calling goroutine. Returns the number of callbacks made.
func (s *SQLite) Deliver(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if err := s.poll(ctx); err != nil {
		return 0, err
	}
	return s.hub.refresh(ctx, func(ctx context.Context, path string) (snapshot.Value, error) {
		return readValue(ctx, s.db, path)
	})
}

func (s *SQLite) poll(ctx context.Context) error {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, path FROM changes WHERE seq > ? ORDER BY seq", s.lastSeq,
	)
	if err != nil {
		return fmt.Errorf("poll changes: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var seq int64
		var p string
		if err := rows.Scan(&seq, &p); err != nil {
			return fmt.Errorf("scan change: %w", err)
		}
		s.lastSeq = seq
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate changes: %w", err)
	}
	if len(paths) > 0 {
		s.hub.touch(paths...)
	}
	return nil
}

// Run delivers snapshots until ctx is cancelled, waking on local writes
// and on the poll interval for writes from other processes.
func (s *SQLite) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := s.Deliver(ctx); err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("sqlite delivery failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.hub.wait():
		}
	}
}

func (s *SQLite) check(path string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return snapshot.ValidatePath(path)
}
