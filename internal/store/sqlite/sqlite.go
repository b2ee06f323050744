// Package sqlite implements the task store on an embedded SQLite database, one file per run.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"hpcflow/internal/store"
	"hpcflow/internal/workflow"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultRetryMax is used when Options.RetryMax is negative.
const DefaultRetryMax = 2

// qb builds statements with '?' placeholders. Values are always bound, never interpolated.
var qb = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// Options configures a Store.
type Options struct {
	// Path of the database file.
	Path string
	// LockTimeout bounds how long a writer waits for the database lock.
	LockTimeout time.Duration
	// RetryMax is the number of retries allowed per failure kind.
	RetryMax int
	// Graph is used for runnable checks and cascading failures. Defaults to workflow.DefaultGraph.
	Graph *workflow.Graph
	// SkipMigrate opens an existing database without running migrations.
	SkipMigrate bool
}

// Store provides the SQLite-backed task store.
type Store struct {
	db       *sql.DB
	graph    *workflow.Graph
	retryMax int
	now      func() time.Time
}

var (
	_ store.TaskStore      = (*Store)(nil)
	_ store.InFlightLister = (*Store)(nil)
	_ store.Reporter       = (*Store)(nil)
)

// Open connects to the database file, applies migrations and syncs the enumeration tables.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 15 * time.Second
	}

	// _txlock=immediate takes the write lock at BEGIN, so lock waits happen up front and
	// are bounded by busy_timeout.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate",
		opts.Path, opts.LockTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", opts.Path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database %s: %w", opts.Path, err)
	}

	if !opts.SkipMigrate {
		if err := Migrate(db); err != nil {
			db.Close()
			return nil, err
		}
		if err := syncEnums(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}

	return New(db, opts), nil
}

// New wraps an existing connection. Open should be preferred outside of tests.
func New(db *sql.DB, opts Options) *Store {
	graph := opts.Graph
	if graph == nil {
		graph = workflow.DefaultGraph()
	}
	retryMax := opts.RetryMax
	if retryMax < 0 {
		retryMax = DefaultRetryMax
	}
	return &Store{
		db:       db,
		graph:    graph,
		retryMax: retryMax,
		now:      time.Now,
	}
}

// DB exposes the underlying connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// RetryMax returns the configured retry ceiling.
func (s *Store) RetryMax() int {
	return s.retryMax
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// withTx runs fn inside one transaction. Any error rolls back everything fn did.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// nextModified returns a last_modified value strictly greater than prev.
func (s *Store) nextModified(prev int64) int64 {
	n := s.now().UnixNano()
	if n <= prev {
		n = prev + 1
	}
	return n
}

func nullableInt64(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func nullableInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullableTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0).UTC()
	return &t
}

func procCodes(procs []workflow.ProcessType) []int {
	codes := make([]int, len(procs))
	for i, p := range procs {
		codes[i] = int(p)
	}
	return codes
}

func statusCodes(statuses ...workflow.Status) []int {
	codes := make([]int, len(statuses))
	for i, s := range statuses {
		codes[i] = int(s)
	}
	return codes
}

// applyFilter narrows a select on the state table (optionally aliased) to filter.
func applyFilter(q sq.SelectBuilder, col func(string) string, filter store.TaskFilter) sq.SelectBuilder {
	if len(filter.Patterns) > 0 {
		or := sq.Or{}
		for _, p := range filter.Patterns {
			or = append(or, sq.Like{col("run_name"): p})
		}
		q = q.Where(or)
	}
	for _, p := range filter.ExcludePatterns {
		q = q.Where(sq.NotLike{col("run_name"): p})
	}
	if len(filter.ProcTypes) > 0 {
		q = q.Where(sq.Eq{col("proc_type"): procCodes(filter.ProcTypes)})
	}
	return q
}

func plainColumn(c string) string { return c }
