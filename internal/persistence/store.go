package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aristath/taskpilot/internal/scheduler"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrProjectNotFound is returned when a project ID is unknown.
var ErrProjectNotFound = errors.New("project not found")

// ErrNeedsBackfill is returned by Load when legacy rows still lack a sequence.
var ErrNeedsBackfill = errors.New("tasks without sequence numbers; run backfill")

// Store defines the persistence interface for projects, tasks and execution history.
type Store interface {
	// Task graph operations
	Load(ctx context.Context, projectID int64) ([]*scheduler.Task, error)
	Save(ctx context.Context, task *scheduler.Task) (*scheduler.Task, error)
	Delete(ctx context.Context, key scheduler.Key) error
	DeleteAndSave(ctx context.Context, key scheduler.Key, rewrites []*scheduler.Task) ([]*scheduler.Task, error)

	// Project metadata
	Project(ctx context.Context, id int64) (*scheduler.Project, error)
	SaveProject(ctx context.Context, p *scheduler.Project) (*scheduler.Project, error)
	Projects(ctx context.Context) ([]*scheduler.Project, error)

	// Execution history
	SaveExecution(ctx context.Context, rec scheduler.ExecutionRecord) error
	Executions(ctx context.Context, key scheduler.Key) ([]scheduler.ExecutionRecord, error)
	SavePartial(ctx context.Context, key scheduler.Key, content string) error
	Partial(ctx context.Context, key scheduler.Key) (string, error)

	// Maintenance
	BackfillSequences(ctx context.Context) (int, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// modernc.org/sqlite applies _pragma parameters on every new connection
	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_time_format=sqlite", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(2)

	return newStore(ctx, db)
}

// NewMemoryStore creates an in-memory SQLite store for testing. Each store
// gets its own named database, pinned to a single connection.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:taskpilot-%s?mode=memory&cache=shared&_pragma=foreign_keys(1)&_time_format=sqlite", uuid.NewString())
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	db.SetMaxOpenConns(1)

	return newStore(ctx, db)
}

func newStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
