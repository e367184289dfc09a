package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements MetadataProvider on a local SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// SQLiteConfig holds SQLite store configuration.
type SQLiteConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore opens the database, enables WAL mode, and runs migrations.
func NewSQLiteStore(ctx context.Context, cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, path: cfg.Path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// CreateRun creates a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *RunRecord) error {
	query := `
		INSERT INTO runs (id, flow_name, status, origin_run_id, start_step, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.FlowName,
		run.Status,
		run.OriginRunID,
		run.StartStep,
		run.Error,
		run.StartedAt,
		run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// UpdateRunStatus updates the status of a run, stamping the completion time
// for terminal states.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status RunStatus, errMsg *string) error {
	query := `
		UPDATE runs
		SET status = ?, error = ?, completed_at = ?
		WHERE id = ?
	`

	var completedAt *time.Time
	if status == RunStatusSuccessful || status == RunStatusFailed {
		now := time.Now().UTC()
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, query, status, errMsg, completedAt, runID)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	query := `
		SELECT id, flow_name, status, origin_run_id, start_step, error, started_at, completed_at
		FROM runs
		WHERE id = ?
	`

	run := &RunRecord{}
	err := s.db.QueryRowContext(ctx, query, runID).Scan(
		&run.ID,
		&run.FlowName,
		&run.Status,
		&run.OriginRunID,
		&run.StartStep,
		&run.Error,
		&run.StartedAt,
		&run.CompletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs newest-first with pagination.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error) {
	query := `
		SELECT id, flow_name, status, origin_run_id, start_step, error, started_at, completed_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*RunRecord{}
	for rows.Next() {
		run := &RunRecord{}
		err := rows.Scan(
			&run.ID,
			&run.FlowName,
			&run.Status,
			&run.OriginRunID,
			&run.StartStep,
			&run.Error,
			&run.StartedAt,
			&run.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// RecordTask creates a new task record.
func (s *SQLiteStore) RecordTask(ctx context.Context, task *TaskRecord) error {
	query := `
		INSERT INTO tasks (id, run_id, step, status, foreach_index, origin_task_id, attempts, error, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.RunID,
		task.Step,
		task.Status,
		task.ForeachIndex,
		task.OriginTaskID,
		task.Attempts,
		task.Error,
		task.CreatedAt,
		task.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record task: %w", err)
	}
	return nil
}

// UpdateTaskStatus updates a task's status and attempt count, stamping the
// completion time for terminal states. Task IDs are scoped to their run.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, runID, taskID string, status TaskStatus, attempts int, errMsg *string) error {
	query := `
		UPDATE tasks
		SET status = ?, attempts = ?, error = ?, completed_at = ?
		WHERE run_id = ? AND id = ?
	`

	var completedAt *time.Time
	if status == TaskStatusSucceeded || status == TaskStatusFailed || status == TaskStatusCloned {
		now := time.Now().UTC()
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, query, status, attempts, errMsg, completedAt, runID, taskID)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task not found: %s/%s", runID, taskID)
	}
	return nil
}

// ListTasksByRun lists all tasks of a run in creation order. Resume uses it
// to locate the origin run's completed tasks.
func (s *SQLiteStore) ListTasksByRun(ctx context.Context, runID string) ([]*TaskRecord, error) {
	query := `
		SELECT id, run_id, step, status, foreach_index, origin_task_id, attempts, error, created_at, completed_at
		FROM tasks
		WHERE run_id = ?
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*TaskRecord{}
	for rows.Next() {
		task := &TaskRecord{}
		err := rows.Scan(
			&task.ID,
			&task.RunID,
			&task.Step,
			&task.Status,
			&task.ForeachIndex,
			&task.OriginTaskID,
			&task.Attempts,
			&task.Error,
			&task.CreatedAt,
			&task.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// RecordAttempt creates a new attempt record.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, attempt *AttemptRecord) error {
	query := `
		INSERT INTO attempts (task_id, run_id, attempt, outcome, stdout_path, stderr_path, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		attempt.TaskID,
		attempt.RunID,
		attempt.Attempt,
		attempt.Outcome,
		attempt.StdoutPath,
		attempt.StderrPath,
		attempt.StartedAt,
		attempt.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// FinishAttempt stamps an attempt's outcome and completion time.
func (s *SQLiteStore) FinishAttempt(ctx context.Context, runID, taskID string, attempt int, outcome string) error {
	query := `
		UPDATE attempts
		SET outcome = ?, completed_at = ?
		WHERE run_id = ? AND task_id = ? AND attempt = ?
	`

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, query, outcome, &now, runID, taskID, attempt)
	if err != nil {
		return fmt.Errorf("failed to finish attempt: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("attempt not found: %s/%s/%d", runID, taskID, attempt)
	}
	return nil
}

// AppendEvent appends one run event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *EventRecord) error {
	query := `
		INSERT INTO events (run_id, task_id, level, message, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.RunID,
		event.TaskID,
		event.Level,
		event.Message,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents lists the most recent events of a run, oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, limit int) ([]*EventRecord, error) {
	query := `
		SELECT id, run_id, task_id, level, message, timestamp
		FROM (
			SELECT id, run_id, task_id, level, message, timestamp
			FROM events
			WHERE run_id = ?
			ORDER BY id DESC
			LIMIT ?
		)
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		event := &EventRecord{}
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.TaskID,
			&event.Level,
			&event.Message,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}
