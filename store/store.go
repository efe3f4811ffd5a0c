// Package store provides the durable, concurrency-safe record of every
// download task. All engine state transitions are written through here before
// they are considered complete, so a crash leaves at worst a task stuck in a
// non-terminal phase rather than silently lost.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"tubedrop/types"
)

var (
	// ErrDuplicateTask is returned by Create when the task id already exists
	ErrDuplicateTask = errors.New("task already exists")

	// ErrTaskNotFound is returned when no task matches the given id
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskTerminal is returned by Update when the stored task has reached
	// a terminal status; terminal tasks are immutable except for deletion
	ErrTaskTerminal = errors.New("task is terminal")
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id               TEXT PRIMARY KEY,
	url              TEXT NOT NULL,
	status           TEXT NOT NULL,
	phase_detail     TEXT NOT NULL DEFAULT '',
	percent          REAL NOT NULL DEFAULT 0,
	speed            TEXT NOT NULL DEFAULT '',
	downloaded_bytes INTEGER NOT NULL DEFAULT 0,
	total_bytes      INTEGER NOT NULL DEFAULT 0,
	eta_seconds      INTEGER NOT NULL DEFAULT 0,
	format_id        TEXT NOT NULL DEFAULT '',
	output_path      TEXT NOT NULL DEFAULT '',
	error_kind       TEXT,
	error_message    TEXT,
	retry_count      INTEGER NOT NULL DEFAULT 0,
	last_attempt_at  TIMESTAMP,
	title            TEXT NOT NULL DEFAULT '',
	uploader         TEXT NOT NULL DEFAULT '',
	thumbnail        TEXT NOT NULL DEFAULT '',
	duration         INTEGER NOT NULL DEFAULT 0,
	file_size        INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMP NOT NULL,
	completed_at     TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks (created_at DESC);
`

const taskColumns = `id, url, status, phase_detail, percent, speed, downloaded_bytes,
	total_bytes, eta_seconds, format_id, output_path, error_kind, error_message,
	retry_count, last_attempt_at, title, uploader, thumbnail, duration, file_size,
	created_at, completed_at`

// TaskStore is a SQLite-backed task repository. Constructed once at process
// start and injected into the engine and handler layers.
type TaskStore struct {
	db *sql.DB
}

// Open opens (and migrates) the task database at path. ":memory:" gives an
// ephemeral store for tests.
func Open(path string) (*TaskStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open task database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping task database: %w", err)
	}
	// single connection: sqlite serializes writers, and the engine's
	// per-task single-writer contract does the rest
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate task schema: %w", err)
	}
	return &TaskStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *TaskStore) Close() error {
	return s.db.Close()
}

// Create inserts a new task record. Fails with ErrDuplicateTask when the id
// is already present.
func (s *TaskStore) Create(task *types.Task) error {
	var exists int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM tasks WHERE id = ?`, task.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check task existence: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}

	_, err = s.db.Exec(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		insertArgs(task)...,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// Get retrieves a task snapshot by id.
func (s *TaskStore) Get(id string) (*types.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task, err
}

// List returns tasks ordered by creation time descending. limit <= 0 means
// no limit.
func (s *TaskStore) List(limit, offset int) ([]*types.Task, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// Update applies mutate to the stored task inside one transaction. The read,
// the mutation and the write-back are atomic per task. Updates against a
// terminal task fail with ErrTaskTerminal.
func (s *TaskStore) Update(id string, mutate func(*types.Task) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin update transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTaskTerminal, id)
	}

	if err := mutate(task); err != nil {
		return err
	}

	args := insertArgs(task)[1:] // everything after id
	args = append(args, id)
	_, err = tx.Exec(`
		UPDATE tasks SET url = ?, status = ?, phase_detail = ?, percent = ?,
			speed = ?, downloaded_bytes = ?, total_bytes = ?, eta_seconds = ?,
			format_id = ?, output_path = ?, error_kind = ?, error_message = ?,
			retry_count = ?, last_attempt_at = ?, title = ?, uploader = ?,
			thumbnail = ?, duration = ?, file_size = ?, created_at = ?,
			completed_at = ?
		WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task update: %w", err)
	}
	return nil
}

// Delete removes a task record. The output file on disk is untouched; file
// removal is an explicit, separate engine operation.
func (s *TaskStore) Delete(id string) error {
	result, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return nil
}

func insertArgs(t *types.Task) []any {
	var errKind, errMsg sql.NullString
	var retryCount int
	var lastAttempt sql.NullTime
	if t.Error != nil {
		errKind = sql.NullString{String: string(t.Error.Kind), Valid: true}
		errMsg = sql.NullString{String: t.Error.Message, Valid: true}
		retryCount = t.Error.RetryCount
		if t.Error.LastAttemptAt != nil {
			lastAttempt = sql.NullTime{Time: *t.Error.LastAttemptAt, Valid: true}
		}
	}
	var completed sql.NullTime
	if t.CompletedAt != nil {
		completed = sql.NullTime{Time: *t.CompletedAt, Valid: true}
	}
	return []any{
		t.ID, t.URL, string(t.Status), t.PhaseDetail, t.Progress.Percent,
		t.Progress.Speed, t.Progress.DownloadedBytes, t.Progress.TotalBytes,
		t.Progress.ETASeconds, t.FormatID, t.OutputPath, errKind, errMsg,
		retryCount, lastAttempt, t.Title, t.Uploader, t.Thumbnail, t.Duration,
		t.FileSize, t.CreatedAt, completed,
	}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row scannable) (*types.Task, error) {
	var (
		t           types.Task
		status      string
		errKind     sql.NullString
		errMsg      sql.NullString
		retryCount  int
		lastAttempt sql.NullTime
		completed   sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.URL, &status, &t.PhaseDetail, &t.Progress.Percent,
		&t.Progress.Speed, &t.Progress.DownloadedBytes, &t.Progress.TotalBytes,
		&t.Progress.ETASeconds, &t.FormatID, &t.OutputPath, &errKind, &errMsg,
		&retryCount, &lastAttempt, &t.Title, &t.Uploader, &t.Thumbnail,
		&t.Duration, &t.FileSize, &t.CreatedAt, &completed,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	t.Status = types.TaskStatus(status)
	if errKind.Valid {
		t.Error = &types.ErrorDetail{
			Kind:       types.ErrorKind(errKind.String),
			Message:    errMsg.String,
			RetryCount: retryCount,
		}
		if lastAttempt.Valid {
			at := lastAttempt.Time
			t.Error.LastAttemptAt = &at
		}
	}
	if completed.Valid {
		at := completed.Time
		t.CompletedAt = &at
	}
	return &t, nil
}
