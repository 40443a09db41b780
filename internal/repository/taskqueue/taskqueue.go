package taskqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/arturfalcao/qa-dashboard-sub001/internal/models"
)

// const ...
const (
	maxLastErrorLen = 512
	schemaVersion   = 1
)

// ErrNoTasks is returned by Next when the queue is empty.
var ErrNoTasks = errors.New("no tasks available")

// Repository defines the interface for durable task queue operations. Every
// state transition commits before returning, so a crash at any point leaves
// the queue consistent: a task is either fully pending or gone.
// @gtg mp-metrics
type Repository interface {
	Enqueue(ctx context.Context, taskType models.TaskType, payload json.RawMessage) (err error)
	Next(ctx context.Context) (task *models.Task, err error)
	PendingCount(ctx context.Context) (count int, err error)
	AckSuccess(ctx context.Context, taskID int64) (err error)
	AckFailure(ctx context.Context, taskID int64, errMsg string) (err error)
}

type repository struct {
	db *sql.DB
}

// Open opens the queue database with WAL journaling so committed enqueues
// survive power loss.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open queue db: %w", err)
	}
	return db, nil
}

// Init runs migrations using PRAGMA user_version.
func (r *repository) Init(ctx context.Context) error {
	var ver int
	if err := r.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&ver); err != nil {
		return err
	}
	if ver >= schemaVersion {
		return nil
	}

	_, err := r.db.ExecContext(ctx, `
        CREATE TABLE IF NOT EXISTS tasks (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            type TEXT NOT NULL,
            payload BLOB NOT NULL,
            retry_count INTEGER NOT NULL DEFAULT 0,
            last_error TEXT NOT NULL DEFAULT '',
            idempotency_key TEXT NOT NULL,
            created_at TEXT NOT NULL
        );
    `)
	if err != nil {
		return fmt.Errorf("failed to create tasks table: %w", err)
	}

	if _, err = r.db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// Enqueue ...
func (r *repository) Enqueue(ctx context.Context, taskType models.TaskType, payload json.RawMessage) error {
	query := `
        INSERT INTO tasks (type, payload, idempotency_key, created_at)
        VALUES (?, ?, ?, ?)
    `
	_, err := r.db.ExecContext(ctx, query,
		string(taskType), []byte(payload), uuid.NewString(), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// Next returns the oldest pending task without removing it. Removal happens
// only through AckSuccess, so a crash mid-attempt leaves the task pending.
func (r *repository) Next(ctx context.Context) (*models.Task, error) {
	query := `
        SELECT id, type, payload, retry_count, last_error, idempotency_key, created_at
        FROM tasks
        ORDER BY id ASC
        LIMIT 1
    `

	var task models.Task
	var taskType, createdAt string

	err := r.db.QueryRowContext(ctx, query).Scan(
		&task.ID, &taskType, (*[]byte)(&task.Payload), &task.RetryCount,
		&task.LastError, &task.IdempotencyKey, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoTasks
	} else if err != nil {
		return nil, fmt.Errorf("failed to get next task: %w", err)
	}

	task.Type = models.TaskType(taskType)
	if task.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	return &task, nil
}

// PendingCount ...
func (r *repository) PendingCount(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending tasks: %w", err)
	}
	return count, nil
}

// AckSuccess permanently removes the task. Acking an id that is already gone
// is a no-op.
func (r *repository) AckSuccess(ctx context.Context, taskID int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID); err != nil {
		return fmt.Errorf("failed to ack task %d: %w", taskID, err)
	}
	return nil
}

// AckFailure records the failure on the task and leaves it at its position;
// FIFO order is preserved so the same task is retried next.
func (r *repository) AckFailure(ctx context.Context, taskID int64, errMsg string) error {
	if len(errMsg) > maxLastErrorLen {
		errMsg = errMsg[:maxLastErrorLen]
	}

	query := `
        UPDATE tasks
        SET retry_count = retry_count + 1, last_error = ?
        WHERE id = ?
    `
	if _, err := r.db.ExecContext(ctx, query, errMsg, taskID); err != nil {
		return fmt.Errorf("failed to record task failure %d: %w", taskID, err)
	}
	return nil
}

// NewRepository creates the queue repository and runs migrations.
func NewRepository(db *sql.DB) (Repository, error) {
	r := &repository{db: db}
	if err := r.Init(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to init queue schema: %w", err)
	}
	return r, nil
}
