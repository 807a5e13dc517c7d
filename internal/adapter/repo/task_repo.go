package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mealsnap/internal/domain"
)

// TaskRepositoryPG implements domain.TaskRepository on PostgreSQL.
type TaskRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewTaskRepository creates a task repository backed by PostgreSQL.
func NewTaskRepository(pool *pgxpool.Pool) *TaskRepositoryPG {
	return &TaskRepositoryPG{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS recognition_tasks (
    id          TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    result_json JSONB,
    error_msg   TEXT NOT NULL DEFAULT '',
    payload_b64 TEXT NOT NULL DEFAULT '',
    user_prompt TEXT NOT NULL DEFAULT '',
    language    TEXT NOT NULL DEFAULT '',
    attempts    INT  NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS recognition_tasks_status_idx
    ON recognition_tasks (status, created_at);
`

// EnsureSchema creates the task table when it does not exist yet.
func (r *TaskRepositoryPG) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, schema)
	return err
}

// Create inserts a new task record.
func (r *TaskRepositoryPG) Create(ctx context.Context, task *domain.RecognitionTask) error {
	query := `
INSERT INTO recognition_tasks (id, status, payload_b64, user_prompt, language)
VALUES ($1, $2, $3, $4, $5);
`
	_, err := r.pool.Exec(ctx, query,
		task.ID,
		task.Status,
		task.PayloadB64,
		task.UserPrompt,
		task.Language,
	)
	return err
}

// GetByID fetches a task by its identifier.
func (r *TaskRepositoryPG) GetByID(ctx context.Context, taskID string) (*domain.RecognitionTask, error) {
	query := `
SELECT id, status, result_json, error_msg, payload_b64, user_prompt, language, attempts, created_at, updated_at
FROM recognition_tasks
WHERE id = $1;
`
	return r.scanTask(r.pool.QueryRow(ctx, query, taskID))
}

// MarkPending moves a task into pending, storing the assembled payload and
// clearing any previous result or error. Processing tasks are not eligible.
func (r *TaskRepositoryPG) MarkPending(ctx context.Context, taskID, payloadB64, userPrompt string) error {
	query := `
UPDATE recognition_tasks
SET status = 'pending',
    payload_b64 = $2,
    user_prompt = CASE WHEN $3 <> '' THEN $3 ELSE user_prompt END,
    result_json = NULL,
    error_msg = '',
    updated_at = NOW()
WHERE id = $1 AND status <> 'processing';
`
	tag, err := r.pool.Exec(ctx, query, taskID, payloadB64, userPrompt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, taskID); err != nil {
			return err
		}
		return domain.ErrInvalidTransition
	}
	return nil
}

// ClaimPending atomically claims the oldest pending task for processing.
// SKIP LOCKED keeps concurrent workers from contending on the same row.
func (r *TaskRepositoryPG) ClaimPending(ctx context.Context) (*domain.RecognitionTask, error) {
	query := `
UPDATE recognition_tasks
SET status = 'processing', attempts = attempts + 1, updated_at = NOW()
WHERE id = (
    SELECT id FROM recognition_tasks
    WHERE status = 'pending'
    ORDER BY created_at
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING id, status, result_json, error_msg, payload_b64, user_prompt, language, attempts, created_at, updated_at;
`
	return r.scanTask(r.pool.QueryRow(ctx, query))
}

// MarkProcessing restarts an attempt on a claimed task, clearing the prior
// attempt's outcome.
func (r *TaskRepositoryPG) MarkProcessing(ctx context.Context, taskID string) error {
	query := `
UPDATE recognition_tasks
SET status = 'processing', result_json = NULL, error_msg = '', updated_at = NOW()
WHERE id = $1;
`
	return r.exec(ctx, query, taskID)
}

// Complete stores the recognized dishes and marks the task completed.
func (r *TaskRepositoryPG) Complete(ctx context.Context, taskID string, result []domain.Dish) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	query := `
UPDATE recognition_tasks
SET status = 'completed', result_json = $2, error_msg = '', updated_at = NOW()
WHERE id = $1;
`
	return r.exec(ctx, query, taskID, resultJSON)
}

// Fail records the failure reason and marks the task failed.
func (r *TaskRepositoryPG) Fail(ctx context.Context, taskID string, message string) error {
	query := `
UPDATE recognition_tasks
SET status = 'failed', result_json = NULL, error_msg = $2, updated_at = NOW()
WHERE id = $1;
`
	return r.exec(ctx, query, taskID, message)
}

func (r *TaskRepositoryPG) exec(ctx context.Context, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *TaskRepositoryPG) scanTask(row pgx.Row) (*domain.RecognitionTask, error) {
	var task domain.RecognitionTask
	var resultJSON []byte
	if err := row.Scan(
		&task.ID,
		&task.Status,
		&resultJSON,
		&task.Error,
		&task.PayloadB64,
		&task.UserPrompt,
		&task.Language,
		&task.Attempts,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &task.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	return &task, nil
}
