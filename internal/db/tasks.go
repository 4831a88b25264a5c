package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// InsertTask stores a new queue entry. Returns false without error when a
// task with the same id already exists, so scheduling is idempotent.
func (r *Repository) InsertTask(ctx context.Context, task *ScheduledTask) (bool, error) {
	query := `
		INSERT INTO scheduled_tasks (id, target, payload, fire_at, status, attempt)
		VALUES ($1, $2, $3, $4, $5, 0)
		ON CONFLICT (id) DO NOTHING
	`

	result, err := r.db.Pool().Exec(ctx, query,
		task.ID, task.Target, task.Payload, task.FireAt, TaskStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("insert task: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// GetTask retrieves a queue entry by id.
func (r *Repository) GetTask(ctx context.Context, id string) (*ScheduledTask, error) {
	query := `
		SELECT id, target, payload, fire_at, status, attempt, leased_until, created_at
		FROM scheduled_tasks
		WHERE id = $1
	`

	var task ScheduledTask
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&task.ID, &task.Target, &task.Payload, &task.FireAt,
		&task.Status, &task.Attempt, &task.LeasedUntil, &task.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}

	return &task, nil
}

// CancelTask removes a queue entry that has not fired yet. Returns false when
// the task is unknown or already leased to a handler; callers treat that as
// a lost race, not a failure.
func (r *Repository) CancelTask(ctx context.Context, id string) (bool, error) {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM scheduled_tasks WHERE id = $1 AND status = $2`,
		id, TaskStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("cancel task: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// ClaimDueTasks leases a batch of due tasks to this process. Expired leases
// are reclaimed, which is what makes delivery at-least-once: a crash between
// claim and completion puts the task back in play.
func (r *Repository) ClaimDueTasks(ctx context.Context, limit int, lease time.Duration) ([]*ScheduledTask, error) {
	query := `
		UPDATE scheduled_tasks
		SET status = $1, leased_until = NOW() + $2
		WHERE id IN (
			SELECT id FROM scheduled_tasks
			WHERE (status = $3 AND fire_at <= NOW())
			   OR (status = $1 AND leased_until < NOW())
			ORDER BY fire_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, target, payload, fire_at, status, attempt, leased_until, created_at
	`

	rows, err := r.db.Pool().Query(ctx, query, TaskStatusLeased, lease, TaskStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*ScheduledTask
	for rows.Next() {
		var task ScheduledTask
		err := rows.Scan(
			&task.ID, &task.Target, &task.Payload, &task.FireAt,
			&task.Status, &task.Attempt, &task.LeasedUntil, &task.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, &task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}

	return tasks, nil
}

// CompleteTask removes a queue entry after its handler finished (or after the
// retry budget is spent).
func (r *Repository) CompleteTask(ctx context.Context, id string) error {
	_, err := r.db.Pool().Exec(ctx, `DELETE FROM scheduled_tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

// RetryTask puts a leased task back in the queue for another handler attempt.
func (r *Repository) RetryTask(ctx context.Context, id string, fireAt time.Time, attempt int) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE scheduled_tasks SET status = $2, fire_at = $3, attempt = $4, leased_until = NULL WHERE id = $1`,
		id, TaskStatusPending, fireAt, attempt,
	)
	if err != nil {
		return fmt.Errorf("retry task: %w", err)
	}
	if result.RowsAffected() == 0 {
		r.logger.Warn("retry of unknown task", zap.String("task_id", id))
	}
	return nil
}
