// Package queue implements the durable delayed task queue that drives
// reminder rings and timeouts. Tasks are persisted in Postgres and delivered
// at-least-once: handlers must tolerate seeing the same payload twice.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carebell/carebell/internal/db"
	"github.com/carebell/carebell/internal/metrics"
)

// ErrHorizonExceeded is returned when a task's fire time lies beyond the
// maximum scheduling lookahead. Longer horizons need a re-check-and-reschedule
// indirection upstream.
var ErrHorizonExceeded = errors.New("fire time exceeds scheduling horizon")

// clampEpsilon is how far into the future a past-dated fire time is pushed.
// A reminder created moments ago must still fire instead of erroring.
const clampEpsilon = 2 * time.Second

// Payload is what a fired task hands to its handler.
type Payload struct {
	ReminderID   uuid.UUID `json:"reminder_id"`
	Ring         int       `json:"ring"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// TaskStore is the persistence surface the queue needs.
type TaskStore interface {
	InsertTask(ctx context.Context, task *db.ScheduledTask) (bool, error)
	GetTask(ctx context.Context, id string) (*db.ScheduledTask, error)
	CancelTask(ctx context.Context, id string) (bool, error)
	ClaimDueTasks(ctx context.Context, limit int, lease time.Duration) ([]*db.ScheduledTask, error)
	CompleteTask(ctx context.Context, id string) error
	RetryTask(ctx context.Context, id string, fireAt time.Time, attempt int) error
}

// Queue schedules and cancels delayed tasks.
type Queue struct {
	store   TaskStore
	horizon time.Duration
	logger  *zap.Logger
}

// New creates a queue with the given scheduling horizon.
func New(store TaskStore, horizon time.Duration, logger *zap.Logger) *Queue {
	if horizon <= 0 {
		horizon = 30 * 24 * time.Hour
	}
	return &Queue{
		store:   store,
		horizon: horizon,
		logger:  logger,
	}
}

// TaskID builds a queue entry id. The ring is part of the id so rescheduling
// a later ring never collides with an earlier ring's entry, and the prefix
// keeps a reminder's tasks discoverable for diagnostics.
func TaskID(reminderID uuid.UUID, target string, ring int) string {
	suffix := uuid.NewString()[:8]
	return fmt.Sprintf("%s-%s-%d-%s", reminderID, target, ring, suffix)
}

// Schedule persists a task to fire at or after fireAt. A fire time in the
// past is clamped to now plus a small epsilon. Scheduling an id that already
// exists returns that id without error.
func (q *Queue) Schedule(ctx context.Context, taskID, target string, fireAt time.Time, payload Payload) (string, error) {
	now := time.Now()

	if fireAt.After(now.Add(q.horizon)) {
		return "", fmt.Errorf("task %s at %s: %w", taskID, fireAt.Format(time.RFC3339), ErrHorizonExceeded)
	}

	if fireAt.Before(now) {
		fireAt = now.Add(clampEpsilon)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	inserted, err := q.store.InsertTask(ctx, &db.ScheduledTask{
		ID:      taskID,
		Target:  target,
		Payload: body,
		FireAt:  fireAt,
	})
	if err != nil {
		return "", fmt.Errorf("schedule task: %w", err)
	}

	if !inserted {
		q.logger.Debug("task already scheduled",
			zap.String("task_id", taskID),
		)
		return taskID, nil
	}

	metrics.RecordTaskScheduled(target)

	q.logger.Info("task scheduled",
		zap.String("task_id", taskID),
		zap.String("target", target),
		zap.Time("fire_at", fireAt),
	)

	return taskID, nil
}

// Cancel removes a task that has not fired. Returns false when the task is
// unknown or already firing; that race is expected and never an error.
func (q *Queue) Cancel(ctx context.Context, taskID string) (bool, error) {
	cancelled, err := q.store.CancelTask(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("cancel task: %w", err)
	}

	if cancelled {
		q.logger.Debug("task cancelled", zap.String("task_id", taskID))
	}

	return cancelled, nil
}
