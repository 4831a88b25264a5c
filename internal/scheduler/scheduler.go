// Package scheduler keeps the delayed task queue in sync with reminder
// state. Every reminder write is funneled through here as a lifecycle event.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carebell/carebell/internal/db"
	"github.com/carebell/carebell/internal/queue"
)

// EventKind identifies what happened to a reminder record.
type EventKind int

const (
	EventCreated EventKind = iota
	EventUpdated
	EventDeleted
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventUpdated:
		return "updated"
	case EventDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Event is a reminder lifecycle change. Before is nil for created events,
// After is nil for deleted events.
type Event struct {
	Kind   EventKind
	Before *db.Reminder
	After  *db.Reminder
}

// Queue is the delayed task queue surface the scheduler drives.
type Queue interface {
	Schedule(ctx context.Context, taskID, target string, fireAt time.Time, payload queue.Payload) (string, error)
	Cancel(ctx context.Context, taskID string) (bool, error)
}

// Store persists the task ids back onto the reminder record.
type Store interface {
	SetTaskRefs(ctx context.Context, id uuid.UUID, refs db.TaskRefs) error
}

// Scheduler reacts to reminder events with queue operations.
type Scheduler struct {
	queue  Queue
	store  Store
	grace  time.Duration
	logger *zap.Logger
}

// New creates a scheduler. grace is the window after a ring before its
// timeout fires.
func New(q Queue, store Store, grace time.Duration, logger *zap.Logger) *Scheduler {
	if grace <= 0 {
		grace = 2 * time.Minute
	}
	return &Scheduler{
		queue:  q,
		store:  store,
		grace:  grace,
		logger: logger,
	}
}

// Apply translates a reminder event into queue operations.
func (s *Scheduler) Apply(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventCreated:
		return s.applyCreated(ctx, ev.After)
	case EventUpdated:
		return s.applyUpdated(ctx, ev.Before, ev.After)
	case EventDeleted:
		s.CancelOutstanding(ctx, ev.Before)
		return nil
	default:
		return fmt.Errorf("unknown event kind %d", ev.Kind)
	}
}

func (s *Scheduler) applyCreated(ctx context.Context, rem *db.Reminder) error {
	if rem == nil || !db.IsActive(rem.Status) {
		return nil
	}

	// Past-dated reminders never fire; they are stale imports, not misses.
	if !rem.ScheduledAt.After(time.Now()) {
		s.logger.Info("skipping past-dated reminder",
			zap.String("reminder_id", rem.ID.String()),
			zap.Time("scheduled_at", rem.ScheduledAt),
		)
		return nil
	}

	return s.SchedulePair(ctx, rem)
}

func (s *Scheduler) applyUpdated(ctx context.Context, before, after *db.Reminder) error {
	if after == nil {
		return nil
	}

	if before != nil && db.IsActive(before.Status) && !db.IsActive(after.Status) {
		s.CancelOutstanding(ctx, before)
		return nil
	}

	if !db.IsActive(after.Status) {
		return nil
	}

	timeChanged := before == nil || !before.ScheduledAt.Equal(after.ScheduledAt)
	if !timeChanged {
		return nil
	}

	if before != nil {
		s.CancelOutstanding(ctx, before)
	}

	if !after.ScheduledAt.After(time.Now()) {
		// Moved into the past: cancel only, never fire retroactively.
		return nil
	}

	return s.SchedulePair(ctx, after)
}

// SchedulePair enqueues the send task at the reminder's scheduled time and
// the timeout task one grace period later, both carrying the current ring,
// and records both ids on the reminder.
func (s *Scheduler) SchedulePair(ctx context.Context, rem *db.Reminder) error {
	payload := queue.Payload{
		ReminderID:   rem.ID,
		Ring:         rem.RingCount,
		ScheduledFor: rem.ScheduledAt,
	}

	sendID, err := s.queue.Schedule(ctx,
		queue.TaskID(rem.ID, db.TaskSend, rem.RingCount),
		db.TaskSend, rem.ScheduledAt, payload,
	)
	if err != nil {
		return fmt.Errorf("schedule send task: %w", err)
	}

	timeoutID, err := s.queue.Schedule(ctx,
		queue.TaskID(rem.ID, db.TaskTimeout, rem.RingCount),
		db.TaskTimeout, rem.ScheduledAt.Add(s.grace), payload,
	)
	if err != nil {
		s.cancel(ctx, sendID)
		return fmt.Errorf("schedule timeout task: %w", err)
	}

	if err := s.store.SetTaskRefs(ctx, rem.ID, db.TaskRefs{
		SendTaskID:    &sendID,
		TimeoutTaskID: &timeoutID,
	}); err != nil {
		return fmt.Errorf("record task refs: %w", err)
	}

	s.logger.Info("reminder ring scheduled",
		zap.String("reminder_id", rem.ID.String()),
		zap.Int("ring", rem.RingCount),
		zap.Time("scheduled_at", rem.ScheduledAt),
	)

	return nil
}

// ScheduleTimeoutOnly enqueues only a timeout task at the reminder's
// scheduled time and returns its id. Used after snooze/acknowledge, where the
// user already saw the ring and only the follow-up check is needed. The
// caller persists the id as part of its own state transition, so a failure
// here leaves the reminder's prior state and prior tasks untouched.
func (s *Scheduler) ScheduleTimeoutOnly(ctx context.Context, rem *db.Reminder) (string, error) {
	payload := queue.Payload{
		ReminderID:   rem.ID,
		Ring:         rem.RingCount,
		ScheduledFor: rem.ScheduledAt,
	}

	timeoutID, err := s.queue.Schedule(ctx,
		queue.TaskID(rem.ID, db.TaskTimeout, rem.RingCount),
		db.TaskTimeout, rem.ScheduledAt, payload,
	)
	if err != nil {
		return "", fmt.Errorf("schedule timeout task: %w", err)
	}

	return timeoutID, nil
}

// CancelOutstanding best-effort cancels the reminder's outstanding queue
// entries. A cancellation that loses the race with firing is silently
// tolerated; the handler's precondition check is the real safety net.
func (s *Scheduler) CancelOutstanding(ctx context.Context, rem *db.Reminder) {
	if rem == nil {
		return
	}
	if rem.SendTaskID != nil {
		s.cancel(ctx, *rem.SendTaskID)
	}
	if rem.TimeoutTaskID != nil {
		s.cancel(ctx, *rem.TimeoutTaskID)
	}
}

func (s *Scheduler) cancel(ctx context.Context, taskID string) {
	cancelled, err := s.queue.Cancel(ctx, taskID)
	if err != nil {
		s.logger.Warn("task cancellation failed",
			zap.String("task_id", taskID),
			zap.Error(err),
		)
		return
	}
	if !cancelled {
		s.logger.Debug("task already gone on cancel",
			zap.String("task_id", taskID),
		)
	}
}
