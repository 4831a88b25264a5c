// Package escalation holds the reminder state machine: what happens when a
// ring fires, when its grace period times out, and when the user acts. Every
// transition is a conditional update so that a user action racing a timeout
// commits exactly once; the loser's write degrades to a no-op.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carebell/carebell/internal/db"
	"github.com/carebell/carebell/internal/events"
	"github.com/carebell/carebell/internal/metrics"
	"github.com/carebell/carebell/internal/queue"
	"github.com/carebell/carebell/internal/scheduler"
)

// Store is the reminder persistence surface the machine transitions against.
type Store interface {
	GetReminder(ctx context.Context, id uuid.UUID) (*db.Reminder, error)
	ApplyTransition(ctx context.Context, id uuid.UUID, expect db.Expect, change db.Change) (*db.Reminder, error)
	IncrementCareLinkMissed(ctx context.Context, parentID uuid.UUID) error
	IncrementCareLinkCompleted(ctx context.Context, parentID uuid.UUID) error
}

// Notifier delivers pushes; all methods are fire-and-forget.
type Notifier interface {
	RingParent(ctx context.Context, rem *db.Reminder)
	EscalateMissed(ctx context.Context, rem *db.Reminder, dismissed bool)
	NotifyCompleted(ctx context.Context, rem *db.Reminder)
}

// Scheduler is the queue-facing surface used for follow-up rings.
type Scheduler interface {
	Apply(ctx context.Context, ev scheduler.Event) error
	ScheduleTimeoutOnly(ctx context.Context, rem *db.Reminder) (string, error)
	CancelOutstanding(ctx context.Context, rem *db.Reminder)
}

// Guard deduplicates a side effect across redeliveries. Once returns true
// the first time a key is seen.
type Guard interface {
	Once(ctx context.Context, key string) bool
}

// Publisher fans reminder outcomes out to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, ev events.ReminderEvent) error
}

// Machine implements the escalation state machine.
type Machine struct {
	store     Store
	scheduler Scheduler
	notifier  Notifier
	guard     Guard     // nil disables dedup
	publisher Publisher // nil disables fan-out
	logger    *zap.Logger
}

// New creates the state machine. guard and publisher may be nil.
func New(store Store, sched Scheduler, notifier Notifier, guard Guard, publisher Publisher, logger *zap.Logger) *Machine {
	return &Machine{
		store:     store,
		scheduler: sched,
		notifier:  notifier,
		guard:     guard,
		publisher: publisher,
		logger:    logger,
	}
}

// HandleSend is the queue handler for "send" tasks: push the ring to the
// parent. Redeliveries and stale rings are no-ops.
func (m *Machine) HandleSend(ctx context.Context, p queue.Payload) error {
	rem, err := m.store.GetReminder(ctx, p.ReminderID)
	if errors.Is(err, db.ErrNotFound) {
		// Reminder deleted after the task was enqueued; not a failure.
		m.logger.Info("send task for missing reminder",
			zap.String("reminder_id", p.ReminderID.String()),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load reminder: %w", err)
	}

	if !db.IsActive(rem.Status) || rem.RingCount != p.Ring || rem.NotificationSent {
		return nil
	}

	// Push first, then mark. If the process dies in between, the redelivered
	// task sees notification_sent=false and pushes again: at-least-once.
	m.notifier.RingParent(ctx, rem)

	sent := true
	_, err = m.store.ApplyTransition(ctx, rem.ID,
		db.Expect{Statuses: db.ActiveStatuses, RingCount: p.Ring},
		db.Change{NotificationSent: &sent},
	)
	if err != nil {
		return fmt.Errorf("mark notification sent: %w", err)
	}

	return nil
}

// HandleTimeout is the queue handler for "timeout" tasks: the grace period
// elapsed without the user acting. Ring 1 advances to the final ring; ring 2
// terminates in missed and escalates to the caregiver.
func (m *Machine) HandleTimeout(ctx context.Context, p queue.Payload) error {
	rem, err := m.store.GetReminder(ctx, p.ReminderID)
	if errors.Is(err, db.ErrNotFound) {
		m.logger.Info("timeout task for missing reminder",
			zap.String("reminder_id", p.ReminderID.String()),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load reminder: %w", err)
	}

	if !db.IsActive(rem.Status) || rem.RingCount != p.Ring {
		// Already resolved, or a prior firing advanced the ring.
		return nil
	}

	if p.Ring == 1 {
		return m.advanceToFinalRing(ctx, rem)
	}
	return m.markMissed(ctx, rem, false)
}

func (m *Machine) advanceToFinalRing(ctx context.Context, rem *db.Reminder) error {
	status := db.StatusPending
	ring := 2
	sent := false
	nextAt := rem.ScheduledAt.Add(time.Duration(followUpMinutes(rem)) * time.Minute)

	after, err := m.store.ApplyTransition(ctx, rem.ID,
		db.Expect{Statuses: db.ActiveStatuses, RingCount: 1},
		db.Change{
			Status:           &status,
			ScheduledAt:      &nextAt,
			RingCount:        &ring,
			IncMissCount:     true,
			NotificationSent: &sent,
		},
	)
	if err != nil {
		return fmt.Errorf("advance to final ring: %w", err)
	}
	if after == nil {
		// A user action won the race; its transition stands.
		return nil
	}

	m.logger.Info("reminder advanced to final ring",
		zap.String("reminder_id", rem.ID.String()),
		zap.Time("next_ring_at", nextAt),
	)

	if err := m.scheduler.Apply(ctx, scheduler.Event{
		Kind:   scheduler.EventUpdated,
		Before: rem,
		After:  after,
	}); err != nil {
		// The transition is committed; scheduling cannot be retried through
		// the queue because the precondition no longer holds.
		m.logger.Error("failed to schedule final ring",
			zap.String("reminder_id", rem.ID.String()),
			zap.Error(err),
		)
	}

	return nil
}

func (m *Machine) markMissed(ctx context.Context, rem *db.Reminder, dismissed bool) error {
	status := db.StatusMissed
	expect := db.Expect{Statuses: db.ActiveStatuses}
	if !dismissed {
		expect.RingCount = 2
	}

	after, err := m.store.ApplyTransition(ctx, rem.ID, expect, db.Change{
		Status:       &status,
		IncMissCount: true,
		TaskRefs:     &db.TaskRefs{},
	})
	if err != nil {
		return fmt.Errorf("mark missed: %w", err)
	}
	if after == nil {
		return nil
	}

	m.scheduler.CancelOutstanding(ctx, rem)

	kind := events.KindMissed
	if dismissed {
		kind = events.KindDismissed
	}

	if m.once(ctx, "escalation:"+rem.ID.String()) {
		m.notifier.EscalateMissed(ctx, after, dismissed)
		if err := m.store.IncrementCareLinkMissed(ctx, after.ForUser); err != nil {
			m.logger.Error("failed to bump caregiver missed counter",
				zap.String("reminder_id", rem.ID.String()),
				zap.Error(err),
			)
		}
		m.publish(ctx, events.NewReminderEvent(after, kind))
	}

	m.logger.Info("reminder missed",
		zap.String("reminder_id", rem.ID.String()),
		zap.Bool("dismissed", dismissed),
		zap.Int("miss_count", after.MissCount),
	)

	return nil
}

// HandleAction applies a user action. Not-found is surfaced; a transition
// whose precondition no longer holds is an idempotent success.
func (m *Machine) HandleAction(ctx context.Context, reminderID uuid.UUID, action Action, minutes int) error {
	rem, err := m.store.GetReminder(ctx, reminderID)
	if err != nil {
		return err
	}

	metrics.RecordAction(action.String())

	switch action {
	case ActionDone:
		return m.markDone(ctx, rem)
	case ActionSnooze:
		return m.deferRing(ctx, rem, minutes, true)
	case ActionAcknowledge:
		return m.deferRing(ctx, rem, minutes, false)
	case ActionDismiss:
		return m.markMissed(ctx, rem, true)
	default:
		return fmt.Errorf("%w: %d", ErrInvalidAction, action)
	}
}

func (m *Machine) markDone(ctx context.Context, rem *db.Reminder) error {
	status := db.StatusDone
	now := time.Now()

	after, err := m.store.ApplyTransition(ctx, rem.ID,
		db.Expect{Statuses: db.ActiveStatuses},
		db.Change{
			Status:      &status,
			CompletedAt: &now,
			TaskRefs:    &db.TaskRefs{},
		},
	)
	if err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	if after == nil {
		// Already terminal; repeating "done" is fine.
		return nil
	}

	m.scheduler.CancelOutstanding(ctx, rem)
	m.notifier.NotifyCompleted(ctx, after)

	if err := m.store.IncrementCareLinkCompleted(ctx, after.ForUser); err != nil {
		m.logger.Error("failed to bump caregiver completed counter",
			zap.String("reminder_id", rem.ID.String()),
			zap.Error(err),
		)
	}
	m.publish(ctx, events.NewReminderEvent(after, events.KindCompleted))

	m.logger.Info("reminder done",
		zap.String("reminder_id", rem.ID.String()),
	)

	return nil
}

// deferRing implements snooze and acknowledge: jump straight to the final
// ring, push the scheduled time out, and arm only a timeout (the user
// already saw the notification, so no new send).
func (m *Machine) deferRing(ctx context.Context, rem *db.Reminder, minutes int, countSnooze bool) error {
	if !db.IsActive(rem.Status) {
		// Already resolved; repeating the action is fine.
		return nil
	}
	if minutes <= 0 {
		minutes = followUpMinutes(rem)
	}

	status := db.StatusSnoozed
	ring := 2
	sent := false
	nextAt := time.Now().Add(time.Duration(minutes) * time.Minute)

	// Arm the replacement timeout before committing the transition. If
	// scheduling fails (horizon, store outage) the reminder keeps its prior
	// state and prior timeout, so it still terminates.
	staged := *rem
	staged.Status = status
	staged.RingCount = ring
	staged.ScheduledAt = nextAt

	timeoutID, err := m.scheduler.ScheduleTimeoutOnly(ctx, &staged)
	if err != nil {
		return fmt.Errorf("schedule deferred timeout: %w", err)
	}

	after, err := m.store.ApplyTransition(ctx, rem.ID,
		db.Expect{Statuses: db.ActiveStatuses},
		db.Change{
			Status:           &status,
			ScheduledAt:      &nextAt,
			RingCount:        &ring,
			IncMissCount:     true,
			IncSnoozeCount:   countSnooze,
			NotificationSent: &sent,
			TaskRefs:         &db.TaskRefs{TimeoutTaskID: &timeoutID},
		},
	)
	if err != nil {
		return fmt.Errorf("defer ring: %w", err)
	}
	if after == nil {
		// Lost the race; the staged timeout is an orphan now. Cancel it; if
		// the cancel loses too, the handler's precondition check absorbs it.
		staged.SendTaskID = nil
		staged.TimeoutTaskID = &timeoutID
		m.scheduler.CancelOutstanding(ctx, &staged)
		return nil
	}

	m.scheduler.CancelOutstanding(ctx, rem)

	// Deferring still counts toward the caregiver's missed total.
	if err := m.store.IncrementCareLinkMissed(ctx, after.ForUser); err != nil {
		m.logger.Error("failed to bump caregiver missed counter",
			zap.String("reminder_id", rem.ID.String()),
			zap.Error(err),
		)
	}

	m.logger.Info("reminder deferred",
		zap.String("reminder_id", rem.ID.String()),
		zap.Int("minutes", minutes),
		zap.Bool("snooze", countSnooze),
	)

	return nil
}

func (m *Machine) once(ctx context.Context, key string) bool {
	if m.guard == nil {
		return true
	}
	return m.guard.Once(ctx, key)
}

func (m *Machine) publish(ctx context.Context, ev events.ReminderEvent) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, ev); err != nil {
		m.logger.Warn("event publish failed",
			zap.String("reminder_id", ev.ReminderID.String()),
			zap.String("kind", ev.Kind),
			zap.Error(err),
		)
	}
}

func followUpMinutes(rem *db.Reminder) int {
	if rem.FollowUpMinutes > 0 {
		return rem.FollowUpMinutes
	}
	return 10
}
