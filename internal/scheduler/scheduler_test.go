package scheduler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carebell/carebell/internal/db"
	"github.com/carebell/carebell/internal/queue"
)

type scheduledCall struct {
	taskID  string
	target  string
	fireAt  time.Time
	payload queue.Payload
}

type fakeQueue struct {
	scheduled []scheduledCall
	cancelled []string
}

func (f *fakeQueue) Schedule(ctx context.Context, taskID, target string, fireAt time.Time, payload queue.Payload) (string, error) {
	f.scheduled = append(f.scheduled, scheduledCall{taskID, target, fireAt, payload})
	return taskID, nil
}

func (f *fakeQueue) Cancel(ctx context.Context, taskID string) (bool, error) {
	f.cancelled = append(f.cancelled, taskID)
	return true, nil
}

type fakeRefStore struct {
	refs map[uuid.UUID]db.TaskRefs
}

func (f *fakeRefStore) SetTaskRefs(ctx context.Context, id uuid.UUID, refs db.TaskRefs) error {
	if f.refs == nil {
		f.refs = make(map[uuid.UUID]db.TaskRefs)
	}
	f.refs[id] = refs
	return nil
}

func newScheduler() (*Scheduler, *fakeQueue, *fakeRefStore) {
	q := &fakeQueue{}
	store := &fakeRefStore{}
	return New(q, store, 2*time.Minute, zap.NewNop()), q, store
}

func futureReminder(ring int) *db.Reminder {
	sendID := "old-send"
	timeoutID := "old-timeout"
	return &db.Reminder{
		ID:            uuid.New(),
		ForUser:       uuid.New(),
		ScheduledAt:   time.Now().Add(5 * time.Minute),
		Status:        db.StatusPending,
		RingCount:     ring,
		SendTaskID:    &sendID,
		TimeoutTaskID: &timeoutID,
	}
}

func TestCreated_SchedulesSendAndTimeoutPair(t *testing.T) {
	s, q, store := newScheduler()
	rem := futureReminder(1)
	rem.SendTaskID = nil
	rem.TimeoutTaskID = nil

	if err := s.Apply(context.Background(), Event{Kind: EventCreated, After: rem}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(q.scheduled) != 2 {
		t.Fatalf("expected 2 scheduled tasks, got %d", len(q.scheduled))
	}

	send, timeout := q.scheduled[0], q.scheduled[1]
	if send.target != db.TaskSend || timeout.target != db.TaskTimeout {
		t.Errorf("unexpected targets: %s, %s", send.target, timeout.target)
	}
	if !send.fireAt.Equal(rem.ScheduledAt) {
		t.Errorf("send fires at %s, want %s", send.fireAt, rem.ScheduledAt)
	}
	if !timeout.fireAt.Equal(rem.ScheduledAt.Add(2 * time.Minute)) {
		t.Errorf("timeout fires at %s, want scheduled+grace", timeout.fireAt)
	}
	if send.payload.Ring != 1 || timeout.payload.Ring != 1 {
		t.Error("payloads must carry ring 1")
	}

	refs, ok := store.refs[rem.ID]
	if !ok || refs.SendTaskID == nil || refs.TimeoutTaskID == nil {
		t.Fatal("task ids not persisted on the reminder")
	}
	if !strings.HasPrefix(*refs.SendTaskID, rem.ID.String()+"-send-1-") {
		t.Errorf("unexpected send task id: %s", *refs.SendTaskID)
	}
}

func TestCreated_PastDatedReminderNeverFires(t *testing.T) {
	s, q, _ := newScheduler()
	rem := futureReminder(1)
	rem.ScheduledAt = time.Now().Add(-time.Minute)

	if err := s.Apply(context.Background(), Event{Kind: EventCreated, After: rem}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(q.scheduled) != 0 {
		t.Errorf("past-dated reminder scheduled %d tasks", len(q.scheduled))
	}
}

func TestCreated_TerminalStatusIgnored(t *testing.T) {
	s, q, _ := newScheduler()
	rem := futureReminder(1)
	rem.Status = db.StatusDone

	if err := s.Apply(context.Background(), Event{Kind: EventCreated, After: rem}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.scheduled) != 0 {
		t.Error("terminal reminder must not be scheduled")
	}
}

func TestUpdated_LeavingPendingCancelsBothTasks(t *testing.T) {
	s, q, _ := newScheduler()
	before := futureReminder(1)
	after := *before
	after.Status = db.StatusDone

	if err := s.Apply(context.Background(), Event{Kind: EventUpdated, Before: before, After: &after}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(q.cancelled) != 2 {
		t.Fatalf("expected 2 cancellations, got %d", len(q.cancelled))
	}
	if len(q.scheduled) != 0 {
		t.Error("nothing should be rescheduled after leaving pending")
	}
}

func TestUpdated_TimeChangeReschedulesWithCurrentRing(t *testing.T) {
	s, q, _ := newScheduler()
	before := futureReminder(2)
	after := *before
	after.ScheduledAt = before.ScheduledAt.Add(10 * time.Minute)

	if err := s.Apply(context.Background(), Event{Kind: EventUpdated, Before: before, After: &after}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(q.cancelled) != 2 {
		t.Errorf("expected old pair cancelled, got %d cancellations", len(q.cancelled))
	}
	if len(q.scheduled) != 2 {
		t.Fatalf("expected new pair scheduled, got %d", len(q.scheduled))
	}
	if q.scheduled[0].payload.Ring != 2 {
		t.Errorf("new tasks must keep ring 2, got %d", q.scheduled[0].payload.Ring)
	}
}

func TestUpdated_TimeMovedIntoPastCancelsOnly(t *testing.T) {
	s, q, _ := newScheduler()
	before := futureReminder(1)
	after := *before
	after.ScheduledAt = time.Now().Add(-time.Minute)

	if err := s.Apply(context.Background(), Event{Kind: EventUpdated, Before: before, After: &after}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(q.cancelled) != 2 {
		t.Errorf("expected old pair cancelled, got %d", len(q.cancelled))
	}
	if len(q.scheduled) != 0 {
		t.Error("reminder moved into the past must not be rescheduled")
	}
}

func TestUpdated_UnchangedTimeIsNoOp(t *testing.T) {
	s, q, _ := newScheduler()
	before := futureReminder(1)
	after := *before
	after.Title = "take the evening pills"

	if err := s.Apply(context.Background(), Event{Kind: EventUpdated, Before: before, After: &after}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(q.cancelled) != 0 || len(q.scheduled) != 0 {
		t.Error("no queue operations expected for a cosmetic update")
	}
}

func TestDeleted_CancelsBothTasks(t *testing.T) {
	s, q, _ := newScheduler()
	before := futureReminder(1)

	if err := s.Apply(context.Background(), Event{Kind: EventDeleted, Before: before}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(q.cancelled) != 2 {
		t.Errorf("expected 2 cancellations, got %d", len(q.cancelled))
	}
}

func TestDeleted_MissingTaskIDsAreNoOp(t *testing.T) {
	s, q, _ := newScheduler()
	before := futureReminder(1)
	before.SendTaskID = nil
	before.TimeoutTaskID = nil

	if err := s.Apply(context.Background(), Event{Kind: EventDeleted, Before: before}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.cancelled) != 0 {
		t.Error("nil task ids must not trigger cancellations")
	}
}

func TestScheduleTimeoutOnly_NoSendTask(t *testing.T) {
	s, q, store := newScheduler()
	rem := futureReminder(2)
	rem.ScheduledAt = time.Now().Add(5 * time.Minute)

	id, err := s.ScheduleTimeoutOnly(context.Background(), rem)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(q.scheduled) != 1 {
		t.Fatalf("expected exactly 1 task, got %d", len(q.scheduled))
	}
	if q.scheduled[0].target != db.TaskTimeout {
		t.Errorf("expected timeout task, got %s", q.scheduled[0].target)
	}
	if !q.scheduled[0].fireAt.Equal(rem.ScheduledAt) {
		t.Errorf("timeout-only task fires at %s, want %s", q.scheduled[0].fireAt, rem.ScheduledAt)
	}
	if !strings.HasPrefix(id, rem.ID.String()+"-timeout-2-") {
		t.Errorf("unexpected timeout task id: %s", id)
	}

	// The caller owns persisting the ref alongside its transition.
	if len(store.refs) != 0 {
		t.Error("timeout-only scheduling must not write task refs itself")
	}
}
