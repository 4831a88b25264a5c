package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carebell/carebell/internal/db"
	"github.com/carebell/carebell/internal/events"
	"github.com/carebell/carebell/internal/queue"
	"github.com/carebell/carebell/internal/scheduler"
)

type fakeStore struct {
	mu        sync.Mutex
	reminders map[uuid.UUID]*db.Reminder
	missed    int
	completed int
}

func newFakeStore(rems ...*db.Reminder) *fakeStore {
	s := &fakeStore{reminders: make(map[uuid.UUID]*db.Reminder)}
	for _, r := range rems {
		cp := *r
		s.reminders[r.ID] = &cp
	}
	return s
}

func (s *fakeStore) GetReminder(_ context.Context, id uuid.UUID) (*db.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rem, ok := s.reminders[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *rem
	return &cp, nil
}

func (s *fakeStore) ApplyTransition(_ context.Context, id uuid.UUID, expect db.Expect, change db.Change) (*db.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rem, ok := s.reminders[id]
	if !ok {
		return nil, nil
	}
	matched := false
	for _, st := range expect.Statuses {
		if rem.Status == st {
			matched = true
		}
	}
	if !matched {
		return nil, nil
	}
	if expect.RingCount > 0 && rem.RingCount != expect.RingCount {
		return nil, nil
	}

	if change.Status != nil {
		rem.Status = *change.Status
	}
	if change.ScheduledAt != nil {
		rem.ScheduledAt = *change.ScheduledAt
	}
	if change.RingCount != nil {
		rem.RingCount = *change.RingCount
	}
	if change.IncMissCount {
		rem.MissCount++
	}
	if change.IncSnoozeCount {
		rem.SnoozeCount++
	}
	if change.NotificationSent != nil {
		rem.NotificationSent = *change.NotificationSent
	}
	if change.CompletedAt != nil {
		rem.CompletedAt = change.CompletedAt
	}
	if change.TaskRefs != nil {
		rem.SendTaskID = change.TaskRefs.SendTaskID
		rem.TimeoutTaskID = change.TaskRefs.TimeoutTaskID
	}

	cp := *rem
	return &cp, nil
}

func (s *fakeStore) IncrementCareLinkMissed(context.Context, uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missed++
	return nil
}

func (s *fakeStore) IncrementCareLinkCompleted(context.Context, uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed++
	return nil
}

type fakeScheduler struct {
	applied      []scheduler.Event
	timeoutOnly  []*db.Reminder
	cancelled    []*db.Reminder
	applyErr     error
	timeoutError error
}

func (s *fakeScheduler) Apply(_ context.Context, ev scheduler.Event) error {
	s.applied = append(s.applied, ev)
	return s.applyErr
}

func (s *fakeScheduler) ScheduleTimeoutOnly(_ context.Context, rem *db.Reminder) (string, error) {
	if s.timeoutError != nil {
		return "", s.timeoutError
	}
	s.timeoutOnly = append(s.timeoutOnly, rem)
	return rem.ID.String() + "-timeout-2-abcd1234", nil
}

func (s *fakeScheduler) CancelOutstanding(_ context.Context, rem *db.Reminder) {
	s.cancelled = append(s.cancelled, rem)
}

type fakeNotifier struct {
	rings     []*db.Reminder
	escalated []*db.Reminder
	dismissed []bool
	completed []*db.Reminder
}

func (n *fakeNotifier) RingParent(_ context.Context, rem *db.Reminder) {
	n.rings = append(n.rings, rem)
}

func (n *fakeNotifier) EscalateMissed(_ context.Context, rem *db.Reminder, dismissed bool) {
	n.escalated = append(n.escalated, rem)
	n.dismissed = append(n.dismissed, dismissed)
}

func (n *fakeNotifier) NotifyCompleted(_ context.Context, rem *db.Reminder) {
	n.completed = append(n.completed, rem)
}

type fakeGuard struct {
	seen map[string]bool
}

func (g *fakeGuard) Once(_ context.Context, key string) bool {
	if g.seen == nil {
		g.seen = make(map[string]bool)
	}
	if g.seen[key] {
		return false
	}
	g.seen[key] = true
	return true
}

type fakePublisher struct {
	published []events.ReminderEvent
}

func (p *fakePublisher) Publish(_ context.Context, ev events.ReminderEvent) error {
	p.published = append(p.published, ev)
	return nil
}

func activeReminder(ring int) *db.Reminder {
	return &db.Reminder{
		ID:              uuid.New(),
		ForUser:         uuid.New(),
		Title:           "take pills",
		ScheduledAt:     time.Now().Add(-time.Minute),
		Status:          db.StatusPending,
		RingCount:       ring,
		FollowUpMinutes: 10,
	}
}

type harness struct {
	machine   *Machine
	store     *fakeStore
	sched     *fakeScheduler
	notifier  *fakeNotifier
	publisher *fakePublisher
}

func newHarness(rems ...*db.Reminder) *harness {
	store := newFakeStore(rems...)
	sched := &fakeScheduler{}
	notifier := &fakeNotifier{}
	publisher := &fakePublisher{}
	m := New(store, sched, notifier, &fakeGuard{}, publisher, zap.NewNop())
	return &harness{machine: m, store: store, sched: sched, notifier: notifier, publisher: publisher}
}

func TestHandleSendRingsParentOnce(t *testing.T) {
	rem := activeReminder(1)
	h := newHarness(rem)
	payload := queue.Payload{ReminderID: rem.ID, Ring: 1}

	if err := h.machine.HandleSend(context.Background(), payload); err != nil {
		t.Fatalf("HandleSend: %v", err)
	}
	if len(h.notifier.rings) != 1 {
		t.Fatalf("expected 1 ring, got %d", len(h.notifier.rings))
	}

	// Redelivery sees notification_sent=true and stays quiet.
	if err := h.machine.HandleSend(context.Background(), payload); err != nil {
		t.Fatalf("redelivered HandleSend: %v", err)
	}
	if len(h.notifier.rings) != 1 {
		t.Fatalf("redelivery rang again: %d rings", len(h.notifier.rings))
	}
}

func TestHandleSendStaleRingIsNoop(t *testing.T) {
	rem := activeReminder(2)
	h := newHarness(rem)

	if err := h.machine.HandleSend(context.Background(), queue.Payload{ReminderID: rem.ID, Ring: 1}); err != nil {
		t.Fatalf("HandleSend: %v", err)
	}
	if len(h.notifier.rings) != 0 {
		t.Fatal("stale send task rang the parent")
	}
}

func TestHandleSendMissingReminderAbsorbed(t *testing.T) {
	h := newHarness()
	if err := h.machine.HandleSend(context.Background(), queue.Payload{ReminderID: uuid.New(), Ring: 1}); err != nil {
		t.Fatalf("expected nil for missing reminder, got %v", err)
	}
}

func TestFirstTimeoutAdvancesToFinalRing(t *testing.T) {
	rem := activeReminder(1)
	rem.NotificationSent = true
	h := newHarness(rem)

	if err := h.machine.HandleTimeout(context.Background(), queue.Payload{ReminderID: rem.ID, Ring: 1}); err != nil {
		t.Fatalf("HandleTimeout: %v", err)
	}

	got, _ := h.store.GetReminder(context.Background(), rem.ID)
	if got.RingCount != 2 {
		t.Fatalf("ring count = %d, want 2", got.RingCount)
	}
	if got.Status != db.StatusPending {
		t.Fatalf("status = %q, want pending", got.Status)
	}
	if got.MissCount != 1 {
		t.Fatalf("miss count = %d, want 1", got.MissCount)
	}
	if got.NotificationSent {
		t.Fatal("notification_sent not reset for the final ring")
	}
	wantAt := rem.ScheduledAt.Add(10 * time.Minute)
	if !got.ScheduledAt.Equal(wantAt) {
		t.Fatalf("scheduled at %v, want %v", got.ScheduledAt, wantAt)
	}

	if len(h.sched.applied) != 1 || h.sched.applied[0].Kind != scheduler.EventUpdated {
		t.Fatal("expected an update event to rearm the queue")
	}
	if len(h.notifier.escalated) != 0 {
		t.Fatal("first timeout must not escalate")
	}
}

func TestSecondTimeoutEscalates(t *testing.T) {
	rem := activeReminder(2)
	h := newHarness(rem)
	payload := queue.Payload{ReminderID: rem.ID, Ring: 2}

	if err := h.machine.HandleTimeout(context.Background(), payload); err != nil {
		t.Fatalf("HandleTimeout: %v", err)
	}

	got, _ := h.store.GetReminder(context.Background(), rem.ID)
	if got.Status != db.StatusMissed {
		t.Fatalf("status = %q, want missed", got.Status)
	}
	if len(h.notifier.escalated) != 1 || h.notifier.dismissed[0] {
		t.Fatal("expected one non-dismissed escalation")
	}
	if h.store.missed != 1 {
		t.Fatalf("caregiver missed counter = %d, want 1", h.store.missed)
	}
	if len(h.publisher.published) != 1 || h.publisher.published[0].Kind != events.KindMissed {
		t.Fatal("expected a missed event")
	}
	if len(h.sched.cancelled) != 1 {
		t.Fatal("outstanding tasks were not cancelled")
	}

	// Redelivery: precondition fails, no second escalation.
	if err := h.machine.HandleTimeout(context.Background(), payload); err != nil {
		t.Fatalf("redelivered HandleTimeout: %v", err)
	}
	if len(h.notifier.escalated) != 1 || h.store.missed != 1 {
		t.Fatal("redelivered timeout escalated again")
	}
}

func TestTimeoutLosesRaceToDone(t *testing.T) {
	rem := activeReminder(2)
	h := newHarness(rem)

	if err := h.machine.HandleAction(context.Background(), rem.ID, ActionDone, 0); err != nil {
		t.Fatalf("HandleAction: %v", err)
	}
	if err := h.machine.HandleTimeout(context.Background(), queue.Payload{ReminderID: rem.ID, Ring: 2}); err != nil {
		t.Fatalf("HandleTimeout after done: %v", err)
	}

	got, _ := h.store.GetReminder(context.Background(), rem.ID)
	if got.Status != db.StatusDone {
		t.Fatalf("status = %q, want done to stand", got.Status)
	}
	if len(h.notifier.escalated) != 0 {
		t.Fatal("late timeout escalated a completed reminder")
	}
}

func TestDoneCompletesAndNotifies(t *testing.T) {
	rem := activeReminder(1)
	h := newHarness(rem)

	if err := h.machine.HandleAction(context.Background(), rem.ID, ActionDone, 0); err != nil {
		t.Fatalf("HandleAction: %v", err)
	}

	got, _ := h.store.GetReminder(context.Background(), rem.ID)
	if got.Status != db.StatusDone {
		t.Fatalf("status = %q, want done", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
	if len(h.notifier.completed) != 1 {
		t.Fatal("caregiver was not told about the completion")
	}
	if h.store.completed != 1 {
		t.Fatalf("completed counter = %d, want 1", h.store.completed)
	}
	if len(h.sched.cancelled) != 1 {
		t.Fatal("outstanding tasks were not cancelled")
	}
	if len(h.publisher.published) != 1 || h.publisher.published[0].Kind != events.KindCompleted {
		t.Fatal("expected a completed event")
	}

	// Repeating done on a terminal reminder is an idempotent success.
	if err := h.machine.HandleAction(context.Background(), rem.ID, ActionDone, 0); err != nil {
		t.Fatalf("repeated done: %v", err)
	}
	if h.store.completed != 1 || len(h.notifier.completed) != 1 {
		t.Fatal("repeated done had side effects")
	}
}

func TestSnoozeDefersAndArmsTimeoutOnly(t *testing.T) {
	rem := activeReminder(1)
	h := newHarness(rem)
	before := time.Now()

	if err := h.machine.HandleAction(context.Background(), rem.ID, ActionSnooze, 15); err != nil {
		t.Fatalf("HandleAction: %v", err)
	}

	got, _ := h.store.GetReminder(context.Background(), rem.ID)
	if got.Status != db.StatusSnoozed {
		t.Fatalf("status = %q, want snoozed", got.Status)
	}
	if got.RingCount != 2 {
		t.Fatalf("ring count = %d, want 2", got.RingCount)
	}
	if got.SnoozeCount != 1 || got.MissCount != 1 {
		t.Fatalf("snooze=%d miss=%d, want 1/1", got.SnoozeCount, got.MissCount)
	}
	if got.ScheduledAt.Before(before.Add(15 * time.Minute)) {
		t.Fatalf("scheduled at %v, want at least 15m out", got.ScheduledAt)
	}
	if len(h.sched.timeoutOnly) != 1 {
		t.Fatal("no timeout-only task armed")
	}
	if got.TimeoutTaskID == nil || got.SendTaskID != nil {
		t.Fatalf("task refs = %v/%v, want only the new timeout recorded", got.SendTaskID, got.TimeoutTaskID)
	}
	if len(h.sched.cancelled) != 1 {
		t.Fatal("prior tasks were not cancelled")
	}
	if h.store.missed != 1 {
		t.Fatalf("caregiver missed counter = %d, want 1", h.store.missed)
	}
}

func TestSnoozeDefaultsToFollowUpWindow(t *testing.T) {
	rem := activeReminder(1)
	rem.FollowUpMinutes = 25
	h := newHarness(rem)
	before := time.Now()

	if err := h.machine.HandleAction(context.Background(), rem.ID, ActionSnooze, 0); err != nil {
		t.Fatalf("HandleAction: %v", err)
	}

	got, _ := h.store.GetReminder(context.Background(), rem.ID)
	if got.ScheduledAt.Before(before.Add(25 * time.Minute)) {
		t.Fatalf("scheduled at %v, want the reminder's own follow-up window", got.ScheduledAt)
	}
}

func TestAcknowledgeDoesNotCountAsSnooze(t *testing.T) {
	rem := activeReminder(1)
	h := newHarness(rem)

	if err := h.machine.HandleAction(context.Background(), rem.ID, ActionAcknowledge, 5); err != nil {
		t.Fatalf("HandleAction: %v", err)
	}

	got, _ := h.store.GetReminder(context.Background(), rem.ID)
	if got.SnoozeCount != 0 {
		t.Fatalf("snooze count = %d, want 0 for im_on_it", got.SnoozeCount)
	}
	if got.MissCount != 1 {
		t.Fatalf("miss count = %d, want 1", got.MissCount)
	}
	if got.Status != db.StatusSnoozed || got.RingCount != 2 {
		t.Fatalf("status=%q ring=%d, want snoozed/2", got.Status, got.RingCount)
	}
}

func TestDismissEscalatesAsDismissed(t *testing.T) {
	rem := activeReminder(1)
	h := newHarness(rem)

	if err := h.machine.HandleAction(context.Background(), rem.ID, ActionDismiss, 0); err != nil {
		t.Fatalf("HandleAction: %v", err)
	}

	got, _ := h.store.GetReminder(context.Background(), rem.ID)
	if got.Status != db.StatusMissed {
		t.Fatalf("status = %q, want missed", got.Status)
	}
	if len(h.notifier.escalated) != 1 || !h.notifier.dismissed[0] {
		t.Fatal("expected a dismissed escalation")
	}
	if len(h.publisher.published) != 1 || h.publisher.published[0].Kind != events.KindDismissed {
		t.Fatal("expected a dismissed event")
	}
}

func TestActionOnMissingReminderSurfaced(t *testing.T) {
	h := newHarness()
	err := h.machine.HandleAction(context.Background(), uuid.New(), ActionDone, 0)
	if !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGuardSuppressesDuplicateEscalation(t *testing.T) {
	rem := activeReminder(2)
	store := newFakeStore(rem)
	sched := &fakeScheduler{}
	notifier := &fakeNotifier{}
	guard := &fakeGuard{seen: map[string]bool{"escalation:" + rem.ID.String(): true}}
	m := New(store, sched, notifier, guard, nil, zap.NewNop())

	if err := m.HandleTimeout(context.Background(), queue.Payload{ReminderID: rem.ID, Ring: 2}); err != nil {
		t.Fatalf("HandleTimeout: %v", err)
	}

	got, _ := store.GetReminder(context.Background(), rem.ID)
	if got.Status != db.StatusMissed {
		t.Fatalf("status = %q, want missed even when escalation is deduped", got.Status)
	}
	if len(notifier.escalated) != 0 {
		t.Fatal("guard did not suppress the duplicate escalation")
	}
}

func TestSnoozeBeyondHorizonLeavesStateIntact(t *testing.T) {
	rem := activeReminder(1)
	h := newHarness(rem)
	h.sched.timeoutError = fmt.Errorf("schedule timeout task: %w", queue.ErrHorizonExceeded)

	err := h.machine.HandleAction(context.Background(), rem.ID, ActionSnooze, 525600)
	if !errors.Is(err, queue.ErrHorizonExceeded) {
		t.Fatalf("expected ErrHorizonExceeded, got %v", err)
	}

	got, _ := h.store.GetReminder(context.Background(), rem.ID)
	if got.Status != db.StatusPending || got.RingCount != 1 {
		t.Fatalf("status=%q ring=%d, want the prior state untouched", got.Status, got.RingCount)
	}
	if !got.ScheduledAt.Equal(rem.ScheduledAt) {
		t.Fatal("scheduled time changed despite the failed snooze")
	}
	if len(h.sched.cancelled) != 0 {
		t.Fatal("prior tasks were cancelled despite the failed snooze")
	}
	if h.store.missed != 0 || got.SnoozeCount != 0 {
		t.Fatal("failed snooze bumped counters")
	}
}

type doneRacingStore struct {
	*fakeStore
}

func (s *doneRacingStore) ApplyTransition(ctx context.Context, id uuid.UUID, expect db.Expect, change db.Change) (*db.Reminder, error) {
	s.mu.Lock()
	if rem, ok := s.reminders[id]; ok {
		rem.Status = db.StatusDone
	}
	s.mu.Unlock()
	return s.fakeStore.ApplyTransition(ctx, id, expect, change)
}

func TestSnoozeLosingRaceCancelsStagedTimeout(t *testing.T) {
	rem := activeReminder(1)
	store := &doneRacingStore{fakeStore: newFakeStore(rem)}
	sched := &fakeScheduler{}
	m := New(store, sched, &fakeNotifier{}, nil, nil, zap.NewNop())

	if err := m.HandleAction(context.Background(), rem.ID, ActionSnooze, 15); err != nil {
		t.Fatalf("losing snooze must be a no-op, got %v", err)
	}

	got, _ := store.GetReminder(context.Background(), rem.ID)
	if got.Status != db.StatusDone {
		t.Fatalf("status = %q, want the racing done to stand", got.Status)
	}
	if len(sched.timeoutOnly) != 1 {
		t.Fatalf("expected the timeout armed before the transition, got %d", len(sched.timeoutOnly))
	}
	if len(sched.cancelled) != 1 || sched.cancelled[0].TimeoutTaskID == nil {
		t.Fatal("orphaned timeout task was not cancelled")
	}
	if store.missed != 0 {
		t.Fatal("losing snooze bumped the caregiver missed counter")
	}
}

func TestDoneAfterMissedIsIdempotent(t *testing.T) {
	rem := activeReminder(2)
	h := newHarness(rem)

	if err := h.machine.HandleTimeout(context.Background(), queue.Payload{ReminderID: rem.ID, Ring: 2}); err != nil {
		t.Fatalf("HandleTimeout: %v", err)
	}
	if err := h.machine.HandleAction(context.Background(), rem.ID, ActionDone, 0); err != nil {
		t.Fatalf("done after missed must be an idempotent success, got %v", err)
	}

	got, _ := h.store.GetReminder(context.Background(), rem.ID)
	if got.Status != db.StatusMissed {
		t.Fatalf("status = %q, want missed to stand", got.Status)
	}
	if h.store.completed != 0 || len(h.notifier.completed) != 0 {
		t.Fatal("late done had completion side effects")
	}
}

func TestConcurrentDoneAndTimeoutCommitOnce(t *testing.T) {
	for i := 0; i < 25; i++ {
		rem := activeReminder(2)
		h := newHarness(rem)
		payload := queue.Payload{ReminderID: rem.ID, Ring: 2}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := h.machine.HandleAction(context.Background(), rem.ID, ActionDone, 0); err != nil {
				t.Errorf("HandleAction: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := h.machine.HandleTimeout(context.Background(), payload); err != nil {
				t.Errorf("HandleTimeout: %v", err)
			}
		}()
		wg.Wait()

		got, _ := h.store.GetReminder(context.Background(), rem.ID)
		commits := h.store.completed + len(h.notifier.escalated)
		if commits != 1 {
			t.Fatalf("expected exactly one committed transition, got %d (status %q)", commits, got.Status)
		}
		switch got.Status {
		case db.StatusDone:
			if h.store.completed != 1 || len(h.notifier.escalated) != 0 {
				t.Fatal("done won but escalation side effects ran")
			}
		case db.StatusMissed:
			if len(h.notifier.escalated) != 1 || h.store.completed != 0 {
				t.Fatal("missed won but completion side effects ran")
			}
		default:
			t.Fatalf("reminder left non-terminal: %q", got.Status)
		}
	}
}

func TestFinalRingRearmFailureDoesNotFailTask(t *testing.T) {
	rem := activeReminder(1)
	h := newHarness(rem)
	h.sched.applyErr = errors.New("queue unavailable")

	if err := h.machine.HandleTimeout(context.Background(), queue.Payload{ReminderID: rem.ID, Ring: 1}); err != nil {
		t.Fatalf("rearm failure must not fail the task, got %v", err)
	}

	got, _ := h.store.GetReminder(context.Background(), rem.ID)
	if got.Status != db.StatusPending || got.RingCount != 2 {
		t.Fatalf("status=%q ring=%d, want the committed advance to stand", got.Status, got.RingCount)
	}
}

func TestNilGuardAndPublisherAreOptional(t *testing.T) {
	rem := activeReminder(2)
	store := newFakeStore(rem)
	m := New(store, &fakeScheduler{}, &fakeNotifier{}, nil, nil, zap.NewNop())

	if err := m.HandleTimeout(context.Background(), queue.Payload{ReminderID: rem.ID, Ring: 2}); err != nil {
		t.Fatalf("HandleTimeout: %v", err)
	}
	got, _ := store.GetReminder(context.Background(), rem.ID)
	if got.Status != db.StatusMissed {
		t.Fatalf("status = %q, want missed", got.Status)
	}
}
