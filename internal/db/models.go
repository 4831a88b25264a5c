package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Reminder is a scheduled care task for the parent user. Task ids reference
// the outstanding queue entries for the current ring; at most one send and
// one timeout task exist per reminder at any time.
type Reminder struct {
	ID               uuid.UUID  `json:"id"`
	ForUser          uuid.UUID  `json:"for_user"`
	CreatedBy        uuid.UUID  `json:"created_by"`
	Title            string     `json:"title"`
	Body             string     `json:"body,omitempty"`
	ScheduledAt      time.Time  `json:"scheduled_at"`
	Status           string     `json:"status"`
	RingCount        int        `json:"ring_count"`
	MissCount        int        `json:"miss_count"`
	SnoozeCount      int        `json:"snooze_count"`
	FollowUpMinutes  int        `json:"follow_up_minutes"`
	SendTaskID       *string    `json:"send_task_id,omitempty"`
	TimeoutTaskID    *string    `json:"timeout_task_id,omitempty"`
	NotificationSent bool       `json:"notification_sent"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Status constants
const (
	StatusPending = "pending"
	StatusSnoozed = "snoozed"
	StatusDone    = "done"
	StatusMissed  = "missed"
)

// ActiveStatuses are the statuses under which a reminder can still ring.
// A snoozed reminder behaves exactly like a pending one on its final ring.
var ActiveStatuses = []string{StatusPending, StatusSnoozed}

// IsActive reports whether a reminder in the given status can still ring.
func IsActive(status string) bool {
	return status == StatusPending || status == StatusSnoozed
}

// Task target constants
const (
	TaskSend    = "send"
	TaskTimeout = "timeout"
)

// Task status constants
const (
	TaskStatusPending = "pending"
	TaskStatusLeased  = "leased"
)

// ScheduledTask is a delayed queue entry. The queue owns these rows
// exclusively; reminders only hold task ids for cancellation.
type ScheduledTask struct {
	ID          string          `json:"id"`
	Target      string          `json:"target"`
	Payload     json.RawMessage `json:"payload"`
	FireAt      time.Time       `json:"fire_at"`
	Status      string          `json:"status"`
	Attempt     int             `json:"attempt"`
	LeasedUntil *time.Time      `json:"leased_until,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// CareLink connects a parent user to their caregiver, carrying the contact
// addresses used for escalation and the running outcome counters.
type CareLink struct {
	ID               uuid.UUID `json:"id"`
	ParentID         uuid.UUID `json:"parent_id"`
	CaregiverID      uuid.UUID `json:"caregiver_id"`
	ParentDevice     *string   `json:"parent_device,omitempty"`
	CaregiverDevice  *string   `json:"caregiver_device,omitempty"`
	CaregiverEmail   *string   `json:"caregiver_email,omitempty"`
	CaregiverPhone   *string   `json:"caregiver_phone,omitempty"`
	CaregiverWebhook *string   `json:"caregiver_webhook,omitempty"`
	MissedTotal      int       `json:"missed_total"`
	CompletedTotal   int       `json:"completed_total"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TaskRefs is the pair of outstanding queue entry ids for a reminder's
// current ring. A nil pointer clears the column.
type TaskRefs struct {
	SendTaskID    *string
	TimeoutTaskID *string
}

// Expect is the precondition of a conditional reminder update. Empty
// Statuses or zero RingCount means "any".
type Expect struct {
	Statuses  []string
	RingCount int
}

// Change describes the fields a transition writes. Nil pointers are left
// untouched; counters are incremented atomically in SQL.
type Change struct {
	Status           *string
	ScheduledAt      *time.Time
	RingCount        *int
	IncMissCount     bool
	IncSnoozeCount   bool
	NotificationSent *bool
	CompletedAt      *time.Time
	TaskRefs         *TaskRefs
}
