package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a reminder or care link does not exist.
var ErrNotFound = errors.New("not found")

const reminderColumns = `
	id, for_user, created_by, title, body, scheduled_at,
	status, ring_count, miss_count, snooze_count, follow_up_minutes,
	send_task_id, timeout_task_id, notification_sent, completed_at,
	created_at, updated_at`

const (
	getReminderQuery = `SELECT` + reminderColumns + `
	FROM reminders WHERE id = $1`

	listRemindersQuery = `SELECT` + reminderColumns + `
	FROM reminders
	WHERE for_user = $1
	ORDER BY scheduled_at ASC
	LIMIT $2 OFFSET $3`

	applyTransitionQueryFmt = `UPDATE reminders SET %s WHERE %s RETURNING` + reminderColumns

	updateContentQueryFmt = `UPDATE reminders SET %s WHERE id = $1 RETURNING` + reminderColumns
)

// Repository handles database operations for reminders and care links
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new reminder repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateReminder inserts a new reminder into the database
func (r *Repository) CreateReminder(ctx context.Context, rem *Reminder) error {
	query := `
		INSERT INTO reminders (
			id, for_user, created_by, title, body, scheduled_at,
			status, ring_count, follow_up_minutes
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
		RETURNING miss_count, snooze_count, notification_sent, created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		rem.ID,
		rem.ForUser,
		rem.CreatedBy,
		rem.Title,
		rem.Body,
		rem.ScheduledAt,
		rem.Status,
		rem.RingCount,
		rem.FollowUpMinutes,
	).Scan(&rem.MissCount, &rem.SnoozeCount, &rem.NotificationSent, &rem.CreatedAt, &rem.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create reminder",
			zap.Error(err),
			zap.String("reminder_id", rem.ID.String()),
		)
		return fmt.Errorf("insert reminder: %w", err)
	}

	r.logger.Info("reminder created",
		zap.String("reminder_id", rem.ID.String()),
		zap.String("for_user", rem.ForUser.String()),
		zap.Time("scheduled_at", rem.ScheduledAt),
	)

	return nil
}

// GetReminder retrieves a reminder by ID
func (r *Repository) GetReminder(ctx context.Context, id uuid.UUID) (*Reminder, error) {
	rem, err := scanReminder(r.db.Pool().QueryRow(ctx, getReminderQuery, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reminder %s: %w", id, ErrNotFound)
	}
	if err != nil {
		r.logger.Error("failed to get reminder",
			zap.Error(err),
			zap.String("reminder_id", id.String()),
		)
		return nil, fmt.Errorf("query reminder: %w", err)
	}

	return rem, nil
}

// ListRemindersForUser retrieves reminders for a parent user with pagination
func (r *Repository) ListRemindersForUser(ctx context.Context, forUser uuid.UUID, limit, offset int) ([]*Reminder, error) {
	rows, err := r.db.Pool().Query(ctx, listRemindersQuery, forUser, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	defer rows.Close()

	var reminders []*Reminder
	for rows.Next() {
		rem, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		reminders = append(reminders, rem)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return reminders, nil
}

// DeleteReminder removes a reminder record. Returns false if it did not exist.
func (r *Repository) DeleteReminder(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM reminders WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete reminder: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// ApplyTransition performs a conditional update on a reminder. The update is
// committed only if the row still matches the expected status (and ring, if
// given); a write that lost the race returns (nil, nil) so the caller can
// treat it as a no-op. This is the single point where reminder state changes.
func (r *Repository) ApplyTransition(ctx context.Context, id uuid.UUID, expect Expect, change Change) (*Reminder, error) {
	sets := []string{"updated_at = NOW()"}
	args := []interface{}{id}

	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if change.Status != nil {
		add("status", *change.Status)
	}
	if change.ScheduledAt != nil {
		add("scheduled_at", *change.ScheduledAt)
	}
	if change.RingCount != nil {
		add("ring_count", *change.RingCount)
	}
	if change.IncMissCount {
		sets = append(sets, "miss_count = miss_count + 1")
	}
	if change.IncSnoozeCount {
		sets = append(sets, "snooze_count = snooze_count + 1")
	}
	if change.NotificationSent != nil {
		add("notification_sent", *change.NotificationSent)
	}
	if change.CompletedAt != nil {
		add("completed_at", *change.CompletedAt)
	}
	if change.TaskRefs != nil {
		add("send_task_id", change.TaskRefs.SendTaskID)
		add("timeout_task_id", change.TaskRefs.TimeoutTaskID)
	}

	where := []string{"id = $1"}
	if len(expect.Statuses) > 0 {
		args = append(args, expect.Statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if expect.RingCount > 0 {
		args = append(args, expect.RingCount)
		where = append(where, fmt.Sprintf("ring_count = $%d", len(args)))
	}

	query := fmt.Sprintf(applyTransitionQueryFmt,
		strings.Join(sets, ", "),
		strings.Join(where, " AND "),
	)

	rem, err := scanReminder(r.db.Pool().QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		// Row gone or precondition no longer holds: the other writer won.
		return nil, nil
	}
	if err != nil {
		r.logger.Error("failed to apply reminder transition",
			zap.Error(err),
			zap.String("reminder_id", id.String()),
		)
		return nil, fmt.Errorf("apply transition: %w", err)
	}

	return rem, nil
}

// ContentUpdate carries the user-editable reminder fields.
type ContentUpdate struct {
	Title           *string
	Body            *string
	ScheduledAt     *time.Time
	FollowUpMinutes *int
}

// UpdateReminderContent edits a reminder's user-facing fields. Status, ring
// and counters are owned by ApplyTransition and never touched here.
func (r *Repository) UpdateReminderContent(ctx context.Context, id uuid.UUID, upd ContentUpdate) (*Reminder, error) {
	sets := []string{"updated_at = NOW()"}
	args := []interface{}{id}

	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if upd.Title != nil {
		add("title", *upd.Title)
	}
	if upd.Body != nil {
		add("body", *upd.Body)
	}
	if upd.ScheduledAt != nil {
		add("scheduled_at", *upd.ScheduledAt)
	}
	if upd.FollowUpMinutes != nil {
		add("follow_up_minutes", *upd.FollowUpMinutes)
	}

	query := fmt.Sprintf(updateContentQueryFmt, strings.Join(sets, ", "))

	rem, err := scanReminder(r.db.Pool().QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update reminder: %w", err)
	}

	return rem, nil
}

// SetTaskRefs records the outstanding queue entry ids for a reminder without
// touching the rest of its state.
func (r *Repository) SetTaskRefs(ctx context.Context, id uuid.UUID, refs TaskRefs) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE reminders SET send_task_id = $2, timeout_task_id = $3, updated_at = NOW() WHERE id = $1`,
		id, refs.SendTaskID, refs.TimeoutTaskID,
	)
	if err != nil {
		return fmt.Errorf("set task refs: %w", err)
	}
	return nil
}

// GetCareLinkForParent finds the care link for a parent user.
func (r *Repository) GetCareLinkForParent(ctx context.Context, parentID uuid.UUID) (*CareLink, error) {
	query := `
		SELECT
			id, parent_id, caregiver_id, parent_device, caregiver_device,
			caregiver_email, caregiver_phone, caregiver_webhook,
			missed_total, completed_total, created_at, updated_at
		FROM care_links
		WHERE parent_id = $1
	`

	var link CareLink
	err := r.db.Pool().QueryRow(ctx, query, parentID).Scan(
		&link.ID,
		&link.ParentID,
		&link.CaregiverID,
		&link.ParentDevice,
		&link.CaregiverDevice,
		&link.CaregiverEmail,
		&link.CaregiverPhone,
		&link.CaregiverWebhook,
		&link.MissedTotal,
		&link.CompletedTotal,
		&link.CreatedAt,
		&link.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("care link for %s: %w", parentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query care link: %w", err)
	}

	return &link, nil
}

// IncrementCareLinkMissed bumps the caregiver's missed counter atomically.
// A parent without a care link is a no-op.
func (r *Repository) IncrementCareLinkMissed(ctx context.Context, parentID uuid.UUID) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE care_links SET missed_total = missed_total + 1, updated_at = NOW() WHERE parent_id = $1`,
		parentID,
	)
	if err != nil {
		return fmt.Errorf("increment missed total: %w", err)
	}
	return nil
}

// IncrementCareLinkCompleted bumps the caregiver's completed counter atomically.
func (r *Repository) IncrementCareLinkCompleted(ctx context.Context, parentID uuid.UUID) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE care_links SET completed_total = completed_total + 1, updated_at = NOW() WHERE parent_id = $1`,
		parentID,
	)
	if err != nil {
		return fmt.Errorf("increment completed total: %w", err)
	}
	return nil
}

func scanReminder(row pgx.Row) (*Reminder, error) {
	var rem Reminder
	err := row.Scan(
		&rem.ID,
		&rem.ForUser,
		&rem.CreatedBy,
		&rem.Title,
		&rem.Body,
		&rem.ScheduledAt,
		&rem.Status,
		&rem.RingCount,
		&rem.MissCount,
		&rem.SnoozeCount,
		&rem.FollowUpMinutes,
		&rem.SendTaskID,
		&rem.TimeoutTaskID,
		&rem.NotificationSent,
		&rem.CompletedAt,
		&rem.CreatedAt,
		&rem.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rem, nil
}
