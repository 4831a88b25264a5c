// Package api exposes the reminder HTTP surface: CRUD over reminders, the
// user action endpoint, and the internal task callbacks used when firing is
// delegated to an external queue.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carebell/carebell/internal/db"
	"github.com/carebell/carebell/internal/escalation"
	"github.com/carebell/carebell/internal/queue"
	"github.com/carebell/carebell/internal/scheduler"
)

// ReminderStore defines the reminder persistence operations the API needs.
type ReminderStore interface {
	CreateReminder(ctx context.Context, rem *db.Reminder) error
	GetReminder(ctx context.Context, id uuid.UUID) (*db.Reminder, error)
	ListRemindersForUser(ctx context.Context, forUser uuid.UUID, limit, offset int) ([]*db.Reminder, error)
	UpdateReminderContent(ctx context.Context, id uuid.UUID, upd db.ContentUpdate) (*db.Reminder, error)
	DeleteReminder(ctx context.Context, id uuid.UUID) (bool, error)
}

// Scheduler receives reminder lifecycle events.
type Scheduler interface {
	Apply(ctx context.Context, ev scheduler.Event) error
}

// Machine is the escalation state machine surface used by the API.
type Machine interface {
	HandleAction(ctx context.Context, reminderID uuid.UUID, action escalation.Action, minutes int) error
	HandleSend(ctx context.Context, p queue.Payload) error
	HandleTimeout(ctx context.Context, p queue.Payload) error
}

// ReminderRequest represents the incoming create/update body.
type ReminderRequest struct {
	ForUser         string     `json:"for_user"`
	CreatedBy       string     `json:"created_by"`
	Title           string     `json:"title"`
	Body            string     `json:"body"`
	ScheduledAt     *time.Time `json:"scheduled_at"`
	FollowUpMinutes *int       `json:"follow_up_minutes"`
}

// ActionRequest is the body of the action endpoint.
type ActionRequest struct {
	Action  string `json:"action"`
	Minutes int    `json:"minutes"`
}

// ErrorResponse represents an error in problem+json format.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers.
type Handler struct {
	logger          *zap.Logger
	store           ReminderStore
	scheduler       Scheduler
	machine         Machine
	followUpDefault int
}

// NewHandler creates a new API handler. followUpDefault is applied when a
// create request omits follow_up_minutes.
func NewHandler(logger *zap.Logger, store ReminderStore, sched Scheduler, machine Machine, followUpDefault int) *Handler {
	return &Handler{
		logger:          logger,
		store:           store,
		scheduler:       sched,
		machine:         machine,
		followUpDefault: followUpDefault,
	}
}

// CreateReminder handles POST /v1/reminders.
func (h *Handler) CreateReminder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.ForUser == "" || req.Title == "" || req.ScheduledAt == nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields",
			"for_user, title, and scheduled_at are required")
		return
	}

	forUser, err := uuid.Parse(req.ForUser)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid for_user", "for_user must be a valid UUID")
		return
	}

	createdBy := forUser
	if req.CreatedBy != "" {
		if createdBy, err = uuid.Parse(req.CreatedBy); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid created_by", "created_by must be a valid UUID")
			return
		}
	}

	followUp := h.followUpDefault
	if req.FollowUpMinutes != nil {
		if *req.FollowUpMinutes <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid follow_up_minutes",
				"follow_up_minutes must be positive")
			return
		}
		followUp = *req.FollowUpMinutes
	}

	rem := &db.Reminder{
		ID:              uuid.New(),
		ForUser:         forUser,
		CreatedBy:       createdBy,
		Title:           req.Title,
		Body:            req.Body,
		ScheduledAt:     *req.ScheduledAt,
		Status:          db.StatusPending,
		RingCount:       1,
		FollowUpMinutes: followUp,
	}

	if err := h.store.CreateReminder(ctx, rem); err != nil {
		h.logger.Error("failed to create reminder",
			zap.Error(err),
			zap.String("for_user", req.ForUser),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create reminder", "")
		return
	}

	if err := h.scheduler.Apply(ctx, scheduler.Event{Kind: scheduler.EventCreated, After: rem}); err != nil {
		if errors.Is(err, queue.ErrHorizonExceeded) {
			// The record exists but nothing will ring; tell the caller.
			h.writeError(w, http.StatusUnprocessableEntity, "horizon_exceeded",
				"Scheduled time too far ahead",
				"scheduled_at exceeds the maximum scheduling horizon")
			return
		}
		h.logger.Error("failed to schedule reminder",
			zap.Error(err),
			zap.String("reminder_id", rem.ID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "schedule_error", "Failed to schedule reminder", "")
		return
	}

	h.logger.Info("reminder created",
		zap.String("id", rem.ID.String()),
		zap.String("for_user", req.ForUser),
		zap.Time("scheduled_at", rem.ScheduledAt),
	)

	h.writeJSON(w, http.StatusCreated, rem)
}

// GetReminder handles GET /v1/reminders/{id}.
func (h *Handler) GetReminder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	rem, err := h.store.GetReminder(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Reminder not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get reminder", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get reminder", "")
		return
	}

	h.writeJSON(w, http.StatusOK, rem)
}

// ListReminders handles GET /v1/reminders?for_user=xxx&limit=20&offset=0.
func (h *Handler) ListReminders(w http.ResponseWriter, r *http.Request) {
	forUserStr := r.URL.Query().Get("for_user")
	if forUserStr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing for_user", "for_user query parameter is required")
		return
	}

	forUser, err := uuid.Parse(forUserStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid for_user", "for_user must be a valid UUID")
		return
	}

	limit, offset := 20, 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	reminders, err := h.store.ListRemindersForUser(r.Context(), forUser, limit, offset)
	if err != nil {
		h.logger.Error("failed to list reminders", zap.Error(err), zap.String("for_user", forUserStr))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list reminders", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   reminders,
		"limit":  limit,
		"offset": offset,
		"count":  len(reminders),
	})
}

// UpdateReminder handles PATCH /v1/reminders/{id}.
func (h *Handler) UpdateReminder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req ReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	upd := db.ContentUpdate{
		ScheduledAt:     req.ScheduledAt,
		FollowUpMinutes: req.FollowUpMinutes,
	}
	if req.Title != "" {
		upd.Title = &req.Title
	}
	if req.Body != "" {
		upd.Body = &req.Body
	}
	if req.FollowUpMinutes != nil && *req.FollowUpMinutes <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid follow_up_minutes",
			"follow_up_minutes must be positive")
		return
	}

	before, err := h.store.GetReminder(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Reminder not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to load reminder", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update reminder", "")
		return
	}

	after, err := h.store.UpdateReminderContent(ctx, id, upd)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Reminder not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to update reminder", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update reminder", "")
		return
	}

	if err := h.scheduler.Apply(ctx, scheduler.Event{Kind: scheduler.EventUpdated, Before: before, After: after}); err != nil {
		if errors.Is(err, queue.ErrHorizonExceeded) {
			h.writeError(w, http.StatusUnprocessableEntity, "horizon_exceeded",
				"Scheduled time too far ahead",
				"scheduled_at exceeds the maximum scheduling horizon")
			return
		}
		h.logger.Error("failed to reschedule reminder",
			zap.Error(err),
			zap.String("reminder_id", id.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "schedule_error", "Failed to reschedule reminder", "")
		return
	}

	h.logger.Info("reminder updated", zap.String("id", id.String()))
	h.writeJSON(w, http.StatusOK, after)
}

// DeleteReminder handles DELETE /v1/reminders/{id}.
func (h *Handler) DeleteReminder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	// Load first: the record carries the task ids that must be cancelled.
	before, err := h.store.GetReminder(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Reminder not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to load reminder", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to delete reminder", "")
		return
	}

	deleted, err := h.store.DeleteReminder(ctx, id)
	if err != nil {
		h.logger.Error("failed to delete reminder", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to delete reminder", "")
		return
	}
	if !deleted {
		h.writeError(w, http.StatusNotFound, "not_found", "Reminder not found", "")
		return
	}

	if err := h.scheduler.Apply(ctx, scheduler.Event{Kind: scheduler.EventDeleted, Before: before}); err != nil {
		h.logger.Warn("failed to cancel tasks for deleted reminder",
			zap.Error(err),
			zap.String("reminder_id", id.String()),
		)
	}

	h.logger.Info("reminder deleted", zap.String("id", id.String()))
	w.WriteHeader(http.StatusNoContent)
}

// HandleAction handles POST /v1/reminders/{id}/action.
func (h *Handler) HandleAction(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	action, err := escalation.ParseAction(req.Action)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid action",
			"action must be one of: done, snooze, im_on_it, dismiss")
		return
	}

	err = h.machine.HandleAction(r.Context(), id, action, req.Minutes)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Reminder not found", "")
		return
	}
	if errors.Is(err, queue.ErrHorizonExceeded) {
		h.writeError(w, http.StatusUnprocessableEntity, "horizon_exceeded",
			"Snooze window too far ahead",
			"minutes exceeds the maximum scheduling horizon")
		return
	}
	if err != nil {
		h.logger.Error("failed to apply action",
			zap.Error(err),
			zap.String("reminder_id", id.String()),
			zap.String("action", req.Action),
		)
		h.writeError(w, http.StatusInternalServerError, "action_error", "Failed to apply action", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":     id.String(),
		"action": req.Action,
	})
}

// TaskCallback returns a handler for POST /internal/tasks/{target}. The
// response is always terminal (200 or 400), so an external queue calling in
// never retry-storms; retries live in the store-backed poller instead.
func (h *Handler) TaskCallback(target string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p queue.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}
		if p.ReminderID == uuid.Nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing reminder_id", "")
			return
		}

		var err error
		switch target {
		case db.TaskSend:
			err = h.machine.HandleSend(r.Context(), p)
		case db.TaskTimeout:
			err = h.machine.HandleTimeout(r.Context(), p)
		}
		if err != nil {
			h.logger.Error("task callback failed",
				zap.Error(err),
				zap.String("target", target),
				zap.String("reminder_id", p.ReminderID.String()),
			)
		}

		h.writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
	}
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid reminder ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
