package notify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carebell/carebell/internal/db"
	"github.com/carebell/carebell/internal/metrics"
)

// LinkStore resolves the care link carrying contact addresses.
type LinkStore interface {
	GetCareLinkForParent(ctx context.Context, parentID uuid.UUID) (*db.CareLink, error)
}

// Notifier composes reminder messages and routes them to the right person.
// Every method is fire-and-forget: a missing care link or a failed dispatch
// is logged, never surfaced, because delivery cannot be confirmed anyway.
type Notifier struct {
	store      LinkStore
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewNotifier creates a notifier over the given dispatcher.
func NewNotifier(store LinkStore, dispatcher Dispatcher, logger *zap.Logger) *Notifier {
	return &Notifier{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// RingParent pushes the reminder to the parent's device.
func (n *Notifier) RingParent(ctx context.Context, rem *db.Reminder) {
	link := n.link(ctx, rem.ForUser)
	if link == nil || link.ParentDevice == nil {
		n.logger.Info("no parent device registered, skipping ring",
			zap.String("reminder_id", rem.ID.String()),
		)
		return
	}

	body := rem.Body
	if body == "" {
		body = fmt.Sprintf("It's time: %s", rem.Title)
	}

	n.dispatch(ctx, Push{
		Channel:  ChannelPush,
		To:       *link.ParentDevice,
		Title:    rem.Title,
		Body:     body,
		Metadata: metadata(rem, "ring"),
	})

	metrics.RecordRingSent(rem.RingCount)
}

// EscalateMissed tells the caregiver the reminder went unresolved. The
// dismissed variant distinguishes a deliberate dismissal from a silent
// timeout; both count as missed.
func (n *Notifier) EscalateMissed(ctx context.Context, rem *db.Reminder, dismissed bool) {
	link := n.link(ctx, rem.ForUser)
	if link == nil {
		return
	}

	kind := "missed"
	title := "Missed reminder"
	body := fmt.Sprintf("%q was not acknowledged (scheduled for %s).",
		rem.Title, rem.ScheduledAt.Format(time.Kitchen))
	if dismissed {
		kind = "dismissed"
		title = "Reminder dismissed"
		body = fmt.Sprintf("%q was dismissed without being done.", rem.Title)
	}

	push, ok := caregiverPush(link, title, body, metadata(rem, kind))
	if !ok {
		n.logger.Info("no caregiver contact on file, skipping escalation",
			zap.String("reminder_id", rem.ID.String()),
		)
		return
	}

	n.dispatch(ctx, push)
	metrics.RecordEscalation(kind)
}

// NotifyCompleted tells the caregiver the reminder was done.
func (n *Notifier) NotifyCompleted(ctx context.Context, rem *db.Reminder) {
	link := n.link(ctx, rem.ForUser)
	if link == nil {
		return
	}

	push, ok := caregiverPush(link,
		"Reminder completed",
		fmt.Sprintf("%q was marked done.", rem.Title),
		metadata(rem, "completed"),
	)
	if !ok {
		return
	}

	n.dispatch(ctx, push)
}

func (n *Notifier) link(ctx context.Context, parentID uuid.UUID) *db.CareLink {
	link, err := n.store.GetCareLinkForParent(ctx, parentID)
	if err != nil {
		// Includes the no-link case; either way there is nobody to tell.
		n.logger.Debug("care link lookup failed",
			zap.String("parent_id", parentID.String()),
			zap.Error(err),
		)
		return nil
	}
	return link
}

func (n *Notifier) dispatch(ctx context.Context, push Push) {
	if err := n.dispatcher.Dispatch(ctx, push); err != nil {
		metrics.RecordDispatchFailure(push.Channel)
		n.logger.Warn("push dispatch failed",
			zap.String("channel", push.Channel),
			zap.Error(err),
		)
	}
}

// caregiverPush picks the caregiver's best contact channel: device push,
// then SMS, then email, then webhook.
func caregiverPush(link *db.CareLink, title, body string, meta map[string]string) (Push, bool) {
	push := Push{Title: title, Body: body, Metadata: meta}

	switch {
	case link.CaregiverDevice != nil:
		push.Channel, push.To = ChannelPush, *link.CaregiverDevice
	case link.CaregiverPhone != nil:
		push.Channel, push.To = ChannelSMS, *link.CaregiverPhone
	case link.CaregiverEmail != nil:
		push.Channel, push.To = ChannelEmail, *link.CaregiverEmail
	case link.CaregiverWebhook != nil:
		push.Channel, push.To = ChannelWebhook, *link.CaregiverWebhook
	default:
		return Push{}, false
	}

	return push, true
}

func metadata(rem *db.Reminder, kind string) map[string]string {
	return map[string]string{
		"reminder_id": rem.ID.String(),
		"kind":        kind,
		"ring":        strconv.Itoa(rem.RingCount),
	}
}
