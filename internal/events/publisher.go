// Package events fans reminder outcomes out to SQS for downstream consumers
// (weekly summaries, care analytics). Publishing is optional and best-effort.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carebell/carebell/internal/db"
)

// Event kinds
const (
	KindMissed    = "missed"
	KindDismissed = "dismissed"
	KindCompleted = "completed"
)

// ReminderEvent is the payload published per reminder outcome.
type ReminderEvent struct {
	ReminderID uuid.UUID `json:"reminder_id"`
	ForUser    uuid.UUID `json:"for_user"`
	Kind       string    `json:"kind"`
	Ring       int       `json:"ring"`
	MissCount  int       `json:"miss_count"`
	OccurredAt int64     `json:"occurred_at"`
}

// NewReminderEvent builds an event from a reminder's post-transition state.
func NewReminderEvent(rem *db.Reminder, kind string) ReminderEvent {
	return ReminderEvent{
		ReminderID: rem.ID,
		ForUser:    rem.ForUser,
		Kind:       kind,
		Ring:       rem.RingCount,
		MissCount:  rem.MissCount,
		OccurredAt: time.Now().UnixNano(),
	}
}

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// Publisher sends reminder events to SQS.
type Publisher struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewPublisher creates an SQS publisher.
func NewPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg)

	logger.Info("event publisher initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Publisher{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Publish sends an event. Returns the SQS message id via logging only;
// callers never block the reminder lifecycle on this.
func (p *Publisher) Publish(ctx context.Context, ev ReminderEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to publish reminder event",
			zap.Error(err),
			zap.String("reminder_id", ev.ReminderID.String()),
			zap.String("kind", ev.Kind),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Debug("reminder event published",
		zap.String("reminder_id", ev.ReminderID.String()),
		zap.String("kind", ev.Kind),
		zap.String("sqs_message_id", *result.MessageId),
	)

	return nil
}
