// Package notify delivers pushes to parents and caregivers. Delivery is
// best-effort: a failed dispatch is logged and counted, never retried here
// and never allowed to stall the reminder lifecycle.
package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Channel constants
const (
	ChannelPush    = "push"
	ChannelSMS     = "sms"
	ChannelEmail   = "email"
	ChannelWebhook = "webhook"
)

// Push is a single outbound message. To is a channel-specific address: a
// device endpoint ARN, a phone number, an email address, or a webhook URL.
type Push struct {
	Channel  string
	To       string
	Title    string
	Body     string
	Metadata map[string]string
}

// Dispatcher is the unified interface for all delivery channels.
// Implementations: push/SMS (SNS), email (SES), webhooks.
type Dispatcher interface {
	Dispatch(ctx context.Context, push Push) error
	Supports(channel string) bool
}

// MultiDispatcher routes a push to the first dispatcher supporting its channel.
type MultiDispatcher struct {
	dispatchers []Dispatcher
	logger      *zap.Logger
}

// NewMultiDispatcher creates a router over multiple channel dispatchers.
func NewMultiDispatcher(logger *zap.Logger, dispatchers ...Dispatcher) *MultiDispatcher {
	return &MultiDispatcher{
		dispatchers: dispatchers,
		logger:      logger,
	}
}

// Dispatch routes the push to the appropriate channel dispatcher.
func (m *MultiDispatcher) Dispatch(ctx context.Context, push Push) error {
	for _, d := range m.dispatchers {
		if d.Supports(push.Channel) {
			m.logger.Debug("routing push",
				zap.String("channel", push.Channel),
			)
			return d.Dispatch(ctx, push)
		}
	}

	return fmt.Errorf("no dispatcher for channel: %s", push.Channel)
}

// Supports checks if any underlying dispatcher supports the channel.
func (m *MultiDispatcher) Supports(channel string) bool {
	for _, d := range m.dispatchers {
		if d.Supports(channel) {
			return true
		}
	}
	return false
}

// LogDispatcher logs pushes instead of delivering them (development mode).
type LogDispatcher struct {
	logger *zap.Logger
}

func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Dispatch(ctx context.Context, push Push) error {
	d.logger.Info("dispatching push (development mode)",
		zap.String("channel", push.Channel),
		zap.String("to", push.To),
		zap.String("title", push.Title),
		zap.String("body", push.Body),
	)
	return nil
}

func (d *LogDispatcher) Supports(channel string) bool {
	// Accepts everything so development runs need no AWS credentials.
	return channel == ChannelPush || channel == ChannelSMS ||
		channel == ChannelEmail || channel == ChannelWebhook
}
