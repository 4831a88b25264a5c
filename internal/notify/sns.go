package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"
)

// SNSDispatcher delivers mobile pushes and SMS via AWS SNS. A push goes to a
// platform endpoint ARN, an SMS to a phone number.
type SNSDispatcher struct {
	client *sns.Client
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

// NewSNSDispatcher creates an SNS-backed dispatcher.
func NewSNSDispatcher(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSDispatcher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSDispatcher{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Dispatch publishes the push via SNS.
func (d *SNSDispatcher) Dispatch(ctx context.Context, push Push) error {
	if push.To == "" {
		return fmt.Errorf("push missing destination address")
	}

	var input *sns.PublishInput

	switch push.Channel {
	case ChannelSMS:
		input = &sns.PublishInput{
			PhoneNumber: aws.String(push.To),
			Message:     aws.String(push.Title + "\n" + push.Body),
		}
	case ChannelPush:
		body, err := json.Marshal(map[string]interface{}{
			"title":    push.Title,
			"body":     push.Body,
			"metadata": push.Metadata,
		})
		if err != nil {
			return fmt.Errorf("marshal push message: %w", err)
		}
		input = &sns.PublishInput{
			TargetArn: aws.String(push.To),
			Message:   aws.String(string(body)),
		}
	default:
		return fmt.Errorf("SNS dispatcher only supports push and sms, got: %s", push.Channel)
	}

	result, err := d.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	d.logger.Info("push delivered via SNS",
		zap.String("channel", push.Channel),
		zap.String("message_id", *result.MessageId),
	)

	return nil
}

// Supports reports whether this dispatcher handles the channel.
func (d *SNSDispatcher) Supports(channel string) bool {
	return channel == ChannelPush || channel == ChannelSMS
}
