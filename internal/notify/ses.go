package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// SESDispatcher delivers caregiver notifications by email via AWS SES.
type SESDispatcher struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

func NewSESDispatcher(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESDispatcher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}

	return &SESDispatcher{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

// Dispatch sends the push as an email.
func (d *SESDispatcher) Dispatch(ctx context.Context, push Push) error {
	if push.Channel != ChannelEmail {
		return fmt.Errorf("SES dispatcher only supports email, got: %s", push.Channel)
	}
	if push.To == "" {
		return fmt.Errorf("email push missing recipient")
	}

	input := &ses.SendEmailInput{
		Source: aws.String(d.from),
		Destination: &types.Destination{
			ToAddresses: []string{push.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(push.Title),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(push.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := d.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	d.logger.Info("email delivered via SES",
		zap.String("to", push.To),
		zap.String("message_id", *result.MessageId),
	)

	return nil
}

func (d *SESDispatcher) Supports(channel string) bool {
	return channel == ChannelEmail
}
