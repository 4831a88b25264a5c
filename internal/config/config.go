package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS services
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string

	// SQS event fan-out
	SQSRegion      string
	SQSEventsURL   string
	WebhookTimeout int // seconds

	// Reminder timing
	GracePeriod     time.Duration // wait after a ring before the timeout fires
	FollowUpMinutes int           // default delay before the second ring
	Horizon         time.Duration // maximum scheduling lookahead

	// Task queue tuning
	QueuePollInterval time.Duration
	QueueBatchSize    int
	QueueMaxRetries   int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "carebell",
		DBPassword: "",
		DBName:     "carebell",
		DBSSLMode:  "disable",

		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@carebell.local",

		WebhookTimeout: 30,

		GracePeriod:     2 * time.Minute,
		FollowUpMinutes: 10,
		Horizon:         30 * 24 * time.Hour,

		QueuePollInterval: 2 * time.Second,
		QueueBatchSize:    10,
		QueueMaxRetries:   5,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_EVENTS_URL"); url != "" {
		cfg.SQSEventsURL = url
	}

	if timeout := os.Getenv("WEBHOOK_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid WEBHOOK_TIMEOUT: %w", err)
		}
		cfg.WebhookTimeout = t
	}

	// Reminder timing
	if grace := os.Getenv("GRACE_PERIOD_SECONDS"); grace != "" {
		s, err := strconv.Atoi(grace)
		if err != nil {
			return nil, fmt.Errorf("invalid GRACE_PERIOD_SECONDS: %w", err)
		}
		cfg.GracePeriod = time.Duration(s) * time.Second
	}

	if followUp := os.Getenv("FOLLOW_UP_MINUTES"); followUp != "" {
		m, err := strconv.Atoi(followUp)
		if err != nil {
			return nil, fmt.Errorf("invalid FOLLOW_UP_MINUTES: %w", err)
		}
		cfg.FollowUpMinutes = m
	}

	if horizon := os.Getenv("HORIZON_DAYS"); horizon != "" {
		d, err := strconv.Atoi(horizon)
		if err != nil {
			return nil, fmt.Errorf("invalid HORIZON_DAYS: %w", err)
		}
		cfg.Horizon = time.Duration(d) * 24 * time.Hour
	}

	// Task queue tuning
	if interval := os.Getenv("QUEUE_POLL_INTERVAL_MS"); interval != "" {
		ms, err := strconv.Atoi(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid QUEUE_POLL_INTERVAL_MS: %w", err)
		}
		cfg.QueuePollInterval = time.Duration(ms) * time.Millisecond
	}

	if batch := os.Getenv("QUEUE_BATCH_SIZE"); batch != "" {
		b, err := strconv.Atoi(batch)
		if err != nil {
			return nil, fmt.Errorf("invalid QUEUE_BATCH_SIZE: %w", err)
		}
		cfg.QueueBatchSize = b
	}

	if retries := os.Getenv("QUEUE_MAX_RETRIES"); retries != "" {
		r, err := strconv.Atoi(retries)
		if err != nil {
			return nil, fmt.Errorf("invalid QUEUE_MAX_RETRIES: %w", err)
		}
		cfg.QueueMaxRetries = r
	}

	return cfg, nil
}
