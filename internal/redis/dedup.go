package redis

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// dedupTTL bounds how long a side-effect key blocks repeats. Queue
// redeliveries land within seconds; a day covers every retry budget.
const dedupTTL = 24 * time.Hour

// Dedup collapses repeated side effects across process restarts and
// redelivered tasks. It is an extra belt on top of the store's conditional
// updates, not the primary guard.
type Dedup struct {
	client *Client
	logger *zap.Logger
}

// NewDedup creates the dedup guard.
func NewDedup(client *Client, logger *zap.Logger) *Dedup {
	return &Dedup{client: client, logger: logger}
}

// Once reports whether this is the first time key has been seen. When Redis
// is unreachable it fails open: a duplicate caregiver alert beats a lost one.
func (d *Dedup) Once(ctx context.Context, key string) bool {
	set, err := d.client.rdb.SetNX(ctx, "dedup:"+key, 1, dedupTTL).Result()
	if err != nil {
		d.logger.Warn("dedup check failed, allowing side effect",
			zap.String("key", key),
			zap.Error(err),
		)
		return true
	}
	return set
}
