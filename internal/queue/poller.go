package queue

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/carebell/carebell/internal/db"
	"github.com/carebell/carebell/internal/metrics"
)

// Handler processes a fired task. A handler error triggers a bounded retry;
// handlers therefore have to be idempotent.
type Handler func(ctx context.Context, payload Payload) error

// Config tunes the poller.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
	Lease        time.Duration
}

// Poller drains due tasks and invokes the handler registered for each target.
type Poller struct {
	store    TaskStore
	handlers map[string]Handler
	config   Config
	logger   *zap.Logger
}

// NewPoller creates a poller over the given task store.
func NewPoller(store TaskStore, cfg Config, logger *zap.Logger) *Poller {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.Lease == 0 {
		cfg.Lease = 1 * time.Minute
	}

	return &Poller{
		store:    store,
		handlers: make(map[string]Handler),
		config:   cfg,
		logger:   logger,
	}
}

// Register binds a handler to a task target ("send", "timeout").
func (p *Poller) Register(target string, handler Handler) {
	p.handlers[target] = handler
}

// Start runs the poll loop until the context is cancelled.
func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("task poller stopping")
			return
		case <-ticker.C:
			p.processBatch(ctx)
		}
	}
}

func (p *Poller) processBatch(ctx context.Context) {
	tasks, err := p.store.ClaimDueTasks(ctx, p.config.BatchSize, p.config.Lease)
	if err != nil {
		p.logger.Error("failed to claim due tasks", zap.Error(err))
		return
	}

	for _, task := range tasks {
		p.processTask(ctx, task)
	}
}

func (p *Poller) processTask(ctx context.Context, task *db.ScheduledTask) {
	lag := time.Since(task.FireAt)
	metrics.RecordTaskFired(task.Target)
	metrics.RecordTaskFireLag(task.Target, lag)

	handler, ok := p.handlers[task.Target]
	if !ok {
		// No handler can ever succeed for this target; retrying would storm.
		p.logger.Error("no handler registered for task target",
			zap.String("task_id", task.ID),
			zap.String("target", task.Target),
		)
		p.finish(ctx, task)
		return
	}

	var payload Payload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		p.logger.Error("dropping task with malformed payload",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
		p.finish(ctx, task)
		return
	}

	if err := handler(ctx, payload); err != nil {
		p.retry(ctx, task, err)
		return
	}

	p.finish(ctx, task)
}

func (p *Poller) retry(ctx context.Context, task *db.ScheduledTask, cause error) {
	attempt := task.Attempt + 1

	p.logger.Error("task handler failed",
		zap.Error(cause),
		zap.String("task_id", task.ID),
		zap.String("target", task.Target),
		zap.Int("attempt", attempt),
	)

	if attempt >= p.config.MaxRetries {
		p.logger.Error("task retry budget exhausted, dropping",
			zap.String("task_id", task.ID),
			zap.Int("attempts", attempt),
		)
		p.finish(ctx, task)
		return
	}

	nextFire := time.Now().Add(retryDelay(attempt))
	if err := p.store.RetryTask(ctx, task.ID, nextFire, attempt); err != nil {
		p.logger.Error("failed to reschedule task retry",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
	}
}

func (p *Poller) finish(ctx context.Context, task *db.ScheduledTask) {
	if err := p.store.CompleteTask(ctx, task.ID); err != nil {
		// A lingering row is redelivered after the lease expires; the
		// handler's own precondition check absorbs the duplicate.
		p.logger.Error("failed to complete task",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
	}
}

func retryDelay(attempt int) time.Duration {
	delays := []time.Duration{
		5 * time.Second,
		30 * time.Second,
		2 * time.Minute,
	}

	idx := attempt - 1
	if idx >= len(delays) {
		idx = len(delays) - 1
	}

	return delays[idx]
}
