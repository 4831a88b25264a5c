package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/carebell/carebell/internal/notify"
)

// ProtectedDispatcher wraps a notify.Dispatcher with a Breaker. When the
// channel's downstream is failing, dispatches error out immediately; the
// caller already treats every dispatch as best-effort, so a fast error is
// strictly better than a slow one.
type ProtectedDispatcher struct {
	dispatcher notify.Dispatcher
	breaker    *Breaker
	logger     *zap.Logger
}

// NewProtectedDispatcher wraps a dispatcher with breaker protection.
func NewProtectedDispatcher(dispatcher notify.Dispatcher, breaker *Breaker, logger *zap.Logger) *ProtectedDispatcher {
	return &ProtectedDispatcher{
		dispatcher: dispatcher,
		breaker:    breaker,
		logger:     logger,
	}
}

// Dispatch sends through the breaker, failing fast when it is open.
func (p *ProtectedDispatcher) Dispatch(ctx context.Context, push notify.Push) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected dispatch",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("channel", push.Channel),
		)
		return fmt.Errorf("%w: %s channel unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	if err := p.dispatcher.Dispatch(ctx, push); err != nil {
		p.breaker.RecordFailure()
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// Supports delegates to the underlying dispatcher.
func (p *ProtectedDispatcher) Supports(channel string) bool {
	return p.dispatcher.Supports(channel)
}

// Breaker exposes the underlying breaker for the health endpoint.
func (p *ProtectedDispatcher) Breaker() *Breaker {
	return p.breaker
}
