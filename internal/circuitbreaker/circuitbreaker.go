// Package circuitbreaker shields the notification channels from a failing
// downstream. A dead push gateway or webhook host trips the breaker and
// later rings fail fast instead of holding queue workers on timeouts.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the current state of the circuit breaker.
//
// State transitions:
//
//	Closed -> Open:      failure count reaches the threshold
//	Open -> HalfOpen:    recovery timeout expires
//	HalfOpen -> Closed:  a probe request succeeds
//	HalfOpen -> Open:    a probe request fails
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the breaker is rejecting requests.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the configuration for a Breaker.
type Config struct {
	// Name identifies the protected channel (e.g. "push", "webhook").
	Name string

	// MaxFailures is the number of consecutive failures before the
	// circuit opens.
	MaxFailures int

	// RecoveryTimeout is how long to wait in Open state before probing.
	RecoveryTimeout time.Duration
}

// DefaultConfig returns the settings used for every dispatch channel.
func DefaultConfig(name string) Config {
	return Config{
		Name:            name,
		MaxFailures:     5,
		RecoveryTimeout: 30 * time.Second,
	}
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	mu     sync.RWMutex
	config Config
	logger *zap.Logger

	state           State
	failureCount    int
	lastFailureTime time.Time
	lastStateChange time.Time
	probing         bool

	totalRequests int64
	totalFailures int64
	totalRejected int64
}

// New creates a Breaker with the given configuration.
func New(cfg Config, logger *zap.Logger) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}

	return &Breaker{
		config:          cfg,
		logger:          logger,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Allow reports whether a request may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.lastFailureTime) >= b.config.RecoveryTimeout {
			b.transitionTo(StateHalfOpen)
			b.probing = true
			b.logger.Info("circuit breaker allowing probe request",
				zap.String("name", b.config.Name),
			)
			return true
		}
		b.totalRejected++
		return false

	case StateHalfOpen:
		// One probe at a time.
		if !b.probing {
			b.probing = true
			return true
		}
		b.totalRejected++
		return false

	default:
		return false
	}
}

// RecordSuccess records a successful request. In half-open state this
// closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0

	if b.state == StateHalfOpen {
		b.transitionTo(StateClosed)
		b.logger.Info("circuit breaker closed, channel recovered",
			zap.String("name", b.config.Name),
		)
	}
}

// RecordFailure records a failed request. In closed state the circuit opens
// after MaxFailures consecutive failures; in half-open it reopens at once.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.MaxFailures {
			b.transitionTo(StateOpen)
			b.logger.Warn("circuit breaker opened",
				zap.String("name", b.config.Name),
				zap.Int("failures", b.failureCount),
			)
		}

	case StateHalfOpen:
		b.transitionTo(StateOpen)
		b.logger.Warn("circuit breaker re-opened, probe failed",
			zap.String("name", b.config.Name),
		)
	}
}

// GetState returns the current state.
func (b *Breaker) GetState() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Stats are point-in-time breaker counters for the health endpoint.
type Stats struct {
	Name          string `json:"name"`
	State         string `json:"state"`
	FailureCount  int    `json:"failure_count"`
	TotalRequests int64  `json:"total_requests"`
	TotalFailures int64  `json:"total_failures"`
	TotalRejected int64  `json:"total_rejected"`
}

// Stats returns current counters.
func (b *Breaker) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return Stats{
		Name:          b.config.Name,
		State:         b.state.String(),
		FailureCount:  b.failureCount,
		TotalRequests: b.totalRequests,
		TotalFailures: b.totalFailures,
		TotalRejected: b.totalRejected,
	}
}

func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	oldState := b.state
	b.state = newState
	b.lastStateChange = time.Now()
	b.probing = false

	b.logger.Debug("circuit breaker state transition",
		zap.String("name", b.config.Name),
		zap.String("from", oldState.String()),
		zap.String("to", newState.String()),
	)
}
