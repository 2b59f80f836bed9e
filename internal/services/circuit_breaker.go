package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"tradieflow/internal/config"
)

// ErrCircuitOpen is returned without calling the provider while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitBreakerState 熔断器状态
type CircuitBreakerState int

const (
	StateClosedCB   CircuitBreakerState = iota // normal
	StateOpenCB                                // rejecting
	StateHalfOpenCB                            // probing
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosedCB:
		return "closed"
	case StateOpenCB:
		return "open"
	case StateHalfOpenCB:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker trips after MaxFailures consecutive failures, rejects calls for
// ResetTimeout, then lets up to HalfOpenMaxReqs probes through.
type CircuitBreaker struct {
	cfg          config.CircuitBreakerConfig
	state        CircuitBreakerState
	failureCount int
	lastFailTime time.Time
	halfOpenReqs int
	now          func() time.Time
	mu           sync.Mutex
}

func NewCircuitBreaker(cfg config.CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	if cfg.HalfOpenMaxReqs <= 0 {
		cfg.HalfOpenMaxReqs = 1
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosedCB, now: time.Now}
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosedCB:
		return true
	case StateOpenCB:
		if cb.now().Sub(cb.lastFailTime) <= cb.cfg.ResetTimeout {
			return false
		}
		cb.state = StateHalfOpenCB
		cb.halfOpenReqs = 1
		return true
	case StateHalfOpenCB:
		if cb.halfOpenReqs >= cb.cfg.HalfOpenMaxReqs {
			return false
		}
		cb.halfOpenReqs++
		return true
	}
	return false
}

func (cb *CircuitBreaker) OnSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosedCB
	cb.failureCount = 0
	cb.halfOpenReqs = 0
}

func (cb *CircuitBreaker) OnFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailTime = cb.now()

	switch cb.state {
	case StateClosedCB:
		if cb.failureCount >= cb.cfg.MaxFailures {
			cb.state = StateOpenCB
		}
	case StateHalfOpenCB:
		cb.state = StateOpenCB
		cb.halfOpenReqs = 0
	}
}

func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is exposed on the readiness endpoint.
func (cb *CircuitBreaker) Stats() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]interface{}{
		"state":         cb.state.String(),
		"failure_count": cb.failureCount,
		"max_failures":  cb.cfg.MaxFailures,
		"reset_timeout": cb.cfg.ResetTimeout.String(),
	}
}

// BreakerContentProvider guards a ContentProvider with a CircuitBreaker so a
// failing AI backend is skipped quickly and the static content takes over.
type BreakerContentProvider struct {
	next    ContentProvider
	breaker *CircuitBreaker
}

func NewBreakerContentProvider(next ContentProvider, breaker *CircuitBreaker) *BreakerContentProvider {
	return &BreakerContentProvider{next: next, breaker: breaker}
}

func (p *BreakerContentProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (*Completion, error) {
	if !p.breaker.Allow() {
		return nil, ErrCircuitOpen
	}
	out, err := p.next.Complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		p.breaker.OnFailure()
		return nil, err
	}
	p.breaker.OnSuccess()
	return out, nil
}

func (p *BreakerContentProvider) Breaker() *CircuitBreaker { return p.breaker }
