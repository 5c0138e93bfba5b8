// Package resilience provides the circuit breaker that guards the external
// service clients.
//
// The central type is [Breaker], a three-state breaker (closed → open →
// half-open). When a service endpoint fails repeatedly the breaker opens and
// turns subsequent calls into immediate failures, so a dead transcription or
// synthesis backend costs a session one fast error instead of a full
// timeout. After a cooldown the breaker lets a limited number of probe calls
// through and closes again once they succeed.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned when the breaker rejects a call without forwarding it.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed is the normal state; calls are forwarded.
	Closed State = iota

	// Open rejects calls immediately until the cooldown elapses.
	Open

	// HalfOpen forwards a bounded number of probe calls.
	HalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds the tuning knobs for a [Breaker]. Zero values select
// the defaults noted per field.
type BreakerConfig struct {
	// Name labels the breaker in log output.
	Name string

	// MaxFailures is the consecutive-failure count that opens the breaker.
	// Default: 3.
	MaxFailures int

	// Cooldown is how long the breaker stays open before probing.
	// Default: 15s.
	Cooldown time.Duration

	// ProbeMax bounds the number of half-open probe calls. Default: 1.
	ProbeMax int
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	probeMax    int

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probes      int
}

// NewBreaker creates a [Breaker] with the supplied configuration.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 15 * time.Second
	}
	if cfg.ProbeMax <= 0 {
		cfg.ProbeMax = 1
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		probeMax:    cfg.ProbeMax,
	}
}

// State returns the breaker's current state, accounting for an elapsed
// cooldown.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && time.Since(b.lastFailure) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// Do runs fn unless the breaker is open. Context cancellation is not
// counted as a service failure: a cancelled turn says nothing about the
// health of the endpoint.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn(ctx)
	b.after(err)
	return err
}

// before decides whether the call may proceed.
func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Since(b.lastFailure) < b.cooldown {
			return ErrOpen
		}
		b.state = HalfOpen
		b.probes = 0
		slog.Info("circuit breaker half-open", "name", b.name)
		fallthrough
	case HalfOpen:
		if b.probes >= b.probeMax {
			return ErrOpen
		}
		b.probes++
	}
	return nil
}

// after records the call outcome and moves the breaker accordingly.
func (b *Breaker) after(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state != Closed {
			slog.Info("circuit breaker closed", "name", b.name)
		}
		b.state = Closed
		b.failures = 0
		return
	}

	b.failures++
	b.lastFailure = time.Now()
	if b.state == HalfOpen || b.failures >= b.maxFailures {
		if b.state != Open {
			slog.Warn("circuit breaker opened",
				"name", b.name, "consecutive_failures", b.failures)
		}
		b.state = Open
	}
}
