// Package circuitbreaker guards outbound dependencies (the challenge
// provider) with a per-key closed → open → half-open breaker.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/abuseguard/internal/clock"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: requests flow through
	StateOpen                  // Tripped: requests are rejected
	StateHalfOpen              // Probing: one request allowed to test recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "abuseguard",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

type entry struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker trips a key open after threshold consecutive failures. Once
// openDuration has passed a single probe is let through; its outcome closes
// or re-opens the circuit.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	threshold    int
	openDuration time.Duration
	clock        clock.Clock
	onTransition func(key string, from, to State)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(b *Breaker) { b.clock = c }
}

// WithTransitionHook registers a callback invoked synchronously, with the
// breaker lock released, on every state change.
func WithTransitionHook(fn func(key string, from, to State)) Option {
	return func(b *Breaker) { b.onTransition = fn }
}

// New creates a breaker. Non-positive arguments fall back to 5 failures and
// 30 seconds.
func New(threshold int, openDuration time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	b := &Breaker{
		entries:      make(map[string]*entry),
		threshold:    threshold,
		openDuration: openDuration,
		clock:        clock.Real{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call for key may proceed.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok || e.state == StateClosed {
		b.mu.Unlock()
		return true
	}
	if e.state == StateHalfOpen {
		b.mu.Unlock()
		return false
	}
	if b.clock.Now().Sub(e.openedAt) < b.openDuration {
		b.mu.Unlock()
		return false
	}
	from := b.set(e, key, StateHalfOpen)
	b.mu.Unlock()
	b.notify(key, from, StateHalfOpen)
	return true
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	e.failures = 0
	from := b.set(e, key, StateClosed)
	b.mu.Unlock()
	b.notify(key, from, StateClosed)
}

// RecordFailure counts a failure. A failed probe re-opens immediately.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}
	e.failures++

	from := e.state
	if e.state == StateHalfOpen || e.failures >= b.threshold {
		e.openedAt = b.clock.Now()
		b.set(e, key, StateOpen)
	}
	to := e.state
	b.mu.Unlock()
	b.notify(key, from, to)
}

// State returns the current state for key; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok {
		return e.state
	}
	return StateClosed
}

// set moves e to state `to` and returns the previous state. Caller holds b.mu.
func (b *Breaker) set(e *entry, key string, to State) State {
	from := e.state
	if from != to {
		e.state = to
		stateTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
	}
	return from
}

func (b *Breaker) notify(key string, from, to State) {
	if from != to && b.onTransition != nil {
		b.onTransition(key, from, to)
	}
}
