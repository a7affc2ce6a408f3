// Package circuitbreaker stops calling a collaborator (the signing service,
// the AI gateway, the chain API) after repeated failures and retries it
// again once a cool-down has passed.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is the circuit position for one collaborator.
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
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Call while the circuit for a key is open.
var ErrOpen = errors.New("circuit breaker open")

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit transitions by collaborator and target state.",
	}, []string{"key", "to_state"})

	rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "circuitbreaker",
		Name:      "rejected_total",
		Help:      "Calls refused because the collaborator's circuit was open.",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(transitionsTotal, rejectedTotal)
}

// Snapshot describes one circuit at a point in time.
type Snapshot struct {
	Key      string
	State    State
	Failures int
	// RetryAt is when an open circuit admits its next trial call.
	RetryAt time.Time
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker keeps an independent circuit per key.
type Breaker struct {
	threshold int
	coolDown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

// New returns a breaker that opens after threshold consecutive failures
// and tries again after coolDown.
func New(threshold int, coolDown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		coolDown:  coolDown,
		now:       time.Now,
		circuits:  make(map[string]*circuit),
	}
}

// WithClock overrides the time source (tests).
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Call runs fn unless the circuit for key is open, and records the outcome.
// Errors for which countable returns false (a 4xx from the collaborator,
// say) count as successes: the collaborator answered.
func (b *Breaker) Call(key string, fn func() error, countable func(error) bool) error {
	if !b.Allow(key) {
		rejectedTotal.WithLabelValues(key).Inc()
		return ErrOpen
	}
	err := fn()
	if err == nil || (countable != nil && !countable(err)) {
		b.RecordSuccess(key)
		return err
	}
	b.RecordFailure(key)
	return err
}

// Allow reports whether a call to key may proceed. An open circuit whose
// cool-down has elapsed admits exactly one trial call.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.coolDown {
			return false
		}
		b.move(key, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess closes the circuit for key.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return
	}
	c.failures = 0
	b.move(key, c, StateClosed)
}

// RecordFailure counts a failure; the circuit opens at the threshold, or
// immediately when a half-open trial call fails.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++

	if c.state == StateHalfOpen || c.failures >= b.threshold {
		c.openedAt = b.now()
		b.move(key, c, StateOpen)
	}
}

// State returns the circuit state for key; unknown keys are closed.
func (b *Breaker) State(key string) State {
	return b.Snapshot(key).State
}

// Snapshot returns a copy of the circuit for key.
func (b *Breaker) Snapshot(key string) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{Key: key}
	c := b.circuits[key]
	if c == nil {
		return s
	}
	s.State = c.state
	s.Failures = c.failures
	if c.state == StateOpen {
		s.RetryAt = c.openedAt.Add(b.coolDown)
	}
	return s
}

// move must be called with b.mu held.
func (b *Breaker) move(key string, c *circuit, to State) {
	if c.state == to {
		return
	}
	c.state = to
	transitionsTotal.WithLabelValues(key, to.String()).Inc()
}
