package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrCircuitOpen is returned by Breaker.Execute while the circuit rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerState is the state of a circuit.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerTransitions counts circuit state changes. It is registered by the
// metrics package.
var BreakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "expense",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by circuit name, from-state and to-state.",
}, []string{"name", "from_state", "to_state"})

// Breaker is a single named circuit. It opens after threshold consecutive
// failures, stays open for cooldown, then lets one probe through.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
}

// NewBreaker creates a closed circuit.
func NewBreaker(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{name: name, threshold: threshold, cooldown: cooldown, now: time.Now}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed, moving an expired open circuit to
// half-open.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) >= b.cooldown {
			b.transition(BreakerHalfOpen)
			return true
		}
		return false
	case BreakerHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess closes the circuit and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.transition(BreakerClosed)
}

// RecordFailure counts a failure and trips the circuit when needed.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.transition(BreakerOpen)
	}
}

// Execute runs fn if the circuit allows it and records the outcome. Errors
// for which countable returns false (for example validation errors) do not
// count against the circuit.
func (b *Breaker) Execute(fn func() error, countable func(error) bool) error {
	if !b.Allow() {
		return ErrCircuitOpen
	}
	err := fn()
	switch {
	case err == nil:
		b.RecordSuccess()
	case countable == nil || countable(err):
		b.RecordFailure()
	default:
		b.RecordSuccess()
	}
	return err
}

// caller holds b.mu
func (b *Breaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	BreakerTransitions.WithLabelValues(b.name, from.String(), to.String()).Inc()
}
