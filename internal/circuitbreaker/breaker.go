// Package circuitbreaker sheds calls to a downstream that keeps failing.
//
// State is tracked per key (a webhook subscription, an RPC endpoint): after
// threshold consecutive failures the key opens, rejects calls for the
// cool-down, then lets a single probe through. A successful probe closes it.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do when the key is not accepting calls.
var ErrOpen = errors.New("circuit open")

// State is a key's breaker state.
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

var transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nftescrow",
	Subsystem: "circuitbreaker",
	Name:      "transitions_total",
	Help:      "Breaker state changes by breaker name and target state.",
}, []string{"breaker", "to_state"})

func init() {
	prometheus.MustRegister(transitions)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker holds the circuits for one class of downstream.
type Breaker struct {
	name      string
	threshold int
	coolDown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

// New creates a breaker. name labels its metrics.
func New(name string, threshold int, coolDown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		coolDown:  coolDown,
		now:       time.Now,
		circuits:  make(map[string]*circuit),
	}
}

// WithClock replaces the time source.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Allow reports whether a call for key may proceed. An open circuit past
// its cool-down admits exactly one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.coolDown {
			return false
		}
		b.move(c, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	}
	return true
}

// Success closes key's circuit and clears its failure count.
func (b *Breaker) Success(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	c.failures = 0
	b.move(c, StateClosed)
}

// Failure counts a failed call and opens the circuit at the threshold or
// when a probe fails.
func (b *Breaker) Failure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++
	if c.state == StateHalfOpen || c.failures >= b.threshold {
		c.openedAt = b.now()
		b.move(c, StateOpen)
	}
}

// Do runs fn under key's circuit and records the outcome.
func (b *Breaker) Do(key string, fn func() error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.Failure(key)
		return err
	}
	b.Success(key)
	return nil
}

// State returns key's current state.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Forget drops key's circuit, e.g. when a subscription is deleted.
func (b *Breaker) Forget(key string) {
	b.mu.Lock()
	delete(b.circuits, key)
	b.mu.Unlock()
}

// caller holds b.mu
func (b *Breaker) move(c *circuit, to State) {
	if c.state == to {
		return
	}
	c.state = to
	transitions.WithLabelValues(b.name, to.String()).Inc()
}
