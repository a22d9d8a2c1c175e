// Package circuit provides a circuit breaker for calls to external services
// such as coin daemons, Kafka and the optional metric stores.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/poolportal/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets every call through
	StateClosed State = iota
	// StateOpen rejects calls until Timeout has elapsed
	StateOpen
	// StateHalfOpen lets calls through to probe recovery
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

// Config holds circuit breaker configuration
type Config struct {
	Name            string
	MaxFailures     int           // consecutive failures before opening
	SuccessRequired int           // successes in half-open before closing
	Timeout         time.Duration // time spent open before probing

	// OnStateChange is called outside the lock after every transition
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns a breaker config for the named dependency
func DefaultConfig(name string) *Config {
	return &Config{
		Name:            name,
		MaxFailures:     5,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	config *Config
	now    func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

// New creates a closed breaker. A nil config means DefaultConfig("default").
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig("default")
	}
	return &Breaker{config: config, now: time.Now}
}

// ErrOpen is returned, wrapped, when a call is rejected by an open breaker
var ErrOpen = errors.New(errors.ErrorTypeInternal, "circuit_breaker", "circuit breaker is open")

// Execute runs fn unless the breaker is open
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	_, err := ExecuteWithResult(ctx, b, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExecuteWithResult runs fn unless the breaker is open
func ExecuteWithResult[T any](_ context.Context, b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if !b.allow() {
		return zero, errors.Wrap(ErrOpen, errors.ErrorTypeInternal, "circuit_breaker",
			"call rejected").WithContext("breaker", b.config.Name)
	}

	res, err := fn()
	b.record(err)
	return res, err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	from := b.state
	allowed := true
	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) >= b.config.Timeout {
			b.state = StateHalfOpen
			b.successes = 0
		} else {
			allowed = false
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return allowed
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	from := b.state
	if err != nil {
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.config.MaxFailures {
			b.state = StateOpen
			b.openedAt = b.now()
			b.successes = 0
		}
	} else {
		switch b.state {
		case StateHalfOpen:
			b.successes++
			if b.successes >= b.config.SuccessRequired {
				b.state = StateClosed
				b.failures = 0
				b.successes = 0
			}
		case StateClosed:
			b.failures = 0
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.config.OnStateChange != nil {
		b.config.OnStateChange(b.config.Name, from, to)
	}
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.mu.Unlock()

	b.notify(from, StateClosed)
}
