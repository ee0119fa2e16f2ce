// Package breaker implements the circuit breaker guarding calls to
// unreliable downstream stores. One breaker per dependency name, shared by
// all callers of that dependency through the Registry.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrOpen is returned without invoking the wrapped operation while the
// breaker is open and the cooldown has not elapsed.
var ErrOpen = errors.New("circuit breaker open")

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

type Config struct {
	// FailureThreshold is the number of failures inside MonitoringPeriod
	// that trips CLOSED -> OPEN.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive HALF_OPEN successes
	// required to close again.
	SuccessThreshold int
	// Timeout is the cooldown before an open breaker allows a probe.
	Timeout time.Duration
	// MonitoringPeriod is the rolling window in which CLOSED failures count.
	MonitoringPeriod time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		MonitoringPeriod: time.Minute,
	}
}

func (c Config) validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failure threshold must be positive, got %d", c.FailureThreshold)
	}
	if c.SuccessThreshold <= 0 {
		return fmt.Errorf("success threshold must be positive, got %d", c.SuccessThreshold)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.MonitoringPeriod <= 0 {
		return fmt.Errorf("monitoring period must be positive, got %s", c.MonitoringPeriod)
	}
	return nil
}

// TransitionFunc observes state changes, called outside the breaker lock.
type TransitionFunc func(name string, from, to State)

type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time
	log  logrus.FieldLogger

	subMu       sync.Mutex
	subscribers []TransitionFunc

	mu              sync.Mutex
	pending         []transition
	state           State
	failureTimes    []time.Time
	successes       int
	lastFailureTime time.Time

	totalRequests  uint64
	totalSuccesses uint64
	totalFailures  uint64
}

type Option func(*Breaker)

// WithClock injects the time source so cooldown math is deterministic in
// tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(b *Breaker) { b.log = log }
}

// WithTransitionFunc registers a callback for every state change.
func WithTransitionFunc(fn TransitionFunc) Option {
	return func(b *Breaker) { b.subscribers = append(b.subscribers, fn) }
}

func New(name string, cfg Config, opts ...Option) (*Breaker, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("breaker %q: %w", name, err)
	}
	b := &Breaker{
		name:  name,
		cfg:   cfg,
		now:   time.Now,
		log:   logrus.StandardLogger(),
		state: StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Breaker) Name() string { return b.name }

// Execute runs op under the breaker contract. When the breaker is open and
// the cooldown has not elapsed, op is never invoked and ErrOpen is returned.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}
	err := op(ctx)
	b.afterCall(err == nil)
	return err
}

type transition struct {
	from, to State
}

// Do is Execute for operations that return a value.
func Do[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (T, error) {
	var result T
	err := b.Execute(ctx, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	return result, err
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()

	// Lazy OPEN -> HALF_OPEN: evaluated on access, no background timer.
	if b.state == StateOpen {
		if b.now().Sub(b.lastFailureTime) >= b.cfg.Timeout {
			b.transitionLocked(StateHalfOpen)
		} else {
			b.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrOpen, b.name)
		}
	}
	b.totalRequests++
	b.mu.Unlock()
	b.firePending()
	return nil
}

func (b *Breaker) afterCall(success bool) {
	b.mu.Lock()
	if success {
		b.totalSuccesses++
		switch b.state {
		case StateClosed:
			b.failureTimes = nil
		case StateHalfOpen:
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.failureTimes = nil
				b.successes = 0
				b.transitionLocked(StateClosed)
			}
		}
		b.mu.Unlock()
		b.firePending()
		return
	}

	b.totalFailures++
	b.lastFailureTime = b.now()
	switch b.state {
	case StateClosed:
		b.failureTimes = append(b.failureTimes, b.lastFailureTime)
		b.pruneLocked()
		if len(b.failureTimes) >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		// One probe failure re-opens immediately.
		b.successes = 0
		b.transitionLocked(StateOpen)
	}
	b.mu.Unlock()
	b.firePending()
}

// OnTransition subscribes fn to future state changes.
func (b *Breaker) OnTransition(fn TransitionFunc) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.subscribers = append(b.subscribers, fn)
}

// firePending invokes transition subscribers for state changes recorded
// while the lock was held. Running callbacks outside the lock lets them
// query the breaker without deadlocking.
func (b *Breaker) firePending() {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(pending) == 0 {
		return
	}
	b.subMu.Lock()
	subs := append([]TransitionFunc(nil), b.subscribers...)
	b.subMu.Unlock()
	for _, tr := range pending {
		for _, fn := range subs {
			fn(b.name, tr.from, tr.to)
		}
	}
}

// pruneLocked drops failures older than the monitoring window.
func (b *Breaker) pruneLocked() {
	cutoff := b.now().Add(-b.cfg.MonitoringPeriod)
	kept := b.failureTimes[:0]
	for _, ft := range b.failureTimes {
		if ft.After(cutoff) {
			kept = append(kept, ft)
		}
	}
	b.failureTimes = kept
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.log.WithFields(logrus.Fields{
		"breaker": b.name,
		"from":    string(from),
		"to":      string(to),
	}).Info("circuit breaker state change")
	b.pending = append(b.pending, transition{from: from, to: to})
}

// ForceOpen trips the breaker regardless of counters.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	b.lastFailureTime = b.now()
	b.transitionLocked(StateOpen)
	b.mu.Unlock()
	b.firePending()
}

// ForceClose closes the breaker and clears the rolling counters.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	b.failureTimes = nil
	b.successes = 0
	b.transitionLocked(StateClosed)
	b.mu.Unlock()
	b.firePending()
}

// Reset is ForceClose plus clearing the cumulative stats.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.failureTimes = nil
	b.successes = 0
	b.lastFailureTime = time.Time{}
	b.totalRequests = 0
	b.totalSuccesses = 0
	b.totalFailures = 0
	b.transitionLocked(StateClosed)
	b.mu.Unlock()
	b.firePending()
}

type Snapshot struct {
	Name              string        `json:"name"`
	State             State         `json:"state"`
	Failures          int           `json:"failures"`
	Successes         int           `json:"successes"`
	LastFailureTime   time.Time     `json:"last_failure_time"`
	TotalRequests     uint64        `json:"total_requests"`
	TotalSuccesses    uint64        `json:"total_successes"`
	TotalFailures     uint64        `json:"total_failures"`
	CooldownRemaining time.Duration `json:"cooldown_remaining"`
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	var cooldown time.Duration
	if b.state == StateOpen {
		if remaining := b.cfg.Timeout - b.now().Sub(b.lastFailureTime); remaining > 0 {
			cooldown = remaining
		}
	}
	return Snapshot{
		Name:              b.name,
		State:             b.state,
		Failures:          len(b.failureTimes),
		Successes:         b.successes,
		LastFailureTime:   b.lastFailureTime,
		TotalRequests:     b.totalRequests,
		TotalSuccesses:    b.totalSuccesses,
		TotalFailures:     b.totalFailures,
		CooldownRemaining: cooldown,
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
