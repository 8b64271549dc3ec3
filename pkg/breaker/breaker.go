// Package breaker isolates callers from a failing dependency with a
// Closed/Open/HalfOpen circuit breaker.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrOpen is returned without invoking the operation while the circuit is
// open, or when every half-open trial slot is taken.
var ErrOpen = errors.New("breaker: circuit open")

// State is the circuit state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Settings configures a Breaker. Zero fields take the documented defaults.
type Settings struct {
	Name string
	// FailureThreshold failures inside FailureWindow open the circuit. Default 5.
	FailureThreshold int
	// FailureWindow is the trailing window failures are counted in. Default 1m.
	FailureWindow time.Duration
	// Cooldown is how long the circuit stays open before trials. Default 30s.
	Cooldown time.Duration
	// HalfOpenMaxCalls bounds concurrent trial calls. Default 1.
	HalfOpenMaxCalls int
	// SuccessThreshold trial successes close the circuit. Default 1.
	SuccessThreshold int
	// IsFailure decides whether an error counts against the circuit. By
	// default every error except context.Canceled does.
	IsFailure func(error) bool
	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)
	Clock         func() time.Time
}

// Snapshot is a point-in-time view of a Breaker.
type Snapshot struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Failures  int       `json:"failures"`
	Successes int       `json:"successes"`
	OpenedAt  time.Time `json:"opened_at,omitzero"`
	Rejected  int64     `json:"rejected"`
}

type transition struct{ from, to State }

// Breaker is a concurrency-safe circuit breaker.
type Breaker struct {
	settings Settings

	mu         sync.Mutex
	state      State
	generation uint64
	failures   []time.Time // sliding window of failure timestamps
	successes  int
	trials     int // in-flight half-open calls
	openedAt   time.Time

	rejected atomic.Int64
}

// New creates a Breaker in the Closed state.
func New(s Settings) *Breaker {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.FailureWindow <= 0 {
		s.FailureWindow = time.Minute
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	if s.HalfOpenMaxCalls <= 0 {
		s.HalfOpenMaxCalls = 1
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 1
	}
	if s.IsFailure == nil {
		s.IsFailure = defaultIsFailure
	}
	if s.Clock == nil {
		s.Clock = time.Now
	}
	return &Breaker{settings: s}
}

func defaultIsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Name returns the configured breaker name.
func (b *Breaker) Name() string { return b.settings.Name }

// Call runs fn if the circuit allows it and records the outcome. It never
// retries.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	gen, err := b.before()
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			b.after(gen, fmt.Errorf("breaker: panic: %v", p))
			panic(p)
		}
	}()

	err = fn(ctx)
	b.after(gen, err)
	return err
}

// Do is Call for operations that return a value.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Call(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	var tr []transition
	defer func() {
		b.mu.Unlock()
		b.notify(tr)
	}()

	tr = b.refresh(b.settings.Clock(), tr)

	switch b.state {
	case Open:
		b.rejected.Add(1)
		return 0, ErrOpen
	case HalfOpen:
		if b.trials >= b.settings.HalfOpenMaxCalls {
			b.rejected.Add(1)
			return 0, ErrOpen
		}
		b.trials++
	}
	return b.generation, nil
}

func (b *Breaker) after(gen uint64, err error) {
	b.mu.Lock()
	var tr []transition
	defer func() {
		b.mu.Unlock()
		b.notify(tr)
	}()

	// The circuit moved on while this call was running.
	if gen != b.generation {
		return
	}

	now := b.settings.Clock()
	failed := err != nil && b.settings.IsFailure(err)

	switch b.state {
	case Closed:
		if err == nil {
			b.failures = b.failures[:0]
			return
		}
		if !failed {
			return
		}
		cutoff := now.Add(-b.settings.FailureWindow)
		valid := b.failures[:0]
		for _, t := range b.failures {
			if t.After(cutoff) {
				valid = append(valid, t)
			}
		}
		b.failures = append(valid, now)
		if len(b.failures) >= b.settings.FailureThreshold {
			tr = b.setState(Open, now, tr)
		}
	case HalfOpen:
		b.trials--
		switch {
		case failed:
			tr = b.setState(Open, now, tr)
		case err == nil:
			b.successes++
			if b.successes >= b.settings.SuccessThreshold {
				tr = b.setState(Closed, now, tr)
			}
		}
	}
}

// refresh moves an open circuit to half-open once the cooldown has elapsed.
func (b *Breaker) refresh(now time.Time, tr []transition) []transition {
	if b.state == Open && now.Sub(b.openedAt) >= b.settings.Cooldown {
		return b.setState(HalfOpen, now, tr)
	}
	return tr
}

func (b *Breaker) setState(to State, now time.Time, tr []transition) []transition {
	from := b.state
	b.state = to
	b.generation++
	b.failures = b.failures[:0]
	b.successes = 0
	b.trials = 0
	if to == Open {
		b.openedAt = now
	}
	return append(tr, transition{from: from, to: to})
}

func (b *Breaker) notify(tr []transition) {
	if b.settings.OnStateChange == nil {
		return
	}
	for _, t := range tr {
		b.settings.OnStateChange(b.settings.Name, t.from, t.to)
	}
}

// State returns the current state, applying a pending cooldown transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	tr := b.refresh(b.settings.Clock(), nil)
	s := b.state
	b.mu.Unlock()
	b.notify(tr)
	return s
}

// Snapshot returns the current state and counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	tr := b.refresh(b.settings.Clock(), nil)
	snap := Snapshot{
		Name:      b.settings.Name,
		State:     b.state.String(),
		Failures:  len(b.failures),
		Successes: b.successes,
		Rejected:  b.rejected.Load(),
	}
	if b.state != Closed {
		snap.OpenedAt = b.openedAt
	}
	b.mu.Unlock()
	b.notify(tr)
	return snap
}

// RetryAfter reports how long an open circuit will keep rejecting calls.
// It returns zero unless the circuit is open.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return 0
	}
	left := b.settings.Cooldown - b.settings.Clock().Sub(b.openedAt)
	if left < 0 {
		return 0
	}
	return left
}

// Reset forces the circuit closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var tr []transition
	if b.state != Closed {
		tr = b.setState(Closed, b.settings.Clock(), nil)
	} else {
		b.failures = b.failures[:0]
	}
	b.mu.Unlock()
	b.notify(tr)
}
