package retry

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mpataki/foreman/internal/errors"
	"github.com/mpataki/foreman/internal/events"
)

// Context identifies the unit of work whose failures are counted together.
// For pipeline runs Agent is the agent name; missions use the task id.
type Context struct {
	RunID string
	Agent string
}

// Key scopes an attempt counter to one failure kind.
type Key struct {
	RunID string
	Agent string
	Kind  errors.Kind
}

// Executor runs operations under a Policy. Attempt counters live in memory
// and start from zero for every new Executor.
type Executor struct {
	policy Policy
	bus    *events.Bus[Event]

	jitter func() float64
	sleep  func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	attempts map[Key]int
}

type Option func(*Executor)

// WithJitter replaces the source of the jitter factor. Values are clamped
// to [0.9, 1.1].
func WithJitter(fn func() float64) Option {
	return func(e *Executor) { e.jitter = fn }
}

// WithSleep replaces the context-aware sleep between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithBus publishes events to an existing bus instead of a private one.
func WithBus(bus *events.Bus[Event]) Option {
	return func(e *Executor) { e.bus = bus }
}

func NewExecutor(policy Policy, opts ...Option) *Executor {
	e := &Executor{
		policy:   policy,
		bus:      events.NewBus[Event](),
		jitter:   func() float64 { return 0.9 + 0.2*rand.Float64() },
		sleep:    sleepContext,
		attempts: make(map[Key]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Policy() Policy { return e.policy }

// Events is the executor's monitoring stream. Delivery is lossy for a slow
// subscriber, except Exhausted, which is always delivered.
func (e *Executor) Events() *events.Bus[Event] { return e.bus }

// Attempts returns the failures counted so far for key.
func (e *Executor) Attempts(key Key) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts[key]
}

// Reset clears every counter belonging to rc.
func (e *Executor) Reset(rc Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k := range e.attempts {
		if k.RunID == rc.RunID && k.Agent == rc.Agent {
			delete(e.attempts, k)
		}
	}
}

func (e *Executor) fail(key Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempts[key]++
}

func (e *Executor) delay(attempt int) time.Duration {
	j := e.jitter()
	if j < 0.9 {
		j = 0.9
	} else if j > 1.1 {
		j = 1.1
	}
	return e.policy.Delay(attempt, j)
}

// Execute runs op until it succeeds, fails with a kind the policy does not
// retry, or MaxAttempts invocations have failed. Failures are also counted
// per {run, agent, kind} for Attempts. Exhaustion returns a retry_exhausted
// error wrapping the last failure. Cancelling ctx during the wait between
// attempts abandons the operation with ctx.Err().
func Execute[T any](ctx context.Context, e *Executor, rc Context, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		e.bus.Publish(Started{Context: rc, Attempt: attempt})

		v, err := op(ctx)
		if err == nil {
			e.Reset(rc)
			e.bus.Publish(Succeeded{Context: rc, Attempt: attempt})
			return v, nil
		}

		kind := errors.KindOf(err)
		e.bus.Publish(Failed{Context: rc, Attempt: attempt, Kind: kind, Err: err})
		if !e.policy.IsRecoverable(kind) {
			return zero, err
		}

		e.fail(Key{RunID: rc.RunID, Agent: rc.Agent, Kind: kind})
		if !e.policy.ShouldRetry(kind, attempt) {
			e.Reset(rc)
			e.bus.PublishFinal(Exhausted{Context: rc, Attempts: attempt, Kind: kind, Err: err})
			return zero, errors.Exhausted(attempt, err)
		}

		d := e.delay(attempt)
		e.bus.Publish(Delayed{Context: rc, Attempt: attempt, Kind: kind, Delay: d})
		if err := e.sleep(ctx, d); err != nil {
			return zero, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
