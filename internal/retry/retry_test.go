package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/foreman/internal/errors"
)

type recorder struct {
	delays []time.Duration
}

func (r *recorder) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func newTestExecutor(p Policy) (*Executor, *recorder) {
	r := &recorder{}
	e := NewExecutor(p, WithJitter(func() float64 { return 1 }), WithSleep(r.sleep))
	return e, r
}

var rc = Context{RunID: "run-1", Agent: "builder"}

func TestExecuteSucceedsFirstTime(t *testing.T) {
	e, r := newTestExecutor(DefaultPolicy())
	calls := 0

	v, err := Execute(context.Background(), e, rc, func(context.Context) (string, error) {
		calls++
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 1, calls)
	assert.Empty(t, r.delays)
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	p := DefaultPolicy()
	p.MaxAttempts = 3
	e, r := newTestExecutor(p)
	calls := 0

	_, err := Execute(context.Background(), e, rc, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New(errors.KindCrash, "agent exited 1")
		}
		return calls, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, r.delays)
	assert.Zero(t, e.Attempts(Key{RunID: "run-1", Agent: "builder", Kind: errors.KindCrash}), "success clears counters")
}

func TestExecuteExhausts(t *testing.T) {
	e, _ := newTestExecutor(DefaultPolicy())
	calls := 0

	_, err := Execute(context.Background(), e, rc, func(context.Context) (struct{}, error) {
		calls++
		return struct{}{}, errors.New(errors.KindTimeout, "deadline")
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls, "at most MaxAttempts invocations")
	assert.True(t, errors.IsKind(err, errors.KindRetryExhausted))

	var ce *errors.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 2, ce.Attempts)
	assert.Contains(t, err.Error(), "deadline")
	assert.Zero(t, e.Attempts(Key{RunID: "run-1", Agent: "builder", Kind: errors.KindTimeout}))
}

func TestExecuteDoesNotRetryUnrecoverable(t *testing.T) {
	e, r := newTestExecutor(DefaultPolicy())
	calls := 0

	_, err := Execute(context.Background(), e, rc, func(context.Context) (int, error) {
		calls++
		return 0, errors.Precondition("run is stopped")
	})

	assert.True(t, errors.IsKind(err, errors.KindPreconditionFailed))
	assert.Equal(t, 1, calls)
	assert.Empty(t, r.delays)
}

func TestExecuteCountsKindsSeparately(t *testing.T) {
	p := DefaultPolicy()
	p.MaxAttempts = 4
	e, _ := newTestExecutor(p)
	kinds := []errors.Kind{errors.KindCrash, errors.KindTimeout, errors.KindCrash}
	calls := 0

	_, err := Execute(context.Background(), e, rc, func(context.Context) (int, error) {
		k := kinds[calls]
		calls++
		if calls == len(kinds) {
			assert.Equal(t, 1, e.Attempts(Key{RunID: "run-1", Agent: "builder", Kind: errors.KindCrash}))
			assert.Equal(t, 1, e.Attempts(Key{RunID: "run-1", Agent: "builder", Kind: errors.KindTimeout}))
			return calls, nil
		}
		return 0, errors.New(k, "fail %d", calls)
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecuteBoundsAttemptsAcrossKinds(t *testing.T) {
	for _, max := range []int{1, 2, 3} {
		p := DefaultPolicy()
		p.MaxAttempts = max
		e, r := newTestExecutor(p)
		kinds := []errors.Kind{errors.KindCrash, errors.KindTimeout, errors.KindValidation}
		calls := 0
		var exhausted []Exhausted
		ch, unsub := e.Events().Subscribe(32)

		_, err := Execute(context.Background(), e, rc, func(context.Context) (int, error) {
			k := kinds[calls%len(kinds)]
			calls++
			return 0, errors.New(k, "fail %d", calls)
		})
		unsub()
		for ev := range ch {
			if x, ok := ev.(Exhausted); ok {
				exhausted = append(exhausted, x)
			}
		}

		assert.Equal(t, max, calls)
		assert.Len(t, r.delays, max-1)
		assert.True(t, errors.IsKind(err, errors.KindRetryExhausted))
		var ce *errors.Error
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, max, ce.Attempts)
		require.Len(t, exhausted, 1)
		assert.Equal(t, max, exhausted[0].Attempts)
	}
}

func TestExhaustedReachesFullSubscriber(t *testing.T) {
	e, _ := newTestExecutor(DefaultPolicy())
	ch, unsub := e.Events().Subscribe(1)

	_, err := Execute(context.Background(), e, rc, func(context.Context) (int, error) {
		return 0, errors.New(errors.KindCrash, "agent exited 1")
	})
	unsub()

	require.Error(t, err)
	last := <-ch
	assert.IsType(t, Exhausted{}, last)
}

func TestExecuteStopsWhenCancelledDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := NewExecutor(DefaultPolicy(), WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleepContext(ctx, d)
	}))
	calls := 0

	_, err := Execute(ctx, e, rc, func(context.Context) (int, error) {
		calls++
		return 0, errors.New(errors.KindCrash, "boom")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestExecutePublishesEvents(t *testing.T) {
	e, _ := newTestExecutor(DefaultPolicy())
	ch, stop := e.Events().Subscribe(16)
	defer stop()

	_, _ = Execute(context.Background(), e, rc, func(context.Context) (int, error) {
		return 0, errors.New(errors.KindValidation, "no signal")
	})

	var got []string
	for len(ch) > 0 {
		switch (<-ch).(type) {
		case Started:
			got = append(got, "started")
		case Failed:
			got = append(got, "failed")
		case Delayed:
			got = append(got, "delayed")
		case Exhausted:
			got = append(got, "exhausted")
		case Succeeded:
			got = append(got, "succeeded")
		}
	}
	assert.Equal(t, []string{"started", "failed", "delayed", "started", "failed", "exhausted"}, got)
}

func TestShouldRetry(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		kind    errors.Kind
		attempt int
		want    bool
	}{
		{errors.KindCrash, 1, true},
		{errors.KindTimeout, 1, true},
		{errors.KindValidation, 1, true},
		{errors.KindCrash, 2, false},
		{errors.KindNotFound, 1, false},
		{errors.KindInvalidDecision, 1, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.ShouldRetry(tt.kind, tt.attempt), "%s attempt %d", tt.kind, tt.attempt)
	}
}

func TestBackoffClamps(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 32*time.Second, p.Backoff(5))
	assert.Equal(t, 60*time.Second, p.Backoff(6))
	assert.Equal(t, 60*time.Second, p.Backoff(500))
}

func TestJitterIsClamped(t *testing.T) {
	e, r := newTestExecutor(DefaultPolicy())
	e.jitter = func() float64 { return 7 }

	_, _ = Execute(context.Background(), e, rc, func(context.Context) (int, error) {
		return 0, errors.New(errors.KindCrash, "boom")
	})

	require.Len(t, r.delays, 1)
	assert.Equal(t, 2200*time.Millisecond, r.delays[0])
}
