package retry

import (
	"context"
	"time"

	"github.com/mpataki/foreman/internal/errors"
	"github.com/mpataki/foreman/internal/log"
)

// Event is one of Started, Succeeded, Failed, Delayed or Exhausted.
type Event interface {
	isRetryEvent()
}

type Started struct {
	Context
	Attempt int
}

type Succeeded struct {
	Context
	Attempt int
}

type Failed struct {
	Context
	Attempt int
	Kind    errors.Kind
	Err     error
}

// Delayed is published before the executor sleeps ahead of the next attempt.
type Delayed struct {
	Context
	Attempt int
	Kind    errors.Kind
	Delay   time.Duration
}

type Exhausted struct {
	Context
	Attempts int
	Kind     errors.Kind
	Err      error
}

func (Started) isRetryEvent()   {}
func (Succeeded) isRetryEvent() {}
func (Failed) isRetryEvent()    {}
func (Delayed) isRetryEvent()   {}
func (Exhausted) isRetryEvent() {}

// LogEvents writes events to logger until ch closes or ctx is done.
func LogEvents(ctx context.Context, ch <-chan Event, logger *log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			logEvent(logger, ev)
		}
	}
}

func logEvent(logger *log.Logger, ev Event) {
	switch e := ev.(type) {
	case Started:
		logger.Debug("attempt started", "run_id", e.RunID, "agent", e.Agent, "attempt", e.Attempt)
	case Succeeded:
		logger.Debug("attempt succeeded", "run_id", e.RunID, "agent", e.Agent, "attempt", e.Attempt)
	case Failed:
		logger.WithError(e.Err).Warn("attempt failed", "run_id", e.RunID, "agent", e.Agent, "attempt", e.Attempt)
	case Delayed:
		logger.Info("retrying after delay", "run_id", e.RunID, "agent", e.Agent, "kind", string(e.Kind), "delay", e.Delay)
	case Exhausted:
		logger.WithError(e.Err).Error("retries exhausted", "run_id", e.RunID, "agent", e.Agent, "attempts", e.Attempts)
	}
}
