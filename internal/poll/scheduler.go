package poll

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/swarmsync/internal/observable"
	"go.uber.org/zap"
)

var (
	// ErrMissingOperation is returned when a scheduler has no poll operation.
	ErrMissingOperation = errors.New("poll: operation is required")
	// ErrStopped is returned to manual callers once the owning scope is gone.
	ErrStopped = errors.New("poll: scheduler stopped")
)

// Operation performs exactly one poll.
type Operation[T any] func(ctx context.Context, reason Reason) (T, error)

// Config describes a scheduler instance.
type Config[T any] struct {
	Name      string
	Operation Operation[T]
	Backoff   Backoff
	Gate      Gate
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Scheduler runs a gated periodic poll loop with backoff and lets manual callers share
// the outcome of an in-flight poll. At most one poll executes at a time.
type Scheduler[T any] struct {
	name      string
	operation Operation[T]
	backoff   Backoff
	gate      Gate
	logger    *zap.Logger
	clock     func() time.Time
	state     *observable.Value[State[T]]

	mu       sync.Mutex
	inflight *flight[T]
	scope    context.Context
	failures int
}

// flight is the single in-flight result slot; done closes once result is set.
type flight[T any] struct {
	done   chan struct{}
	result Result[T]
}

// NewScheduler validates the configuration and returns an idle scheduler.
func NewScheduler[T any](cfg Config[T]) (*Scheduler[T], error) {
	if cfg.Operation == nil {
		return nil, ErrMissingOperation
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	backoff := cfg.Backoff
	if backoff.SuccessInterval <= 0 {
		backoff = DefaultBackoff()
	}
	return &Scheduler[T]{
		name:      cfg.Name,
		operation: cfg.Operation,
		backoff:   backoff,
		gate:      cfg.Gate,
		logger:    logger.With(zap.String("poller", cfg.Name)),
		clock:     clock,
		state:     observable.New(Idle[T](nil)),
	}, nil
}

// State exposes the live poll state.
func (s *Scheduler[T]) State() *observable.Value[State[T]] {
	return s.state
}

// ConsecutiveFailures returns the current failure streak used for backoff.
func (s *Scheduler[T]) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Run drives the routine loop until ctx is cancelled. ctx also becomes the execution
// scope for manual polls triggered while the loop runs.
func (s *Scheduler[T]) Run(ctx context.Context) error {
	s.mu.Lock()
	s.scope = ctx
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.scope = nil
		s.mu.Unlock()
	}()

	s.logger.Info("poller started")
	for {
		if err := s.gate.Wait(ctx, s.logger); err != nil {
			s.logger.Info("poller stopped")
			return ctx.Err()
		}

		result := s.poll(ctx, ReasonRoutine)
		if ctx.Err() != nil {
			s.logger.Info("poller stopped")
			return ctx.Err()
		}

		delay := s.nextDelay(result)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("poller stopped")
			return ctx.Err()
		case <-timer.C:
		}
		s.state.Update(func(current State[T]) State[T] {
			if current.IsPolling() {
				return current
			}
			return Idle(current.LastResult())
		})
	}
}

// PollNow requests an out-of-band poll and blocks until it completes. If a poll is
// already in flight, the caller waits for that poll and receives its outcome.
func (s *Scheduler[T]) PollNow(ctx context.Context) (T, error) {
	s.mu.Lock()
	scope := s.scope
	s.mu.Unlock()
	if scope == nil {
		scope = ctx
	}
	if scope.Err() != nil {
		var zero T
		return zero, ErrStopped
	}

	resultCh := make(chan Result[T], 1)
	go func() {
		resultCh <- s.poll(scope, ReasonManual)
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case result := <-resultCh:
		return result.Value, result.Err
	}
}

// poll either joins the in-flight poll or starts one and publishes its outcome.
func (s *Scheduler[T]) poll(ctx context.Context, reason Reason) Result[T] {
	s.mu.Lock()
	if current := s.inflight; current != nil {
		s.mu.Unlock()
		<-current.done
		return current.result
	}
	current := &flight[T]{done: make(chan struct{})}
	s.inflight = current
	s.mu.Unlock()

	last := s.state.Get().LastResult()
	s.state.Set(Polling(reason, last))

	value, err := s.operation(ctx, reason)
	result := Result[T]{Value: value, Err: err}

	s.mu.Lock()
	switch {
	case IsCancellation(ctx, err):
		s.state.Set(Idle(last))
	case err != nil:
		s.failures++
		s.logger.Warn("poll failed",
			zap.String("reason", string(reason)),
			zap.Int("consecutive_failures", s.failures),
			zap.Error(err))
		s.state.Set(Polled(s.clock().UTC(), result))
	default:
		s.failures = 0
		s.state.Set(Polled(s.clock().UTC(), result))
	}
	current.result = result
	s.inflight = nil
	s.mu.Unlock()
	close(current.done)
	return result
}

func (s *Scheduler[T]) nextDelay(result Result[T]) time.Duration {
	s.mu.Lock()
	failures := s.failures
	s.mu.Unlock()
	if result.Err == nil {
		return s.backoff.Delay(0)
	}
	// failures already counts this poll; the first failure waits base*2.
	return s.backoff.Delay(failures)
}

// IsCancellation reports whether err stems from ctx being cancelled rather than a poll failure.
func IsCancellation(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	return ctx != nil && ctx.Err() != nil && errors.Is(err, ctx.Err())
}
