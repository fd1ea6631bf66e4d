// Package jobs runs fire-and-forget background work submitted by the sync engines.
package jobs

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrQueueFull is returned when the buffer cannot accept another job.
	ErrQueueFull = errors.New("jobs: queue is full")
	// ErrQueueClosed is returned once the queue has stopped.
	ErrQueueClosed = errors.New("jobs: queue is closed")
	// ErrMissingFunc is returned for a nil job body.
	ErrMissingFunc = errors.New("jobs: job function is required")
)

const (
	defaultWorkers = 2
	defaultBuffer  = 128
)

// Func is the body of a background job.
type Func func(ctx context.Context) error

// Submitter accepts background jobs and returns their id.
type Submitter interface {
	Submit(name string, fn Func) (string, error)
}

type job struct {
	id   string
	name string
	fn   Func
}

// QueueConfig tunes a Queue.
type QueueConfig struct {
	Workers int
	Buffer  int
	Logger  *zap.Logger
}

// Queue is a bounded worker pool. Jobs submitted before Run starts are buffered.
type Queue struct {
	workers int
	logger  *zap.Logger
	pending chan job

	mu     sync.RWMutex
	closed bool
}

func NewQueue(cfg QueueConfig) *Queue {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{workers: workers, logger: logger, pending: make(chan job, buffer)}
}

// Submit enqueues fn without blocking.
func (q *Queue) Submit(name string, fn Func) (string, error) {
	if fn == nil {
		return "", ErrMissingFunc
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return "", ErrQueueClosed
	}
	id := uuid.NewString()
	select {
	case q.pending <- job{id: id, name: name, fn: fn}:
		return id, nil
	default:
		q.logger.Warn("job dropped", zap.String("job", name))
		return "", ErrQueueFull
	}
}

// Run executes jobs until ctx is cancelled, then refuses new submissions.
func (q *Queue) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for worker := 0; worker < q.workers; worker++ {
		group.Go(func() error {
			for {
				select {
				case <-groupCtx.Done():
					return nil
				case next := <-q.pending:
					q.execute(groupCtx, next)
				}
			}
		})
	}
	err := group.Wait()
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (q *Queue) execute(ctx context.Context, next job) {
	fields := []zap.Field{zap.String("job", next.name), zap.String("job_id", next.id)}
	if err := next.fn(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		q.logger.Warn("job failed", append(fields, zap.Error(err))...)
		return
	}
	q.logger.Debug("job completed", fields...)
}

// Pending reports buffered jobs not yet picked up.
func (q *Queue) Pending() int {
	return len(q.pending)
}
