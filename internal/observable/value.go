package observable

import (
	"context"
	"sync"
)

// Value holds the latest value of a reactive source and fans changes out to subscribers.
// Subscribers only ever see the most recent value; intermediate values may be skipped
// when a subscriber is slower than the publisher.
type Value[T any] struct {
	mu          sync.RWMutex
	current     T
	subscribers map[int64]*subscriber[T]
	nextID      int64
	equal       func(a, b T) bool
}

type subscriber[T any] struct {
	id     int64
	stream chan T
}

// New returns a Value seeded with the initial value.
func New[T any](initial T) *Value[T] {
	return &Value[T]{
		current:     initial,
		subscribers: make(map[int64]*subscriber[T]),
	}
}

// NewComparable returns a Value that suppresses publishing when the new value equals the current one.
func NewComparable[T comparable](initial T) *Value[T] {
	value := New(initial)
	value.equal = func(a, b T) bool { return a == b }
	return value
}

// Get returns the current value without side effects.
func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// Set stores the value and notifies every subscriber.
func (v *Value[T]) Set(value T) {
	v.mu.Lock()
	if v.equal != nil && v.equal(v.current, value) {
		v.mu.Unlock()
		return
	}
	v.current = value
	v.publishLocked(value)
	v.mu.Unlock()
}

// Update applies fn to the current value under the write lock and publishes the result.
func (v *Value[T]) Update(fn func(T) T) T {
	v.mu.Lock()
	next := fn(v.current)
	v.current = next
	v.publishLocked(next)
	v.mu.Unlock()
	return next
}

func (v *Value[T]) publishLocked(value T) {
	for _, sub := range v.subscribers {
		deliverLatest(sub.stream, value)
	}
}

// Subscribe returns a stream that first yields the current value and then every change.
// The stream is closed once ctx is done or the returned cancel func is called.
func (v *Value[T]) Subscribe(ctx context.Context) (<-chan T, func()) {
	sub := &subscriber[T]{stream: make(chan T, 1)}

	v.mu.Lock()
	v.nextID++
	sub.id = v.nextID
	v.subscribers[sub.id] = sub
	sub.stream <- v.current
	v.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.subscribers, sub.id)
			close(sub.stream)
			v.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return sub.stream, cancel
}

// WaitFor blocks until predicate holds for the current value or ctx is done.
func (v *Value[T]) WaitFor(ctx context.Context, predicate func(T) bool) (T, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, unsubscribe := v.Subscribe(waitCtx)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case value, ok := <-stream:
			if !ok {
				var zero T
				return zero, ctx.Err()
			}
			if predicate(value) {
				return value, nil
			}
		}
	}
}

// deliverLatest replaces any undelivered value so the subscriber never blocks the publisher.
// The caller holds the write lock, so the stream cannot be closed underneath it.
func deliverLatest[T any](stream chan T, value T) {
	for {
		select {
		case stream <- value:
			return
		default:
		}
		select {
		case <-stream:
		default:
		}
	}
}
