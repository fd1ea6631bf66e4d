package poll

import (
	"fmt"
	"time"
)

// Kind discriminates the State variants.
type Kind int

const (
	// KindIdle means no poll is running.
	KindIdle Kind = iota
	// KindPolling means a poll is in flight.
	KindPolling
	// KindPolled means a poll has just completed.
	KindPolled
)

// String returns the lowercase variant name.
func (k Kind) String() string {
	switch k {
	case KindIdle:
		return "idle"
	case KindPolling:
		return "polling"
	case KindPolled:
		return "polled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Reason explains why a poll was started.
type Reason string

const (
	// ReasonRoutine is a scheduled poll from the loop.
	ReasonRoutine Reason = "routine"
	// ReasonManual is a poll requested by an external caller.
	ReasonManual Reason = "manual"
)

// Result is the success-or-failure outcome of one poll.
type Result[T any] struct {
	Value T
	Err   error
}

// Succeeded reports whether the poll finished without error.
func (r Result[T]) Succeeded() bool {
	return r.Err == nil
}

// State is the closed sum type Idle(last?) | Polling(reason, last?) | Polled(at, result).
// Values are built only through Idle, Polling and Polled.
type State[T any] struct {
	kind   Kind
	reason Reason
	at     time.Time
	last   *Result[T]
}

// Idle returns the idle state carrying the previous outcome, if any.
func Idle[T any](last *Result[T]) State[T] {
	return State[T]{kind: KindIdle, last: last}
}

// Polling returns the in-flight state.
func Polling[T any](reason Reason, last *Result[T]) State[T] {
	return State[T]{kind: KindPolling, reason: reason, last: last}
}

// Polled returns the completed state.
func Polled[T any](at time.Time, result Result[T]) State[T] {
	return State[T]{kind: KindPolled, at: at, last: &result}
}

// Kind returns the variant discriminant.
func (s State[T]) Kind() Kind {
	return s.kind
}

// Reason returns the poll reason; only meaningful for KindPolling.
func (s State[T]) Reason() Reason {
	return s.reason
}

// At returns the completion time; only meaningful for KindPolled.
func (s State[T]) At() time.Time {
	return s.at
}

// LastResult returns the most recent outcome, or nil before the first poll completes.
func (s State[T]) LastResult() *Result[T] {
	return s.last
}

// IsPolling reports whether a poll is in flight.
func (s State[T]) IsPolling() bool {
	return s.kind == KindPolling
}

// Summary is a serialisable view of a State used by observers outside the engine.
type Summary struct {
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	PolledAt  time.Time `json:"polled_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	HasResult bool      `json:"has_result"`
	Succeeded bool      `json:"succeeded"`
}

// Summarize flattens the state for logging and the control API.
func (s State[T]) Summarize() Summary {
	summary := Summary{
		State:  s.kind.String(),
		Reason: string(s.reason),
	}
	if s.kind == KindPolled {
		summary.PolledAt = s.at.UTC()
	}
	if s.last != nil {
		summary.HasResult = true
		summary.Succeeded = s.last.Err == nil
		if s.last.Err != nil {
			summary.LastError = s.last.Err.Error()
		}
	}
	return summary
}
