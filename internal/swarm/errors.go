package swarm

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrEmptySwarm indicates that no storage node is known for an account.
	ErrEmptySwarm = errors.New("swarm: no storage nodes available")
	// ErrBatchMismatch indicates that a node returned a different number of results than requested.
	ErrBatchMismatch = errors.New("swarm: batch response length mismatch")
	// ErrEmptyBatch indicates that a batch with no requests was submitted.
	ErrEmptyBatch = errors.New("swarm: empty batch")
)

// StatusCodeMisdirected is returned by a node that is no longer part of the account's swarm.
const StatusCodeMisdirected = 421

// StatusError reports a non-success status from a node, either for a whole call or a sub-request.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("swarm: status %d", e.Code)
	}
	return fmt.Sprintf("swarm: status %d: %s", e.Code, e.Body)
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *StatusError) Permanent() bool {
	switch e.Code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusNotAcceptable, StatusCodeMisdirected:
		return true
	default:
		return false
	}
}

// IsPermanent reports whether err carries a non-retryable node status.
func IsPermanent(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Permanent()
	}
	return false
}

// IsMisdirected reports whether err says the node no longer serves the account.
func IsMisdirected(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Code == StatusCodeMisdirected
}
