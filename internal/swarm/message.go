package swarm

import (
	"sort"
	"time"
)

const (
	// MaxSizeDefault lets the node pick a sane payload limit.
	MaxSizeDefault = -2
	// MaxSizeConfig asks for a larger share for bulkier config payloads.
	MaxSizeConfig = -8
	// DefaultTTLExtension is how far active config hashes are renewed on each poll.
	DefaultTTLExtension = 14 * 24 * time.Hour
)

// Message is the unit of replication; Hash is its identity.
type Message struct {
	Hash      string
	Data      []byte
	Timestamp int64
	Expiry    int64
	// DecodeErr is set when the payload could not be decoded; Data is nil then.
	DecodeErr error
}

// SortByTimestamp orders messages oldest first, breaking ties on hash.
func SortByTimestamp(messages []Message) []Message {
	sorted := make([]Message, len(messages))
	copy(sorted, messages)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Timestamp == sorted[j].Timestamp {
			return sorted[i].Hash < sorted[j].Hash
		}
		return sorted[i].Timestamp < sorted[j].Timestamp
	})
	return sorted
}

// Latest returns the max-timestamp message of a non-empty batch.
func Latest(messages []Message) (Message, bool) {
	if len(messages) == 0 {
		return Message{}, false
	}
	sorted := SortByTimestamp(messages)
	return sorted[len(sorted)-1], true
}

// Request is one positional entry of a batch.
type Request interface {
	Method() string
}

// RetrieveRequest fetches everything after LastHash in Namespace.
type RetrieveRequest struct {
	Namespace Namespace
	LastHash  string
	Auth      Auth
	MaxSize   int
}

// Method returns the RPC method name.
func (RetrieveRequest) Method() string {
	return "retrieve"
}

// AlterTTLRequest renews the expiry of stored messages without re-uploading them.
type AlterTTLRequest struct {
	Hashes   []string
	Auth     Auth
	ExpiryMs int64
	Extend   bool
}

// Method returns the RPC method name.
func (AlterTTLRequest) Method() string {
	return "expire"
}

// Response is the positional result for one Request.
type Response struct {
	StatusCode int
	Messages   []Message
	Body       string
	// DecodeErr marks a 200 sub-response whose body could not be parsed.
	DecodeErr error
}

// OK reports whether the sub-request succeeded and its body was readable.
func (r Response) OK() bool {
	return r.StatusCode == 200 && r.DecodeErr == nil
}

// Err converts a failed sub-response into a StatusError or its decode error.
func (r Response) Err() error {
	if r.OK() {
		return nil
	}
	if r.DecodeErr != nil {
		return r.DecodeErr
	}
	return &StatusError{Code: r.StatusCode, Body: r.Body}
}
