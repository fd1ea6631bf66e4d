// Package sharedconfig defines the replicated config objects the sync engines merge into.
package sharedconfig

import (
	"errors"

	"github.com/MarcoPoloResearchLab/swarmsync/internal/swarm"
)

var (
	// ErrUnknownKind indicates a config kind without a namespace mapping.
	ErrUnknownKind = errors.New("sharedconfig: unknown config kind")
	// ErrUndecryptable indicates that no known key opens a payload.
	ErrUndecryptable = errors.New("sharedconfig: payload cannot be decrypted")
)

// Kind names one replicated config type.
type Kind string

const (
	KindUserProfile       Kind = "user_profile"
	KindContacts          Kind = "contacts"
	KindConvoInfoVolatile Kind = "convo_info_volatile"
	KindUserGroups        Kind = "user_groups"
	KindGroupInfo         Kind = "group_info"
	KindGroupMembers      Kind = "group_members"
	KindGroupKeys         Kind = "group_keys"
)

var kindNamespaces = map[Kind]swarm.Namespace{
	KindUserProfile:       swarm.NamespaceUserProfile,
	KindContacts:          swarm.NamespaceContacts,
	KindConvoInfoVolatile: swarm.NamespaceConvoInfoVolatile,
	KindUserGroups:        swarm.NamespaceUserGroups,
	KindGroupInfo:         swarm.NamespaceGroupInfo,
	KindGroupMembers:      swarm.NamespaceGroupMembers,
	KindGroupKeys:         swarm.NamespaceGroupKeys,
}

// UserKinds lists the personal config kinds, profile first.
var UserKinds = []Kind{KindUserProfile, KindContacts, KindConvoInfoVolatile, KindUserGroups}

// Namespace returns the swarm namespace holding this config kind.
func (k Kind) Namespace() (swarm.Namespace, error) {
	namespace, ok := kindNamespaces[k]
	if !ok {
		return 0, ErrUnknownKind
	}
	return namespace, nil
}

func (k Kind) String() string {
	return string(k)
}

// Config is a mergeable replicated config. Merge is idempotent; callers feed deltas in ascending timestamp order.
type Config interface {
	Kind() Kind
	Merge(hash string, data []byte) error
	ActiveHashes() []string
	NeedsPush() bool
	NeedsDump() bool
	Dump() ([]byte, error)
}

// Decrypted is an opened group message.
type Decrypted struct {
	Plaintext []byte
	Sender    string
}

// Keys is the group key store. Key loads may need info and members to resolve pending state.
type Keys interface {
	LoadKey(hash string, data []byte, timestamp int64, info Config, members Config) error
	ActiveHashes() []string
	Generation() int
	NeedsPush() bool
	NeedsDump() bool
	NeedsRekey() bool
	PendingConfig() bool
	Dump() ([]byte, error)
	Decrypt(ciphertext []byte) (Decrypted, error)
	DecryptKicked(ciphertext []byte) ([]byte, error)
}

// UserSet exposes the personal configs of one account.
type UserSet interface {
	Config(kind Kind) (Config, bool)
}

// GroupSet is the info, members and keys triple of one closed group.
type GroupSet interface {
	Info() Config
	Members() Config
	Keys() Keys
}
