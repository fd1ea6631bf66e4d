package swarm

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrInvalidSeed indicates that an Ed25519 seed has the wrong length.
	ErrInvalidSeed = errors.New("swarm: ed25519 seed must be 32 bytes")
	// ErrMissingAccount indicates that an auth value has no account id.
	ErrMissingAccount = errors.New("swarm: account id is required")
)

// Auth signs storage requests on behalf of an account.
type Auth interface {
	// AccountID is the swarm-addressed account the request targets.
	AccountID() string
	// Params returns the identity fields merged into every signed request.
	Params() map[string]any
	// Sign produces the request signature over payload.
	Sign(payload []byte) ([]byte, error)
}

// Ed25519Auth authenticates as the owner of an account.
type Ed25519Auth struct {
	accountID string
	key       ed25519.PrivateKey
}

// NewEd25519Auth builds owner credentials from a 32-byte seed.
func NewEd25519Auth(accountID string, seed []byte) (*Ed25519Auth, error) {
	if accountID == "" {
		return nil, ErrMissingAccount
	}
	if len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidSeed
	}
	return &Ed25519Auth{accountID: accountID, key: ed25519.NewKeyFromSeed(seed)}, nil
}

// NewEd25519AuthFromHex decodes a hex seed.
func NewEd25519AuthFromHex(accountID string, seedHex string) (*Ed25519Auth, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("swarm: decode seed: %w", err)
	}
	return NewEd25519Auth(accountID, seed)
}

// AccountID returns the owning account.
func (a *Ed25519Auth) AccountID() string {
	return a.accountID
}

// PublicKeyHex returns the signing key's public half.
func (a *Ed25519Auth) PublicKeyHex() string {
	return hex.EncodeToString(a.key.Public().(ed25519.PublicKey))
}

// Params returns the owner identity fields.
func (a *Ed25519Auth) Params() map[string]any {
	return map[string]any{
		"pubkey":         a.accountID,
		"pubkey_ed25519": a.PublicKeyHex(),
	}
}

// Sign signs payload with the owner key.
func (a *Ed25519Auth) Sign(payload []byte) ([]byte, error) {
	return ed25519.Sign(a.key, payload), nil
}

// SubAccountAuth authenticates a group member through an admin-issued token.
type SubAccountAuth struct {
	groupID   string
	token     []byte
	tokenSig  []byte
	memberKey ed25519.PrivateKey
}

// NewSubAccountAuth builds delegated credentials for groupID.
func NewSubAccountAuth(groupID string, token []byte, tokenSig []byte, memberSeed []byte) (*SubAccountAuth, error) {
	if groupID == "" {
		return nil, ErrMissingAccount
	}
	if len(memberSeed) != ed25519.SeedSize {
		return nil, ErrInvalidSeed
	}
	return &SubAccountAuth{
		groupID:   groupID,
		token:     append([]byte(nil), token...),
		tokenSig:  append([]byte(nil), tokenSig...),
		memberKey: ed25519.NewKeyFromSeed(memberSeed),
	}, nil
}

// AccountID returns the group account.
func (a *SubAccountAuth) AccountID() string {
	return a.groupID
}

// Params returns the group identity and the delegation token.
func (a *SubAccountAuth) Params() map[string]any {
	return map[string]any{
		"pubkey":         a.groupID,
		"subaccount":     base64.StdEncoding.EncodeToString(a.token),
		"subaccount_sig": base64.StdEncoding.EncodeToString(a.tokenSig),
	}
}

// Sign signs payload with the member key.
func (a *SubAccountAuth) Sign(payload []byte) ([]byte, error) {
	return ed25519.Sign(a.memberKey, payload), nil
}
