package sharedconfig

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const kickedDomain = "kicked:"

// Log is an in-memory last-writer-wins key/value config. Deltas are JSON objects of string values.
type Log struct {
	mu      sync.Mutex
	kind    Kind
	values  map[string]string
	hashes  map[string]struct{}
	pending bool
	dirty   bool
}

type logDump struct {
	Values map[string]string `json:"values"`
	Hashes []string          `json:"hashes"`
}

// NewLog returns an empty config of kind.
func NewLog(kind Kind) *Log {
	return &Log{kind: kind, values: make(map[string]string), hashes: make(map[string]struct{})}
}

func (l *Log) Kind() Kind {
	return l.kind
}

// Merge applies one delta. Re-merging a known hash is a no-op.
func (l *Log) Merge(hash string, data []byte) error {
	var delta map[string]string
	if err := json.Unmarshal(data, &delta); err != nil {
		return fmt.Errorf("sharedconfig: merge %s %s: %w", l.kind, hash, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, known := l.hashes[hash]; known {
		return nil
	}
	for key, value := range delta {
		l.values[key] = value
	}
	l.hashes[hash] = struct{}{}
	l.dirty = true
	return nil
}

// Set records a local change that must be pushed.
func (l *Log) Set(key string, value string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.values[key] = value
	l.pending = true
	l.dirty = true
}

func (l *Log) Get(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	value, ok := l.values[key]
	return value, ok
}

// Confirm marks local changes as stored under hash.
func (l *Log) Confirm(hash string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hashes[hash] = struct{}{}
	l.pending = false
	l.dirty = true
}

func (l *Log) ActiveHashes() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return sortedKeys(l.hashes)
}

func (l *Log) NeedsPush() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

func (l *Log) NeedsDump() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dirty
}

// Dump serialises the config and clears the dump flag.
func (l *Log) Dump() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	payload, err := json.Marshal(logDump{Values: l.values, Hashes: sortedKeys(l.hashes)})
	if err != nil {
		return nil, err
	}
	l.dirty = false
	return payload, nil
}

// Restore loads a previous Dump.
func (l *Log) Restore(payload []byte) error {
	var dump logDump
	if err := json.Unmarshal(payload, &dump); err != nil {
		return fmt.Errorf("sharedconfig: restore %s: %w", l.kind, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.values = make(map[string]string, len(dump.Values))
	for key, value := range dump.Values {
		l.values[key] = value
	}
	l.hashes = make(map[string]struct{}, len(dump.Hashes))
	for _, hash := range dump.Hashes {
		l.hashes[hash] = struct{}{}
	}
	l.dirty = false
	return nil
}

// KeyMessage is the payload of a group key delta understood by LogKeys.
type KeyMessage struct {
	Generation    int  `json:"generation"`
	PendingConfig bool `json:"pending_config,omitempty"`
}

// Envelope is the group message framing understood by LogKeys. It carries no encryption.
type Envelope struct {
	Generation int    `json:"generation"`
	Sender     string `json:"sender"`
	Body       []byte `json:"body"`
}

// LogKeys is an in-memory key store that tracks generations and opens Envelope payloads.
type LogKeys struct {
	mu            sync.Mutex
	generations   map[int]struct{}
	hashes        map[string]struct{}
	current       int
	pendingConfig bool
	rekey         bool
	pending       bool
	dirty         bool
}

type keysDump struct {
	Generations []int    `json:"generations"`
	Hashes      []string `json:"hashes"`
}

func NewLogKeys() *LogKeys {
	return &LogKeys{generations: make(map[int]struct{}), hashes: make(map[string]struct{})}
}

// LoadKey registers the generation carried by a key delta.
func (k *LogKeys) LoadKey(hash string, data []byte, timestamp int64, info Config, members Config) error {
	var message KeyMessage
	if err := json.Unmarshal(data, &message); err != nil {
		return fmt.Errorf("sharedconfig: load key %s: %w", hash, err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, known := k.hashes[hash]; known {
		return nil
	}
	k.hashes[hash] = struct{}{}
	k.generations[message.Generation] = struct{}{}
	if message.Generation > k.current {
		k.current = message.Generation
	}
	if message.PendingConfig {
		k.pendingConfig = true
	}
	k.dirty = true
	return nil
}

func (k *LogKeys) ActiveHashes() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return sortedKeys(k.hashes)
}

func (k *LogKeys) Generation() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.current
}

func (k *LogKeys) NeedsPush() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.pending
}

func (k *LogKeys) NeedsDump() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.dirty
}

func (k *LogKeys) NeedsRekey() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.rekey
}

func (k *LogKeys) PendingConfig() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.pendingConfig
}

// RequestRekey flags that a new key generation must be pushed.
func (k *LogKeys) RequestRekey() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.rekey = true
}

// Pushed clears the push, rekey and pending-config flags after an upload.
func (k *LogKeys) Pushed() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pending = false
	k.rekey = false
	k.pendingConfig = false
}

func (k *LogKeys) Dump() ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	generations := make([]int, 0, len(k.generations))
	for generation := range k.generations {
		generations = append(generations, generation)
	}
	sort.Ints(generations)
	payload, err := json.Marshal(keysDump{Generations: generations, Hashes: sortedKeys(k.hashes)})
	if err != nil {
		return nil, err
	}
	k.dirty = false
	return payload, nil
}

// Restore loads a previous Dump. The current generation becomes the highest restored one.
func (k *LogKeys) Restore(payload []byte) error {
	var dump keysDump
	if err := json.Unmarshal(payload, &dump); err != nil {
		return fmt.Errorf("sharedconfig: restore %s: %w", KindGroupKeys, err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.generations = make(map[int]struct{}, len(dump.Generations))
	k.current = 0
	for _, generation := range dump.Generations {
		k.generations[generation] = struct{}{}
		if generation > k.current {
			k.current = generation
		}
	}
	k.hashes = make(map[string]struct{}, len(dump.Hashes))
	for _, hash := range dump.Hashes {
		k.hashes[hash] = struct{}{}
	}
	k.dirty = false
	return nil
}

// Decrypt opens an Envelope whose generation has been loaded.
func (k *LogKeys) Decrypt(ciphertext []byte) (Decrypted, error) {
	var envelope Envelope
	if err := json.Unmarshal(ciphertext, &envelope); err != nil {
		return Decrypted{}, fmt.Errorf("%w: %v", ErrUndecryptable, err)
	}
	k.mu.Lock()
	_, known := k.generations[envelope.Generation]
	k.mu.Unlock()
	if !known {
		return Decrypted{}, fmt.Errorf("%w: unknown generation %d", ErrUndecryptable, envelope.Generation)
	}
	return Decrypted{Plaintext: envelope.Body, Sender: envelope.Sender}, nil
}

// DecryptKicked opens a revocation payload produced by SealKicked.
func (k *LogKeys) DecryptKicked(ciphertext []byte) ([]byte, error) {
	text := string(ciphertext)
	if !strings.HasPrefix(text, kickedDomain) {
		return nil, ErrUndecryptable
	}
	return []byte(strings.TrimPrefix(text, kickedDomain)), nil
}

// SealEnvelope frames a group message for LogKeys.
func SealEnvelope(generation int, sender string, body []byte) []byte {
	payload, _ := json.Marshal(Envelope{Generation: generation, Sender: sender, Body: body})
	return payload
}

// SealKicked frames a revocation of accountID at generation.
func SealKicked(accountID string, generation int) []byte {
	return []byte(kickedDomain + accountID + "-" + strconv.Itoa(generation))
}

// MemoryUserSet holds one Log per personal config kind.
type MemoryUserSet struct {
	configs map[Kind]*Log
}

func NewMemoryUserSet() *MemoryUserSet {
	configs := make(map[Kind]*Log, len(UserKinds))
	for _, kind := range UserKinds {
		configs[kind] = NewLog(kind)
	}
	return &MemoryUserSet{configs: configs}
}

func (s *MemoryUserSet) Config(kind Kind) (Config, bool) {
	config, ok := s.configs[kind]
	if !ok {
		return nil, false
	}
	return config, true
}

// Log returns the concrete config for kind.
func (s *MemoryUserSet) Log(kind Kind) *Log {
	return s.configs[kind]
}

// MemoryGroup is an in-memory GroupSet.
type MemoryGroup struct {
	info    *Log
	members *Log
	keys    *LogKeys
}

func NewMemoryGroup() *MemoryGroup {
	return &MemoryGroup{info: NewLog(KindGroupInfo), members: NewLog(KindGroupMembers), keys: NewLogKeys()}
}

func (g *MemoryGroup) Info() Config    { return g.info }
func (g *MemoryGroup) Members() Config { return g.members }
func (g *MemoryGroup) Keys() Keys      { return g.keys }

// KeyStore returns the concrete key store.
func (g *MemoryGroup) KeyStore() *LogKeys { return g.keys }

// Restore loads a dump produced for one of the group kinds.
func (g *MemoryGroup) Restore(kind Kind, payload []byte) error {
	switch kind {
	case KindGroupInfo:
		return g.info.Restore(payload)
	case KindGroupMembers:
		return g.members.Restore(payload)
	case KindGroupKeys:
		return g.keys.Restore(payload)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
