// Package groups polls the swarm of each joined closed group.
package groups

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/swarmsync/internal/observable"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/poll"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/sharedconfig"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/swarm"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DefaultInterval  = 3 * time.Second
	DefaultChunkSize = 50
)

var (
	// ErrNoCredentials stops a group loop that holds neither a sub-account token nor an admin key.
	ErrNoCredentials = errors.New("groups: no swarm credentials for group")

	// ErrMissingGroupID indicates the engine was built without a group id.
	ErrMissingGroupID = errors.New("groups: group id is required")

	// ErrMissingAccount indicates the local account id is empty.
	ErrMissingAccount = errors.New("groups: local account id is required")

	// ErrMissingClient indicates the swarm client is nil.
	ErrMissingClient = errors.New("groups: swarm client is required")

	// ErrMissingResolver indicates the swarm resolver is nil.
	ErrMissingResolver = errors.New("groups: swarm resolver is required")

	// ErrMissingStore indicates the cursor store is nil.
	ErrMissingStore = errors.New("groups: store is required")

	// ErrMissingDirectory indicates the membership directory is nil.
	ErrMissingDirectory = errors.New("groups: directory is required")

	// ErrMissingHandler indicates the group handler is nil.
	ErrMissingHandler = errors.New("groups: handler is required")
)

// Membership is what the local user holds for one group.
type Membership struct {
	Configs    sharedconfig.GroupSet
	SubAccount swarm.Auth
	Admin      swarm.Auth
}

// Directory reports whether the user is still in a group.
type Directory interface {
	Lookup(groupID string) (Membership, bool)
}

// Message is a decrypted group message.
type Message struct {
	Hash      string
	Timestamp int64
	Sender    string
	Plaintext []byte
}

// Handler receives group side effects.
type Handler interface {
	ProcessGroupMessages(ctx context.Context, groupID string, messages []Message) error
	HandleKicked(ctx context.Context, groupID string) error
	ScheduleGroupPush(ctx context.Context, groupID string)
}

// Store is the cursor, dedupe and dump persistence the engine needs.
type Store interface {
	LastHash(ctx context.Context, node string, accountID string, namespace swarm.Namespace) (string, error)
	SetLastHash(ctx context.Context, node string, accountID string, namespace swarm.Namespace, hash string) error
	HasSeen(ctx context.Context, accountID string, namespace swarm.Namespace, hash string) (bool, error)
	MarkSeen(ctx context.Context, accountID string, namespace swarm.Namespace, hash string) (bool, error)
	SaveConfigDump(ctx context.Context, accountID string, kind string, payload []byte) error
}

// Config wires one group Engine.
type Config struct {
	GroupID        string
	LocalAccountID string
	Client         swarm.Client
	Resolver       swarm.Resolver
	Store          Store
	Directory      Directory
	Handler        Handler
	Interval       time.Duration
	ChunkSize      int
	TTLExtension   time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
	Pick           func(n int) int
}

// Engine runs the poll loop of one group.
type Engine struct {
	groupID        string
	localAccountID string
	client         swarm.Client
	resolver       swarm.Resolver
	store          Store
	directory      Directory
	handler        Handler
	interval       time.Duration
	chunkSize      int
	ttlExtension   time.Duration
	clock          func() time.Time
	logger         *zap.Logger
	pick           func(n int) int
	state          *observable.Value[poll.State[Outcome]]
}

// Outcome summarises one group poll.
type Outcome struct {
	Kicked   bool
	Messages int
}

const (
	slotRevoked = iota
	slotMessages
	slotInfo
	slotMembers
	slotKeys
	slotCount
)

var slotNamespaces = [slotCount]swarm.Namespace{
	slotRevoked:  swarm.NamespaceRevokedRetrievableGroups,
	slotMessages: swarm.NamespaceGroupMessages,
	slotInfo:     swarm.NamespaceGroupInfo,
	slotMembers:  swarm.NamespaceGroupMembers,
	slotKeys:     swarm.NamespaceGroupKeys,
}

// New validates the dependencies and builds the poll engine for one group.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.GroupID == "":
		return nil, ErrMissingGroupID
	case cfg.LocalAccountID == "":
		return nil, ErrMissingAccount
	case cfg.Client == nil:
		return nil, ErrMissingClient
	case cfg.Resolver == nil:
		return nil, ErrMissingResolver
	case cfg.Store == nil:
		return nil, ErrMissingStore
	case cfg.Directory == nil:
		return nil, ErrMissingDirectory
	case cfg.Handler == nil:
		return nil, ErrMissingHandler
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	ttl := cfg.TTLExtension
	if ttl <= 0 {
		ttl = swarm.DefaultTTLExtension
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		groupID:        cfg.GroupID,
		localAccountID: cfg.LocalAccountID,
		client:         cfg.Client,
		resolver:       cfg.Resolver,
		store:          cfg.Store,
		directory:      cfg.Directory,
		handler:        cfg.Handler,
		interval:       interval,
		chunkSize:      chunkSize,
		ttlExtension:   ttl,
		clock:          clock,
		logger:         logger.With(zap.String("component", "groups"), zap.String("group_id", cfg.GroupID)),
		pick:           cfg.Pick,
		state:          observable.New(poll.Idle[Outcome](nil)),
	}, nil
}

// State exposes the live poll state of this group.
func (e *Engine) State() *observable.Value[poll.State[Outcome]] {
	return e.state
}

// Run polls until the group disappears, the user is kicked, credentials are missing or ctx ends.
// Leaving the group and being kicked end the loop without error.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("group poller started")
	defer e.logger.Info("group poller stopped")
	for {
		membership, present := e.directory.Lookup(e.groupID)
		if !present {
			return nil
		}

		last := e.state.Get().LastResult()
		e.state.Set(poll.Polling(poll.ReasonRoutine, last))
		outcome, err := e.pollOnce(ctx, membership)
		switch {
		case poll.IsCancellation(ctx, err):
			e.state.Set(poll.Idle(last))
			return ctx.Err()
		case errors.Is(err, ErrNoCredentials):
			e.state.Set(poll.Polled(e.clock().UTC(), poll.Result[Outcome]{Err: err}))
			e.logger.Error("group poll aborted", zap.Error(err))
			return err
		case err != nil:
			e.logger.Warn("group poll failed", zap.Error(err))
		}
		e.state.Set(poll.Polled(e.clock().UTC(), poll.Result[Outcome]{Value: outcome, Err: err}))
		if outcome.Kicked {
			return nil
		}

		timer := time.NewTimer(e.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// PollOnce runs a single cycle against the current membership.
func (e *Engine) PollOnce(ctx context.Context) (Outcome, error) {
	membership, present := e.directory.Lookup(e.groupID)
	if !present {
		return Outcome{}, nil
	}
	return e.pollOnce(ctx, membership)
}

func (e *Engine) pollOnce(ctx context.Context, membership Membership) (Outcome, error) {
	auth := membership.SubAccount
	if auth == nil {
		auth = membership.Admin
	}
	if auth == nil {
		return Outcome{}, ErrNoCredentials
	}
	configs := membership.Configs
	keys := configs.Keys()

	node, err := swarm.PickNode(ctx, e.resolver, e.groupID, e.pick)
	if err != nil {
		return Outcome{}, err
	}

	requests := make([]swarm.Request, 0, slotCount+1)
	for index := 0; index < slotCount; index++ {
		namespace := slotNamespaces[index]
		lastHash, err := e.store.LastHash(ctx, node.Address, e.groupID, namespace)
		if err != nil {
			return Outcome{}, err
		}
		maxSize := swarm.MaxSizeConfig
		if index == slotMessages || index == slotRevoked {
			maxSize = swarm.MaxSizeDefault
		}
		requests = append(requests, swarm.RetrieveRequest{Namespace: namespace, LastHash: lastHash, Auth: auth, MaxSize: maxSize})
	}
	if hashes := activeHashes(configs); len(hashes) > 0 {
		requests = append(requests, swarm.AlterTTLRequest{
			Hashes:   hashes,
			Auth:     auth,
			ExpiryMs: e.clock().Add(e.ttlExtension).UnixMilli(),
			Extend:   true,
		})
	}

	responses, err := e.client.Batch(ctx, node, requests)
	if err != nil {
		if swarm.IsMisdirected(err) {
			e.resolver.Invalidate(e.groupID)
		}
		return Outcome{}, err
	}
	if len(responses) != len(requests) {
		return Outcome{}, fmt.Errorf("%w: sent %d, received %d", swarm.ErrBatchMismatch, len(requests), len(responses))
	}

	var outcome Outcome
	var errs error
	available := func(index int) bool {
		err := responses[index].Err()
		if err == nil {
			return true
		}
		if swarm.IsMisdirected(err) {
			e.resolver.Invalidate(e.groupID)
		}
		e.logger.Warn("namespace retrieval failed",
			zap.Int("namespace", slotNamespaces[index].Int()),
			zap.Int("status", responses[index].StatusCode))
		return false
	}

	if available(slotKeys) {
		errs = multierr.Append(errs, e.apply(ctx, node, slotNamespaces[slotKeys], responses[slotKeys].Messages, func(message swarm.Message) error {
			return keys.LoadKey(message.Hash, message.Data, message.Timestamp, configs.Info(), configs.Members())
		}))
	}

	if available(slotRevoked) {
		errs = multierr.Append(errs, e.apply(ctx, node, slotNamespaces[slotRevoked], responses[slotRevoked].Messages, func(message swarm.Message) error {
			if e.isKick(keys, message) {
				outcome.Kicked = true
			}
			return nil
		}))
	}

	if outcome.Kicked {
		e.logger.Info("removed from group")
		if err := e.handler.HandleKicked(ctx, e.groupID); err != nil {
			e.logger.Warn("kick handling failed", zap.Error(err))
		}
	} else {
		if available(slotInfo) {
			errs = multierr.Append(errs, e.apply(ctx, node, slotNamespaces[slotInfo], responses[slotInfo].Messages, func(message swarm.Message) error {
				return configs.Info().Merge(message.Hash, message.Data)
			}))
		}
		if available(slotMembers) {
			errs = multierr.Append(errs, e.apply(ctx, node, slotNamespaces[slotMembers], responses[slotMembers].Messages, func(message swarm.Message) error {
				return configs.Members().Merge(message.Hash, message.Data)
			}))
		}
		if available(slotMessages) {
			dispatched, err := e.dispatchMessages(ctx, node, keys, responses[slotMessages].Messages)
			outcome.Messages = dispatched
			errs = multierr.Append(errs, err)
		}
	}

	errs = multierr.Append(errs, e.reconcile(ctx, configs))
	if len(requests) > slotCount {
		if err := responses[slotCount].Err(); err != nil {
			e.logger.Warn("ttl extension rejected", zap.Error(err))
		}
	}

	if errs != nil {
		return outcome, errs
	}
	if swarm.AllFailed(responses[:slotCount]) {
		return outcome, swarm.FirstError(responses[:slotCount])
	}
	return outcome, nil
}

// apply feeds unseen messages oldest first to fn, then moves the namespace cursor to the newest one.
// fn failures are logged per item and never block the batch.
func (e *Engine) apply(ctx context.Context, node swarm.Node, namespace swarm.Namespace, messages []swarm.Message, fn func(swarm.Message) error) error {
	if len(messages) == 0 {
		return nil
	}
	for _, message := range swarm.SortByTimestamp(messages) {
		seen, err := e.store.HasSeen(ctx, e.groupID, namespace, message.Hash)
		if err != nil {
			return err
		}
		if seen {
			continue
		}
		if message.DecodeErr != nil {
			e.logger.Warn("group item skipped",
				zap.Int("namespace", namespace.Int()),
				zap.String("hash", message.Hash),
				zap.Error(message.DecodeErr))
		} else if err := fn(message); err != nil {
			e.logger.Warn("group item rejected",
				zap.Int("namespace", namespace.Int()),
				zap.String("hash", message.Hash),
				zap.Error(err))
		}
		if _, err := e.store.MarkSeen(ctx, e.groupID, namespace, message.Hash); err != nil {
			return err
		}
	}
	latest, _ := swarm.Latest(messages)
	return e.store.SetLastHash(ctx, node.Address, e.groupID, namespace, latest.Hash)
}

// isKick reports whether a revocation names the local account at or above the current key generation.
func (e *Engine) isKick(keys sharedconfig.Keys, message swarm.Message) bool {
	plaintext, err := keys.DecryptKicked(message.Data)
	if err != nil {
		e.logger.Debug("revocation not readable", zap.String("hash", message.Hash), zap.Error(err))
		return false
	}
	accountID, generation, ok := parseRevocation(string(plaintext))
	if !ok || accountID != e.localAccountID {
		return false
	}
	return generation >= keys.Generation()
}

// parseRevocation splits "<accountId>-<generation>".
func parseRevocation(payload string) (string, int, bool) {
	separator := strings.LastIndex(payload, "-")
	if separator <= 0 || separator == len(payload)-1 {
		return "", 0, false
	}
	generation, err := strconv.Atoi(payload[separator+1:])
	if err != nil || generation < 0 {
		return "", 0, false
	}
	return payload[:separator], generation, true
}

// dispatchMessages decrypts unseen messages and hands them over in chunks, advancing the cursor per chunk.
func (e *Engine) dispatchMessages(ctx context.Context, node swarm.Node, keys sharedconfig.Keys, messages []swarm.Message) (int, error) {
	namespace := swarm.NamespaceGroupMessages
	sorted := swarm.SortByTimestamp(messages)
	dispatched := 0
	for start := 0; start < len(sorted); start += e.chunkSize {
		end := start + e.chunkSize
		if end > len(sorted) {
			end = len(sorted)
		}
		chunk := sorted[start:end]
		decrypted := make([]Message, 0, len(chunk))
		for _, message := range chunk {
			seen, err := e.store.HasSeen(ctx, e.groupID, namespace, message.Hash)
			if err != nil {
				return dispatched, err
			}
			if seen {
				continue
			}
			if message.DecodeErr != nil {
				e.logger.Warn("group message skipped", zap.String("hash", message.Hash), zap.Error(message.DecodeErr))
				continue
			}
			opened, err := keys.Decrypt(message.Data)
			if err != nil {
				e.logger.Warn("group message undecryptable", zap.String("hash", message.Hash), zap.Error(err))
				continue
			}
			decrypted = append(decrypted, Message{
				Hash:      message.Hash,
				Timestamp: message.Timestamp,
				Sender:    opened.Sender,
				Plaintext: opened.Plaintext,
			})
		}
		if len(decrypted) > 0 {
			handled, err := e.handle(ctx, decrypted)
			if err != nil {
				return dispatched, err
			}
			dispatched += handled
		}
		for _, message := range chunk {
			if _, err := e.store.MarkSeen(ctx, e.groupID, namespace, message.Hash); err != nil {
				return dispatched, err
			}
		}
		if err := e.store.SetLastHash(ctx, node.Address, e.groupID, namespace, chunk[len(chunk)-1].Hash); err != nil {
			return dispatched, err
		}
	}
	return dispatched, nil
}

// handle hands a chunk to the handler and falls back to one message at a time when the chunk is rejected.
func (e *Engine) handle(ctx context.Context, messages []Message) (int, error) {
	err := e.handler.ProcessGroupMessages(ctx, e.groupID, messages)
	if err == nil {
		return len(messages), nil
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	if len(messages) == 1 {
		e.logger.Warn("group message processing failed", zap.String("hash", messages[0].Hash), zap.Error(err))
		return 0, nil
	}
	e.logger.Debug("group chunk rejected, retrying per message", zap.Int("count", len(messages)), zap.Error(err))
	handled := 0
	for _, message := range messages {
		if err := e.handler.ProcessGroupMessages(ctx, e.groupID, []Message{message}); err != nil {
			if ctx.Err() != nil {
				return handled, ctx.Err()
			}
			e.logger.Warn("group message processing failed", zap.String("hash", message.Hash), zap.Error(err))
			continue
		}
		handled++
	}
	return handled, nil
}

// reconcile dumps stale configs and schedules a push when anything is pending upload.
func (e *Engine) reconcile(ctx context.Context, configs sharedconfig.GroupSet) error {
	keys := configs.Keys()
	var errs error
	dumpers := []struct {
		kind  sharedconfig.Kind
		needs bool
		dump  func() ([]byte, error)
	}{
		{sharedconfig.KindGroupInfo, configs.Info().NeedsDump(), configs.Info().Dump},
		{sharedconfig.KindGroupMembers, configs.Members().NeedsDump(), configs.Members().Dump},
		{sharedconfig.KindGroupKeys, keys.NeedsDump(), keys.Dump},
	}
	for _, dumper := range dumpers {
		if !dumper.needs {
			continue
		}
		payload, err := dumper.dump()
		if err != nil {
			e.logger.Warn("group config dump failed", zap.String("kind", dumper.kind.String()), zap.Error(err))
			continue
		}
		errs = multierr.Append(errs, e.store.SaveConfigDump(ctx, e.groupID, dumper.kind.String(), payload))
	}

	if configs.Info().NeedsPush() || configs.Members().NeedsPush() || keys.NeedsPush() || keys.NeedsRekey() || keys.PendingConfig() {
		e.handler.ScheduleGroupPush(ctx, e.groupID)
	}
	return errs
}

func activeHashes(configs sharedconfig.GroupSet) []string {
	seen := make(map[string]struct{})
	hashes := make([]string, 0)
	for _, source := range [][]string{configs.Info().ActiveHashes(), configs.Members().ActiveHashes(), configs.Keys().ActiveHashes()} {
		for _, hash := range source {
			if _, dup := seen[hash]; dup {
				continue
			}
			seen[hash] = struct{}{}
			hashes = append(hashes, hash)
		}
	}
	return hashes
}
