// Package personal keeps one account's own swarm namespaces in sync.
package personal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/swarmsync/internal/poll"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/sharedconfig"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/swarm"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ConfigRefetchFlag guards the one-shot reset of config cursors and seen hashes.
const ConfigRefetchFlag = "personal.config_refetch.v1"

var (
	// ErrMissingAuth indicates the engine was built without account credentials.
	ErrMissingAuth = errors.New("personal: auth is required")

	// ErrMissingClient indicates the swarm client is nil.
	ErrMissingClient = errors.New("personal: swarm client is required")

	// ErrMissingResolver indicates the swarm resolver is nil.
	ErrMissingResolver = errors.New("personal: swarm resolver is required")

	// ErrMissingStore indicates the cursor store is nil.
	ErrMissingStore = errors.New("personal: store is required")

	// ErrMissingConfigs indicates the user config set is nil.
	ErrMissingConfigs = errors.New("personal: user configs are required")

	// ErrMissingProcessor indicates the message processor is nil.
	ErrMissingProcessor = errors.New("personal: message processor is required")
)

// Store is the cursor, dedupe and dump persistence the engine needs.
type Store interface {
	LastHash(ctx context.Context, node string, accountID string, namespace swarm.Namespace) (string, error)
	SetLastHash(ctx context.Context, node string, accountID string, namespace swarm.Namespace, hash string) error
	ClearLastHashes(ctx context.Context, accountID string, namespaces []swarm.Namespace) error
	HasSeen(ctx context.Context, accountID string, namespace swarm.Namespace, hash string) (bool, error)
	MarkSeen(ctx context.Context, accountID string, namespace swarm.Namespace, hash string) (bool, error)
	ClearSeen(ctx context.Context, accountID string, namespaces []swarm.Namespace) error
	Preference(ctx context.Context, name string) (bool, error)
	SetPreference(ctx context.Context, name string, enabled bool) error
	SaveConfigDump(ctx context.Context, accountID string, kind string, payload []byte) error
}

// MessageProcessor receives each new personal message.
type MessageProcessor interface {
	ProcessPersonalMessage(ctx context.Context, message swarm.Message, auth swarm.Auth) error
}

// Pusher schedules upload of configs with local changes.
type Pusher interface {
	SchedulePush(ctx context.Context, accountID string, kinds []sharedconfig.Kind)
}

// Config wires an Engine.
type Config struct {
	Auth         swarm.Auth
	Client       swarm.Client
	Resolver     swarm.Resolver
	Store        Store
	Configs      sharedconfig.UserSet
	Processor    MessageProcessor
	Pusher       Pusher
	Backoff      poll.Backoff
	Gate         poll.Gate
	TTLExtension time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
	Pick         func(n int) int
}

// Engine polls the account's swarm through an adaptive scheduler.
type Engine struct {
	auth         swarm.Auth
	client       swarm.Client
	resolver     swarm.Resolver
	store        Store
	configs      sharedconfig.UserSet
	processor    MessageProcessor
	pusher       Pusher
	ttlExtension time.Duration
	clock        func() time.Time
	logger       *zap.Logger
	pick         func(n int) int
	scheduler    *poll.Scheduler[struct{}]

	// owned by the single running poll
	bootstrapped bool
	migrated     bool
}

// slot ties a batch position to what it fetched.
type slot struct {
	namespace swarm.Namespace
	kind      sharedconfig.Kind
	config    sharedconfig.Config
}

// New validates the dependencies and builds the personal poll engine.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Auth == nil:
		return nil, ErrMissingAuth
	case cfg.Client == nil:
		return nil, ErrMissingClient
	case cfg.Resolver == nil:
		return nil, ErrMissingResolver
	case cfg.Store == nil:
		return nil, ErrMissingStore
	case cfg.Configs == nil:
		return nil, ErrMissingConfigs
	case cfg.Processor == nil:
		return nil, ErrMissingProcessor
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := cfg.TTLExtension
	if ttl <= 0 {
		ttl = swarm.DefaultTTLExtension
	}
	engine := &Engine{
		auth:         cfg.Auth,
		client:       cfg.Client,
		resolver:     cfg.Resolver,
		store:        cfg.Store,
		configs:      cfg.Configs,
		processor:    cfg.Processor,
		pusher:       cfg.Pusher,
		ttlExtension: ttl,
		clock:        clock,
		logger:       logger.With(zap.String("component", "personal"), zap.String("account_id", cfg.Auth.AccountID())),
		pick:         cfg.Pick,
	}
	scheduler, err := poll.NewScheduler(poll.Config[struct{}]{
		Name:      "personal",
		Operation: engine.pollOnce,
		Backoff:   cfg.Backoff,
		Gate:      cfg.Gate,
		Logger:    logger,
		Clock:     clock,
	})
	if err != nil {
		return nil, err
	}
	engine.scheduler = scheduler
	return engine, nil
}

// Run drives routine polls until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	return e.scheduler.Run(ctx)
}

// PollNow triggers or joins a poll and returns its error.
func (e *Engine) PollNow(ctx context.Context) error {
	_, err := e.scheduler.PollNow(ctx)
	return err
}

// Scheduler exposes the underlying scheduler for state observation.
func (e *Engine) Scheduler() *poll.Scheduler[struct{}] {
	return e.scheduler
}

func (e *Engine) pollOnce(ctx context.Context, reason poll.Reason) (struct{}, error) {
	accountID := e.auth.AccountID()
	if err := e.migrateOnce(ctx, accountID); err != nil {
		return struct{}{}, err
	}

	node, err := swarm.PickNode(ctx, e.resolver, accountID, e.pick)
	if err != nil {
		return struct{}{}, err
	}

	slots, bootstrap := e.plan()
	requests := make([]swarm.Request, 0, len(slots)+1)
	for _, current := range slots {
		lastHash, err := e.store.LastHash(ctx, node.Address, accountID, current.namespace)
		if err != nil {
			return struct{}{}, err
		}
		maxSize := swarm.MaxSizeDefault
		if current.config != nil {
			maxSize = swarm.MaxSizeConfig
		}
		requests = append(requests, swarm.RetrieveRequest{
			Namespace: current.namespace,
			LastHash:  lastHash,
			Auth:      e.auth,
			MaxSize:   maxSize,
		})
	}
	if hashes := e.activeHashes(slots); len(hashes) > 0 {
		requests = append(requests, swarm.AlterTTLRequest{
			Hashes:   hashes,
			Auth:     e.auth,
			ExpiryMs: e.clock().Add(e.ttlExtension).UnixMilli(),
			Extend:   true,
		})
	}

	responses, err := e.client.Batch(ctx, node, requests)
	if err != nil {
		if swarm.IsMisdirected(err) {
			e.resolver.Invalidate(accountID)
		}
		return struct{}{}, err
	}
	if len(responses) != len(requests) {
		return struct{}{}, fmt.Errorf("%w: sent %d, received %d", swarm.ErrBatchMismatch, len(requests), len(responses))
	}

	var subErrors error
	var storeErrors error
	for index, current := range slots {
		if current.config == nil {
			continue
		}
		if err := e.checkResponse(accountID, current, responses[index]); err != nil {
			subErrors = multierr.Append(subErrors, err)
			continue
		}
		storeErrors = multierr.Append(storeErrors, e.mergeConfig(ctx, node, accountID, current, responses[index].Messages))
	}
	storeErrors = multierr.Append(storeErrors, e.reconcile(ctx, accountID))

	for index, current := range slots {
		if current.config != nil {
			continue
		}
		if err := e.checkResponse(accountID, current, responses[index]); err != nil {
			subErrors = multierr.Append(subErrors, err)
			continue
		}
		if err := e.processMessages(ctx, node, accountID, current.namespace, responses[index].Messages); err != nil {
			storeErrors = multierr.Append(storeErrors, err)
		}
	}
	if len(requests) > len(slots) {
		if err := responses[len(slots)].Err(); err != nil {
			e.logger.Warn("ttl extension rejected", zap.Error(err))
		}
	}

	if !bootstrap || swarm.FirstError(responses[:1]) == nil {
		e.bootstrapped = true
	}
	if storeErrors != nil {
		return struct{}{}, storeErrors
	}
	if swarm.AllFailed(responses[:len(slots)]) {
		return struct{}{}, subErrors
	}
	return struct{}{}, nil
}

// plan lists the namespaces to fetch, configs first. The first poll of a process
// with an empty profile only fetches the profile.
func (e *Engine) plan() ([]slot, bool) {
	profile, hasProfile := e.configs.Config(sharedconfig.KindUserProfile)
	if !e.bootstrapped && hasProfile && len(profile.ActiveHashes()) == 0 {
		return []slot{{namespace: swarm.NamespaceUserProfile, kind: sharedconfig.KindUserProfile, config: profile}}, true
	}
	slots := make([]slot, 0, len(sharedconfig.UserKinds)+1)
	for _, kind := range sharedconfig.UserKinds {
		config, ok := e.configs.Config(kind)
		if !ok {
			continue
		}
		namespace, err := kind.Namespace()
		if err != nil {
			continue
		}
		slots = append(slots, slot{namespace: namespace, kind: kind, config: config})
	}
	slots = append(slots, slot{namespace: swarm.NamespaceDefault})
	return slots, false
}

func (e *Engine) activeHashes(slots []slot) []string {
	unique := make(map[string]struct{})
	for _, current := range slots {
		if current.config == nil {
			continue
		}
		for _, hash := range current.config.ActiveHashes() {
			unique[hash] = struct{}{}
		}
	}
	hashes := make([]string, 0, len(unique))
	for hash := range unique {
		hashes = append(hashes, hash)
	}
	sort.Strings(hashes)
	return hashes
}

func (e *Engine) checkResponse(accountID string, current slot, response swarm.Response) error {
	err := response.Err()
	if err == nil {
		return nil
	}
	if swarm.IsMisdirected(err) {
		e.resolver.Invalidate(accountID)
	}
	e.logger.Warn("namespace retrieval failed",
		zap.Int("namespace", current.namespace.Int()),
		zap.Int("status", response.StatusCode),
		zap.Bool("permanent", swarm.IsPermanent(err)))
	return fmt.Errorf("namespace %d: %w", current.namespace.Int(), err)
}

// mergeConfig applies new deltas oldest first, then moves the cursor to the newest message of the batch.
func (e *Engine) mergeConfig(ctx context.Context, node swarm.Node, accountID string, current slot, messages []swarm.Message) error {
	if len(messages) == 0 {
		return nil
	}
	for _, message := range swarm.SortByTimestamp(messages) {
		seen, err := e.store.HasSeen(ctx, accountID, current.namespace, message.Hash)
		if err != nil {
			return err
		}
		if seen {
			continue
		}
		if message.DecodeErr != nil {
			e.logger.Warn("config delta skipped",
				zap.String("kind", current.kind.String()),
				zap.String("hash", message.Hash),
				zap.Error(message.DecodeErr))
		} else if err := current.config.Merge(message.Hash, message.Data); err != nil {
			e.logger.Warn("config merge failed",
				zap.String("kind", current.kind.String()),
				zap.String("hash", message.Hash),
				zap.Error(err))
		}
		if _, err := e.store.MarkSeen(ctx, accountID, current.namespace, message.Hash); err != nil {
			return err
		}
	}
	latest, _ := swarm.Latest(messages)
	return e.store.SetLastHash(ctx, node.Address, accountID, current.namespace, latest.Hash)
}

// processMessages dispatches messages oldest first and advances the cursor after each one.
func (e *Engine) processMessages(ctx context.Context, node swarm.Node, accountID string, namespace swarm.Namespace, messages []swarm.Message) error {
	for _, message := range swarm.SortByTimestamp(messages) {
		seen, err := e.store.HasSeen(ctx, accountID, namespace, message.Hash)
		if err != nil {
			return err
		}
		if !seen {
			if message.DecodeErr != nil {
				e.logger.Warn("message skipped", zap.String("hash", message.Hash), zap.Error(message.DecodeErr))
			} else if err := e.processor.ProcessPersonalMessage(ctx, message, e.auth); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.logger.Warn("message processing failed", zap.String("hash", message.Hash), zap.Error(err))
			}
			if _, err := e.store.MarkSeen(ctx, accountID, namespace, message.Hash); err != nil {
				return err
			}
		}
		if err := e.store.SetLastHash(ctx, node.Address, accountID, namespace, message.Hash); err != nil {
			return err
		}
	}
	return nil
}

// reconcile persists stale dumps and schedules pushes for configs with local changes.
func (e *Engine) reconcile(ctx context.Context, accountID string) error {
	var errs error
	var pushKinds []sharedconfig.Kind
	for _, kind := range sharedconfig.UserKinds {
		config, ok := e.configs.Config(kind)
		if !ok {
			continue
		}
		if config.NeedsDump() {
			payload, err := config.Dump()
			if err != nil {
				e.logger.Warn("config dump failed", zap.String("kind", kind.String()), zap.Error(err))
			} else {
				errs = multierr.Append(errs, e.store.SaveConfigDump(ctx, accountID, kind.String(), payload))
			}
		}
		if config.NeedsPush() {
			pushKinds = append(pushKinds, kind)
		}
	}
	if len(pushKinds) > 0 && e.pusher != nil {
		e.pusher.SchedulePush(ctx, accountID, pushKinds)
	}
	return errs
}

// migrateOnce clears config cursors and seen hashes the first time it runs for this store.
func (e *Engine) migrateOnce(ctx context.Context, accountID string) error {
	if e.migrated {
		return nil
	}
	done, err := e.store.Preference(ctx, ConfigRefetchFlag)
	if err != nil {
		return err
	}
	if !done {
		namespaces := make([]swarm.Namespace, 0, len(sharedconfig.UserKinds))
		for _, kind := range sharedconfig.UserKinds {
			namespace, err := kind.Namespace()
			if err != nil {
				continue
			}
			namespaces = append(namespaces, namespace)
		}
		if err := e.store.ClearLastHashes(ctx, accountID, namespaces); err != nil {
			return err
		}
		if err := e.store.ClearSeen(ctx, accountID, namespaces); err != nil {
			return err
		}
		if err := e.store.SetPreference(ctx, ConfigRefetchFlag, true); err != nil {
			return err
		}
		e.logger.Info("config history reset for full re-fetch")
	}
	e.migrated = true
	return nil
}
