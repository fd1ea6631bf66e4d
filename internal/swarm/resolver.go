package swarm

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultSwarmTTL = 10 * time.Minute

// Resolver maps an account to the storage nodes currently holding its data.
type Resolver interface {
	Swarm(ctx context.Context, accountID string) ([]Node, error)
	Invalidate(accountID string)
}

// SwarmLookup performs the raw get_swarm call.
type SwarmLookup interface {
	GetSwarm(ctx context.Context, node Node, accountID string, scheme string) ([]Node, error)
}

// ResolverConfig wires a CachingResolver.
type ResolverConfig struct {
	Lookup SwarmLookup
	Seeds  []Node
	Scheme string
	TTL    time.Duration
	Clock  func() time.Time
	Logger *zap.Logger
	Pick   func(n int) int
}

// CachingResolver caches swarm membership per account and re-resolves after expiry or invalidation.
type CachingResolver struct {
	lookup SwarmLookup
	seeds  []Node
	scheme string
	ttl    time.Duration
	clock  func() time.Time
	logger *zap.Logger
	pick   func(n int) int

	mu    sync.Mutex
	cache map[string]cachedSwarm
}

type cachedSwarm struct {
	nodes     []Node
	expiresAt time.Time
}

var errMissingLookup = errors.New("swarm: resolver lookup is required")

// NewCachingResolver validates cfg and returns an empty resolver.
func NewCachingResolver(cfg ResolverConfig) (*CachingResolver, error) {
	if cfg.Lookup == nil {
		return nil, errMissingLookup
	}
	if len(cfg.Seeds) == 0 {
		return nil, ErrEmptySwarm
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultSwarmTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Pick == nil {
		cfg.Pick = rand.IntN
	}
	return &CachingResolver{
		lookup: cfg.Lookup,
		seeds:  append([]Node(nil), cfg.Seeds...),
		scheme: cfg.Scheme,
		ttl:    cfg.TTL,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		pick:   cfg.Pick,
		cache:  make(map[string]cachedSwarm),
	}, nil
}

// Swarm returns cached nodes for accountID or resolves them through a random seed.
func (r *CachingResolver) Swarm(ctx context.Context, accountID string) ([]Node, error) {
	if accountID == "" {
		return nil, ErrMissingAccount
	}
	now := r.clock()
	r.mu.Lock()
	cached, ok := r.cache[accountID]
	r.mu.Unlock()
	if ok && now.Before(cached.expiresAt) {
		return cached.nodes, nil
	}

	seed := r.seeds[r.pick(len(r.seeds))]
	nodes, err := r.lookup.GetSwarm(ctx, seed, accountID, r.scheme)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[accountID] = cachedSwarm{nodes: nodes, expiresAt: now.Add(r.ttl)}
	r.mu.Unlock()
	r.logger.Debug("swarm resolved", zap.String("account", accountID), zap.Int("nodes", len(nodes)))
	return nodes, nil
}

// Invalidate drops the cached swarm for accountID.
func (r *CachingResolver) Invalidate(accountID string) {
	r.mu.Lock()
	delete(r.cache, accountID)
	r.mu.Unlock()
}

// PickNode resolves the swarm and selects one node using pick.
func PickNode(ctx context.Context, resolver Resolver, accountID string, pick func(n int) int) (Node, error) {
	nodes, err := resolver.Swarm(ctx, accountID)
	if err != nil {
		return Node{}, err
	}
	if len(nodes) == 0 {
		return Node{}, ErrEmptySwarm
	}
	if pick == nil {
		pick = rand.IntN
	}
	return nodes[pick(len(nodes))], nil
}

// StaticResolver always answers with a fixed node set.
type StaticResolver struct {
	Nodes []Node
}

// Swarm returns the fixed nodes.
func (s StaticResolver) Swarm(context.Context, string) ([]Node, error) {
	if len(s.Nodes) == 0 {
		return nil, ErrEmptySwarm
	}
	return s.Nodes, nil
}

// Invalidate is a no-op.
func (StaticResolver) Invalidate(string) {}
