package daemon

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/swarmsync/internal/community"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/config"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/groups"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/inbox"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/jobs"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/lifecycle"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/observable"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/personal"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/poll"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/server"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/sharedconfig"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/store"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/swarm"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	kindPersonal  = "personal"
	kindGroup     = "group"
	kindCommunity = "community"

	jobWorkers = 2
	jobBuffer  = 64
)

var (
	errMissingDatabase = errors.New("daemon: database is required")
	errMissingRealtime = errors.New("daemon: realtime dispatcher is required")
)

// Config wires a Daemon. Client, Lookup and CommunityAPI default to the HTTP implementations.
type Config struct {
	App          config.AppConfig
	Database     *gorm.DB
	Realtime     *server.RealtimeDispatcher
	Client       swarm.Client
	Lookup       swarm.SwarmLookup
	CommunityAPI community.API
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Daemon owns every poller of one account and implements server.Control.
type Daemon struct {
	app       config.AppConfig
	realtime  *server.RealtimeDispatcher
	client    swarm.Client
	resolver  swarm.Resolver
	api       community.API
	store     *store.Service
	sink      *inbox.Sink
	queue     *jobs.Queue
	userSet   *sharedconfig.MemoryUserSet
	directory *groups.MemoryDirectory
	clock     func() time.Time
	logger    *zap.Logger

	foreground            *observable.Value[bool]
	online                *observable.Value[bool]
	acceptMessageRequests *observable.Value[bool]
	groupIDs              *observable.Value[[]string]
	communityServers      *observable.Value[[]string]

	personal    *personal.Engine
	groups      *lifecycle.Manager[string, *groupPoller]
	communities *lifecycle.Manager[string, *communityPoller]

	mu     sync.RWMutex
	rooms  map[string][]string
	kicked map[string]struct{}
}

// New builds every component from cfg without starting any poller.
func New(cfg Config) (*Daemon, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Realtime == nil {
		return nil, errMissingRealtime
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	app := cfg.App

	accountAuth, err := swarm.NewEd25519AuthFromHex(app.AccountID, app.AccountSeedHex)
	if err != nil {
		return nil, fmt.Errorf("daemon: account credential: %w", err)
	}

	client := cfg.Client
	lookup := cfg.Lookup
	if client == nil || lookup == nil {
		httpClient := swarm.NewHTTPClient(swarm.HTTPClientConfig{
			Timeout: app.SwarmTimeout,
			Clock:   clock,
			Logger:  logger,
		})
		if client == nil {
			client = httpClient
		}
		if lookup == nil {
			lookup = httpClient
		}
	}
	seeds := make([]swarm.Node, 0, len(app.SeedNodes))
	for _, address := range app.SeedNodes {
		seeds = append(seeds, swarm.Node{Address: address})
	}
	resolver, err := swarm.NewCachingResolver(swarm.ResolverConfig{
		Lookup: lookup,
		Seeds:  seeds,
		Clock:  clock,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: resolver: %w", err)
	}

	api := cfg.CommunityAPI
	if api == nil {
		api = community.NewHTTPAPI(community.HTTPAPIConfig{
			Signer: accountAuth,
			Clock:  clock,
			Logger: logger,
		})
	}

	storeService, err := store.NewService(store.ServiceConfig{Database: cfg.Database, Clock: clock, Logger: logger})
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		app:                   app,
		realtime:              cfg.Realtime,
		client:                client,
		resolver:              resolver,
		api:                   api,
		store:                 storeService,
		queue:                 jobs.NewQueue(jobs.QueueConfig{Workers: jobWorkers, Buffer: jobBuffer, Logger: logger}),
		userSet:               sharedconfig.NewMemoryUserSet(),
		directory:             groups.NewMemoryDirectory(),
		clock:                 clock,
		logger:                logger,
		foreground:            observable.NewComparable(true),
		online:                observable.NewComparable(true),
		acceptMessageRequests: observable.NewComparable(app.AcceptMessageRequests),
		groupIDs:              observable.New([]string{}),
		communityServers:      observable.New([]string{}),
		rooms:                 make(map[string][]string),
		kicked:                make(map[string]struct{}),
	}

	d.sink, err = inbox.NewSink(inbox.SinkConfig{
		Database:  cfg.Database,
		Publisher: inbox.PublisherFunc(d.publishInboxEvent),
		OnKicked:  d.forgetGroup,
		Clock:     clock,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	d.personal, err = personal.New(personal.Config{
		Auth:      accountAuth,
		Client:    client,
		Resolver:  resolver,
		Store:     storeService,
		Configs:   d.userSet,
		Processor: d.sink,
		Pusher:    d.sink,
		Backoff: poll.Backoff{
			SuccessInterval: app.PersonalBaseInterval,
			MaxInterval:     app.PersonalMaxInterval,
		},
		Gate:         d.gate(),
		TTLExtension: app.PersonalTTLExtension,
		Clock:        clock,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	d.groups, err = lifecycle.NewManager(lifecycle.Config[string, *groupPoller]{
		Name:    "groups",
		Factory: d.newGroupPoller,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	semaphore := community.NewSemaphore(app.CommunityMaxConcurrent)
	d.communities, err = lifecycle.NewManager(lifecycle.Config[string, *communityPoller]{
		Name: "communities",
		Factory: func(address string) (*communityPoller, error) {
			poller, err := community.NewPoller(community.Config{
				Server:                address,
				Rooms:                 func() []string { return d.roomsOf(address) },
				API:                   d.api,
				Store:                 d.store,
				Processor:             d.sink,
				Jobs:                  d.queue,
				Semaphore:             semaphore,
				AcceptMessageRequests: d.acceptMessageRequests,
				Gate:                  d.gate(),
				Interval:              app.CommunityInterval,
				Logger:                d.logger,
			})
			if err != nil {
				return nil, err
			}
			return &communityPoller{Poller: poller, realtime: d.realtime}, nil
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	d.ApplySubscriptions(app.Subscriptions)
	return d, nil
}

// Inbox returns the sink all pollers deliver into.
func (d *Daemon) Inbox() *inbox.Sink {
	return d.sink
}

// Run restores persisted configs and runs every poller until ctx ends.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.restoreConfigs(ctx); err != nil {
		d.logger.Warn("config dump restore incomplete", zap.Error(err))
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return d.queue.Run(groupCtx) })
	group.Go(func() error { return d.personal.Run(groupCtx) })
	group.Go(func() error {
		server.PublishStates(groupCtx, d.realtime, kindPersonal, d.personal.Scheduler().State())
		return nil
	})
	group.Go(func() error { return d.groups.Run(groupCtx, d.groupIDs) })
	group.Go(func() error { return d.communities.Run(groupCtx, d.communityServers) })

	d.logger.Info("daemon started",
		zap.String("account_id", d.app.AccountID),
		zap.Int("groups", len(d.groupIDs.Get())),
		zap.Int("communities", len(d.communityServers.Get())))
	err := group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ApplySubscriptions updates group credentials and community rooms, then lets the
// lifecycle managers start or stop pollers to match.
func (d *Daemon) ApplySubscriptions(subscriptions config.Subscriptions) {
	groupIDs := make([]string, 0, len(subscriptions.Groups))
	for _, groupID := range subscriptions.GroupIDs() {
		d.mu.RLock()
		_, kicked := d.kicked[groupID]
		d.mu.RUnlock()
		if kicked {
			continue
		}
		if _, present := d.directory.Lookup(groupID); !present {
			membership, err := membershipFor(groupID, subscriptions.Groups[groupID])
			if err != nil {
				d.logger.Warn("group credential rejected", zap.String("group_id", groupID), zap.Error(err))
				continue
			}
			configs, err := d.restoreGroup(context.Background(), groupID)
			if err != nil {
				d.logger.Warn("group config restore failed", zap.String("group_id", groupID), zap.Error(err))
				continue
			}
			membership.Configs = configs
			d.directory.Put(groupID, membership)
		}
		groupIDs = append(groupIDs, groupID)
	}
	wanted := make(map[string]struct{}, len(groupIDs))
	for _, groupID := range groupIDs {
		wanted[groupID] = struct{}{}
	}
	for _, groupID := range d.directory.IDs() {
		if _, ok := wanted[groupID]; !ok {
			d.directory.Remove(groupID)
		}
	}

	rooms := make(map[string][]string, len(subscriptions.Communities))
	for address, tokens := range subscriptions.Communities {
		rooms[address] = append([]string(nil), tokens...)
	}
	d.mu.Lock()
	d.rooms = rooms
	d.mu.Unlock()

	d.groupIDs.Set(groupIDs)
	d.communityServers.Set(subscriptions.CommunityServers())
}

func membershipFor(groupID string, credential config.GroupCredential) (groups.Membership, error) {
	membership := groups.Membership{Configs: sharedconfig.NewMemoryGroup()}
	if credential.AdminSeedHex != "" {
		admin, err := swarm.NewEd25519AuthFromHex(groupID, credential.AdminSeedHex)
		if err != nil {
			return groups.Membership{}, err
		}
		membership.Admin = admin
	}
	if credential.HasSubAccount() {
		token, tokenErr := decodeHex("subaccount_token_hex", credential.SubAccountTokenHex)
		signature, signatureErr := decodeHex("subaccount_sig_hex", credential.SubAccountSigHex)
		seed, seedErr := decodeHex("member_seed_hex", credential.SubAccountMemberSeed)
		if err := multierr.Combine(tokenErr, signatureErr, seedErr); err != nil {
			return groups.Membership{}, err
		}
		subAccount, err := swarm.NewSubAccountAuth(groupID, token, signature, seed)
		if err != nil {
			return groups.Membership{}, err
		}
		membership.SubAccount = subAccount
	}
	return membership, nil
}

func decodeHex(field string, raw string) ([]byte, error) {
	value, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return value, nil
}

func (d *Daemon) newGroupPoller(groupID string) (*groupPoller, error) {
	engine, err := groups.New(groups.Config{
		GroupID:        groupID,
		LocalAccountID: d.app.AccountID,
		Client:         d.client,
		Resolver:       d.resolver,
		Store:          d.store,
		Directory:      d.directory,
		Handler:        d.sink,
		Interval:       d.app.GroupsInterval,
		Clock:          d.clock,
		Logger:         d.logger,
	})
	if err != nil {
		return nil, err
	}
	return &groupPoller{Engine: engine, name: groupID, realtime: d.realtime}, nil
}

// forgetGroup keeps a kicked group out of the directory until the process restarts.
func (d *Daemon) forgetGroup(groupID string) {
	d.mu.Lock()
	d.kicked[groupID] = struct{}{}
	d.mu.Unlock()
	d.directory.Remove(groupID)
	d.logger.Info("group removed after kick", zap.String("group_id", groupID))
}

func (d *Daemon) roomsOf(address string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.rooms[address]...)
}

func (d *Daemon) gate() poll.Gate {
	return poll.NewGate(d.foreground, d.online)
}

func (d *Daemon) publishInboxEvent(event inbox.Event) {
	d.realtime.Publish(server.RealtimeMessage{
		Topic:     server.TopicInbox,
		EventType: event.Type,
		Payload:   event,
	})
}

// restoreGroup rebuilds a group's info, members and keys from their last dumps.
// Seen hashes persist across restarts, so the configs they were merged into must too.
func (d *Daemon) restoreGroup(ctx context.Context, groupID string) (*sharedconfig.MemoryGroup, error) {
	configs := sharedconfig.NewMemoryGroup()
	for _, kind := range []sharedconfig.Kind{sharedconfig.KindGroupInfo, sharedconfig.KindGroupMembers, sharedconfig.KindGroupKeys} {
		payload, found, err := d.store.LoadConfigDump(ctx, groupID, kind.String())
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		if err := configs.Restore(kind, payload); err != nil {
			d.logger.Warn("group config dump unreadable",
				zap.String("group_id", groupID),
				zap.String("kind", kind.String()),
				zap.Error(err))
		}
	}
	return configs, nil
}

func (d *Daemon) restoreConfigs(ctx context.Context) error {
	var errs error
	for _, kind := range sharedconfig.UserKinds {
		payload, found, err := d.store.LoadConfigDump(ctx, d.app.AccountID, kind.String())
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if !found {
			continue
		}
		if err := d.userSet.Log(kind).Restore(payload); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", kind, err))
		}
	}
	return errs
}

// Pollers lists the personal poller followed by groups and communities.
func (d *Daemon) Pollers() []server.PollerView {
	views := []server.PollerView{{
		Name:  kindPersonal,
		Kind:  kindPersonal,
		State: d.personal.Scheduler().State().Get().Summarize(),
	}}
	for _, groupID := range d.groups.Keys() {
		if poller, ok := d.groups.Get(groupID); ok {
			views = append(views, server.PollerView{Name: groupID, Kind: kindGroup, State: poller.State().Get().Summarize()})
		}
	}
	for _, address := range d.communities.Keys() {
		if poller, ok := d.communities.Get(address); ok {
			views = append(views, server.PollerView{Name: address, Kind: kindCommunity, State: poller.State().Get().Summarize()})
		}
	}
	return views
}

// PollPersonal runs or joins a personal poll.
func (d *Daemon) PollPersonal(ctx context.Context) error {
	return d.personal.PollNow(ctx)
}

// PollCommunity requests a poll of the community server whose URL host is host.
func (d *Daemon) PollCommunity(ctx context.Context, host string) (any, error) {
	for _, candidate := range d.communities.Keys() {
		parsed, err := url.Parse(candidate)
		if err != nil || parsed.Host != host {
			continue
		}
		poller, ok := d.communities.Get(candidate)
		if !ok {
			break
		}
		return poller.RequestPoll(ctx)
	}
	return nil, fmt.Errorf("%w: %s", server.ErrUnknownPoller, host)
}

// Gate returns the current foreground and connectivity flags.
func (d *Daemon) Gate() server.GateView {
	return server.GateView{Foreground: d.foreground.Get(), Online: d.online.Get()}
}

// SetGate updates whichever flags are non-nil.
func (d *Daemon) SetGate(foreground *bool, online *bool) server.GateView {
	if foreground != nil {
		d.foreground.Set(*foreground)
	}
	if online != nil {
		d.online.Set(*online)
	}
	return d.Gate()
}

type groupPoller struct {
	*groups.Engine
	name     string
	realtime *server.RealtimeDispatcher
}

// Run publishes state changes for as long as the engine runs.
func (p *groupPoller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go server.PublishStates(ctx, p.realtime, p.name, p.State())
	return p.Engine.Run(ctx)
}

type communityPoller struct {
	*community.Poller
	realtime *server.RealtimeDispatcher
}

func (p *communityPoller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go server.PublishStates(ctx, p.realtime, p.Server(), p.State())
	return p.Poller.Run(ctx)
}
