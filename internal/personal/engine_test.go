package personal

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/swarmsync/internal/sharedconfig"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/store"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/store/storetest"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/swarm"
	"github.com/stretchr/testify/require"
)

const testAccountID = "05personal"

var testNode = swarm.Node{Address: "https://node-a:22021"}

type fakeClient struct {
	mu      sync.Mutex
	batches [][]swarm.Request
	respond func(requests []swarm.Request) ([]swarm.Response, error)
}

func (c *fakeClient) Batch(_ context.Context, _ swarm.Node, requests []swarm.Request) ([]swarm.Response, error) {
	c.mu.Lock()
	c.batches = append(c.batches, requests)
	respond := c.respond
	c.mu.Unlock()
	return respond(requests)
}

func (c *fakeClient) batch(index int) []swarm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches[index]
}

// byNamespace answers each retrieve from a per-namespace table and accepts TTL renewals.
func byNamespace(table map[swarm.Namespace]swarm.Response) func([]swarm.Request) ([]swarm.Response, error) {
	return func(requests []swarm.Request) ([]swarm.Response, error) {
		responses := make([]swarm.Response, len(requests))
		for index, request := range requests {
			retrieve, ok := request.(swarm.RetrieveRequest)
			if !ok {
				responses[index] = swarm.Response{StatusCode: 200}
				continue
			}
			response, found := table[retrieve.Namespace]
			if !found {
				response = swarm.Response{StatusCode: 200}
			}
			responses[index] = response
		}
		return responses, nil
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type recordingConfig struct {
	*sharedconfig.Log
	events *eventLog
}

func (c recordingConfig) Merge(hash string, data []byte) error {
	c.events.add("merge:" + string(c.Kind()) + ":" + hash)
	return c.Log.Merge(hash, data)
}

type recordingUserSet struct {
	configs map[sharedconfig.Kind]recordingConfig
}

func newRecordingUserSet(events *eventLog) *recordingUserSet {
	set := &recordingUserSet{configs: make(map[sharedconfig.Kind]recordingConfig)}
	for _, kind := range sharedconfig.UserKinds {
		set.configs[kind] = recordingConfig{Log: sharedconfig.NewLog(kind), events: events}
	}
	return set
}

func (s *recordingUserSet) Config(kind sharedconfig.Kind) (sharedconfig.Config, bool) {
	config, ok := s.configs[kind]
	return config, ok
}

type recordingProcessor struct {
	events *eventLog
	fail   map[string]bool
}

func (p *recordingProcessor) ProcessPersonalMessage(_ context.Context, message swarm.Message, _ swarm.Auth) error {
	p.events.add("message:" + message.Hash)
	if p.fail[message.Hash] {
		return fmt.Errorf("cannot decrypt %s", message.Hash)
	}
	return nil
}

type recordingPusher struct {
	mu    sync.Mutex
	kinds []sharedconfig.Kind
}

func (p *recordingPusher) SchedulePush(_ context.Context, _ string, kinds []sharedconfig.Kind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kinds = append(p.kinds, kinds...)
}

type countingResolver struct {
	swarm.StaticResolver
	mu          sync.Mutex
	invalidated int
}

func (r *countingResolver) Invalidate(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidated++
}

type harness struct {
	engine    *Engine
	client    *fakeClient
	store     *store.Service
	configs   *recordingUserSet
	events    *eventLog
	processor *recordingProcessor
	pusher    *recordingPusher
	resolver  *countingResolver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	events := &eventLog{}
	h := &harness{
		client:    &fakeClient{respond: byNamespace(nil)},
		store:     storetest.Service(t),
		configs:   newRecordingUserSet(events),
		events:    events,
		processor: &recordingProcessor{events: events, fail: map[string]bool{}},
		pusher:    &recordingPusher{},
		resolver:  &countingResolver{StaticResolver: swarm.StaticResolver{Nodes: []swarm.Node{testNode}}},
	}
	auth, err := swarm.NewEd25519Auth(testAccountID, make([]byte, 32))
	require.NoError(t, err)
	engine, err := New(Config{
		Auth:      auth,
		Client:    h.client,
		Resolver:  h.resolver,
		Store:     h.store,
		Configs:   h.configs,
		Processor: h.processor,
		Pusher:    h.pusher,
		Clock:     func() time.Time { return time.UnixMilli(1700000000000) },
	})
	require.NoError(t, err)
	h.engine = engine
	return h
}

// seedProfile makes the profile non-empty so the bootstrap fast-path is skipped.
func (h *harness) seedProfile(t *testing.T) {
	t.Helper()
	require.NoError(t, h.configs.configs[sharedconfig.KindUserProfile].Log.Merge("seed", []byte(`{"name":"seed"}`)))
}

func (h *harness) cursor(t *testing.T, namespace swarm.Namespace) string {
	t.Helper()
	hash, err := h.store.LastHash(context.Background(), testNode.Address, testAccountID, namespace)
	require.NoError(t, err)
	return hash
}

func ok(messages ...swarm.Message) swarm.Response {
	return swarm.Response{StatusCode: 200, Messages: messages}
}

func msg(hash string, timestamp int64, data string) swarm.Message {
	return swarm.Message{Hash: hash, Timestamp: timestamp, Data: []byte(data)}
}

func TestConfigsMergeBeforeMessages(t *testing.T) {
	h := newHarness(t)
	h.seedProfile(t)
	h.client.respond = byNamespace(map[swarm.Namespace]swarm.Response{
		swarm.NamespaceDefault:    ok(msg("m1", 1, "hello")),
		swarm.NamespaceContacts:   ok(msg("c1", 5, `{"bob":"friend"}`)),
		swarm.NamespaceUserGroups: ok(msg("g1", 9, `{"group":"joined"}`)),
	})

	require.NoError(t, h.engine.PollNow(context.Background()))

	require.Equal(t, []string{"merge:contacts:c1", "merge:user_groups:g1", "message:m1"}, h.events.snapshot())
}

func TestRequestLayoutPutsConfigsFirstAndRenewsActiveHashes(t *testing.T) {
	h := newHarness(t)
	h.seedProfile(t)

	require.NoError(t, h.engine.PollNow(context.Background()))

	requests := h.client.batch(0)
	require.Len(t, requests, 6)
	expected := []swarm.Namespace{
		swarm.NamespaceUserProfile,
		swarm.NamespaceContacts,
		swarm.NamespaceConvoInfoVolatile,
		swarm.NamespaceUserGroups,
		swarm.NamespaceDefault,
	}
	for index, namespace := range expected {
		retrieve, isRetrieve := requests[index].(swarm.RetrieveRequest)
		require.True(t, isRetrieve)
		require.Equal(t, namespace, retrieve.Namespace)
		if namespace == swarm.NamespaceDefault {
			require.Equal(t, swarm.MaxSizeDefault, retrieve.MaxSize)
		} else {
			require.Equal(t, swarm.MaxSizeConfig, retrieve.MaxSize)
		}
	}
	renew, isRenew := requests[5].(swarm.AlterTTLRequest)
	require.True(t, isRenew)
	require.Equal(t, []string{"seed"}, renew.Hashes)
	require.True(t, renew.Extend)
	require.Equal(t, time.UnixMilli(1700000000000).Add(swarm.DefaultTTLExtension).UnixMilli(), renew.ExpiryMs)
}

func TestCursorTracksMaxTimestampAndNeverRegresses(t *testing.T) {
	h := newHarness(t)
	h.seedProfile(t)
	h.client.respond = byNamespace(map[swarm.Namespace]swarm.Response{
		swarm.NamespaceContacts: ok(msg("late", 30, `{}`), msg("early", 10, `{}`), msg("mid", 20, `{}`)),
		swarm.NamespaceDefault:  ok(msg("m2", 8, "b"), msg("m1", 4, "a")),
	})
	require.NoError(t, h.engine.PollNow(context.Background()))
	require.Equal(t, "late", h.cursor(t, swarm.NamespaceContacts))
	require.Equal(t, "m2", h.cursor(t, swarm.NamespaceDefault))

	h.client.respond = byNamespace(map[swarm.Namespace]swarm.Response{
		swarm.NamespaceContacts: {StatusCode: 500},
		swarm.NamespaceDefault:  {StatusCode: 500},
	})
	require.NoError(t, h.engine.PollNow(context.Background()))
	require.Equal(t, "late", h.cursor(t, swarm.NamespaceContacts))
	require.Equal(t, "m2", h.cursor(t, swarm.NamespaceDefault))

	retrieve := h.client.batch(1)[1].(swarm.RetrieveRequest)
	require.Equal(t, "late", retrieve.LastHash)
}

func TestReplayedMessagesAreNotDispatchedTwice(t *testing.T) {
	h := newHarness(t)
	h.seedProfile(t)
	h.client.respond = byNamespace(map[swarm.Namespace]swarm.Response{
		swarm.NamespaceDefault:  ok(msg("m1", 1, "a")),
		swarm.NamespaceContacts: ok(msg("c1", 1, `{}`)),
	})
	require.NoError(t, h.engine.PollNow(context.Background()))
	require.NoError(t, h.engine.PollNow(context.Background()))

	require.Equal(t, []string{"merge:contacts:c1", "message:m1"}, h.events.snapshot())
}

func TestBootstrapFetchesOnlyProfileFirst(t *testing.T) {
	h := newHarness(t)
	h.client.respond = byNamespace(map[swarm.Namespace]swarm.Response{
		swarm.NamespaceUserProfile: ok(msg("p1", 1, `{"name":"Ada"}`)),
	})

	require.NoError(t, h.engine.PollNow(context.Background()))
	first := h.client.batch(0)
	require.Len(t, first, 1)
	require.Equal(t, swarm.NamespaceUserProfile, first[0].(swarm.RetrieveRequest).Namespace)

	require.NoError(t, h.engine.PollNow(context.Background()))
	second := h.client.batch(1)
	require.Len(t, second, 6)
	require.IsType(t, swarm.AlterTTLRequest{}, second[5])
}

func TestPartialBatchFailureAdvancesOnlyHealthyNamespaces(t *testing.T) {
	h := newHarness(t)
	h.seedProfile(t)
	h.client.respond = byNamespace(map[swarm.Namespace]swarm.Response{
		swarm.NamespaceContacts:          ok(msg("c1", 1, `{}`)),
		swarm.NamespaceConvoInfoVolatile: {StatusCode: 500, Body: "overloaded"},
		swarm.NamespaceUserGroups:        ok(msg("g1", 1, `{}`)),
	})

	require.NoError(t, h.engine.PollNow(context.Background()))

	require.Equal(t, "c1", h.cursor(t, swarm.NamespaceContacts))
	require.Equal(t, "", h.cursor(t, swarm.NamespaceConvoInfoVolatile))
	require.Equal(t, "g1", h.cursor(t, swarm.NamespaceUserGroups))
}

func TestAllSubRequestsFailingFailsThePoll(t *testing.T) {
	h := newHarness(t)
	h.seedProfile(t)
	h.client.respond = func(requests []swarm.Request) ([]swarm.Response, error) {
		responses := make([]swarm.Response, len(requests))
		for index := range responses {
			responses[index] = swarm.Response{StatusCode: 421}
		}
		return responses, nil
	}

	err := h.engine.PollNow(context.Background())
	require.Error(t, err)
	require.True(t, swarm.IsMisdirected(err))
	require.Positive(t, h.resolver.invalidated)
	require.Equal(t, 1, h.engine.Scheduler().ConsecutiveFailures())
}

func TestRetrievesFailingFailThePollEvenWhenTTLRenewalSucceeds(t *testing.T) {
	h := newHarness(t)
	h.seedProfile(t)
	failed := swarm.Response{StatusCode: 500, Body: "down"}
	h.client.respond = byNamespace(map[swarm.Namespace]swarm.Response{
		swarm.NamespaceUserProfile:       failed,
		swarm.NamespaceContacts:          failed,
		swarm.NamespaceConvoInfoVolatile: failed,
		swarm.NamespaceUserGroups:        failed,
		swarm.NamespaceDefault:           failed,
	})

	err := h.engine.PollNow(context.Background())
	require.Error(t, err)
	require.IsType(t, swarm.AlterTTLRequest{}, h.client.batch(0)[5])
	require.Equal(t, 1, h.engine.Scheduler().ConsecutiveFailures())
}

func TestUndecodablePayloadIsSkippedAndCursorPassesIt(t *testing.T) {
	h := newHarness(t)
	h.seedProfile(t)
	unreadable := swarm.Message{Hash: "garbled", Timestamp: 2, DecodeErr: fmt.Errorf("bad base64")}
	h.client.respond = byNamespace(map[swarm.Namespace]swarm.Response{
		swarm.NamespaceContacts: ok(swarm.Message{Hash: "c-garbled", Timestamp: 4, DecodeErr: fmt.Errorf("bad base64")}),
		swarm.NamespaceDefault:  ok(msg("m1", 1, "a"), unreadable, msg("m3", 3, "c")),
	})

	require.NoError(t, h.engine.PollNow(context.Background()))

	require.Equal(t, []string{"message:m1", "message:m3"}, h.events.snapshot())
	require.Equal(t, "m3", h.cursor(t, swarm.NamespaceDefault))
	require.Equal(t, "c-garbled", h.cursor(t, swarm.NamespaceContacts))
	seen, err := h.store.HasSeen(context.Background(), testAccountID, swarm.NamespaceDefault, "garbled")
	require.NoError(t, err)
	require.True(t, seen)
}

func TestMessageFailureIsIsolatedAndCursorPassesIt(t *testing.T) {
	h := newHarness(t)
	h.seedProfile(t)
	h.processor.fail["bad"] = true
	h.client.respond = byNamespace(map[swarm.Namespace]swarm.Response{
		swarm.NamespaceDefault: ok(msg("good1", 1, "a"), msg("bad", 2, "b"), msg("good2", 3, "c")),
	})

	require.NoError(t, h.engine.PollNow(context.Background()))

	require.Equal(t, []string{"message:good1", "message:bad", "message:good2"}, h.events.snapshot())
	require.Equal(t, "good2", h.cursor(t, swarm.NamespaceDefault))
}

func TestRefetchMigrationRunsOnce(t *testing.T) {
	h := newHarness(t)
	h.seedProfile(t)
	ctx := context.Background()
	require.NoError(t, h.store.SetLastHash(ctx, testNode.Address, testAccountID, swarm.NamespaceContacts, "old"))
	require.NoError(t, h.store.SetLastHash(ctx, testNode.Address, testAccountID, swarm.NamespaceDefault, "msg-old"))

	require.NoError(t, h.engine.PollNow(ctx))
	first := h.client.batch(0)
	require.Equal(t, "", first[1].(swarm.RetrieveRequest).LastHash)
	require.Equal(t, "msg-old", first[4].(swarm.RetrieveRequest).LastHash)

	done, err := h.store.Preference(ctx, ConfigRefetchFlag)
	require.NoError(t, err)
	require.True(t, done)

	require.NoError(t, h.store.SetLastHash(ctx, testNode.Address, testAccountID, swarm.NamespaceContacts, "new"))
	require.NoError(t, h.engine.PollNow(ctx))
	require.Equal(t, "new", h.client.batch(1)[1].(swarm.RetrieveRequest).LastHash)
}

func TestReconcileDumpsAndSchedulesPush(t *testing.T) {
	h := newHarness(t)
	h.seedProfile(t)
	h.configs.configs[sharedconfig.KindContacts].Log.Set("carol", "blocked")

	require.NoError(t, h.engine.PollNow(context.Background()))

	require.Equal(t, []sharedconfig.Kind{sharedconfig.KindContacts}, h.pusher.kinds)
	payload, found, err := h.store.LoadConfigDump(context.Background(), testAccountID, string(sharedconfig.KindUserProfile))
	require.NoError(t, err)
	require.True(t, found)
	require.Contains(t, string(payload), "seed")
}

func TestTransportFailureCountsAsFailure(t *testing.T) {
	h := newHarness(t)
	h.client.respond = func([]swarm.Request) ([]swarm.Response, error) {
		return nil, fmt.Errorf("connection refused")
	}
	require.Error(t, h.engine.PollNow(context.Background()))
	require.Equal(t, 1, h.engine.Scheduler().ConsecutiveFailures())
}
