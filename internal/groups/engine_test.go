package groups

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/swarmsync/internal/sharedconfig"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/store"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/store/storetest"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/swarm"
	"github.com/stretchr/testify/require"
)

const (
	testGroupID = "03group"
	localID     = "05me"
)

var testNode = swarm.Node{Address: "https://node-g:22021"}

type fakeClient struct {
	mu      sync.Mutex
	batches [][]swarm.Request
	table   map[swarm.Namespace]swarm.Response
}

func (c *fakeClient) Batch(_ context.Context, _ swarm.Node, requests []swarm.Request) ([]swarm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, requests)
	responses := make([]swarm.Response, len(requests))
	for index, request := range requests {
		responses[index] = swarm.Response{StatusCode: 200}
		if retrieve, ok := request.(swarm.RetrieveRequest); ok {
			if response, found := c.table[retrieve.Namespace]; found {
				responses[index] = response
			}
		}
	}
	return responses, nil
}

func (c *fakeClient) batchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

type events struct {
	mu   sync.Mutex
	list []string
}

func (e *events) add(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, event)
}

func (e *events) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.list...)
}

type recordingConfig struct {
	*sharedconfig.Log
	events *events
}

func (c recordingConfig) Merge(hash string, data []byte) error {
	c.events.add("merge:" + string(c.Kind()) + ":" + hash)
	return c.Log.Merge(hash, data)
}

type recordingKeys struct {
	*sharedconfig.LogKeys
	events *events
}

func (k recordingKeys) LoadKey(hash string, data []byte, timestamp int64, info sharedconfig.Config, members sharedconfig.Config) error {
	k.events.add("key:" + hash)
	return k.LogKeys.LoadKey(hash, data, timestamp, info, members)
}

type recordingGroup struct {
	info    recordingConfig
	members recordingConfig
	keys    recordingKeys
}

func (g *recordingGroup) Info() sharedconfig.Config    { return g.info }
func (g *recordingGroup) Members() sharedconfig.Config { return g.members }
func (g *recordingGroup) Keys() sharedconfig.Keys      { return g.keys }

type recordingHandler struct {
	events  *events
	mu      sync.Mutex
	kicked  int
	pushes  int
	batches [][]Message

	// reject fails any batch carrying one of these hashes.
	reject map[string]bool
}

var errRejected = errors.New("rejected message")

func (h *recordingHandler) ProcessGroupMessages(_ context.Context, _ string, messages []Message) error {
	h.mu.Lock()
	for _, message := range messages {
		if h.reject[message.Hash] {
			h.mu.Unlock()
			return errRejected
		}
	}
	h.batches = append(h.batches, messages)
	h.mu.Unlock()
	for _, message := range messages {
		h.events.add("message:" + message.Hash)
	}
	return nil
}

func (h *recordingHandler) HandleKicked(context.Context, string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.kicked++
	return nil
}

func (h *recordingHandler) ScheduleGroupPush(context.Context, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pushes++
}

type harness struct {
	engine    *Engine
	client    *fakeClient
	store     *store.Service
	directory *MemoryDirectory
	group     *recordingGroup
	handler   *recordingHandler
	events    *events
	auth      swarm.Auth
}

func newHarness(t *testing.T, chunkSize int) *harness {
	t.Helper()
	log := &events{}
	group := &recordingGroup{
		info:    recordingConfig{Log: sharedconfig.NewLog(sharedconfig.KindGroupInfo), events: log},
		members: recordingConfig{Log: sharedconfig.NewLog(sharedconfig.KindGroupMembers), events: log},
		keys:    recordingKeys{LogKeys: sharedconfig.NewLogKeys(), events: log},
	}
	auth, err := swarm.NewSubAccountAuth(testGroupID, []byte("token"), []byte("sig"), make([]byte, 32))
	require.NoError(t, err)
	directory := NewMemoryDirectory()
	directory.Put(testGroupID, Membership{Configs: group, SubAccount: auth})

	h := &harness{
		client:    &fakeClient{table: map[swarm.Namespace]swarm.Response{}},
		store:     storetest.Service(t),
		directory: directory,
		group:     group,
		handler:   &recordingHandler{events: log},
		events:    log,
		auth:      auth,
	}
	engine, err := New(Config{
		GroupID:        testGroupID,
		LocalAccountID: localID,
		Client:         h.client,
		Resolver:       swarm.StaticResolver{Nodes: []swarm.Node{testNode}},
		Store:          h.store,
		Directory:      directory,
		Handler:        h.handler,
		Interval:       10 * time.Millisecond,
		ChunkSize:      chunkSize,
	})
	require.NoError(t, err)
	h.engine = engine
	return h
}

func ok(messages ...swarm.Message) swarm.Response {
	return swarm.Response{StatusCode: 200, Messages: messages}
}

func TestKeysLoadBeforeConfigsAndMessages(t *testing.T) {
	h := newHarness(t, 0)
	h.client.table = map[swarm.Namespace]swarm.Response{
		swarm.NamespaceGroupMessages: ok(swarm.Message{Hash: "m1", Timestamp: 5, Data: sharedconfig.SealEnvelope(1, "05bob", []byte("hi"))}),
		swarm.NamespaceGroupInfo:     ok(swarm.Message{Hash: "i1", Timestamp: 2, Data: []byte(`{"name":"club"}`)}),
		swarm.NamespaceGroupMembers:  ok(swarm.Message{Hash: "u1", Timestamp: 2, Data: []byte(`{"05bob":"member"}`)}),
		swarm.NamespaceGroupKeys:     ok(swarm.Message{Hash: "k1", Timestamp: 1, Data: []byte(`{"generation":1}`)}),
	}

	outcome, err := h.engine.PollOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, outcome.Messages)
	require.Equal(t, []string{"key:k1", "merge:group_info:i1", "merge:group_members:u1", "message:m1"}, h.events.snapshot())

	requests := h.client.batches[0]
	require.Len(t, requests, 5)
	namespaces := make([]swarm.Namespace, 0, len(requests))
	for _, request := range requests {
		retrieve := request.(swarm.RetrieveRequest)
		require.Equal(t, h.auth, retrieve.Auth)
		namespaces = append(namespaces, retrieve.Namespace)
	}
	require.Equal(t, []swarm.Namespace{
		swarm.NamespaceRevokedRetrievableGroups,
		swarm.NamespaceGroupMessages,
		swarm.NamespaceGroupInfo,
		swarm.NamespaceGroupMembers,
		swarm.NamespaceGroupKeys,
	}, namespaces)

	_, err = h.engine.PollOnce(context.Background())
	require.NoError(t, err)
	renew, isRenew := h.client.batches[1][5].(swarm.AlterTTLRequest)
	require.True(t, isRenew)
	require.ElementsMatch(t, []string{"i1", "u1", "k1"}, renew.Hashes)
	require.Len(t, h.events.snapshot(), 4)
}

func TestKickStopsTheLoopAfterOneSideEffect(t *testing.T) {
	h := newHarness(t, 0)
	h.client.table = map[swarm.Namespace]swarm.Response{
		swarm.NamespaceGroupKeys: ok(swarm.Message{Hash: "k2", Timestamp: 1, Data: []byte(`{"generation":2}`)}),
		swarm.NamespaceRevokedRetrievableGroups: ok(
			swarm.Message{Hash: "r1", Timestamp: 2, Data: sharedconfig.SealKicked(localID, 2)},
			swarm.Message{Hash: "r2", Timestamp: 3, Data: sharedconfig.SealKicked(localID, 3)},
		),
	}

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("group loop did not stop after kick")
	}
	require.Equal(t, 1, h.handler.kicked)
	require.Equal(t, 1, h.client.batchCount())
	require.True(t, h.engine.State().Get().LastResult().Value.Kicked)
}

func TestStaleOrForeignRevocationsAreIgnored(t *testing.T) {
	h := newHarness(t, 0)
	h.client.table = map[swarm.Namespace]swarm.Response{
		swarm.NamespaceGroupKeys: ok(swarm.Message{Hash: "k5", Timestamp: 1, Data: []byte(`{"generation":5}`)}),
		swarm.NamespaceRevokedRetrievableGroups: ok(
			swarm.Message{Hash: "r1", Timestamp: 2, Data: sharedconfig.SealKicked(localID, 4)},
			swarm.Message{Hash: "r2", Timestamp: 3, Data: sharedconfig.SealKicked("05other", 9)},
			swarm.Message{Hash: "r3", Timestamp: 4, Data: []byte("garbage")},
		),
	}

	outcome, err := h.engine.PollOnce(context.Background())
	require.NoError(t, err)
	require.False(t, outcome.Kicked)
	require.Zero(t, h.handler.kicked)
	hash, err := h.store.LastHash(context.Background(), testNode.Address, testGroupID, swarm.NamespaceRevokedRetrievableGroups)
	require.NoError(t, err)
	require.Equal(t, "r3", hash)
}

func TestLoopStopsSilentlyWhenGroupIsGone(t *testing.T) {
	h := newHarness(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	require.Eventually(t, func() bool { return h.client.batchCount() >= 1 }, time.Second, 5*time.Millisecond)
	h.directory.Remove(testGroupID)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("group loop did not stop after leaving")
	}
}

func TestMissingCredentialsIsFatal(t *testing.T) {
	h := newHarness(t, 0)
	h.directory.Put(testGroupID, Membership{Configs: h.group})

	err := h.engine.Run(context.Background())
	require.True(t, errors.Is(err, ErrNoCredentials))
	require.Zero(t, h.client.batchCount())
}

func TestAdminKeyIsUsedWithoutSubAccount(t *testing.T) {
	h := newHarness(t, 0)
	admin, err := swarm.NewEd25519Auth(testGroupID, make([]byte, 32))
	require.NoError(t, err)
	h.directory.Put(testGroupID, Membership{Configs: h.group, Admin: admin})

	_, err = h.engine.PollOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, admin, h.client.batches[0][0].(swarm.RetrieveRequest).Auth)
}

func TestReconcileRunsEvenWhenNothingArrives(t *testing.T) {
	h := newHarness(t, 0)
	h.group.keys.RequestRekey()

	_, err := h.engine.PollOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, h.handler.pushes)

	h.group.keys.Pushed()
	require.NoError(t, h.group.info.Merge("i1", []byte(`{"name":"x"}`)))
	_, err = h.engine.PollOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, h.handler.pushes)
	_, found, err := h.store.LoadConfigDump(context.Background(), testGroupID, string(sharedconfig.KindGroupInfo))
	require.NoError(t, err)
	require.True(t, found)
}

func TestMessagesAreDispatchedInChunks(t *testing.T) {
	h := newHarness(t, 2)
	messages := make([]swarm.Message, 0, 5)
	for index, hash := range []string{"a", "b", "c", "d", "e"} {
		messages = append(messages, swarm.Message{Hash: hash, Timestamp: int64(index), Data: sharedconfig.SealEnvelope(1, "05bob", []byte(hash))})
	}
	messages[2].Data = []byte("undecryptable")
	h.client.table = map[swarm.Namespace]swarm.Response{
		swarm.NamespaceGroupKeys:     ok(swarm.Message{Hash: "k1", Data: []byte(`{"generation":1}`)}),
		swarm.NamespaceGroupMessages: ok(messages...),
	}

	outcome, err := h.engine.PollOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, outcome.Messages)
	require.Len(t, h.handler.batches, 3)
	require.Len(t, h.handler.batches[1], 1)
	hash, err := h.store.LastHash(context.Background(), testNode.Address, testGroupID, swarm.NamespaceGroupMessages)
	require.NoError(t, err)
	require.Equal(t, "e", hash)
}

func TestRejectedMessageDoesNotDropItsChunk(t *testing.T) {
	h := newHarness(t, 3)
	h.handler.reject = map[string]bool{"b": true}
	messages := make([]swarm.Message, 0, 3)
	for index, hash := range []string{"a", "b", "c"} {
		messages = append(messages, swarm.Message{Hash: hash, Timestamp: int64(index), Data: sharedconfig.SealEnvelope(1, "05bob", []byte(hash))})
	}
	h.client.table = map[swarm.Namespace]swarm.Response{
		swarm.NamespaceGroupKeys:     ok(swarm.Message{Hash: "k1", Data: []byte(`{"generation":1}`)}),
		swarm.NamespaceGroupMessages: ok(messages...),
	}

	outcome, err := h.engine.PollOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, outcome.Messages)
	require.Equal(t, []string{"key:k1", "message:a", "message:c"}, h.events.snapshot())

	for _, hash := range []string{"a", "b", "c"} {
		seen, err := h.store.HasSeen(context.Background(), testGroupID, swarm.NamespaceGroupMessages, hash)
		require.NoError(t, err)
		require.True(t, seen, hash)
	}
	last, err := h.store.LastHash(context.Background(), testNode.Address, testGroupID, swarm.NamespaceGroupMessages)
	require.NoError(t, err)
	require.Equal(t, "c", last)
}

func TestUndecodablePayloadIsSkippedAndCursorAdvances(t *testing.T) {
	h := newHarness(t, 0)
	h.client.table = map[swarm.Namespace]swarm.Response{
		swarm.NamespaceGroupKeys: ok(swarm.Message{Hash: "k1", Data: []byte(`{"generation":1}`)}),
		swarm.NamespaceGroupInfo: ok(swarm.Message{Hash: "i-bad", Timestamp: 1, DecodeErr: errors.New("bad base64")}),
		swarm.NamespaceGroupMessages: ok(
			swarm.Message{Hash: "m-bad", Timestamp: 1, DecodeErr: errors.New("bad base64")},
			swarm.Message{Hash: "m-good", Timestamp: 2, Data: sharedconfig.SealEnvelope(1, "05bob", []byte("hi"))},
		),
	}

	outcome, err := h.engine.PollOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, outcome.Messages)
	require.Equal(t, []string{"key:k1", "message:m-good"}, h.events.snapshot())

	seen, err := h.store.HasSeen(context.Background(), testGroupID, swarm.NamespaceGroupInfo, "i-bad")
	require.NoError(t, err)
	require.True(t, seen)
	last, err := h.store.LastHash(context.Background(), testNode.Address, testGroupID, swarm.NamespaceGroupInfo)
	require.NoError(t, err)
	require.Equal(t, "i-bad", last)
	last, err = h.store.LastHash(context.Background(), testNode.Address, testGroupID, swarm.NamespaceGroupMessages)
	require.NoError(t, err)
	require.Equal(t, "m-good", last)
}

func TestPollFailsWhenEveryRetrieveFailsDespiteTTLExtension(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.group.info.Log.Merge("i1", []byte(`{"name":"x"}`)))
	failed := swarm.Response{StatusCode: 500, Body: "down"}
	h.client.table = map[swarm.Namespace]swarm.Response{
		swarm.NamespaceRevokedRetrievableGroups: failed,
		swarm.NamespaceGroupMessages:            failed,
		swarm.NamespaceGroupInfo:                failed,
		swarm.NamespaceGroupMembers:             failed,
		swarm.NamespaceGroupKeys:                failed,
	}

	_, err := h.engine.PollOnce(context.Background())
	require.Error(t, err)
	var statusErr *swarm.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, 500, statusErr.Code)

	batches := h.client.batches
	require.Len(t, batches, 1)
	require.Len(t, batches[0], slotCount+1)
	_, extends := batches[0][slotCount].(swarm.AlterTTLRequest)
	require.True(t, extends)
}

func TestParseRevocation(t *testing.T) {
	accountID, generation, ok := parseRevocation("05ab-cd-12")
	require.True(t, ok)
	require.Equal(t, "05ab-cd", accountID)
	require.Equal(t, 12, generation)
	for _, invalid := range []string{"", "05ab", "05ab-", "-3", "05ab-x"} {
		_, _, ok := parseRevocation(invalid)
		require.False(t, ok, invalid)
	}
}
