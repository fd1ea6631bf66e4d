package community

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/swarmsync/internal/jobs"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/observable"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/poll"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/store"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/store/storetest"
	"github.com/stretchr/testify/require"
)

const testServer = "https://open.example"

type fakeAPI struct {
	mu              sync.Mutex
	capabilities    []string
	capabilityCalls int
	info            map[string]RoomInfo
	messages        map[string][]RoomMessage
	messageCalls    int
	messageHook     func(call int)
	sinceSeqNo      map[string][]int64
	inbox           []DirectMessage
	outbox          []DirectMessage
	inboxCalls      int
	outboxCalls     int
	inboxSince      []int64
	failRoomsWith   error
}

func (a *fakeAPI) Capabilities(context.Context, string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.capabilityCalls++
	return a.capabilities, nil
}

func (a *fakeAPI) PollInfo(_ context.Context, _ string, room string, infoUpdates int64) (RoomInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	info, ok := a.info[room]
	if !ok {
		return RoomInfo{Token: room, InfoUpdates: infoUpdates}, nil
	}
	return info, nil
}

func (a *fakeAPI) Messages(_ context.Context, _ string, room string, sinceSeqNo int64) ([]RoomMessage, error) {
	a.mu.Lock()
	a.messageCalls++
	call := a.messageCalls
	hook := a.messageHook
	if a.sinceSeqNo == nil {
		a.sinceSeqNo = make(map[string][]int64)
	}
	a.sinceSeqNo[room] = append(a.sinceSeqNo[room], sinceSeqNo)
	failure := a.failRoomsWith
	var result []RoomMessage
	for _, message := range a.messages[room] {
		if message.SeqNo > sinceSeqNo {
			result = append(result, message)
		}
	}
	a.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	if failure != nil {
		return nil, failure
	}
	return result, nil
}

func (a *fakeAPI) Inbox(_ context.Context, _ string, sinceID int64) ([]DirectMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inboxCalls++
	a.inboxSince = append(a.inboxSince, sinceID)
	return a.inbox, nil
}

func (a *fakeAPI) Outbox(context.Context, string, int64) ([]DirectMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outboxCalls++
	return a.outbox, nil
}

type recordingProcessor struct {
	mu        sync.Mutex
	store     *store.Service
	seqNos    []int64
	watermark []int64
	infos     []RoomInfo
	direct    []DirectMessage
	outgoing  []bool
	deleted   []int64
}

func (p *recordingProcessor) ProcessCommunityMessage(ctx context.Context, server string, room string, message RoomMessage) error {
	cursor, err := p.store.RoomCursor(ctx, server, room)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seqNos = append(p.seqNos, message.SeqNo)
	p.watermark = append(p.watermark, cursor.LastSeqNo)
	return nil
}

func (p *recordingProcessor) ProcessRoomInfo(_ context.Context, _ string, _ string, info RoomInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.infos = append(p.infos, info)
	return nil
}

func (p *recordingProcessor) ProcessDirectMessage(_ context.Context, _ string, message DirectMessage, outgoing bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.direct = append(p.direct, message)
	p.outgoing = append(p.outgoing, outgoing)
	return nil
}

func (p *recordingProcessor) DeleteCommunityMessages(_ context.Context, _ string, _ string, ids []int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, ids...)
	return nil
}

// inlineJobs runs submitted work synchronously.
type inlineJobs struct {
	names []string
}

func (j *inlineJobs) Submit(name string, fn jobs.Func) (string, error) {
	j.names = append(j.names, name)
	return name, fn(context.Background())
}

type harness struct {
	api       *fakeAPI
	store     *store.Service
	processor *recordingProcessor
	jobs      *inlineJobs
	accept    *observable.Value[bool]
	poller    *Poller
}

func newHarness(t *testing.T, rooms ...string) *harness {
	t.Helper()
	service := storetest.Service(t)
	h := &harness{
		api:       &fakeAPI{info: map[string]RoomInfo{}, messages: map[string][]RoomMessage{}},
		store:     service,
		processor: &recordingProcessor{store: service},
		jobs:      &inlineJobs{},
		accept:    observable.NewComparable(false),
	}
	poller, err := NewPoller(Config{
		Server:                testServer,
		Rooms:                 func() []string { return rooms },
		API:                   h.api,
		Store:                 service,
		Processor:             h.processor,
		Jobs:                  h.jobs,
		Semaphore:             NewSemaphore(2),
		AcceptMessageRequests: h.accept,
		Interval:              time.Hour,
	})
	require.NoError(t, err)
	h.poller = poller
	return h
}

func TestPollerDispatchesBySeqNoAfterStoringWatermark(t *testing.T) {
	h := newHarness(t, "lobby")
	h.api.messages["lobby"] = []RoomMessage{
		{ID: 3, SeqNo: 12, Data: "c"},
		{ID: 1, SeqNo: 10, Data: "a"},
		{ID: 2, SeqNo: 11, Data: "b"},
	}

	result, err := h.poller.PollOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, Result{Rooms: 1, Messages: 3}, result)
	require.Equal(t, []int64{10, 11, 12}, h.processor.seqNos)
	require.Equal(t, []int64{10, 11, 12}, h.processor.watermark)

	_, err = h.poller.PollOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int64{0, 12}, h.api.sinceSeqNo["lobby"])
	require.Len(t, h.processor.seqNos, 3)
}

func TestPollerHandsDeletionsToBackgroundJob(t *testing.T) {
	h := newHarness(t, "lobby")
	h.api.messages["lobby"] = []RoomMessage{
		{ID: 1, SeqNo: 20, Data: "a"},
		{ID: 7, SeqNo: 25, Deleted: true},
		{ID: 8, SeqNo: 26},
	}

	result, err := h.poller.PollOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Messages)
	require.Equal(t, []string{"community.delete_messages"}, h.jobs.names)
	require.Equal(t, []int64{7, 8}, h.processor.deleted)

	cursor, err := h.store.RoomCursor(context.Background(), testServer, "lobby")
	require.NoError(t, err)
	require.EqualValues(t, 26, cursor.LastSeqNo)
}

func TestPollerCachesCapabilities(t *testing.T) {
	h := newHarness(t, "lobby")
	h.api.capabilities = []string{"sogs", CapabilityBlind}

	_, err := h.poller.PollOnce(context.Background())
	require.NoError(t, err)
	_, err = h.poller.PollOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, h.api.capabilityCalls)

	cached, found, err := h.store.Capabilities(context.Background(), testServer)
	require.NoError(t, err)
	require.True(t, found)
	require.ElementsMatch(t, []string{"sogs", CapabilityBlind}, cached)
}

func TestPollerInboxFollowsMessageRequestPreference(t *testing.T) {
	h := newHarness(t)
	h.api.capabilities = []string{CapabilityBlind}
	h.api.inbox = []DirectMessage{
		{ID: 41, PostedAt: 200, Message: "second"},
		{ID: 40, PostedAt: 100, Message: "first"},
	}
	h.api.outbox = []DirectMessage{{ID: 9, PostedAt: 50, Message: "sent"}}

	_, err := h.poller.PollOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, h.api.inboxCalls)
	require.Equal(t, 1, h.api.outboxCalls)

	h.accept.Set(true)
	result, err := h.poller.PollOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, h.api.inboxCalls)
	require.Equal(t, 3, result.DirectMessages)

	var incoming []string
	for index, message := range h.processor.direct {
		if !h.processor.outgoing[index] {
			incoming = append(incoming, message.Message)
		}
	}
	require.Equal(t, []string{"first", "second"}, incoming)

	cursor, err := h.store.ServerCursor(context.Background(), testServer)
	require.NoError(t, err)
	require.EqualValues(t, 41, cursor.LastInboxID)
	require.EqualValues(t, 9, cursor.LastOutboxID)
}

func TestPollerSkipsDirectMessagesWithoutBlinding(t *testing.T) {
	h := newHarness(t)
	h.api.capabilities = []string{"sogs"}
	h.accept.Set(true)

	_, err := h.poller.PollOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, h.api.inboxCalls)
	require.Zero(t, h.api.outboxCalls)
}

func TestPollerProcessesOnlyChangedRoomInfo(t *testing.T) {
	h := newHarness(t, "lobby", "dev")
	h.api.info["lobby"] = RoomInfo{Token: "lobby", InfoUpdates: 4}

	_, err := h.poller.PollOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, h.processor.infos, 1)
	require.Equal(t, "lobby", h.processor.infos[0].Token)

	_, err = h.poller.PollOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, h.processor.infos, 1)
}

func TestPollerAggregatesRoomErrors(t *testing.T) {
	h := newHarness(t, "lobby", "dev")
	h.api.failRoomsWith = errors.New("unreachable")

	_, err := h.poller.PollOnce(context.Background())
	require.Error(t, err)
	require.ErrorContains(t, err, "unreachable")
}

func TestPollerCoalescesQueuedRequests(t *testing.T) {
	h := newHarness(t, "lobby")
	release := make(chan struct{})
	h.api.messageHook = func(call int) {
		if call == 1 {
			<-release
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.poller.Run(ctx) }()

	_, err := h.poller.State().WaitFor(ctx, func(state poll.State[Result]) bool { return state.IsPolling() })
	require.NoError(t, err)

	const callers = 3
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.poller.RequestPoll(ctx)
			results <- err
		}()
	}
	require.Eventually(t, func() bool {
		h.poller.mu.Lock()
		defer h.poller.mu.Unlock()
		return len(h.poller.pending) == callers
	}, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()
	close(results)
	for err := range results {
		require.NoError(t, err)
	}

	h.api.mu.Lock()
	calls := h.api.messageCalls
	h.api.mu.Unlock()
	require.Equal(t, 2, calls)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestPollerSharesConcurrencyLimit(t *testing.T) {
	h := newHarness(t, "lobby")
	shared := NewSemaphore(1)
	h.poller.sem = shared
	require.NoError(t, shared.Acquire(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.poller.PollOnce(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, h.api.messageCalls)

	shared.Release(1)
	_, err = h.poller.PollOnce(context.Background())
	require.NoError(t, err)
}

func TestNewPollerValidatesConfig(t *testing.T) {
	_, err := NewPoller(Config{})
	require.ErrorIs(t, err, ErrMissingServer)
	_, err = NewPoller(Config{Server: testServer, API: &fakeAPI{}, Store: storetest.Service(t), Processor: &recordingProcessor{}, Jobs: &inlineJobs{}})
	require.ErrorIs(t, err, ErrMissingSemaphore)
}
