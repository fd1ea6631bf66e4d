package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/swarmsync/internal/auth"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/inbox"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/poll"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type fakeControl struct {
	mu            sync.Mutex
	gate          GateView
	personalErr   error
	personalCalls int
	communities   map[string]any
}

func (f *fakeControl) Pollers() []PollerView {
	return []PollerView{{Name: "personal", Kind: "personal", State: poll.Idle[struct{}](nil).Summarize()}}
}

func (f *fakeControl) PollPersonal(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.personalCalls++
	return f.personalErr
}

func (f *fakeControl) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.personalCalls
}

func (f *fakeControl) failPersonal(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.personalErr = err
}

func (f *fakeControl) PollCommunity(_ context.Context, host string) (any, error) {
	result, ok := f.communities[host]
	if !ok {
		return nil, ErrUnknownPoller
	}
	return result, nil
}

func (f *fakeControl) Gate() GateView {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gate
}

func (f *fakeControl) SetGate(foreground *bool, online *bool) GateView {
	f.mu.Lock()
	defer f.mu.Unlock()
	if foreground != nil {
		f.gate.Foreground = *foreground
	}
	if online != nil {
		f.gate.Online = *online
	}
	return f.gate
}

type fakeInbox struct {
	entries []inbox.Entry
}

func (f fakeInbox) List(_ context.Context, source inbox.Source, scope string, limit int) ([]inbox.Entry, error) {
	if source != inbox.SourceGroup || scope != "03group" {
		return nil, nil
	}
	return f.entries, nil
}

type apiHarness struct {
	server   *httptest.Server
	control  *fakeControl
	realtime *RealtimeDispatcher
	token    string
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	token, _, err := issuer.IssueToken("ops")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	control := &fakeControl{
		gate:        GateView{Foreground: true, Online: true},
		communities: map[string]any{"open.example": map[string]int{"messages": 3}},
	}
	realtime := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		TokenValidator: issuer,
		Control:        control,
		Inbox:          fakeInbox{entries: []inbox.Entry{{Hash: "h1", Sender: "05alice", Body: []byte("hi"), TimestampMs: 7}}},
		Realtime:       realtime,
		Logger:         zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &apiHarness{server: server, control: control, realtime: realtime, token: token}
}

func (h *apiHarness) do(t *testing.T, method string, path string, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	request, err := http.NewRequest(method, h.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+h.token)
	request.Header.Set("Content-Type", "application/json")
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	payload := map[string]any{}
	_ = json.NewDecoder(response.Body).Decode(&payload)
	return response, payload
}

func TestHealthzIsPublic(t *testing.T) {
	h := newAPIHarness(t)
	response, err := http.Get(h.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz failed: %v", err)
	}
	_ = response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", response.StatusCode)
	}

	unauthenticated, err := http.Get(h.server.URL + "/v1/pollers")
	if err != nil {
		t.Fatalf("pollers failed: %v", err)
	}
	_ = unauthenticated.Body.Close()
	if unauthenticated.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", unauthenticated.StatusCode)
	}
}

func TestListPollers(t *testing.T) {
	h := newAPIHarness(t)
	response, payload := h.do(t, http.MethodGet, "/v1/pollers", "")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", response.StatusCode)
	}
	pollers, _ := payload["pollers"].([]any)
	if len(pollers) != 1 {
		t.Fatalf("unexpected pollers payload %v", payload)
	}
	first := pollers[0].(map[string]any)
	if first["name"] != "personal" || first["state"].(map[string]any)["state"] != "idle" {
		t.Fatalf("unexpected poller %v", first)
	}
}

func TestManualPolls(t *testing.T) {
	h := newAPIHarness(t)

	response, _ := h.do(t, http.MethodPost, "/v1/pollers/personal/poll", "")
	if response.StatusCode != http.StatusOK || h.control.calls() != 1 {
		t.Fatalf("expected personal poll, got %d (calls %d)", response.StatusCode, h.control.calls())
	}

	h.control.failPersonal(errors.New("all namespaces failed"))
	response, payload := h.do(t, http.MethodPost, "/v1/pollers/personal/poll", "")
	if response.StatusCode != http.StatusBadGateway || payload["error"] != "poll_failed" {
		t.Fatalf("expected bad gateway, got %d %v", response.StatusCode, payload)
	}

	response, payload = h.do(t, http.MethodPost, "/v1/pollers/communities/open.example/poll", "")
	if response.StatusCode != http.StatusOK || payload["polled"] != "open.example" {
		t.Fatalf("unexpected community poll response %d %v", response.StatusCode, payload)
	}

	response, _ = h.do(t, http.MethodPost, "/v1/pollers/communities/unknown.example/poll", "")
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown server, got %d", response.StatusCode)
	}
}

func TestGateUpdates(t *testing.T) {
	h := newAPIHarness(t)

	response, payload := h.do(t, http.MethodPut, "/v1/gate", `{"foreground":false}`)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", response.StatusCode)
	}
	if payload["foreground"] != false || payload["online"] != true {
		t.Fatalf("unexpected gate %v", payload)
	}

	response, _ = h.do(t, http.MethodPut, "/v1/gate", `{}`)
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected empty update to be rejected, got %d", response.StatusCode)
	}

	_, payload = h.do(t, http.MethodGet, "/v1/gate", "")
	if payload["foreground"] != false {
		t.Fatalf("expected gate to persist, got %v", payload)
	}
}

func TestInboxListing(t *testing.T) {
	h := newAPIHarness(t)

	response, payload := h.do(t, http.MethodGet, "/v1/inbox?source=group&scope=03group&limit=10", "")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", response.StatusCode)
	}
	entries := payload["entries"].([]any)
	if len(entries) != 1 || entries[0].(map[string]any)["hash"] != "h1" {
		t.Fatalf("unexpected entries %v", payload)
	}

	response, _ = h.do(t, http.MethodGet, "/v1/inbox?source=email&scope=x", "")
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected invalid source, got %d", response.StatusCode)
	}
	response, _ = h.do(t, http.MethodGet, "/v1/inbox?source=group&scope=03group&limit=9999", "")
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected invalid limit, got %d", response.StatusCode)
	}
}

func TestStreamEmitsSnapshotAndPublishedEvents(t *testing.T) {
	h := newAPIHarness(t)

	streamRequest, err := http.NewRequest(http.MethodGet, h.server.URL+"/v1/pollers/stream?access_token="+h.token, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() { _ = streamResp.Body.Close() })
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}
	reader := bufio.NewReader(streamResp.Body)

	eventType, data := readEvent(t, reader)
	if eventType != RealtimeEventPollState || !strings.Contains(data, `"poller":"personal"`) {
		t.Fatalf("expected poller snapshot, got %s %s", eventType, data)
	}

	deadline := time.Now().Add(time.Second)
	for h.realtime.SubscriberCount(TopicInbox) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.realtime.Publish(RealtimeMessage{
		Topic:     TopicInbox,
		EventType: inbox.EventMessagesAdded,
		Payload:   inbox.Event{Type: inbox.EventMessagesAdded, Source: inbox.SourceGroup, Scope: "03group", Hashes: []string{"h9"}},
	})

	eventType, data = readEvent(t, reader)
	if eventType != inbox.EventMessagesAdded || !strings.Contains(data, `"h9"`) {
		t.Fatalf("unexpected inbox event %s %s", eventType, data)
	}
}

func readEvent(t *testing.T, reader *bufio.Reader) (string, string) {
	t.Helper()
	type readResult struct {
		line string
		err  error
	}
	deadline := time.After(5 * time.Second)
	eventType := ""
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := reader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-deadline:
			t.Fatal("timed out waiting for stream event")
		case res := <-resultCh:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			switch {
			case strings.HasPrefix(line, "event:"):
				eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:") && eventType != "":
				return eventType, strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
	}
}
