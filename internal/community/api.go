// Package community polls open-group servers hosting public rooms.
package community

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/swarmsync/internal/swarm"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// CapabilityBlind marks servers that support blinded ids and direct messages.
	CapabilityBlind = "blind"

	headerPubkey    = "X-SOGS-Pubkey"
	headerTimestamp = "X-SOGS-Timestamp"
	headerNonce     = "X-SOGS-Nonce"
	headerSignature = "X-SOGS-Signature"

	defaultAPITimeout = 20 * time.Second
)

// RoomInfo is the incremental room metadata returned by pollInfo.
type RoomInfo struct {
	Token       string          `json:"token"`
	ActiveUsers int64           `json:"active_users"`
	InfoUpdates int64           `json:"info_updates"`
	Details     json.RawMessage `json:"details,omitempty"`
}

// RoomMessage is one room post or deletion tombstone.
type RoomMessage struct {
	ID        int64   `json:"id"`
	SessionID string  `json:"session_id"`
	Posted    float64 `json:"posted"`
	SeqNo     int64   `json:"seqno"`
	Data      string  `json:"data,omitempty"`
	Signature string  `json:"signature,omitempty"`
	Deleted   bool    `json:"deleted,omitempty"`
}

// DirectMessage is a blinded inbox or outbox entry.
type DirectMessage struct {
	ID        int64   `json:"id"`
	PostedAt  float64 `json:"posted_at"`
	Sender    string  `json:"sender"`
	Recipient string  `json:"recipient"`
	Message   string  `json:"message"`
}

// API is the community server surface the poller consumes.
type API interface {
	Capabilities(ctx context.Context, server string) ([]string, error)
	PollInfo(ctx context.Context, server string, room string, infoUpdates int64) (RoomInfo, error)
	Messages(ctx context.Context, server string, room string, sinceSeqNo int64) ([]RoomMessage, error)
	Inbox(ctx context.Context, server string, sinceID int64) ([]DirectMessage, error)
	Outbox(ctx context.Context, server string, sinceID int64) ([]DirectMessage, error)
}

// HTTPAPIConfig tunes HTTPAPI.
type HTTPAPIConfig struct {
	Signer       swarm.Auth
	Timeout      time.Duration
	RetryCount   int
	RetryWait    time.Duration
	RetryWaitMax time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// HTTPAPI talks to community servers over HTTP, signing requests when a signer is set.
type HTTPAPI struct {
	client *resty.Client
	signer swarm.Auth
	clock  func() time.Time
	logger *zap.Logger
}

func NewHTTPAPI(cfg HTTPAPIConfig) *HTTPAPI {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultAPITimeout
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	} else if cfg.RetryCount == 0 {
		cfg.RetryCount = 2
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 250 * time.Millisecond
	}
	if cfg.RetryWaitMax <= 0 {
		cfg.RetryWaitMax = 2 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	client := resty.New()
	client.SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryWaitMax).
		SetRetryAfter(nil).
		AddRetryCondition(
			func(r *resty.Response, err error) bool {
				return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
			},
		)
	return &HTTPAPI{client: client, signer: cfg.Signer, clock: cfg.Clock, logger: cfg.Logger}
}

type capabilitiesBody struct {
	Capabilities []string `json:"capabilities"`
}

func (a *HTTPAPI) Capabilities(ctx context.Context, server string) ([]string, error) {
	var body capabilitiesBody
	if err := a.get(ctx, server, "/capabilities", &body); err != nil {
		return nil, err
	}
	return body.Capabilities, nil
}

func (a *HTTPAPI) PollInfo(ctx context.Context, server string, room string, infoUpdates int64) (RoomInfo, error) {
	var info RoomInfo
	path := "/room/" + url.PathEscape(room) + "/pollInfo/" + strconv.FormatInt(infoUpdates, 10)
	if err := a.get(ctx, server, path, &info); err != nil {
		return RoomInfo{}, err
	}
	return info, nil
}

func (a *HTTPAPI) Messages(ctx context.Context, server string, room string, sinceSeqNo int64) ([]RoomMessage, error) {
	var messages []RoomMessage
	path := "/room/" + url.PathEscape(room) + "/messages/since/" + strconv.FormatInt(sinceSeqNo, 10)
	if err := a.get(ctx, server, path, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (a *HTTPAPI) Inbox(ctx context.Context, server string, sinceID int64) ([]DirectMessage, error) {
	return a.direct(ctx, server, "/inbox/since/"+strconv.FormatInt(sinceID, 10))
}

func (a *HTTPAPI) Outbox(ctx context.Context, server string, sinceID int64) ([]DirectMessage, error) {
	return a.direct(ctx, server, "/outbox/since/"+strconv.FormatInt(sinceID, 10))
}

func (a *HTTPAPI) direct(ctx context.Context, server string, path string) ([]DirectMessage, error) {
	var messages []DirectMessage
	if err := a.get(ctx, server, path, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (a *HTTPAPI) get(ctx context.Context, server string, path string, out any) error {
	request := a.client.R().SetContext(ctx).SetHeader("Accept", "application/json")
	if err := a.sign(request, http.MethodGet, path); err != nil {
		return err
	}
	resp, err := request.Get(strings.TrimRight(server, "/") + path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("community: GET %s%s: %w", server, path, err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusNotModified:
		return nil
	default:
		a.logger.Debug("community server rejected request",
			zap.String("server", server),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode()))
		return &swarm.StatusError{Code: resp.StatusCode(), Body: strings.TrimSpace(string(resp.Body()))}
	}
	if len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("community: decode %s: %w", path, err)
	}
	return nil
}

func (a *HTTPAPI) sign(request *resty.Request, method string, path string) error {
	if a.signer == nil {
		return nil
	}
	nonce := uuid.NewString()
	timestamp := strconv.FormatInt(a.clock().Unix(), 10)
	signature, err := a.signer.Sign([]byte(nonce + timestamp + method + path))
	if err != nil {
		return fmt.Errorf("community: sign request: %w", err)
	}
	request.SetHeader(headerPubkey, a.signer.AccountID()).
		SetHeader(headerTimestamp, timestamp).
		SetHeader(headerNonce, nonce).
		SetHeader(headerSignature, base64.StdEncoding.EncodeToString(signature))
	return nil
}
