package swarm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	rpcPath                = "/storage_rpc/v1"
	defaultRequestTimeout  = 20 * time.Second
	defaultRetryCount      = 2
	defaultRetryWait       = 250 * time.Millisecond
	defaultRetryWaitMax    = 2 * time.Second
	sequenceMethod         = "sequence"
	getSwarmMethod         = "get_swarm"
	signatureParam         = "signature"
	timestampParam         = "timestamp"
	lastHashParam          = "last_hash"
	namespaceParam         = "namespace"
	maxSizeParam           = "max_size"
	messagesParam          = "messages"
	expiryParam            = "expiry"
	extendParam            = "extend"
	extendSignatureKeyword = "extend"
)

// Node addresses one storage server.
type Node struct {
	Address   string `json:"address"`
	PublicKey string `json:"pubkey_ed25519,omitempty"`
}

func (n Node) String() string {
	return n.Address
}

// Client executes positional request batches against a storage node.
type Client interface {
	Batch(ctx context.Context, node Node, requests []Request) ([]Response, error)
}

// HTTPClientConfig tunes the JSON-RPC transport.
type HTTPClientConfig struct {
	Timeout      time.Duration
	RetryCount   int
	RetryWait    time.Duration
	RetryWaitMax time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
	HTTPClient   *http.Client
}

// HTTPClient talks to storage nodes over their JSON-RPC endpoint.
type HTTPClient struct {
	client *resty.Client
	clock  func() time.Time
	logger *zap.Logger
}

// NewHTTPClient builds a retrying transport; only 5xx and 429 responses are retried.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	} else if cfg.RetryCount == 0 {
		cfg.RetryCount = defaultRetryCount
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = defaultRetryWait
	}
	if cfg.RetryWaitMax <= 0 {
		cfg.RetryWaitMax = defaultRetryWaitMax
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	var client *resty.Client
	if cfg.HTTPClient != nil {
		client = resty.NewWithClient(cfg.HTTPClient)
	} else {
		client = resty.New()
	}
	client.SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryWaitMax).
		SetRetryAfter(nil).
		AddRetryCondition(
			func(r *resty.Response, err error) bool {
				return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
			},
		).
		SetHeader("Content-Type", "application/json")

	return &HTTPClient{client: client, clock: cfg.Clock, logger: cfg.Logger}
}

type rpcEnvelope struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

type rpcResult struct {
	Code int             `json:"code"`
	Body json.RawMessage `json:"body"`
}

type sequenceResponse struct {
	Results []rpcResult `json:"results"`
}

type retrieveBody struct {
	Messages []wireMessage `json:"messages"`
}

type wireMessage struct {
	Hash       string `json:"hash"`
	Data       string `json:"data"`
	Timestamp  int64  `json:"timestamp"`
	Expiration int64  `json:"expiration"`
}

// Batch sends requests as one sequence call; results keep the request order.
func (c *HTTPClient) Batch(ctx context.Context, node Node, requests []Request) ([]Response, error) {
	if len(requests) == 0 {
		return nil, ErrEmptyBatch
	}
	encoded := make([]rpcEnvelope, 0, len(requests))
	for _, request := range requests {
		params, err := c.encode(request)
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, rpcEnvelope{Method: request.Method(), Params: params})
	}

	var decoded sequenceResponse
	if err := c.call(ctx, node, sequenceMethod, map[string]any{"requests": encoded}, &decoded); err != nil {
		return nil, err
	}
	if len(decoded.Results) != len(requests) {
		return nil, fmt.Errorf("%w: sent %d, received %d", ErrBatchMismatch, len(requests), len(decoded.Results))
	}

	responses := make([]Response, len(decoded.Results))
	for index, result := range decoded.Results {
		response := Response{StatusCode: result.Code}
		if !response.OK() {
			response.Body = bodyText(result.Body)
			responses[index] = response
			continue
		}
		if retrieve, isRetrieve := requests[index].(RetrieveRequest); isRetrieve {
			messages, err := decodeMessages(result.Body)
			if err != nil {
				c.logger.Warn("retrieve body unreadable",
					zap.String("node", node.Address),
					zap.Int("namespace", retrieve.Namespace.Int()),
					zap.Error(err))
				response.DecodeErr = err
			}
			for _, message := range messages {
				if message.DecodeErr != nil {
					c.logger.Warn("message payload unreadable",
						zap.String("node", node.Address),
						zap.Int("namespace", retrieve.Namespace.Int()),
						zap.String("hash", message.Hash),
						zap.Error(message.DecodeErr))
				}
			}
			response.Messages = messages
		}
		responses[index] = response
	}
	return responses, nil
}

// call posts a single JSON-RPC method and decodes its body into out.
func (c *HTTPClient) call(ctx context.Context, node Node, method string, params map[string]any, out any) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(rpcEnvelope{Method: method, Params: params}).
		Post(strings.TrimRight(node.Address, "/") + rpcPath)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("swarm: %s to %s: %w", method, node.Address, err)
	}
	if resp.StatusCode() != http.StatusOK {
		c.logger.Debug("storage node rejected call",
			zap.String("node", node.Address),
			zap.String("method", method),
			zap.Int("status", resp.StatusCode()))
		return &StatusError{Code: resp.StatusCode(), Body: strings.TrimSpace(string(resp.Body()))}
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("swarm: decode %s response: %w", method, err)
	}
	return nil
}

func (c *HTTPClient) encode(request Request) (map[string]any, error) {
	timestamp := c.clock().UnixMilli()
	switch typed := request.(type) {
	case RetrieveRequest:
		if typed.Auth == nil {
			return nil, ErrMissingAccount
		}
		params := typed.Auth.Params()
		if typed.Namespace != NamespaceDefault {
			params[namespaceParam] = typed.Namespace.Int()
		}
		params[lastHashParam] = typed.LastHash
		maxSize := typed.MaxSize
		if maxSize == 0 {
			maxSize = MaxSizeDefault
		}
		params[maxSizeParam] = maxSize
		params[timestampParam] = timestamp
		payload := typed.Method() + typed.Namespace.signaturePart() + strconv.FormatInt(timestamp, 10)
		return sign(typed.Auth, params, payload)
	case AlterTTLRequest:
		if typed.Auth == nil {
			return nil, ErrMissingAccount
		}
		params := typed.Auth.Params()
		params[messagesParam] = typed.Hashes
		params[expiryParam] = typed.ExpiryMs
		var payload strings.Builder
		payload.WriteString(typed.Method())
		if typed.Extend {
			params[extendParam] = true
			payload.WriteString(extendSignatureKeyword)
		}
		payload.WriteString(strconv.FormatInt(typed.ExpiryMs, 10))
		for _, hash := range typed.Hashes {
			payload.WriteString(hash)
		}
		return sign(typed.Auth, params, payload.String())
	default:
		return nil, fmt.Errorf("swarm: unsupported request %T", request)
	}
}

func sign(auth Auth, params map[string]any, payload string) (map[string]any, error) {
	signature, err := auth.Sign([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("swarm: sign request: %w", err)
	}
	params[signatureParam] = base64.StdEncoding.EncodeToString(signature)
	return params, nil
}

// decodeMessages keeps entries with an unreadable payload, flagged with DecodeErr.
func decodeMessages(raw json.RawMessage) ([]Message, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var body retrieveBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("swarm: decode retrieve body: %w", err)
	}
	messages := make([]Message, 0, len(body.Messages))
	for _, wire := range body.Messages {
		message := Message{
			Hash:      wire.Hash,
			Timestamp: wire.Timestamp,
			Expiry:    wire.Expiration,
		}
		data, err := base64.StdEncoding.DecodeString(wire.Data)
		if err != nil {
			message.DecodeErr = fmt.Errorf("swarm: decode message %s: %w", wire.Hash, err)
		} else {
			message.Data = data
		}
		messages = append(messages, message)
	}
	return messages, nil
}

func bodyText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return string(raw)
}

// FirstError returns the first failed sub-response, or nil when every entry succeeded.
func FirstError(responses []Response) error {
	for _, response := range responses {
		if err := response.Err(); err != nil {
			return err
		}
	}
	return nil
}

// AllFailed reports whether no sub-response succeeded.
func AllFailed(responses []Response) bool {
	for _, response := range responses {
		if response.OK() {
			return false
		}
	}
	return len(responses) > 0
}

type swarmBody struct {
	Nodes []wireNode `json:"snodes"`
}

type wireNode struct {
	IP        string `json:"ip"`
	Port      int    `json:"port_https"`
	PublicKey string `json:"pubkey_ed25519"`
}

// GetSwarm asks node which storage servers currently hold accountID.
func (c *HTTPClient) GetSwarm(ctx context.Context, node Node, accountID string, scheme string) ([]Node, error) {
	if accountID == "" {
		return nil, ErrMissingAccount
	}
	var body swarmBody
	if err := c.call(ctx, node, getSwarmMethod, map[string]any{"pubkey": accountID}, &body); err != nil {
		return nil, err
	}
	if scheme == "" {
		scheme = "https"
	}
	nodes := make([]Node, 0, len(body.Nodes))
	for _, wire := range body.Nodes {
		if wire.IP == "" || wire.IP == "0.0.0.0" || wire.Port == 0 {
			continue
		}
		nodes = append(nodes, Node{
			Address:   fmt.Sprintf("%s://%s:%d", scheme, wire.IP, wire.Port),
			PublicKey: wire.PublicKey,
		})
	}
	if len(nodes) == 0 {
		return nil, ErrEmptySwarm
	}
	return nodes, nil
}
