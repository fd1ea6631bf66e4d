package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/swarmsync/internal/auth"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/inbox"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/poll"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	subjectContextKey = "swarmsync_subject"
	heartbeatInterval = 15 * time.Second
	maxInboxPageSize  = 500
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingControl        = errors.New("poller control dependency required")
	errMissingInbox          = errors.New("inbox dependency required")
	errMissingRealtime       = errors.New("realtime dispatcher dependency required")

	// ErrUnknownPoller is returned by Control when no poller matches a request.
	ErrUnknownPoller = errors.New("server: unknown poller")
)

type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// PollerView describes one running poller.
type PollerView struct {
	Name  string       `json:"name"`
	Kind  string       `json:"kind"`
	State poll.Summary `json:"state"`
}

// GateView is the current foreground and connectivity state.
type GateView struct {
	Foreground bool `json:"foreground"`
	Online     bool `json:"online"`
}

// Control is the daemon surface the API drives.
type Control interface {
	Pollers() []PollerView
	PollPersonal(ctx context.Context) error
	PollCommunity(ctx context.Context, host string) (any, error)
	Gate() GateView
	SetGate(foreground *bool, online *bool) GateView
}

// InboxReader lists stored entries.
type InboxReader interface {
	List(ctx context.Context, source inbox.Source, scope string, limit int) ([]inbox.Entry, error)
}

type Dependencies struct {
	TokenValidator TokenValidator
	Control        Control
	Inbox          InboxReader
	Realtime       *RealtimeDispatcher
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Control == nil {
		return nil, errMissingControl
	}
	if deps.Inbox == nil {
		return nil, errMissingInbox
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:   deps.TokenValidator,
		control:  deps.Control,
		inbox:    deps.Inbox,
		realtime: deps.Realtime,
		logger:   logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.GET("/pollers", handler.handleListPollers)
	protected.POST("/pollers/personal/poll", handler.handlePersonalPoll)
	protected.POST("/pollers/communities/:server/poll", handler.handleCommunityPoll)
	protected.GET("/pollers/stream", handler.handleStream)
	protected.GET("/gate", handler.handleGetGate)
	protected.PUT("/gate", handler.handleSetGate)
	protected.GET("/inbox", handler.handleInbox)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	tokens   TokenValidator
	control  Control
	inbox    InboxReader
	realtime *RealtimeDispatcher
	logger   *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type pollersResponse struct {
	Pollers []PollerView `json:"pollers"`
}

func (h *httpHandler) handleListPollers(c *gin.Context) {
	c.JSON(http.StatusOK, pollersResponse{Pollers: h.control.Pollers()})
}

func (h *httpHandler) handlePersonalPoll(c *gin.Context) {
	if err := h.control.PollPersonal(c.Request.Context()); err != nil {
		h.respondPollError(c, "personal", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"polled": "personal"})
}

func (h *httpHandler) handleCommunityPoll(c *gin.Context) {
	host := strings.TrimSpace(c.Param("server"))
	if host == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_server"})
		return
	}
	result, err := h.control.PollCommunity(c.Request.Context(), host)
	if err != nil {
		h.respondPollError(c, host, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"polled": host, "result": result})
}

func (h *httpHandler) respondPollError(c *gin.Context, poller string, err error) {
	switch {
	case errors.Is(err, ErrUnknownPoller):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_poller"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "poll_cancelled"})
	default:
		h.logger.Warn("manual poll failed", zap.String("poller", poller), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "poll_failed", "detail": err.Error()})
	}
}

type gateRequestPayload struct {
	Foreground *bool `json:"foreground"`
	Online     *bool `json:"online"`
}

func (h *httpHandler) handleGetGate(c *gin.Context) {
	c.JSON(http.StatusOK, h.control.Gate())
}

func (h *httpHandler) handleSetGate(c *gin.Context) {
	var request gateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || (request.Foreground == nil && request.Online == nil) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	view := h.control.SetGate(request.Foreground, request.Online)
	h.logger.Info("poll gate updated", zap.Bool("foreground", view.Foreground), zap.Bool("online", view.Online))
	c.JSON(http.StatusOK, view)
}

type inboxEntryPayload struct {
	Hash        string `json:"hash"`
	Sender      string `json:"sender,omitempty"`
	Body        []byte `json:"body"`
	TimestampMs int64  `json:"timestamp_ms"`
	Deleted     bool   `json:"deleted"`
}

func (h *httpHandler) handleInbox(c *gin.Context) {
	source, err := inbox.NewSource(c.Query("source"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_source"})
		return
	}
	scope := strings.TrimSpace(c.Query("scope"))
	if scope == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scope"})
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxInboxPageSize {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
	}
	entries, err := h.inbox.List(c.Request.Context(), source, scope, limit)
	if err != nil {
		h.logger.Error("failed to list inbox", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "inbox_failed"})
		return
	}
	payload := make([]inboxEntryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, inboxEntryPayload{
			Hash:        entry.Hash,
			Sender:      entry.Sender,
			Body:        entry.Body,
			TimestampMs: entry.TimestampMs,
			Deleted:     entry.IsDeleted,
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": payload})
}

type streamEventPayload struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

func (h *httpHandler) handleStream(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, TopicPollers, TopicInbox)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	for _, view := range h.control.Pollers() {
		c.SSEvent(RealtimeEventPollState, streamEventPayload{
			Source:    realtimeSourceBackend,
			Timestamp: time.Now().UTC(),
			Data:      PollStateEvent{Poller: view.Name, State: view.State},
		})
	}
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, streamEventPayload{Source: realtimeSourceBackend, Timestamp: time.Now().UTC()})
			return true
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, streamEventPayload{
				Source:    realtimeSourceBackend,
				Timestamp: message.Timestamp,
				Data:      message.Payload,
			})
			return true
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, err := auth.RequestToken(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}
