package community

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/swarmsync/internal/jobs"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/observable"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/poll"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/store"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultInterval      = 5 * time.Second
	DefaultMaxConcurrent = 4
	maxRoomFanout        = 8
)

var (
	ErrMissingServer    = errors.New("community: server is required")
	ErrMissingAPI       = errors.New("community: api is required")
	ErrMissingStore     = errors.New("community: store is required")
	ErrMissingProcessor = errors.New("community: processor is required")
	ErrMissingJobs      = errors.New("community: job submitter is required")
	ErrMissingSemaphore = errors.New("community: semaphore is required")
)

// NewSemaphore builds the fan-out limit shared by every server poller.
func NewSemaphore(maxConcurrent int) *semaphore.Weighted {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return semaphore.NewWeighted(int64(maxConcurrent))
}

// Processor receives community content.
type Processor interface {
	ProcessCommunityMessage(ctx context.Context, server string, room string, message RoomMessage) error
	ProcessRoomInfo(ctx context.Context, server string, room string, info RoomInfo) error
	ProcessDirectMessage(ctx context.Context, server string, message DirectMessage, outgoing bool) error
	DeleteCommunityMessages(ctx context.Context, server string, room string, ids []int64) error
}

// Store is the watermark and capability persistence the poller needs.
type Store interface {
	RoomCursor(ctx context.Context, server string, room string) (store.RoomCursor, error)
	SetRoomInfoUpdates(ctx context.Context, server string, room string, infoUpdates int64) error
	SetRoomLastSeqNo(ctx context.Context, server string, room string, seqNo int64) error
	ServerCursor(ctx context.Context, server string) (store.ServerCursor, error)
	SetInboxWatermark(ctx context.Context, server string, id int64) error
	SetOutboxWatermark(ctx context.Context, server string, id int64) error
	Capabilities(ctx context.Context, server string) ([]string, bool, error)
	SaveCapabilities(ctx context.Context, server string, capabilities []string) error
}

// Result summarises one server poll.
type Result struct {
	Rooms          int `json:"rooms"`
	Messages       int `json:"messages"`
	DirectMessages int `json:"direct_messages"`
}

// Config wires one server Poller.
type Config struct {
	Server                string
	Rooms                 func() []string
	API                   API
	Store                 Store
	Processor             Processor
	Jobs                  jobs.Submitter
	Semaphore             *semaphore.Weighted
	AcceptMessageRequests *observable.Value[bool]
	Gate                  poll.Gate
	Interval              time.Duration
	Logger                *zap.Logger
}

// Poller polls every subscribed room of one server.
type Poller struct {
	server    string
	rooms     func() []string
	api       API
	store     Store
	processor Processor
	jobs      jobs.Submitter
	sem       *semaphore.Weighted
	accept    *observable.Value[bool]
	gate      poll.Gate
	interval  time.Duration
	logger    *zap.Logger
	state     *observable.Value[poll.State[Result]]

	mu      sync.Mutex
	pending []chan poll.Result[Result]
	trigger chan struct{}
}

// NewPoller validates the config and builds a poller for one community server.
func NewPoller(cfg Config) (*Poller, error) {
	switch {
	case cfg.Server == "":
		return nil, ErrMissingServer
	case cfg.API == nil:
		return nil, ErrMissingAPI
	case cfg.Store == nil:
		return nil, ErrMissingStore
	case cfg.Processor == nil:
		return nil, ErrMissingProcessor
	case cfg.Jobs == nil:
		return nil, ErrMissingJobs
	case cfg.Semaphore == nil:
		return nil, ErrMissingSemaphore
	}
	rooms := cfg.Rooms
	if rooms == nil {
		rooms = func() []string { return nil }
	}
	accept := cfg.AcceptMessageRequests
	if accept == nil {
		accept = observable.New(false)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		server:    cfg.Server,
		rooms:     rooms,
		api:       cfg.API,
		store:     cfg.Store,
		processor: cfg.Processor,
		jobs:      cfg.Jobs,
		sem:       cfg.Semaphore,
		accept:    accept,
		gate:      cfg.Gate,
		interval:  interval,
		logger:    logger.With(zap.String("component", "community"), zap.String("server", cfg.Server)),
		state:     observable.New(poll.Idle[Result](nil)),
		trigger:   make(chan struct{}, 1),
	}, nil
}

// Server returns the polled base URL.
func (p *Poller) Server() string {
	return p.server
}

// State exposes Idle or Polling; the latest outcome rides on the Idle value.
func (p *Poller) State() *observable.Value[poll.State[Result]] {
	return p.state
}

// RequestPoll queues a token and waits for the next poll that starts after it.
func (p *Poller) RequestPoll(ctx context.Context) (Result, error) {
	token := make(chan poll.Result[Result], 1)
	p.mu.Lock()
	p.pending = append(p.pending, token)
	p.mu.Unlock()
	select {
	case p.trigger <- struct{}{}:
	default:
	}

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case result := <-token:
		return result.Value, result.Err
	}
}

// Run polls on an interval, or immediately when a token is queued, until ctx ends.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("community poller started")
	defer p.logger.Info("community poller stopped")
	for {
		if err := p.gate.Wait(ctx, p.logger); err != nil {
			p.fail(ctx.Err())
			return ctx.Err()
		}

		tokens := p.drain()
		reason := poll.ReasonRoutine
		if len(tokens) > 0 {
			reason = poll.ReasonManual
		}
		last := p.state.Get().LastResult()
		p.state.Set(poll.Polling(reason, last))

		value, err := p.PollOnce(ctx)
		if poll.IsCancellation(ctx, err) {
			p.state.Set(poll.Idle(last))
			deliver(tokens, poll.Result[Result]{Err: ctx.Err()})
			p.fail(ctx.Err())
			return ctx.Err()
		}
		if err != nil {
			p.logger.Warn("community poll failed", zap.Error(err))
		}
		result := poll.Result[Result]{Value: value, Err: err}
		p.state.Set(poll.Idle(&result))
		deliver(tokens, result)

		timer := time.NewTimer(p.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.fail(ctx.Err())
			return ctx.Err()
		case <-p.trigger:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (p *Poller) drain() []chan poll.Result[Result] {
	p.mu.Lock()
	defer p.mu.Unlock()
	tokens := p.pending
	p.pending = nil
	return tokens
}

// fail releases queued tokens when the loop exits.
func (p *Poller) fail(err error) {
	deliver(p.drain(), poll.Result[Result]{Err: err})
}

func deliver(tokens []chan poll.Result[Result], result poll.Result[Result]) {
	for _, token := range tokens {
		token <- result
	}
}

// PollOnce fetches every subscribed room and, on blinded servers, direct messages.
func (p *Poller) PollOnce(ctx context.Context) (Result, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return Result{}, err
	}
	defer p.sem.Release(1)

	capabilities, err := p.capabilities(ctx)
	if err != nil {
		return Result{}, err
	}

	rooms := p.rooms()
	var (
		mu     sync.Mutex
		errs   error
		result = Result{Rooms: len(rooms)}
	)
	record := func(messages int, direct int, err error) {
		mu.Lock()
		defer mu.Unlock()
		result.Messages += messages
		result.DirectMessages += direct
		errs = multierr.Append(errs, err)
	}

	var group errgroup.Group
	group.SetLimit(maxRoomFanout)
	for _, room := range rooms {
		group.Go(func() error {
			record(0, 0, p.pollRoomInfo(ctx, room))
			return nil
		})
		group.Go(func() error {
			count, err := p.pollRoomMessages(ctx, room)
			record(count, 0, err)
			return nil
		})
	}
	if slices.Contains(capabilities, CapabilityBlind) {
		if p.accept.Get() {
			group.Go(func() error {
				count, err := p.pollDirect(ctx, false)
				record(0, count, err)
				return nil
			})
		}
		group.Go(func() error {
			count, err := p.pollDirect(ctx, true)
			record(0, count, err)
			return nil
		})
	}
	_ = group.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}
	return result, errs
}

// capabilities is fetched once per server and cached in the store.
func (p *Poller) capabilities(ctx context.Context) ([]string, error) {
	cached, found, err := p.store.Capabilities(ctx, p.server)
	if err != nil {
		return nil, err
	}
	if found {
		return cached, nil
	}
	fetched, err := p.api.Capabilities(ctx, p.server)
	if err != nil {
		return nil, err
	}
	if err := p.store.SaveCapabilities(ctx, p.server, fetched); err != nil {
		return nil, err
	}
	p.logger.Info("server capabilities cached", zap.Strings("capabilities", fetched))
	return fetched, nil
}

func (p *Poller) pollRoomInfo(ctx context.Context, room string) error {
	cursor, err := p.store.RoomCursor(ctx, p.server, room)
	if err != nil {
		return err
	}
	info, err := p.api.PollInfo(ctx, p.server, room, cursor.InfoUpdates)
	if err != nil {
		p.logger.Warn("room info poll failed", zap.String("room", room), zap.Error(err))
		return err
	}
	if info.InfoUpdates == cursor.InfoUpdates {
		return nil
	}
	if err := p.processor.ProcessRoomInfo(ctx, p.server, room, info); err != nil {
		p.logger.Warn("room info processing failed", zap.String("room", room), zap.Error(err))
	}
	return p.store.SetRoomInfoUpdates(ctx, p.server, room, info.InfoUpdates)
}

// pollRoomMessages applies additions by ascending seqno, storing the watermark before each dispatch.
// Deletions are handed to a background job.
func (p *Poller) pollRoomMessages(ctx context.Context, room string) (int, error) {
	cursor, err := p.store.RoomCursor(ctx, p.server, room)
	if err != nil {
		return 0, err
	}
	messages, err := p.api.Messages(ctx, p.server, room, cursor.LastSeqNo)
	if err != nil {
		p.logger.Warn("room messages poll failed", zap.String("room", room), zap.Error(err))
		return 0, err
	}

	additions := make([]RoomMessage, 0, len(messages))
	var deletions []int64
	var maxDeletedSeqNo int64
	for _, message := range messages {
		if message.Deleted || message.Data == "" {
			deletions = append(deletions, message.ID)
			if message.SeqNo > maxDeletedSeqNo {
				maxDeletedSeqNo = message.SeqNo
			}
			continue
		}
		additions = append(additions, message)
	}
	sort.SliceStable(additions, func(i, j int) bool { return additions[i].SeqNo < additions[j].SeqNo })

	watermark := cursor.LastSeqNo
	for _, message := range additions {
		if message.SeqNo <= watermark {
			continue
		}
		if err := p.store.SetRoomLastSeqNo(ctx, p.server, room, message.SeqNo); err != nil {
			return 0, err
		}
		watermark = message.SeqNo
		if err := p.processor.ProcessCommunityMessage(ctx, p.server, room, message); err != nil {
			p.logger.Warn("community message processing failed",
				zap.String("room", room),
				zap.Int64("seqno", message.SeqNo),
				zap.Error(err))
		}
	}

	if len(deletions) > 0 {
		ids := deletions
		if _, err := p.jobs.Submit("community.delete_messages", func(jobCtx context.Context) error {
			return p.processor.DeleteCommunityMessages(jobCtx, p.server, room, ids)
		}); err != nil {
			p.logger.Warn("deletion job rejected", zap.String("room", room), zap.Error(err))
		}
		if maxDeletedSeqNo > watermark {
			if err := p.store.SetRoomLastSeqNo(ctx, p.server, room, maxDeletedSeqNo); err != nil {
				return len(additions), err
			}
		}
	}
	return len(additions), nil
}

// pollDirect processes inbox or outbox messages by posted time and stores the watermark once per batch.
func (p *Poller) pollDirect(ctx context.Context, outgoing bool) (int, error) {
	cursor, err := p.store.ServerCursor(ctx, p.server)
	if err != nil {
		return 0, err
	}
	var messages []DirectMessage
	if outgoing {
		messages, err = p.api.Outbox(ctx, p.server, cursor.LastOutboxID)
	} else {
		messages, err = p.api.Inbox(ctx, p.server, cursor.LastInboxID)
	}
	if err != nil {
		p.logger.Warn("direct message poll failed", zap.Bool("outgoing", outgoing), zap.Error(err))
		return 0, err
	}
	if len(messages) == 0 {
		return 0, nil
	}
	sort.SliceStable(messages, func(i, j int) bool { return messages[i].PostedAt < messages[j].PostedAt })
	for _, message := range messages {
		if err := p.processor.ProcessDirectMessage(ctx, p.server, message, outgoing); err != nil {
			p.logger.Warn("direct message processing failed", zap.Int64("id", message.ID), zap.Error(err))
		}
	}
	last := messages[len(messages)-1].ID
	if outgoing {
		err = p.store.SetOutboxWatermark(ctx, p.server, last)
	} else {
		err = p.store.SetInboxWatermark(ctx, p.server, last)
	}
	return len(messages), err
}
