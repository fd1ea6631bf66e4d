package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/swarmsync/internal/observable"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/poll"
	"github.com/google/uuid"
)

const (
	TopicPollers = "pollers"
	TopicInbox   = "inbox"

	RealtimeEventPollState = "poll-state"
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "swarmsync"
)

type RealtimeMessage struct {
	Topic     string
	EventType string
	Payload   any
	Timestamp time.Time
}

// RealtimeDispatcher fans messages out to stream subscribers by topic.
// Slow subscribers drop messages instead of blocking publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*realtimeSubscriber
	bufferSize  int
}

type realtimeSubscriber struct {
	id     string
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[string]*realtimeSubscriber),
		bufferSize:  32,
	}
}

// Subscribe registers one stream for every listed topic.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, topics ...string) (<-chan RealtimeMessage, func()) {
	if len(topics) == 0 {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     uuid.NewString(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(topics, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(topics, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.Topic == "" || message.EventType == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.Topic]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the number of distinct streams on topic.
func (d *RealtimeDispatcher) SubscriberCount(topic string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[topic])
}

func (d *RealtimeDispatcher) registerSubscriber(topics []string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, topic := range topics {
		if _, ok := d.subscribers[topic]; !ok {
			d.subscribers[topic] = make(map[string]*realtimeSubscriber)
		}
		d.subscribers[topic][subscriber.id] = subscriber
	}
}

func (d *RealtimeDispatcher) unregisterSubscriber(topics []string, subscriberID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, topic := range topics {
		subscribers := d.subscribers[topic]
		if subscribers == nil {
			continue
		}
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, topic)
		}
	}
}

// PollStateEvent is the stream payload for a poller state change.
type PollStateEvent struct {
	Poller string       `json:"poller"`
	State  poll.Summary `json:"state"`
}

// PublishStates forwards every state change of one poller until ctx ends.
func PublishStates[T any](ctx context.Context, dispatcher *RealtimeDispatcher, name string, state *observable.Value[poll.State[T]]) {
	updates, unsubscribe := state.Subscribe(ctx)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case value, ok := <-updates:
			if !ok {
				return
			}
			dispatcher.Publish(RealtimeMessage{
				Topic:     TopicPollers,
				EventType: RealtimeEventPollState,
				Payload:   PollStateEvent{Poller: name, State: value.Summarize()},
			})
		}
	}
}
