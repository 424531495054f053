// Package eventbus fans sync notifications out to subscribers.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/tendermint/starksync/libs/log"
	"github.com/tendermint/starksync/libs/service"
	"github.com/tendermint/starksync/types"
)

const defaultCapacity = 100

var (
	// ErrSubscriptionNotFound is returned when a client tries to unsubscribe
	// from a subscription that does not exist.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrUnsubscribed is returned by Err when a client unsubscribes.
	ErrUnsubscribed = errors.New("client unsubscribed")

	// ErrOutOfCapacity is returned by Err when a client is not pulling
	// messages fast enough. The subscription is terminated.
	ErrOutOfCapacity = errors.New("client is not pulling messages fast enough")

	// ErrTerminated is returned by Err when the bus stops.
	ErrTerminated = errors.New("event bus stopped")
)

// EventType names a kind of event.
type EventType string

const (
	EventBlockImported    EventType = "BlockImported"
	EventPendingRefreshed EventType = "PendingRefreshed"
	EventSyncError        EventType = "SyncError"
)

// EventData is the payload of a published event.
type EventData interface {
	EventType() EventType
}

// EventDataBlockImported is published once per committed block.
type EventDataBlockImported struct {
	BlockN    uint64     `json:"block_number"`
	BlockHash types.Felt `json:"block_hash"`
	StateRoot types.Felt `json:"state_root"`
	TxCount   uint64     `json:"transaction_count"`
}

func (EventDataBlockImported) EventType() EventType { return EventBlockImported }

// EventDataPendingRefreshed is published after the pending block was
// replaced.
type EventDataPendingRefreshed struct {
	ParentHash types.Felt `json:"parent_hash"`
	TxCount    int        `json:"transaction_count"`
}

func (EventDataPendingRefreshed) EventType() EventType { return EventPendingRefreshed }

// EventDataSyncError reports a failure of one of the sync stages.
type EventDataSyncError struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

func (EventDataSyncError) EventType() EventType { return EventSyncError }

// Message is an event delivered to a subscription.
type Message struct {
	subID string
	data  EventData
}

// SubscriptionID returns the id of the subscription that received the
// message.
func (m Message) SubscriptionID() string { return m.subID }

// Data returns the published event.
func (m Message) Data() EventData { return m.data }

// SubscribeArgs are the parameters of a subscription.
type SubscribeArgs struct {
	ClientID string
	// Events to deliver. Empty means every event.
	Events []EventType
	// Buffered messages before the subscription is terminated with
	// ErrOutOfCapacity. Zero means a default capacity.
	Limit int
}

// Subscription receives the events matching its arguments.
type Subscription struct {
	id       string
	clientID string
	events   map[EventType]bool
	out      chan Message

	canceled chan struct{}
	mtx      sync.RWMutex
	err      error
}

func (s *Subscription) ID() string { return s.id }

// Next blocks until a message is available, the subscription is terminated
// or ctx ends. Messages buffered before termination are still delivered.
func (s *Subscription) Next(ctx context.Context) (Message, error) {
	select {
	case msg := <-s.out:
		return msg, nil
	default:
	}

	select {
	case msg := <-s.out:
		return msg, nil
	case <-s.canceled:
		return Message{}, s.Err()
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Canceled returns a channel closed when the subscription is terminated.
func (s *Subscription) Canceled() <-chan struct{} { return s.canceled }

// Err returns nil until the subscription is terminated, and the reason
// afterwards.
func (s *Subscription) Err() error {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.err
}

func (s *Subscription) cancel(err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.err != nil {
		return
	}
	s.err = err
	close(s.canceled)
}

func (s *Subscription) matches(t EventType) bool {
	return len(s.events) == 0 || s.events[t]
}

// EventBus is a common bus for all events going through the node. Publishing
// never blocks: a subscriber that falls behind is dropped.
type EventBus struct {
	service.BaseService
	logger log.Logger

	mtx  sync.RWMutex
	subs map[string]*Subscription
}

// NewDefault returns a new event bus.
func NewDefault(l log.Logger) *EventBus {
	logger := l.With("module", "eventbus")
	b := &EventBus{
		logger: logger,
		subs:   make(map[string]*Subscription),
	}
	b.BaseService = *service.NewBaseService(logger, "EventBus", b)
	return b
}

func (b *EventBus) OnStart(ctx context.Context) error { return nil }

func (b *EventBus) OnStop() {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	for id, sub := range b.subs {
		sub.cancel(ErrTerminated)
		delete(b.subs, id)
	}
}

func (b *EventBus) NumClients() int {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	clients := make(map[string]struct{})
	for _, sub := range b.subs {
		clients[sub.clientID] = struct{}{}
	}
	return len(clients)
}

// Subscribe registers a new subscription. It is terminated when ctx ends.
func (b *EventBus) Subscribe(ctx context.Context, args SubscribeArgs) (*Subscription, error) {
	if args.ClientID == "" {
		return nil, errors.New("missing client id")
	}
	if args.Limit < 0 {
		return nil, fmt.Errorf("negative subscription limit %d", args.Limit)
	}
	limit := args.Limit
	if limit == 0 {
		limit = defaultCapacity
	}

	sub := &Subscription{
		id:       uuid.NewString(),
		clientID: args.ClientID,
		events:   make(map[EventType]bool, len(args.Events)),
		out:      make(chan Message, limit),
		canceled: make(chan struct{}),
	}
	for _, t := range args.Events {
		sub.events[t] = true
	}

	b.mtx.Lock()
	b.subs[sub.id] = sub
	b.mtx.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			b.remove(sub.id, ctx.Err())
		case <-sub.canceled:
		}
	}()

	return sub, nil
}

// Unsubscribe terminates the subscription with the given id.
func (b *EventBus) Unsubscribe(id string) error {
	if !b.remove(id, ErrUnsubscribed) {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (b *EventBus) remove(id string, reason error) bool {
	b.mtx.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mtx.Unlock()

	if ok {
		sub.cancel(reason)
	}
	return ok
}

// Publish delivers data to every matching subscription.
func (b *EventBus) Publish(data EventData) error {
	if data == nil {
		return errors.New("cannot publish a nil event")
	}
	t := data.EventType()

	var slow []*Subscription
	b.mtx.RLock()
	for _, sub := range b.subs {
		if !sub.matches(t) {
			continue
		}
		select {
		case sub.out <- Message{subID: sub.id, data: data}:
		default:
			slow = append(slow, sub)
		}
	}
	b.mtx.RUnlock()

	for _, sub := range slow {
		b.logger.Info("dropping slow subscriber", "client", sub.clientID, "subscription", sub.id, "event", t)
		b.remove(sub.id, ErrOutOfCapacity)
	}
	return nil
}

func (b *EventBus) PublishEventBlockImported(data EventDataBlockImported) error {
	return b.Publish(data)
}

func (b *EventBus) PublishEventPendingRefreshed(data EventDataPendingRefreshed) error {
	return b.Publish(data)
}

func (b *EventBus) PublishEventSyncError(data EventDataSyncError) error {
	return b.Publish(data)
}
