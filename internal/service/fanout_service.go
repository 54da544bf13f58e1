package service

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/schoolgate/pickup-api/internal/models"
	"github.com/schoolgate/pickup-api/pkg/config"
)

// EventFilter selects which events a subscription receives.
type EventFilter func(models.PickupEvent) bool

// FilterAll passes every event.
func FilterAll(models.PickupEvent) bool { return true }

// FilterByStudents passes events for the given students only.
func FilterByStudents(studentIDs ...string) EventFilter {
	set := make(map[string]struct{}, len(studentIDs))
	for _, id := range studentIDs {
		set[id] = struct{}{}
	}
	return func(e models.PickupEvent) bool {
		_, ok := set[e.StudentID]
		return ok
	}
}

// Subscription is one consumer's ordered event stream. The channel is closed
// when the consumer falls too far behind or the broker shuts down; a closed
// channel tells the consumer to resubscribe and reconcile by re-fetching
// current state (delivery is at-least-once, never exactly-once).
type Subscription struct {
	id     uint64
	filter EventFilter
	events chan models.PickupEvent
}

// Events exposes the receive side of the subscription.
func (s *Subscription) Events() <-chan models.PickupEvent {
	return s.events
}

// FanoutService propagates pickup change events to all subscribers. A single
// dispatch goroutine drains an ordered queue, so events for the same student
// are never reordered relative to each other. When Redis is configured the
// events travel through a pub/sub channel, giving every process the same
// ordered stream; without Redis the broker delivers locally.
type FanoutService struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64

	queue   chan models.PickupEvent
	bufSize int
	done    chan struct{}

	client  *redis.Client
	channel string

	metrics *MetricsService
	logger  *zap.Logger
}

// NewFanoutService constructs the broker. The Redis client may be nil.
func NewFanoutService(client *redis.Client, cfg config.FanoutConfig, metrics *MetricsService, logger *zap.Logger) *FanoutService {
	if logger == nil {
		logger = zap.NewNop()
	}
	bufSize := cfg.BufferSize
	if bufSize <= 0 {
		bufSize = 64
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "pickup:events"
	}
	return &FanoutService{
		subs:    make(map[uint64]*Subscription),
		queue:   make(chan models.PickupEvent, bufSize*4),
		bufSize: bufSize,
		done:    make(chan struct{}),
		client:  client,
		channel: channel,
		metrics: metrics,
		logger:  logger,
	}
}

// Start boots the dispatch loop and, when Redis is present, the pub/sub relay
// feeding it. Returns after spawning the goroutines.
func (f *FanoutService) Start(ctx context.Context) {
	go f.dispatchLoop(ctx)
	if f.client != nil {
		go f.relayLoop(ctx)
	}
}

// Publish hands a committed event to the fanout. With Redis the event is
// published to the shared channel and comes back through the relay, so all
// processes observe one ordered stream; publish failure falls back to local
// delivery (duplicates are possible, subscribers must be idempotent).
func (f *FanoutService) Publish(event models.PickupEvent) {
	if f.client != nil {
		payload, err := json.Marshal(event)
		if err == nil {
			if err := f.client.Publish(context.Background(), f.channel, payload).Err(); err == nil {
				return
			}
			f.logger.Warn("redis publish failed, delivering locally", zap.String("request_id", event.RequestID))
		}
	}
	f.enqueue(event)
}

// Subscribe registers a consumer with the given filter.
func (f *FanoutService) Subscribe(filter EventFilter) *Subscription {
	if filter == nil {
		filter = FilterAll
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	sub := &Subscription{
		id:     f.nextID,
		filter: filter,
		events: make(chan models.PickupEvent, f.bufSize),
	}
	f.subs[sub.id] = sub
	f.metrics.SetFanoutSubscribers(len(f.subs))
	return sub
}

// Unsubscribe removes a consumer and closes its channel.
func (f *FanoutService) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[sub.id]; ok {
		delete(f.subs, sub.id)
		close(sub.events)
		f.metrics.SetFanoutSubscribers(len(f.subs))
	}
}

// enqueue hands the event to the dispatch goroutine. When the queue is
// saturated the publisher waits for the dispatcher to catch up: delivering
// inline here would let this event overtake older ones still queued for the
// same student.
func (f *FanoutService) enqueue(event models.PickupEvent) {
	select {
	case f.queue <- event:
	case <-f.done:
	}
}

func (f *FanoutService) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			f.closeAll()
			close(f.done)
			return
		case event := <-f.queue:
			f.deliver(event)
		}
	}
}

// deliver pushes the event to every matching subscriber. A subscriber whose
// buffer is full is disconnected instead of blocking the stream; it must
// resubscribe and re-fetch.
func (f *FanoutService) deliver(event models.PickupEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delivered := 0
	for id, sub := range f.subs {
		if !sub.filter(event) {
			continue
		}
		select {
		case sub.events <- event:
			delivered++
		default:
			delete(f.subs, id)
			close(sub.events)
			f.metrics.ObserveFanoutDrop()
			f.logger.Warn("dropping lagging fanout subscriber", zap.Uint64("subscription_id", id))
		}
	}
	if delivered > 0 {
		f.metrics.ObserveFanoutDelivery(delivered)
	}
	f.metrics.SetFanoutSubscribers(len(f.subs))
}

func (f *FanoutService) relayLoop(ctx context.Context) {
	pubsub := f.client.Subscribe(ctx, f.channel)
	defer pubsub.Close() //nolint:errcheck
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-pubsub.Channel():
			if !ok {
				return
			}
			var event models.PickupEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				f.logger.Warn("discarding malformed fanout payload", zap.Error(err))
				continue
			}
			f.enqueue(event)
		}
	}
}

func (f *FanoutService) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, sub := range f.subs {
		delete(f.subs, id)
		close(sub.events)
	}
	f.metrics.SetFanoutSubscribers(0)
}
