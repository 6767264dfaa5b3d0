package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventHandler is a function that processes events
type EventHandler func(event Event) error

// Subscription represents an active event subscription
type Subscription struct {
	ID        string
	EventType EventType
	Handler   EventHandler
	active    atomic.Bool
}

// IsActive returns whether subscription is active
func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

// HistoryEntry pairs a published event with the time the bus recorded it.
type HistoryEntry struct {
	Event      Event     `json:"event"`
	RecordedAt time.Time `json:"recorded_at"`
}

// BusMetrics tracks bus activity counters.
type BusMetrics struct {
	EventsPublished      int64 `json:"events_published"`
	EventsDelivered      int64 `json:"events_delivered"`
	HandlerErrors        int64 `json:"handler_errors"`
	SubscriptionCount    int   `json:"subscription_count"`
	EventHistorySize     int   `json:"event_history_size"`
	EventTypesSubscribed int   `json:"event_types_subscribed"`
}

// BusConfig configures the event bus
type BusConfig struct {
	// HistoryLimit bounds the event history ring. Zero disables history;
	// negative values fall back to the default.
	HistoryLimit int `json:"historyLimit"`
}

// DefaultBusConfig returns sensible defaults
func DefaultBusConfig() BusConfig {
	return BusConfig{
		HistoryLimit: 1000,
	}
}

// Bus is the central event routing system. Delivery is synchronous: Publish
// invokes every matching handler on the caller's goroutine, in subscription
// order, before returning. Handler failures are isolated; they are counted
// and logged but never propagate to the publisher.
type Bus struct {
	mu             sync.RWMutex
	subscribers    map[EventType][]*Subscription
	allSubscribers []*Subscription
	byID           map[string]*Subscription

	history      []HistoryEntry
	historyLimit int

	eventsPublished atomic.Int64
	eventsDelivered atomic.Int64
	handlerErrors   atomic.Int64

	logger *zap.Logger
}

// NewBus creates a synchronous event bus.
func NewBus(logger *zap.Logger, config BusConfig) *Bus {
	historyLimit := config.HistoryLimit
	if historyLimit < 0 {
		historyLimit = DefaultBusConfig().HistoryLimit
	}

	bus := &Bus{
		subscribers:  make(map[EventType][]*Subscription),
		byID:         make(map[string]*Subscription),
		history:      make([]HistoryEntry, 0, historyLimit),
		historyLimit: historyLimit,
		logger:       logger.Named("event_bus"),
	}

	bus.logger.Info("EventBus initialized",
		zap.Int("history_limit", historyLimit),
	)

	return bus
}

func newSubscriptionID() string {
	return "sub_" + uuid.NewString()
}

// Subscribe registers a handler for an event type.
func (b *Bus) Subscribe(eventType EventType, handler EventHandler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		ID:        newSubscriptionID(),
		EventType: eventType,
		Handler:   handler,
	}
	sub.active.Store(true)

	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
	b.byID[sub.ID] = sub

	b.logger.Debug("Subscription added",
		zap.String("id", sub.ID),
		zap.String("event_type", string(eventType)),
	)

	return sub
}

// SubscribeAll registers a handler that receives every event type. Wildcard
// handlers run after the type-specific handlers of each published event.
func (b *Bus) SubscribeAll(handler EventHandler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		ID:        newSubscriptionID(),
		EventType: "*",
		Handler:   handler,
	}
	sub.active.Store(true)

	b.allSubscribers = append(b.allSubscribers, sub)
	b.byID[sub.ID] = sub

	return sub
}

// Unsubscribe removes a subscription by ID. It returns false when the ID is
// unknown. A fan-out already in progress still completes with the handler
// set it snapshotted at publish time.
func (b *Bus) Unsubscribe(subscriptionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byID[subscriptionID]
	if !ok {
		return false
	}

	sub.active.Store(false)
	delete(b.byID, subscriptionID)

	if sub.EventType == "*" {
		b.allSubscribers = removeSubscription(b.allSubscribers, sub)
	} else {
		subs := removeSubscription(b.subscribers[sub.EventType], sub)
		if len(subs) == 0 {
			delete(b.subscribers, sub.EventType)
		} else {
			b.subscribers[sub.EventType] = subs
		}
	}

	b.logger.Debug("Subscription removed",
		zap.String("id", subscriptionID),
		zap.String("event_type", string(sub.EventType)),
	)

	return true
}

func removeSubscription(subs []*Subscription, target *Subscription) []*Subscription {
	out := subs[:0]
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// Publish records the event in history and fans it out synchronously to the
// type-specific handlers, then to the wildcard handlers, in subscription
// order. Each (event, subscription) pair is delivered at most once.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	if b.historyLimit > 0 {
		b.history = append(b.history, HistoryEntry{Event: event, RecordedAt: time.Now()})
		if len(b.history) > b.historyLimit {
			b.history = b.history[len(b.history)-b.historyLimit:]
		}
	}
	typed := make([]*Subscription, len(b.subscribers[event.GetType()]))
	copy(typed, b.subscribers[event.GetType()])
	wildcard := make([]*Subscription, len(b.allSubscribers))
	copy(wildcard, b.allSubscribers)
	b.mu.Unlock()

	b.eventsPublished.Add(1)

	for _, sub := range typed {
		b.deliver(sub, event)
	}
	for _, sub := range wildcard {
		b.deliver(sub, event)
	}
}

// deliver executes a handler with panic recovery. The snapshot taken in
// Publish is authoritative: a subscription removed while a fan-out is in
// flight still receives the current event.
func (b *Bus) deliver(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerErrors.Add(1)
			b.logger.Error("Event handler panic",
				zap.String("subscription_id", sub.ID),
				zap.String("event_type", string(event.GetType())),
				zap.Any("panic", r),
			)
		}
	}()

	if err := sub.Handler(event); err != nil {
		b.handlerErrors.Add(1)
		b.logger.Warn("Event handler error",
			zap.String("subscription_id", sub.ID),
			zap.String("event_type", string(event.GetType())),
			zap.Error(err),
		)
		return
	}
	b.eventsDelivered.Add(1)
}

// History returns a chronological copy of recorded events. An empty
// eventType matches all types; limit <= 0 returns everything retained. With
// a positive limit only the most recent matches are returned.
func (b *Bus) History(eventType EventType, limit int) []HistoryEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	matched := make([]HistoryEntry, 0, len(b.history))
	for _, entry := range b.history {
		if eventType != "" && entry.Event.GetType() != eventType {
			continue
		}
		matched = append(matched, entry)
	}

	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}

	return matched
}

// ClearHistory drops all retained history entries.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = b.history[:0]
}

// Metrics returns current bus counters.
func (b *Bus) Metrics() BusMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subscriptionCount := len(b.allSubscribers)
	for _, subs := range b.subscribers {
		subscriptionCount += len(subs)
	}

	return BusMetrics{
		EventsPublished:      b.eventsPublished.Load(),
		EventsDelivered:      b.eventsDelivered.Load(),
		HandlerErrors:        b.handlerErrors.Load(),
		SubscriptionCount:    subscriptionCount,
		EventHistorySize:     len(b.history),
		EventTypesSubscribed: len(b.subscribers),
	}
}
