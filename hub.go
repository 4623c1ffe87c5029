package conductor

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

type (
	// EventHandler consumes one published event. Errors and panics are
	// isolated to the subscription and never reach the publisher
	EventHandler func(ctx context.Context, ev *DomainEvent) error

	// EventFilter is an additional predicate a matched event must pass
	EventFilter func(ev *DomainEvent) bool

	// Subscription is a registered interest in some subset of events. A
	// subscription with no event types and no entity types is global
	Subscription struct {
		ID        string
		Priority  int
		CreatedAt time.Time

		handler     EventHandler
		filter      EventFilter
		eventTypes  map[EventType]struct{}
		entityTypes map[string]struct{}
		order       uint64
		invocations atomic.Int64
		failures    atomic.Int64
	}

	// SubscribeOption narrows or prioritizes a subscription
	SubscribeOption func(*Subscription)

	// EventHub owns the subscription table and delivers events to matching
	// subscriptions concurrently, bounded by a fixed in-flight limit
	EventHub struct {
		log     *zap.Logger
		sem     *semaphore.Weighted
		metrics *Metrics

		mu        sync.RWMutex
		subs      map[string]*Subscription
		nextOrder uint64
		closed    bool
		wg        sync.WaitGroup

		published     atomic.Int64
		delivered     atomic.Int64
		handlerErrors atomic.Int64
	}

	// HubMetrics is a point-in-time snapshot of hub counters
	HubMetrics struct {
		Published           int64
		Delivered           int64
		HandlerErrors       int64
		ActiveSubscriptions int
		Subscriptions       []SubscriptionMetrics
	}

	// SubscriptionMetrics reports one subscription's counters
	SubscriptionMetrics struct {
		ID          string
		Priority    int
		CreatedAt   time.Time
		Invocations int64
		Errors      int64
	}
)

// NewEventHub creates a hub delivering at most limit handler invocations
// concurrently. A nil logger disables logging
func NewEventHub(limit int64, log *zap.Logger) *EventHub {
	if limit <= 0 {
		limit = DefaultPublishLimit
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &EventHub{
		log:  log,
		sem:  semaphore.NewWeighted(limit),
		subs: map[string]*Subscription{},
	}
}

// OnEventTypes restricts the subscription to the listed event types
func OnEventTypes(types ...EventType) SubscribeOption {
	return func(s *Subscription) {
		if s.eventTypes == nil {
			s.eventTypes = map[EventType]struct{}{}
		}
		for _, t := range types {
			s.eventTypes[t] = struct{}{}
		}
	}
}

// OnEntityTypes restricts the subscription to events about the listed
// entity types
func OnEntityTypes(types ...string) SubscribeOption {
	return func(s *Subscription) {
		if s.entityTypes == nil {
			s.entityTypes = map[string]struct{}{}
		}
		for _, t := range types {
			s.entityTypes[t] = struct{}{}
		}
	}
}

// WithFilter adds a predicate that matched events must also pass
func WithFilter(filter EventFilter) SubscribeOption {
	return func(s *Subscription) {
		s.filter = filter
	}
}

// AtPriority sets the subscription's delivery priority; higher priorities
// are invoked first
func AtPriority(priority int) SubscribeOption {
	return func(s *Subscription) {
		s.Priority = priority
	}
}

// Subscribe registers a handler and returns the subscription's identity
func (h *EventHub) Subscribe(
	handler EventHandler, opts ...SubscribeOption,
) string {
	sub := &Subscription{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		handler:   handler,
	}
	for _, opt := range opts {
		opt(sub)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextOrder++
	sub.order = h.nextOrder
	h.subs[sub.ID] = sub
	return sub.ID
}

// Unsubscribe removes a subscription, reporting whether it existed
func (h *EventHub) Unsubscribe(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[id]; !ok {
		return false
	}
	delete(h.subs, id)
	return true
}

// Publish delivers the event to every matching subscription, invoking
// handlers in priority order (subscribe order breaks ties) with bounded
// concurrency, and waits for the deliveries to finish. It returns true iff
// at least one subscriber received the event; zero matches is not an error
func (h *EventHub) Publish(
	ctx context.Context, ev *DomainEvent,
) (bool, error) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return false, ErrHubClosed
	}
	matches := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.matches(ev) {
			matches = append(matches, sub)
		}
	}
	h.wg.Add(len(matches))
	h.mu.RUnlock()

	h.published.Add(1)
	if h.metrics != nil {
		h.metrics.eventPublished()
	}
	if len(matches) == 0 {
		return false, nil
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Priority != matches[j].Priority {
			return matches[i].Priority > matches[j].Priority
		}
		return matches[i].order < matches[j].order
	})

	var wg sync.WaitGroup
	started := 0
	var acquireErr error
	for _, sub := range matches {
		if acquireErr = h.sem.Acquire(ctx, 1); acquireErr != nil {
			break
		}
		started++
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			defer h.wg.Done()
			defer h.sem.Release(1)
			h.invoke(ctx, sub, ev)
		}(sub)
	}
	for range len(matches) - started {
		h.wg.Done()
	}
	wg.Wait()

	return started > 0, acquireErr
}

// Metrics returns a snapshot of hub and per-subscription counters
func (h *EventHub) Metrics() HubMetrics {
	h.mu.RLock()
	defer h.mu.RUnlock()

	m := HubMetrics{
		Published:           h.published.Load(),
		Delivered:           h.delivered.Load(),
		HandlerErrors:       h.handlerErrors.Load(),
		ActiveSubscriptions: len(h.subs),
		Subscriptions:       make([]SubscriptionMetrics, 0, len(h.subs)),
	}
	for _, sub := range h.subs {
		m.Subscriptions = append(m.Subscriptions, SubscriptionMetrics{
			ID:          sub.ID,
			Priority:    sub.Priority,
			CreatedAt:   sub.CreatedAt,
			Invocations: sub.invocations.Load(),
			Errors:      sub.failures.Load(),
		})
	}
	return m
}

// Shutdown closes the hub so further publishes fail, drains in-flight
// deliveries, then clears the subscription table. Draining is best-effort
// and bounded by the context
func (h *EventHub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	h.mu.Lock()
	h.subs = map[string]*Subscription{}
	h.mu.Unlock()
	return err
}

// invoke runs one handler, isolating its errors and panics
func (h *EventHub) invoke(
	ctx context.Context, sub *Subscription, ev *DomainEvent,
) {
	defer func() {
		if r := recover(); r != nil {
			sub.failures.Add(1)
			h.handlerErrors.Add(1)
			if h.metrics != nil {
				h.metrics.handlerError()
			}
			h.log.Error("event handler panicked",
				zap.String("subscription_id", sub.ID),
				zap.String("event_id", ev.EventID),
				zap.Any("panic", r),
			)
		}
	}()

	sub.invocations.Add(1)
	h.delivered.Add(1)
	if h.metrics != nil {
		h.metrics.eventDelivered()
	}

	if err := sub.handler(ctx, ev); err != nil {
		sub.failures.Add(1)
		h.handlerErrors.Add(1)
		if h.metrics != nil {
			h.metrics.handlerError()
		}
		h.log.Warn("event handler failed",
			zap.String("subscription_id", sub.ID),
			zap.String("event_id", ev.EventID),
			zap.String("event_name", ev.Name),
			zap.Error(err),
		)
	}
}

// matches checks the subscription's interests against an event: a global
// subscription matches everything; otherwise the event's type or entity
// type must be listed. A filter, when set, is always consulted
func (s *Subscription) matches(ev *DomainEvent) bool {
	if len(s.eventTypes) > 0 || len(s.entityTypes) > 0 {
		if _, ok := s.eventTypes[ev.Type]; !ok {
			if _, ok := s.entityTypes[ev.EntityType]; !ok {
				return false
			}
		}
	}
	if s.filter != nil && !s.filter(ev) {
		return false
	}
	return true
}
