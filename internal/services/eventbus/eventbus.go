// Package eventbus implements in-process publish/subscribe with priority
// ordering, per-handler bounded retry, and dedup by eventId/idempotencyKey
// within a sliding window.
package eventbus

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/domain/event"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/mcontext"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/mretry"
)

// Handler processes one published event.
type Handler func(ctx context.Context, e event.Envelope) error

type subscription struct {
	id       string
	priority int
	handler  Handler
}

// PublishResult reports the outcome of a single publish call.
type PublishResult struct {
	EventID          string
	Success          bool
	HandlersNotified int
	Errors           []HandlerError
}

// HandlerError names which handler failed and its last error.
type HandlerError struct {
	HandlerID string
	Err       error
}

// Bus is the in-process event bus. Zero value is unusable; build with
// NewBus.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[event.Type][]subscription

	dedupMu     sync.Mutex
	dedupSeen   map[string]time.Time
	dedupWindow time.Duration

	retryConfig mretry.Config

	forwarder Forwarder
}

// Forwarder additively forwards a published event to an external
// transport (e.g. RabbitMQ). Best-effort: forwarding failures never fail
// the publish call.
type Forwarder interface {
	Forward(ctx context.Context, e event.Envelope) error
}

// Option configures a Bus at construction.
type Option func(*Bus)

// WithDedupWindow overrides the default one-hour dedup window.
func WithDedupWindow(d time.Duration) Option {
	return func(b *Bus) { b.dedupWindow = d }
}

// WithHandlerRetry overrides the default per-handler retry schedule.
func WithHandlerRetry(cfg mretry.Config) Option {
	return func(b *Bus) { b.retryConfig = cfg }
}

// WithForwarder attaches a best-effort external forwarder.
func WithForwarder(f Forwarder) Option {
	return func(b *Bus) { b.forwarder = f }
}

// NewBus builds an empty Bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subscriptions: make(map[event.Type][]subscription),
		dedupSeen:     make(map[string]time.Time),
		dedupWindow:   time.Hour,
		retryConfig: mretry.Config{
			MaxRetries:     3,
			InitialBackoff: 50 * time.Millisecond,
			MaxBackoff:     500 * time.Millisecond,
			JitterFactor:   0.1,
		},
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Subscribe registers handler for eventTypes under id, ordered within
// each event type by ascending priority (lower runs first). Idempotent
// per (id, eventType): re-subscribing the same id for a type replaces the
// prior registration rather than duplicating it.
func (b *Bus) Subscribe(id string, eventTypes []event.Type, handler Handler, priority int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, et := range eventTypes {
		subs := b.subscriptions[et]

		replaced := false

		for i, sub := range subs {
			if sub.id == id {
				subs[i] = subscription{id: id, priority: priority, handler: handler}
				replaced = true

				break
			}
		}

		if !replaced {
			subs = append(subs, subscription{id: id, priority: priority, handler: handler})
		}

		sort.SliceStable(subs, func(i, j int) bool { return subs[i].priority < subs[j].priority })

		b.subscriptions[et] = subs
	}
}

// Publish notifies handlers registered for e.EventType in priority order.
// Each handler is retried independently via mretry; one handler's
// exhausted failure does not prevent others from running. The call is
// synchronous: it awaits every handler before returning.
func (b *Bus) Publish(ctx context.Context, e event.Envelope) PublishResult {
	logger := mcontext.NewLoggerFromContext(ctx)

	if b.seen(e.EventID, e.IdempotencyKey) {
		logger.Debugf("eventbus: dedup short-circuit for event %s", e.EventID)
		return PublishResult{EventID: e.EventID, Success: true}
	}

	b.markSeen(e.EventID, e.IdempotencyKey)

	b.mu.RLock()
	subs := append([]subscription(nil), b.subscriptions[e.EventType]...)
	b.mu.RUnlock()

	result := PublishResult{EventID: e.EventID}

	for _, sub := range subs {
		handler := sub.handler

		err := mretry.Run(ctx, b.retryConfig, func(ctx context.Context) error {
			return handler(ctx, e)
		})

		result.HandlersNotified++

		if err != nil {
			logger.Errorf("eventbus: handler %s failed for event %s: %v", sub.id, e.EventID, err)
			result.Errors = append(result.Errors, HandlerError{HandlerID: sub.id, Err: err})
		}
	}

	result.Success = len(result.Errors) == 0

	if b.forwarder != nil {
		if err := b.forwarder.Forward(ctx, e); err != nil {
			logger.Warnf("eventbus: best-effort forward failed for event %s: %v", e.EventID, err)
		}
	}

	return result
}

func (b *Bus) seen(eventID, idempotencyKey string) bool {
	b.dedupMu.Lock()
	defer b.dedupMu.Unlock()

	b.sweepLocked()

	if _, ok := b.dedupSeen[eventID]; ok {
		return true
	}

	if idempotencyKey != "" {
		if _, ok := b.dedupSeen[idempotencyKey]; ok {
			return true
		}
	}

	return false
}

func (b *Bus) markSeen(eventID, idempotencyKey string) {
	b.dedupMu.Lock()
	defer b.dedupMu.Unlock()

	now := time.Now()
	b.dedupSeen[eventID] = now

	if idempotencyKey != "" {
		b.dedupSeen[idempotencyKey] = now
	}
}

// sweepLocked evicts dedup entries outside the window. Callers must hold
// dedupMu.
func (b *Bus) sweepLocked() {
	cutoff := time.Now().Add(-b.dedupWindow)

	for k, seenAt := range b.dedupSeen {
		if seenAt.Before(cutoff) {
			delete(b.dedupSeen, k)
		}
	}
}
