// Package eventbus implements an in-process publish/subscribe bus used to fan
// out resilience events (circuit transitions, bans) to decoupled consumers.
//
// Handlers run sequentially in descending priority order, each under an
// independent timeout. A failing handler never affects other handlers or the
// publisher: failures are collected per-handler in the dispatch result list.
package eventbus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	pkglog "Breakwater/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// Event is a published event as seen by handlers and the history buffer.
// Data has already been sanitized at publish time.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// HandlerFunc processes a single event. The context carries the per-handler
// timeout; a handler that outlives it is reported as failed but keeps running
// to completion unobserved.
type HandlerFunc func(ctx context.Context, evt Event) error

// HandlerResult reports the outcome of one handler invocation within a
// single publish.
type HandlerResult struct {
	SubscriptionID string
	Priority       int
	Success        bool
	Err            error
	Duration       time.Duration
}

// Stats holds bus-wide counters.
type Stats struct {
	Published     int64
	Dropped       int64
	HandlerErrors int64
	HandlerCalls  int64
}

// Config controls bus limits. Zero values fall back to defaults.
type Config struct {
	// MaxHandlersPerType caps registrations per event type.
	MaxHandlersPerType int
	// HandlerTimeout bounds each handler invocation.
	HandlerTimeout time.Duration
	// HistorySize bounds the circular event history buffer.
	HistorySize int
	// MaxPublishPerSecond is a global publish rate limit.
	MaxPublishPerSecond int
}

func (c Config) withDefaults() Config {
	if c.MaxHandlersPerType <= 0 {
		c.MaxHandlersPerType = 50
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 5 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.MaxPublishPerSecond <= 0 {
		c.MaxPublishPerSecond = 1000
	}
	return c
}

// ErrPublishRateLimited is returned by Publish when the global per-second
// publish budget is exhausted. The event is dropped.
var ErrPublishRateLimited = fmt.Errorf("eventbus: publish rate limit exceeded")

// TooManyHandlersError is returned by Subscribe when the per-type handler cap
// is reached.
type TooManyHandlersError struct {
	EventType string
	Limit     int
}

// Error implements the error interface.
func (e *TooManyHandlersError) Error() string {
	return fmt.Sprintf("eventbus: handler limit reached for %q (max %d)", e.EventType, e.Limit)
}

// HandlerError wraps a handler failure (error, panic, or timeout). It is
// never propagated to the publisher; it appears only in the result list and
// the logs.
type HandlerError struct {
	SubscriptionID string
	EventType      string
	Err            error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("eventbus: handler %s failed for %q: %v", e.SubscriptionID, e.EventType, e.Err)
}

// Unwrap returns the underlying cause.
func (e *HandlerError) Unwrap() error { return e.Err }

type subscription struct {
	id        string
	eventType string
	priority  int
	once      bool
	fired     atomic.Bool
	fn        HandlerFunc
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	ID  string
	bus *Bus
	sub *subscription
}

// Unsubscribe removes the handler registration by identity. It is safe to
// call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.sub)
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*subscription)

// WithPriority sets the dispatch priority. Higher priorities run first;
// equal priorities have unspecified relative order.
func WithPriority(priority int) SubscribeOption {
	return func(s *subscription) { s.priority = priority }
}

// WithOnce marks the handler to be automatically unsubscribed after its
// first invocation.
func WithOnce() SubscribeOption {
	return func(s *subscription) { s.once = true }
}

// Option customizes the bus.
type Option func(*Bus)

// WithClock overrides the bus clock, used by tests to drive the publish
// rate window.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// Bus is an in-process priority pub/sub bus with bounded history.
// All methods are safe for concurrent use.
type Bus struct {
	mu       sync.Mutex
	cfg      Config
	handlers map[string][]*subscription

	history  []Event
	histNext int
	histFull bool

	windowStart time.Time
	windowCount int
	stats       Stats

	logger *log.Helper
	now    func() time.Time
}

// New creates a new event bus.
func New(cfg Config, logger log.Logger, opts ...Option) *Bus {
	b := &Bus{
		cfg:      cfg.withDefaults(),
		handlers: make(map[string][]*subscription),
		logger:   log.NewHelper(logger),
		now:      time.Now,
	}
	b.history = make([]Event, b.cfg.HistorySize)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for an event type and returns an unsubscribe
// handle. Registration fails once the per-type handler cap is reached.
func (b *Bus) Subscribe(eventType string, fn HandlerFunc, opts ...SubscribeOption) (*Subscription, error) {
	if eventType == "" {
		return nil, fmt.Errorf("eventbus: event type is empty")
	}
	if fn == nil {
		return nil, fmt.Errorf("eventbus: handler is nil")
	}

	sub := &subscription{
		id:        uuid.NewString(),
		eventType: eventType,
		fn:        fn,
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.handlers[eventType]) >= b.cfg.MaxHandlersPerType {
		return nil, &TooManyHandlersError{EventType: eventType, Limit: b.cfg.MaxHandlersPerType}
	}

	subs := append(b.handlers[eventType], sub)
	// Keep descending priority order; insertion order among equals is not
	// part of the contract.
	sort.SliceStable(subs, func(i, j int) bool {
		return subs[i].priority > subs[j].priority
	})
	b.handlers[eventType] = subs

	return &Subscription{ID: sub.id, bus: b, sub: sub}, nil
}

// Publish dispatches an event to all handlers registered for its type, in
// descending priority order, and returns one result per handler. The only
// publisher-visible failure is ErrPublishRateLimited; handler failures are
// isolated into the result list.
func (b *Bus) Publish(ctx context.Context, eventType string, data map[string]any) ([]HandlerResult, error) {
	b.mu.Lock()

	now := b.now()
	if now.Sub(b.windowStart) >= time.Second {
		b.windowStart = now
		b.windowCount = 0
	}
	b.windowCount++
	if b.windowCount > b.cfg.MaxPublishPerSecond {
		b.stats.Dropped++
		b.mu.Unlock()
		return nil, ErrPublishRateLimited
	}

	evt := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Data:      sanitizeData(data),
		Timestamp: now,
	}
	b.recordLocked(evt)
	b.stats.Published++

	snapshot := make([]*subscription, len(b.handlers[eventType]))
	copy(snapshot, b.handlers[eventType])
	b.mu.Unlock()

	results := make([]HandlerResult, 0, len(snapshot))
	var fired []*subscription
	for _, sub := range snapshot {
		if sub.once {
			if !sub.fired.CompareAndSwap(false, true) {
				continue
			}
			fired = append(fired, sub)
		}
		res := b.invoke(ctx, sub, evt)
		if !res.Success {
			b.logger.Warnw(
				"msg", "event handler failed",
				"event_type", eventType,
				"event_id", evt.ID,
				"subscription_id", sub.id,
				"error", res.Err,
			)
		}
		results = append(results, res)
	}

	// Once handlers are removed after the snapshot pass completes, never
	// mid-iteration.
	for _, sub := range fired {
		b.remove(sub)
	}

	b.mu.Lock()
	b.stats.HandlerCalls += int64(len(results))
	for _, res := range results {
		if !res.Success {
			b.stats.HandlerErrors++
		}
	}
	b.mu.Unlock()

	return results, nil
}

// invoke runs a single handler under its own timeout, converting errors,
// panics and timeouts into a HandlerResult.
func (b *Bus) invoke(ctx context.Context, sub *subscription, evt Event) HandlerResult {
	start := b.now()

	hctx, cancel := context.WithTimeout(ctx, b.cfg.HandlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- sub.fn(hctx, evt)
	}()

	var err error
	select {
	case err = <-done:
	case <-hctx.Done():
		// The handler goroutine keeps running unobserved; its eventual
		// result is discarded.
		err = fmt.Errorf("handler timeout after %s: %w", b.cfg.HandlerTimeout, hctx.Err())
	}

	res := HandlerResult{
		SubscriptionID: sub.id,
		Priority:       sub.priority,
		Success:        err == nil,
		Duration:       b.now().Sub(start),
	}
	if err != nil {
		res.Err = &HandlerError{SubscriptionID: sub.id, EventType: sub.eventType, Err: err}
	}
	return res
}

// History returns up to limit most recent events, newest first. An empty
// eventType matches all events.
func (b *Bus) History(eventType string, limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := b.histNext
	if b.histFull {
		size = len(b.history)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]Event, 0, limit)
	for i := 1; i <= size && len(out) < limit; i++ {
		idx := (b.histNext - i + len(b.history)) % len(b.history)
		evt := b.history[idx]
		if eventType != "" && evt.Type != eventType {
			continue
		}
		out = append(out, evt)
	}
	return out
}

// HandlerCount returns the number of handlers registered for an event type.
func (b *Bus) HandlerCount(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[eventType])
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *Bus) recordLocked(evt Event) {
	b.history[b.histNext] = evt
	b.histNext++
	if b.histNext == len(b.history) {
		b.histNext = 0
		b.histFull = true
	}
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[sub.eventType]
	for i, s := range subs {
		if s == sub {
			b.handlers[sub.eventType] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// sanitizeData copies the payload, redacting sensitive fields and masking
// caller identifiers. The caller's map is never shared with handlers.
func sanitizeData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		switch {
		case pkglog.IsSensitiveKey(k):
			out[k] = "[REDACTED]"
		default:
			if s, ok := v.(string); ok && pkglog.IsIdentifierKey(k) {
				out[k] = pkglog.MaskIdentifier(s)
				continue
			}
			out[k] = v
		}
	}
	return out
}
