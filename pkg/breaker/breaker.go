// Package breaker implements a circuit breaker with embedded bulkhead
// isolation for outbound dependency calls.
//
// Each breaker is a CLOSED → OPEN → HALF_OPEN state machine wrapping one
// protected operation. The OPEN → HALF_OPEN transition is evaluated lazily on
// the next call attempt after the cooldown, not by a background timer: an
// idle breaker stays visibly open until probed. This avoids a scheduler
// goroutine per breaker and is a deliberate design choice, not an oversight.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

// State is the circuit breaker state.
type State int32

const (
	// StateClosed allows all calls; failures are counted.
	StateClosed State = iota
	// StateOpen rejects calls fail-fast until the cooldown elapses.
	StateOpen
	// StateHalfOpen admits probe calls to decide recovery.
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(s))
	}
}

// Event types published on state changes.
const (
	// EventStateChanged is published on every state transition.
	EventStateChanged = "circuit.state_changed"
	// EventReset is published on an explicit reset.
	EventReset = "circuit.reset"
)

// MaxCallTimeout is the global cap applied to every per-call timeout.
const MaxCallTimeout = 60 * time.Second

// Operation is a protected call. The context carries the per-call timeout;
// on timeout the operation may keep running to completion unobserved
// (best-effort abandonment, not true cancellation).
type Operation func(ctx context.Context) (any, error)

// Fallback substitutes a result when the primary operation is rejected or
// fails. The fallback's own failure propagates to the caller.
type Fallback func(ctx context.Context, cause error) (any, error)

// EventSink receives breaker domain events. The breaker only requires this
// function shape; it does not depend on the sink's transport or storage.
type EventSink interface {
	Publish(ctx context.Context, eventType string, data map[string]any)
}

// Config holds per-breaker settings. Zero values fall back to defaults.
type Config struct {
	// FailureThreshold is the consecutive failure count that opens a
	// closed circuit.
	FailureThreshold int
	// SuccessThreshold is the consecutive success count that closes a
	// half-open circuit.
	SuccessThreshold int
	// OpenDuration is the cooldown before a half-open probe is allowed.
	OpenDuration time.Duration
	// CallTimeout bounds each protected call, capped at MaxCallTimeout.
	CallTimeout time.Duration
	// MaxConcurrent bounds in-flight calls (bulkhead).
	MaxConcurrent int
	// MaxQueueDepth bounds calls waiting for a bulkhead slot.
	MaxQueueDepth int
	// MaxHistory caps the call history length after time-based pruning.
	MaxHistory int
	// HistoryRetention is the time cutoff for call history records.
	HistoryRetention time.Duration
	// Fallback, when set, replaces every breaker error and call failure.
	Fallback Fallback
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 30 * time.Second
	}
	if c.CallTimeout <= 0 || c.CallTimeout > MaxCallTimeout {
		if c.CallTimeout > MaxCallTimeout {
			c.CallTimeout = MaxCallTimeout
		} else {
			c.CallTimeout = 10 * time.Second
		}
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = 20
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = 100
	}
	if c.HistoryRetention <= 0 {
		c.HistoryRetention = 5 * time.Minute
	}
	return c
}

// CallRecord is one completed call in the bounded history. The history feeds
// derived stats only; transition decisions use the counters.
type CallRecord struct {
	Timestamp time.Time
	Success   bool
	Duration  time.Duration
	Error     string
}

// Stats is a point-in-time snapshot of a breaker.
type Stats struct {
	Name            string        `json:"name"`
	State           string        `json:"state"`
	FailureCount    int           `json:"failure_count"`
	SuccessCount    int           `json:"success_count"`
	ActiveCalls     int           `json:"active_calls"`
	QueueDepth      int           `json:"queue_depth"`
	TotalCalls      int64         `json:"total_calls"`
	TotalFailures   int64         `json:"total_failures"`
	TotalSuccesses  int64         `json:"total_successes"`
	Rejections      int64         `json:"rejections"`
	QueueRejections int64         `json:"queue_rejections"`
	Timeouts        int64         `json:"timeouts"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	LastFailureTime time.Time     `json:"last_failure_time"`
	LastStateChange time.Time     `json:"last_state_change"`
	NextAttempt     time.Time     `json:"next_attempt"`
}

type waiter struct {
	ready chan struct{}
}

type pendingEvent struct {
	eventType string
	data      map[string]any
}

// CircuitBreaker guards a single named external dependency. All methods are
// safe for concurrent use.
type CircuitBreaker struct {
	name string
	cfg  Config

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	lastStateChange time.Time
	nextAttempt     time.Time

	active int
	queue  []*waiter

	history []CallRecord

	totalCalls      int64
	totalFailures   int64
	totalSuccesses  int64
	rejections      int64
	queueRejections int64
	timeouts        int64

	pending []pendingEvent

	logger *log.Helper
	sink   EventSink
	now    func() time.Time
}

// Option customizes a breaker.
type Option func(*CircuitBreaker)

// WithEventSink wires the sink receiving state change and reset events.
func WithEventSink(sink EventSink) Option {
	return func(cb *CircuitBreaker) { cb.sink = sink }
}

// WithClock overrides the breaker clock. Tests use it to drive cooldowns.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// New creates a circuit breaker with the given name and config.
func New(name string, cfg Config, logger log.Logger, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:   name,
		cfg:    cfg.withDefaults(),
		state:  StateClosed,
		logger: log.NewHelper(logger),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.lastStateChange = cb.now()
	return cb
}

// Name returns the breaker identity.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state. An open breaker past its cooldown still
// reports OPEN until the next call probes it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	s := cb.state
	cb.mu.Unlock()
	return s
}

// Execute runs op through the breaker and bulkhead. On any breaker error or
// call failure the configured fallback, if any, replaces the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, op Operation) (any, error) {
	v, err := cb.do(ctx, op)
	if err == nil {
		return v, nil
	}
	if cb.cfg.Fallback != nil {
		return cb.cfg.Fallback(ctx, err)
	}
	return nil, err
}

func (cb *CircuitBreaker) do(ctx context.Context, op Operation) (any, error) {
	cb.mu.Lock()
	now := cb.now()

	if cb.state == StateOpen {
		if now.Before(cb.nextAttempt) {
			cb.rejections++
			retry := cb.nextAttempt.Sub(now)
			cb.mu.Unlock()
			return nil, &CircuitOpenError{Name: cb.name, RetryAfter: retry}
		}
		cb.transitionLocked(StateHalfOpen, "cooldown elapsed")
	}

	// Bulkhead admission. A finishing call hands its slot to the queue
	// head, so a woken waiter already owns a slot.
	switch {
	case cb.active < cb.cfg.MaxConcurrent:
		cb.active++
		cb.flushUnlock()
	case len(cb.queue) < cb.cfg.MaxQueueDepth:
		w := &waiter{ready: make(chan struct{})}
		cb.queue = append(cb.queue, w)
		cb.flushUnlock()

		select {
		case <-w.ready:
		case <-ctx.Done():
			cb.mu.Lock()
			select {
			case <-w.ready:
				// Slot was handed off concurrently; give it back.
				cb.mu.Unlock()
				cb.release()
			default:
				cb.removeWaiterLocked(w)
				cb.mu.Unlock()
			}
			return nil, ctx.Err()
		}
	default:
		cb.queueRejections++
		cb.flushUnlock()
		return nil, &BulkheadRejectedError{
			Name:          cb.name,
			MaxConcurrent: cb.cfg.MaxConcurrent,
			MaxQueueDepth: cb.cfg.MaxQueueDepth,
		}
	}

	defer cb.release()
	return cb.run(ctx, op)
}

// run executes op under the call timeout and classifies the outcome.
func (cb *CircuitBreaker) run(ctx context.Context, op Operation) (any, error) {
	type callResult struct {
		v   any
		err error
	}

	cctx, cancel := context.WithTimeout(ctx, cb.cfg.CallTimeout)
	defer cancel()

	start := cb.now()
	ch := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- callResult{err: fmt.Errorf("operation panic: %v", r)}
			}
		}()
		v, err := op(cctx)
		ch <- callResult{v: v, err: err}
	}()

	select {
	case res := <-ch:
		dur := cb.now().Sub(start)
		if res.err != nil {
			cb.onFailure(res.err, dur, false)
			return nil, res.err
		}
		cb.onSuccess(dur)
		return res.v, nil
	case <-cctx.Done():
		dur := cb.now().Sub(start)
		terr := &CallTimeoutError{Name: cb.name, Timeout: cb.cfg.CallTimeout}
		cb.onFailure(terr, dur, true)
		return nil, terr
	}
}

func (cb *CircuitBreaker) onSuccess(dur time.Duration) {
	cb.mu.Lock()
	cb.totalCalls++
	cb.totalSuccesses++
	cb.recordLocked(CallRecord{Timestamp: cb.now(), Success: true, Duration: dur})

	switch cb.state {
	case StateClosed:
		// Full reset on each success while closed, not a decrement.
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.cfg.SuccessThreshold {
			cb.transitionLocked(StateClosed, "success threshold reached")
		}
	}
	cb.flushUnlock()
}

func (cb *CircuitBreaker) onFailure(cause error, dur time.Duration, timedOut bool) {
	cb.mu.Lock()
	cb.totalCalls++
	cb.totalFailures++
	if timedOut {
		cb.timeouts++
	}
	cb.lastFailureTime = cb.now()
	cb.recordLocked(CallRecord{
		Timestamp: cb.lastFailureTime,
		Success:   false,
		Duration:  dur,
		Error:     cause.Error(),
	})

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.cfg.FailureThreshold {
			cb.transitionLocked(StateOpen, "failure threshold reached")
		}
	case StateHalfOpen:
		// A single failure while half-open reopens immediately; no
		// partial credit carries over.
		cb.transitionLocked(StateOpen, "probe failed")
	}
	cb.flushUnlock()
}

// transitionLocked applies entry actions for the target state and queues the
// state change event. Callers must hold mu and unlock via flushUnlock.
func (cb *CircuitBreaker) transitionLocked(to State, reason string) {
	from := cb.state
	now := cb.now()
	cb.state = to
	cb.lastStateChange = now

	switch to {
	case StateOpen:
		cb.nextAttempt = now.Add(cb.cfg.OpenDuration)
		cb.successCount = 0
	case StateHalfOpen:
		cb.successCount = 0
	case StateClosed:
		cb.failureCount = 0
		cb.successCount = 0
	}

	cb.pending = append(cb.pending, pendingEvent{
		eventType: EventStateChanged,
		data: map[string]any{
			"circuit":       cb.name,
			"from":          from.String(),
			"to":            to.String(),
			"reason":        reason,
			"failure_count": cb.failureCount,
			"next_attempt":  cb.nextAttempt,
		},
	})
}

// flushUnlock releases mu and emits any events queued while it was held.
// Emitting outside the lock keeps subscribers free to call back into the
// breaker.
func (cb *CircuitBreaker) flushUnlock() {
	evts := cb.pending
	cb.pending = nil
	cb.mu.Unlock()

	for _, evt := range evts {
		cb.logger.Infow(
			"msg", "circuit state event",
			"event_type", evt.eventType,
			"circuit", cb.name,
			"from", evt.data["from"],
			"to", evt.data["to"],
			"reason", evt.data["reason"],
		)
		if cb.sink != nil {
			cb.sink.Publish(context.Background(), evt.eventType, evt.data)
		}
	}
}

// release returns a bulkhead slot, handing it to the queue head if any
// waiter is parked (FIFO).
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	if len(cb.queue) > 0 {
		w := cb.queue[0]
		cb.queue = cb.queue[1:]
		close(w.ready)
	} else {
		cb.active--
	}
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) removeWaiterLocked(target *waiter) {
	for i, w := range cb.queue {
		if w == target {
			cb.queue = append(cb.queue[:i], cb.queue[i+1:]...)
			return
		}
	}
}

// recordLocked appends a call record, pruning by time cutoff first and count
// cap second.
func (cb *CircuitBreaker) recordLocked(rec CallRecord) {
	cb.history = append(cb.history, rec)

	cutoff := cb.now().Add(-cb.cfg.HistoryRetention)
	idx := 0
	for idx < len(cb.history) && cb.history[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		cb.history = append(cb.history[:0], cb.history[idx:]...)
	}
	if len(cb.history) > cb.cfg.MaxHistory {
		cb.history = append(cb.history[:0], cb.history[len(cb.history)-cb.cfg.MaxHistory:]...)
	}
}

// ForceOpen opens the circuit regardless of counters.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	cb.transitionLocked(StateOpen, "forced open")
	cb.flushUnlock()
}

// ForceClose closes the circuit regardless of counters.
func (cb *CircuitBreaker) ForceClose() {
	cb.mu.Lock()
	cb.transitionLocked(StateClosed, "forced close")
	cb.flushUnlock()
}

// Reset closes the circuit and clears counters, history and cumulative
// stats, then publishes a reset event.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.transitionLocked(StateClosed, "reset")
	cb.history = nil
	cb.totalCalls = 0
	cb.totalFailures = 0
	cb.totalSuccesses = 0
	cb.rejections = 0
	cb.queueRejections = 0
	cb.timeouts = 0
	cb.pending = append(cb.pending, pendingEvent{
		eventType: EventReset,
		data:      map[string]any{"circuit": cb.name},
	})
	cb.flushUnlock()
}

// History returns a copy of the bounded call history, oldest first.
func (cb *CircuitBreaker) History() []CallRecord {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	out := make([]CallRecord, len(cb.history))
	copy(out, cb.history)
	return out
}

// Stats returns a snapshot. The rolling average response time covers
// history records from the last minute.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var sum time.Duration
	var n int
	cutoff := cb.now().Add(-time.Minute)
	for i := len(cb.history) - 1; i >= 0; i-- {
		if cb.history[i].Timestamp.Before(cutoff) {
			break
		}
		sum += cb.history[i].Duration
		n++
	}
	var avg time.Duration
	if n > 0 {
		avg = sum / time.Duration(n)
	}

	return Stats{
		Name:            cb.name,
		State:           cb.state.String(),
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		ActiveCalls:     cb.active,
		QueueDepth:      len(cb.queue),
		TotalCalls:      cb.totalCalls,
		TotalFailures:   cb.totalFailures,
		TotalSuccesses:  cb.totalSuccesses,
		Rejections:      cb.rejections,
		QueueRejections: cb.queueRejections,
		Timeouts:        cb.timeouts,
		AvgResponseTime: avg,
		LastFailureTime: cb.lastFailureTime,
		LastStateChange: cb.lastStateChange,
		NextAttempt:     cb.nextAttempt,
	}
}

// PruneHistory drops history records older than the retention window. The
// cron sweep calls this so an idle breaker does not hold stale records.
func (cb *CircuitBreaker) PruneHistory() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cutoff := cb.now().Add(-cb.cfg.HistoryRetention)
	idx := 0
	for idx < len(cb.history) && cb.history[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		cb.history = append(cb.history[:0], cb.history[idx:]...)
	}
	return idx
}
