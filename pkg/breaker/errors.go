package breaker

import (
	"fmt"
	"time"
)

// CircuitOpenError is returned when the breaker is open and the cooldown has
// not elapsed. Callers should not retry immediately.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q is open: retry after %s", e.Name, e.RetryAfter)
}

// BulkheadRejectedError is returned when both the concurrency limit and the
// waiting queue are full. Callers should back off and retry later.
type BulkheadRejectedError struct {
	Name          string
	MaxConcurrent int
	MaxQueueDepth int
}

// Error implements the error interface.
func (e *BulkheadRejectedError) Error() string {
	return fmt.Sprintf("circuit %q bulkhead full: %d active, %d queued", e.Name, e.MaxConcurrent, e.MaxQueueDepth)
}

// CallTimeoutError is returned when the wrapped operation exceeded its
// allotted time. The operation's own eventual result, if any, is discarded.
type CallTimeoutError struct {
	Name    string
	Timeout time.Duration
}

// Error implements the error interface.
func (e *CallTimeoutError) Error() string {
	return fmt.Sprintf("circuit %q call timed out after %s", e.Name, e.Timeout)
}
