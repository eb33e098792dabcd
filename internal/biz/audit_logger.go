package biz

import (
	"context"
)

// AuditLogger defines the interface for audit logging. The core only
// requires these functions to exist; it does not depend on the audit log's
// storage or format.
type AuditLogger interface {
	// LogCircuitStateChanged logs a circuit breaker state transition
	LogCircuitStateChanged(ctx context.Context, circuit, from, to, reason string)

	// LogCircuitReset logs an operator-initiated circuit reset
	LogCircuitReset(ctx context.Context, circuit string, operatorID int64)

	// LogIdentifierBanned logs a rate-limit ban escalation
	LogIdentifierBanned(ctx context.Context, identifier string, permanent bool, violations int)

	// LogIdentifierUnbanned logs an administrative unban
	LogIdentifierUnbanned(ctx context.Context, identifier string, operatorID int64)
}
