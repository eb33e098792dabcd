package model

// AuditEventType defines audit event type constants.
// These constants are used for audit logging in the resilience_audit_logs
// table.
type AuditEventType string

const (
	// AuditEventCircuitStateChanged is logged on every breaker transition
	AuditEventCircuitStateChanged AuditEventType = "CIRCUIT_STATE_CHANGED"

	// AuditEventCircuitReset is logged when an operator resets a breaker
	AuditEventCircuitReset AuditEventType = "CIRCUIT_RESET"

	// AuditEventIdentifierBanned is logged on temporary or permanent bans
	AuditEventIdentifierBanned AuditEventType = "IDENTIFIER_BANNED"

	// AuditEventIdentifierUnbanned is logged on administrative unbans
	AuditEventIdentifierUnbanned AuditEventType = "IDENTIFIER_UNBANNED"
)

// String returns the string representation of AuditEventType
func (e AuditEventType) String() string {
	return string(e)
}
