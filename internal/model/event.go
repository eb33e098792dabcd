package model

import "time"

// CircuitStateChangedEvent describes a circuit breaker state transition.
// Consumers must treat this schema as append-only.
type CircuitStateChangedEvent struct {
	Circuit     string    `json:"circuit"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Reason      string    `json:"reason"`
	NextAttempt time.Time `json:"next_attempt,omitempty"`
}

// CircuitResetEvent describes an explicit circuit reset.
type CircuitResetEvent struct {
	Circuit string `json:"circuit"`
}

// IdentifierBannedEvent describes a rate-limit ban escalation.
type IdentifierBannedEvent struct {
	Identifier string    `json:"identifier"`
	Permanent  bool      `json:"permanent"`
	Violations int       `json:"violations"`
	Expires    time.Time `json:"expires,omitempty"`
}

// IdentifierUnbannedEvent describes an administrative unban.
type IdentifierUnbannedEvent struct {
	Identifier string `json:"identifier"`
}
