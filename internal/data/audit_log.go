package data

import (
	"context"
	"encoding/json"
	"time"

	"Breakwater/internal/model"
	dberrors "Breakwater/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// AuditLog is the GORM model for the resilience_audit_logs table
type AuditLog struct {
	ID         int64     `gorm:"primaryKey;column:id"`
	Subject    string    `gorm:"column:subject;type:varchar(191);not null;index"`
	ActionType string    `gorm:"column:action_type;type:varchar(50);not null"`
	Details    string    `gorm:"column:details;type:json"`
	OperatorID int64     `gorm:"column:operator_id;default:0;not null"` // 0 = system, >0 = admin
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM
func (AuditLog) TableName() string {
	return "resilience_audit_logs"
}

// AuditLoggerImpl implements biz.AuditLogger interface
type AuditLoggerImpl struct {
	db      *gorm.DB
	logChan chan *AuditLog
	logger  *log.Helper
}

// NewAuditLogger creates a new audit logger with async channel
func NewAuditLogger(db *gorm.DB, logger log.Logger) *AuditLoggerImpl {
	al := &AuditLoggerImpl{
		db:      db,
		logChan: make(chan *AuditLog, 1000), // Buffer size 1000 to prevent blocking
		logger:  log.NewHelper(logger),
	}

	go al.start()

	return al
}

// start processes audit log events from the channel. Retryable database
// errors (deadlock, connection) get one retry; everything else is dropped
// with a classified error log.
func (a *AuditLoggerImpl) start() {
	for event := range a.logChan {
		ctx := context.Background()
		err := a.db.WithContext(ctx).Create(event).Error
		if err != nil {
			if classified := dberrors.Classify(err); classified.Retryable() {
				err = a.db.WithContext(ctx).Create(event).Error
			}
		}
		if err != nil {
			classified := dberrors.Classify(err)
			a.logger.Errorw("failed to write audit log",
				"subject", event.Subject,
				"action_type", event.ActionType,
				"error_type", classified.Type.String(),
				"error", err)
		} else {
			a.logger.Debugw("audit log written",
				"subject", event.Subject,
				"action_type", event.ActionType)
		}
	}
}

// enqueue sends an event to the write channel without blocking.
func (a *AuditLoggerImpl) enqueue(event *AuditLog) {
	select {
	case a.logChan <- event:
	default:
		a.logger.Warnw("audit log channel full, dropping event",
			"subject", event.Subject,
			"action_type", event.ActionType)
	}
}

// LogCircuitStateChanged logs a circuit breaker state transition
func (a *AuditLoggerImpl) LogCircuitStateChanged(ctx context.Context, circuit, from, to, reason string) {
	detailsJSON, err := json.Marshal(model.CircuitStateChangedEvent{
		Circuit: circuit,
		From:    from,
		To:      to,
		Reason:  reason,
	})
	if err != nil {
		a.logger.Errorw("failed to marshal audit log details", "error", err)
		return
	}

	a.enqueue(&AuditLog{
		Subject:    circuit,
		ActionType: string(model.AuditEventCircuitStateChanged),
		Details:    string(detailsJSON),
		OperatorID: 0, // System automatic
	})
}

// LogCircuitReset logs an operator-initiated circuit reset
func (a *AuditLoggerImpl) LogCircuitReset(ctx context.Context, circuit string, operatorID int64) {
	detailsJSON, err := json.Marshal(model.CircuitResetEvent{Circuit: circuit})
	if err != nil {
		a.logger.Errorw("failed to marshal audit log details", "error", err)
		return
	}

	a.enqueue(&AuditLog{
		Subject:    circuit,
		ActionType: string(model.AuditEventCircuitReset),
		Details:    string(detailsJSON),
		OperatorID: operatorID,
	})
}

// LogIdentifierBanned logs a rate-limit ban escalation
func (a *AuditLoggerImpl) LogIdentifierBanned(ctx context.Context, identifier string, permanent bool, violations int) {
	detailsJSON, err := json.Marshal(model.IdentifierBannedEvent{
		Identifier: identifier,
		Permanent:  permanent,
		Violations: violations,
	})
	if err != nil {
		a.logger.Errorw("failed to marshal audit log details", "error", err)
		return
	}

	a.enqueue(&AuditLog{
		Subject:    identifier,
		ActionType: string(model.AuditEventIdentifierBanned),
		Details:    string(detailsJSON),
		OperatorID: 0, // System automatic
	})
}

// LogIdentifierUnbanned logs an administrative unban
func (a *AuditLoggerImpl) LogIdentifierUnbanned(ctx context.Context, identifier string, operatorID int64) {
	detailsJSON, err := json.Marshal(model.IdentifierUnbannedEvent{Identifier: identifier})
	if err != nil {
		a.logger.Errorw("failed to marshal audit log details", "error", err)
		return
	}

	a.enqueue(&AuditLog{
		Subject:    identifier,
		ActionType: string(model.AuditEventIdentifierUnbanned),
		Details:    string(detailsJSON),
		OperatorID: operatorID,
	})
}
