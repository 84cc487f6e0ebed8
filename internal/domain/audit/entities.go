package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"estatefund-escrow/pkg/id"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Actions recorded by the engine.
const (
	ActionPaymentCompleted   = "payment.completed"
	ActionPaymentFailed      = "payment.failed"
	ActionPaymentCancelled   = "payment.cancelled"
	ActionPaymentProcessing  = "payment.processing"
	ActionPaymentRefunded    = "payment.refunded"
	ActionWebhookRejected    = "webhook.rejected"
	ActionEscrowRelease      = "escrow.release"
	ActionEscrowRefund       = "escrow.refund"
	ActionSettlementRejected = "settlement.rejected"
	ActionRefundFailed       = "investment.refund_failed"
	ActionInvariantViolation = "ledger.invariant_violation"
)

// Entry is write-only from this service's point of view.
type Entry struct {
	ID           uint64           `gorm:"primaryKey;column:id" json:"-"`
	EntryID      string           `gorm:"size:32;uniqueIndex:ux_audit_log_entry_id" json:"entry_id"`
	ActorID      string           `gorm:"size:64;not null;index" json:"actor_id"`
	Action       string           `gorm:"size:64;not null;index" json:"action"`
	ResourceType string           `gorm:"size:32;not null;index:idx_audit_log_resource" json:"resource_type"`
	ResourceID   string           `gorm:"size:128;not null;index:idx_audit_log_resource" json:"resource_id"`
	Severity     Severity         `gorm:"size:16;not null;default:'info'" json:"severity"`
	BeforeAmount *decimal.Decimal `gorm:"type:decimal(20,2)" json:"before_amount,omitempty"`
	AfterAmount  *decimal.Decimal `gorm:"type:decimal(20,2)" json:"after_amount,omitempty"`
	Detail       datatypes.JSON   `json:"detail,omitempty"`
	CreatedAt    time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

func (Entry) TableName() string { return "audit_log" }

type Repository interface {
	Append(ctx context.Context, e *Entry) error
}

// New builds an entry; detail is marshalled to JSON.
func New(actor, action, resourceType, resourceID string, severity Severity, detail map[string]any) *Entry {
	e := &Entry{
		EntryID:      id.NewID32(),
		ActorID:      actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Severity:     severity,
	}
	if len(detail) > 0 {
		if b, err := json.Marshal(detail); err == nil {
			e.Detail = datatypes.JSON(b)
		}
	}
	return e
}

// WithAmounts records the before/after figures of the mutated balance.
func (e *Entry) WithAmounts(before, after decimal.Decimal) *Entry {
	e.BeforeAmount = &before
	e.AfterAmount = &after
	return e
}
