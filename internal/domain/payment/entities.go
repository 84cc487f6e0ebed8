package payment

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

var (
	ErrNotFound       = errors.New("payment not found")
	ErrRefundNotFound = errors.New("refund record not found")
)

// allowedFrom lists, per target status, the statuses a payment may move out of.
// The target itself is never in its own list, so a replayed transition matches
// no row and becomes a no-op.
var allowedFrom = map[Status][]Status{
	StatusProcessing: {StatusPending},
	StatusCompleted:  {StatusPending, StatusProcessing, StatusFailed, StatusCancelled},
	StatusFailed:     {StatusPending, StatusProcessing},
	StatusCancelled:  {StatusPending, StatusProcessing},
	StatusRefunded:   {StatusCompleted},
}

// TransitionSources returns the statuses from which to is reachable.
func TransitionSources(to Status) []Status { return allowedFrom[to] }

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

type Payment struct {
	ID                    uint64          `gorm:"primaryKey;column:id" json:"-"`
	PaymentID             string          `gorm:"size:32;uniqueIndex:ux_payments_payment_id" json:"payment_id"`
	InvestmentID          *string         `gorm:"size:32;index" json:"investment_id,omitempty"`
	UserID                string          `gorm:"size:32;not null;index" json:"user_id"`
	Provider              string          `gorm:"size:32;not null;uniqueIndex:ux_payments_provider_txn" json:"provider"`
	ProviderTransactionID *string         `gorm:"size:128;uniqueIndex:ux_payments_provider_txn" json:"provider_transaction_id,omitempty"`
	SessionID             *string         `gorm:"size:128;index" json:"session_id,omitempty"`
	Amount                decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	Currency              string          `gorm:"size:3;not null;default:'EUR'" json:"currency"`
	Status                Status          `gorm:"size:16;not null;default:'pending';index" json:"status"`
	ErrorCode             string          `gorm:"size:64" json:"error_code,omitempty"`
	ErrorMessage          string          `gorm:"type:text" json:"error_message,omitempty"`
	RawProviderResponse   datatypes.JSON  `json:"raw_provider_response,omitempty"`
	CompletedAt           *time.Time      `json:"completed_at,omitempty"`
	RefundedAt            *time.Time      `json:"refunded_at,omitempty"`
	CreatedAt             time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Payment) TableName() string { return "payments" }

type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundCompleted RefundStatus = "completed"
	RefundFailed    RefundStatus = "failed"
)

// RefundReceipt is what a refund gateway hands back. Status stays
// RefundPending while the provider has not confirmed the payout.
type RefundReceipt struct {
	Ref    string
	Status RefundStatus
}

// RefundRecord is written once per refund attempt, as RefundPending before the
// gateway is called. Only pending records are updated.
type RefundRecord struct {
	ID          uint64          `gorm:"primaryKey;column:id" json:"-"`
	RefundID    string          `gorm:"size:32;uniqueIndex:ux_refunds_refund_id" json:"refund_id"`
	PaymentID   string          `gorm:"size:32;not null;index" json:"payment_id"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	Status      RefundStatus    `gorm:"size:16;not null" json:"status"`
	PSPRefundID string          `gorm:"column:psp_refund_id;size:128" json:"psp_refund_id,omitempty"`
	Reason      string          `gorm:"type:text" json:"reason,omitempty"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (RefundRecord) TableName() string { return "refund_records" }
