package investment

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

var ErrNotFound = errors.New("investment not found")

// Investment rows are created by the investing flow; this service only moves
// them PENDING -> CONFIRMED | FAILED and CONFIRMED -> REFUNDED.
type Investment struct {
	ID            uint64          `gorm:"primaryKey;column:id" json:"-"`
	InvestmentID  string          `gorm:"size:32;uniqueIndex:ux_investments_investment_id" json:"investment_id"`
	UserID        string          `gorm:"size:32;not null;index" json:"user_id"`
	ProjectID     string          `gorm:"size:32;not null;index:idx_investments_project_status" json:"project_id"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	Status        Status          `gorm:"size:16;not null;default:'pending';index:idx_investments_project_status" json:"status"`
	PaymentStatus string          `gorm:"size:16" json:"payment_status"`
	ConfirmedAt   *time.Time      `json:"confirmed_at,omitempty"`
	RefundedAt    *time.Time      `json:"refunded_at,omitempty"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Investment) TableName() string { return "investments" }
