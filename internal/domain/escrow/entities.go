package escrow

import (
	"time"

	"github.com/shopspring/decimal"
)

type EntryType string

const (
	EntryDeposit    EntryType = "deposit"
	EntryWithdrawal EntryType = "withdrawal"
	EntryRelease    EntryType = "release"
	EntryRefund     EntryType = "refund"
)

type ReleaseType string

const (
	ReleasePartial ReleaseType = "partial"
	ReleaseFull    ReleaseType = "full"
)

// Signed returns amount with the direction the entry type moves the balance.
// Unknown types move nothing, so Verify reports rows it cannot classify.
func (t EntryType) Signed(amount decimal.Decimal) decimal.Decimal {
	switch t {
	case EntryDeposit:
		return amount
	case EntryWithdrawal, EntryRelease, EntryRefund:
		return amount.Neg()
	}
	return decimal.Zero
}

// Account holds one project's funds. Balance always equals the signed sum of
// its entries.
type Account struct {
	ID        uint64          `gorm:"primaryKey;column:id" json:"-"`
	AccountID string          `gorm:"size:32;uniqueIndex:ux_escrow_accounts_account_id" json:"account_id"`
	ProjectID string          `gorm:"size:32;not null;uniqueIndex:ux_escrow_accounts_project" json:"project_id"`
	Balance   decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"balance"`
	Currency  string          `gorm:"size:3;not null;default:'EUR'" json:"currency"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string { return "escrow_accounts" }

// Entry is append-only. Corrections are new entries.
type Entry struct {
	ID             uint64          `gorm:"primaryKey;column:id" json:"-"`
	EntryID        string          `gorm:"size:32;uniqueIndex:ux_escrow_entries_entry_id" json:"entry_id"`
	AccountID      string          `gorm:"size:32;not null;index" json:"account_id"`
	PaymentID      *string         `gorm:"size:32;index:idx_escrow_entries_payment_type" json:"payment_id,omitempty"`
	EntryType      EntryType       `gorm:"size:16;not null;index:idx_escrow_entries_payment_type" json:"entry_type"`
	ReleaseType    ReleaseType     `gorm:"size:16" json:"release_type,omitempty"`
	Amount         decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	ProcessingDate time.Time       `gorm:"not null" json:"processing_date"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (Entry) TableName() string { return "escrow_entries" }
