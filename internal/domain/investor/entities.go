package investor

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Total caches the amount a user has invested across projects. Users belong
// to the auth service, so the figure lives in its own table.
type Total struct {
	ID            uint64          `gorm:"primaryKey;column:id" json:"-"`
	UserID        string          `gorm:"size:32;not null;uniqueIndex:ux_investor_totals_user" json:"user_id"`
	TotalInvested decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"total_invested"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Total) TableName() string { return "investor_totals" }

type Repository interface {
	GetOrCreateForUpdate(ctx context.Context, userID string) (*Total, error)
	Save(ctx context.Context, t *Total) error
}
