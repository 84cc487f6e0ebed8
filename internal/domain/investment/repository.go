package investment

import (
	"context"

	"github.com/shopspring/decimal"
)

type Repository interface {
	Create(ctx context.Context, inv *Investment) error
	GetByInvestmentID(ctx context.Context, investmentID string) (*Investment, error)
	ListByProjectAndStatus(ctx context.Context, projectID string, status Status) ([]Investment, error)
	// SumConfirmed recomputes the value Project.CurrentFunding caches.
	SumConfirmed(ctx context.Context, projectID string) (decimal.Decimal, error)
	Save(ctx context.Context, inv *Investment) error
}
