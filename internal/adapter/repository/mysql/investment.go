package mysql

import (
	"context"

	investmentDomain "estatefund-escrow/internal/domain/investment"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type InvestmentRepository struct{ db *gorm.DB }

func NewInvestmentRepository(db *gorm.DB) *InvestmentRepository {
	return &InvestmentRepository{db: db}
}

func (r *InvestmentRepository) Create(ctx context.Context, inv *investmentDomain.Investment) error {
	return r.db.WithContext(ctx).Create(inv).Error
}

func (r *InvestmentRepository) Save(ctx context.Context, inv *investmentDomain.Investment) error {
	return r.db.WithContext(ctx).Save(inv).Error
}

func (r *InvestmentRepository) GetByInvestmentID(ctx context.Context, investmentID string) (*investmentDomain.Investment, error) {
	var out investmentDomain.Investment
	if err := r.db.WithContext(ctx).Where("investment_id = ?", investmentID).First(&out).Error; err != nil {
		return nil, notFound(err, investmentDomain.ErrNotFound)
	}
	return &out, nil
}

func (r *InvestmentRepository) ListByProjectAndStatus(ctx context.Context, projectID string, status investmentDomain.Status) ([]investmentDomain.Investment, error) {
	var out []investmentDomain.Investment
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND status = ?", projectID, status).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

// SumConfirmed adds amounts in Go so precision does not depend on the
// database's SUM over decimals.
func (r *InvestmentRepository) SumConfirmed(ctx context.Context, projectID string) (decimal.Decimal, error) {
	var amounts []decimal.Decimal
	err := r.db.WithContext(ctx).
		Model(&investmentDomain.Investment{}).
		Where("project_id = ? AND status = ?", projectID, investmentDomain.StatusConfirmed).
		Pluck("amount", &amounts).Error
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.Sum(decimal.Zero, amounts...), nil
}
