package mysql

import (
	"context"

	investorDomain "estatefund-escrow/internal/domain/investor"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type InvestorRepository struct{ db *gorm.DB }

func NewInvestorRepository(db *gorm.DB) *InvestorRepository { return &InvestorRepository{db: db} }

func (r *InvestorRepository) GetOrCreateForUpdate(ctx context.Context, userID string) (*investorDomain.Total, error) {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&investorDomain.Total{UserID: userID}).Error
	if err != nil {
		return nil, err
	}
	var out investorDomain.Total
	if err := forUpdate(r.db.WithContext(ctx)).Where("user_id = ?", userID).First(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *InvestorRepository) Save(ctx context.Context, t *investorDomain.Total) error {
	return r.db.WithContext(ctx).Save(t).Error
}
