package mysql

import (
	"context"

	"estatefund-escrow/internal/domain/project"
	"estatefund-escrow/internal/domain/uow"

	"gorm.io/gorm"
)

type GormUoW struct{ db *gorm.DB }

func NewGormUoW(db *gorm.DB) *GormUoW { return &GormUoW{db: db} }

func reposFor(tx *gorm.DB) uow.Repos {
	return uow.Repos{
		Projects:    &ProjectRepository{db: tx},
		Investments: &InvestmentRepository{db: tx},
		Payments:    &PaymentRepository{db: tx},
		Escrow:      &EscrowRepository{db: tx},
		Investors:   &InvestorRepository{db: tx},
		Audit:       &AuditRepository{db: tx},
	}
}

func (u *GormUoW) WithinTx(ctx context.Context, fn func(r uow.Repos) error) error {
	return u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(reposFor(tx))
	})
}

func (u *GormUoW) WithinProjectTx(ctx context.Context, projectID string, fn func(r uow.Repos, p *project.Project) error) error {
	return u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r := reposFor(tx)
		// lock the project row up-front; escrow account and investor rows are
		// always taken after it, never before
		p, err := r.Projects.GetByProjectIDForUpdate(ctx, projectID)
		if err != nil {
			return err
		}
		return fn(r, p)
	})
}
