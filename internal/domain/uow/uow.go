package uow

import (
	"context"

	"estatefund-escrow/internal/domain/audit"
	"estatefund-escrow/internal/domain/escrow"
	"estatefund-escrow/internal/domain/investment"
	"estatefund-escrow/internal/domain/investor"
	"estatefund-escrow/internal/domain/payment"
	"estatefund-escrow/internal/domain/project"
)

// Repos are bound to one transaction.
type Repos struct {
	Projects    project.Repository
	Investments investment.Repository
	Payments    payment.Repository
	Escrow      escrow.Repository
	Investors   investor.Repository
	Audit       audit.Repository
}

type UnitOfWork interface {
	// plain tx
	WithinTx(ctx context.Context, fn func(r Repos) error) error
	// lock the project row first; every mutation of a project's funding or
	// escrow balance goes through here, which serialises them per project
	WithinProjectTx(ctx context.Context, projectID string, fn func(r Repos, p *project.Project) error) error
}
