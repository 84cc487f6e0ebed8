// Package funding keeps Project.CurrentFunding, investment status and
// investor totals in step with confirmed and reversed investments.
package funding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"estatefund-escrow/internal/domain/investment"
	"estatefund-escrow/internal/domain/ledger"
	"estatefund-escrow/internal/domain/project"
	"estatefund-escrow/internal/domain/uow"
	"estatefund-escrow/internal/infrastructure/logger"
	"estatefund-escrow/internal/usecase/anomaly"
)

var (
	ErrInvestmentState = errors.New("investment is not in a state that allows this change")
	ErrProjectMismatch = errors.New("investment belongs to another project")
)

// Change describes what one apply or reverse did to the project.
type Change struct {
	Before decimal.Decimal
	After  decimal.Decimal
	// Completed is set when this change crossed the funding target.
	Completed bool
	Clamped   bool
}

type Updater struct {
	log     *zap.Logger
	anomaly *anomaly.Reporter
	now     func() time.Time
}

func NewUpdater(log *zap.Logger, rep *anomaly.Reporter) *Updater {
	return &Updater{
		log:     logger.OrNop(log),
		anomaly: rep,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ApplyConfirmedInvestment confirms inv and adds amount to the project and the
// investor. p must be the row locked by uow.WithinProjectTx.
func (u *Updater) ApplyConfirmedInvestment(ctx context.Context, r uow.Repos, p *project.Project, inv *investment.Investment, amount decimal.Decimal) (*Change, error) {
	if inv.ProjectID != p.ProjectID {
		return nil, ErrProjectMismatch
	}
	if inv.Status != investment.StatusPending && inv.Status != investment.StatusFailed {
		return nil, fmt.Errorf("confirm %s from %s: %w", inv.InvestmentID, inv.Status, ErrInvestmentState)
	}
	now := u.now()

	inv.Status = investment.StatusConfirmed
	inv.PaymentStatus = "completed"
	inv.ConfirmedAt = &now
	if err := r.Investments.Save(ctx, inv); err != nil {
		return nil, fmt.Errorf("save investment: %w", err)
	}

	ch := &Change{Before: p.CurrentFunding}
	p.CurrentFunding = p.CurrentFunding.Add(amount)
	ch.After = p.CurrentFunding
	// exactly at target counts
	if p.Status == project.StatusOpen && p.ReachedTarget() {
		p.Status = project.StatusFundingComplete
		p.StatusUpdatedAt = now
		ch.Completed = true
	}
	if err := r.Projects.Save(ctx, p); err != nil {
		return nil, fmt.Errorf("save project: %w", err)
	}

	tot, err := r.Investors.GetOrCreateForUpdate(ctx, inv.UserID)
	if err != nil {
		return nil, fmt.Errorf("investor total: %w", err)
	}
	tot.TotalInvested = tot.TotalInvested.Add(amount)
	if err := r.Investors.Save(ctx, tot); err != nil {
		return nil, fmt.Errorf("save investor total: %w", err)
	}

	if ch.Completed {
		u.log.Info("project reached funding target",
			zap.String("project_id", p.ProjectID),
			zap.String("current_funding", p.CurrentFunding.StringFixed(2)),
			zap.String("target_funding", p.TargetFunding.StringFixed(2)),
		)
	}
	return ch, nil
}

// ReverseInvestment marks inv refunded and takes amount back off the project
// and the investor, floored at zero. A FUNDING_COMPLETE project stays
// complete; reopening it is an admin decision.
func (u *Updater) ReverseInvestment(ctx context.Context, r uow.Repos, p *project.Project, inv *investment.Investment, amount decimal.Decimal) (*Change, error) {
	if inv.ProjectID != p.ProjectID {
		return nil, ErrProjectMismatch
	}
	if inv.Status != investment.StatusConfirmed {
		return nil, fmt.Errorf("refund %s from %s: %w", inv.InvestmentID, inv.Status, ErrInvestmentState)
	}
	now := u.now()

	inv.Status = investment.StatusRefunded
	inv.PaymentStatus = "refunded"
	inv.RefundedAt = &now
	if err := r.Investments.Save(ctx, inv); err != nil {
		return nil, fmt.Errorf("save investment: %w", err)
	}

	ch := &Change{Before: p.CurrentFunding}
	next, clamped := ledger.SubtractClamped(p.CurrentFunding, amount)
	if clamped {
		ch.Clamped = true
		if err := u.anomaly.Report(ctx, r.Audit, &ledger.InvariantViolationError{
			Resource:   "project",
			ResourceID: p.ProjectID,
			Expected:   amount,
			Actual:     p.CurrentFunding,
			Detail:     "reversal exceeds current funding, clamped at zero",
		}); err != nil {
			return nil, err
		}
	}
	p.CurrentFunding = next
	ch.After = next
	if err := r.Projects.Save(ctx, p); err != nil {
		return nil, fmt.Errorf("save project: %w", err)
	}

	tot, err := r.Investors.GetOrCreateForUpdate(ctx, inv.UserID)
	if err != nil {
		return nil, fmt.Errorf("investor total: %w", err)
	}
	left, clampedUser := ledger.SubtractClamped(tot.TotalInvested, amount)
	if clampedUser {
		if err := u.anomaly.Report(ctx, r.Audit, &ledger.InvariantViolationError{
			Resource:   "investor_total",
			ResourceID: inv.UserID,
			Expected:   amount,
			Actual:     tot.TotalInvested,
			Detail:     "reversal exceeds investor total, clamped at zero",
		}); err != nil {
			return nil, err
		}
	}
	tot.TotalInvested = left
	if err := r.Investors.Save(ctx, tot); err != nil {
		return nil, fmt.Errorf("save investor total: %w", err)
	}
	return ch, nil
}

// Verify recomputes current funding from the confirmed investments and
// returns an InvariantViolationError when p disagrees.
func (u *Updater) Verify(ctx context.Context, r uow.Repos, p *project.Project) error {
	sum, err := r.Investments.SumConfirmed(ctx, p.ProjectID)
	if err != nil {
		return fmt.Errorf("sum confirmed investments: %w", err)
	}
	if sum.Equal(p.CurrentFunding) {
		return nil
	}
	v := &ledger.InvariantViolationError{
		Resource:   "project",
		ResourceID: p.ProjectID,
		Expected:   sum,
		Actual:     p.CurrentFunding,
		Detail:     "current funding disagrees with confirmed investments",
	}
	_ = u.anomaly.Report(ctx, nil, v)
	return v
}
