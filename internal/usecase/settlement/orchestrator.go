// Package settlement executes admin escrow releases and project-wide refunds.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"estatefund-escrow/internal/domain/audit"
	escrowDomain "estatefund-escrow/internal/domain/escrow"
	"estatefund-escrow/internal/domain/investment"
	"estatefund-escrow/internal/domain/ledger"
	"estatefund-escrow/internal/domain/payment"
	"estatefund-escrow/internal/domain/project"
	"estatefund-escrow/internal/domain/uow"
	"estatefund-escrow/internal/infrastructure/logger"
	"estatefund-escrow/internal/infrastructure/metrics"
	"estatefund-escrow/internal/usecase/escrow"
	"estatefund-escrow/internal/usecase/funding"
	"estatefund-escrow/pkg/id"
)

type Orchestrator struct {
	uow     uow.UnitOfWork
	escrow  *escrow.Manager
	funding *funding.Updater
	gateway RefundGateway
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewOrchestrator(u uow.UnitOfWork, e *escrow.Manager, f *funding.Updater, gw RefundGateway, log *zap.Logger, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		uow:     u,
		escrow:  e,
		funding: f,
		gateway: gw,
		log:     logger.OrNop(log),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs one admin request. The returned Result is non-nil whenever the
// request got past input validation, including rejections (*RejectedError)
// and partially failed refunds (*PartialBatchError).
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	res := &Result{
		RequestID: uuid.NewString(),
		ProjectID: req.ProjectID,
		Action:    req.Action,
		State:     StateRequested,
	}

	var err error
	switch req.Action {
	case ActionStatus:
		var st *FundingStatus
		st, err = o.FundingStatus(ctx, req.ProjectID, false)
		if err == nil {
			res.Status = st
			res.EscrowBalance = st.EscrowBalance
			res.CurrentFunding = st.CurrentFunding
			res.State = StateExecuted
		}
	case ActionRelease:
		err = o.release(ctx, req, res)
	case ActionRefund:
		err = o.refund(ctx, req, res)
	}

	o.metrics.Settlement(string(req.Action), string(res.State))
	fields := []zap.Field{
		zap.String("request_id", res.RequestID),
		zap.String("project_id", req.ProjectID),
		zap.String("admin_id", req.AdminID),
		zap.String("action", string(req.Action)),
		zap.String("state", string(res.State)),
	}
	if err != nil {
		o.log.Warn("settlement request finished with error", append(fields, zap.Error(err))...)
	} else {
		o.log.Info("settlement request executed", fields...)
	}
	return res, err
}

// FundingStatus is a pure read. With verify set, the escrow balance is
// recomputed from its entries and current funding from the confirmed
// investments; mismatches come back as *ledger.InvariantViolationError
// (joined when both drift) alongside the status.
func (o *Orchestrator) FundingStatus(ctx context.Context, projectID string, verify bool) (*FundingStatus, error) {
	var (
		st         *FundingStatus
		violations []error
	)
	err := o.uow.WithinTx(ctx, func(r uow.Repos) error {
		p, err := r.Projects.GetByProjectID(ctx, projectID)
		if err != nil {
			return err
		}
		st = &FundingStatus{
			ProjectID:      p.ProjectID,
			CurrentFunding: p.CurrentFunding,
			TargetFunding:  p.TargetFunding,
			Status:         p.Status,
			Currency:       p.Currency,
		}
		if !verify {
			st.EscrowBalance, err = o.escrow.Balance(ctx, r, projectID)
			return err
		}

		var v *ledger.InvariantViolationError
		st.EscrowBalance, err = o.escrow.Verify(ctx, r, projectID)
		if errors.As(err, &v) {
			violations = append(violations, err)
		} else if err != nil {
			return err
		}
		err = o.funding.Verify(ctx, r, p)
		if errors.As(err, &v) {
			violations = append(violations, err)
		} else if err != nil {
			return err
		}
		st.Verified = len(violations) == 0
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, errors.Join(violations...)
}

func (o *Orchestrator) rejectFn(ctx context.Context, r uow.Repos, req Request, res *Result, out **RejectedError) func(string, error) error {
	return func(reason string, cause error) error {
		*out = &RejectedError{Reason: reason, Err: cause}
		res.State = StateRejected
		detail := map[string]any{
			"request_id": res.RequestID,
			"action":     string(req.Action),
			"reason":     reason,
		}
		if req.Amount != nil {
			detail["amount"] = req.Amount.StringFixed(2)
		}
		if req.Reason != "" {
			detail["admin_reason"] = req.Reason
		}
		return r.Audit.Append(ctx, audit.New(req.AdminID, audit.ActionSettlementRejected, "project", req.ProjectID, audit.SeverityWarning, detail))
	}
}

func (o *Orchestrator) release(ctx context.Context, req Request, res *Result) error {
	var rejected *RejectedError
	err := o.uow.WithinProjectTx(ctx, req.ProjectID, func(r uow.Repos, p *project.Project) error {
		reject := o.rejectFn(ctx, r, req, res, &rejected)

		// re-read under the project lock; no earlier status read is trusted
		balance, err := o.escrow.Balance(ctx, r, p.ProjectID)
		if err != nil {
			return err
		}
		res.EscrowBalance = balance
		res.CurrentFunding = p.CurrentFunding

		amount := balance
		if req.ReleaseType == escrowDomain.ReleasePartial {
			amount = *req.Amount
		}
		// over-balance requests are refused the same way whatever the status
		if amount.GreaterThan(balance) {
			return reject(fmt.Sprintf("requested %s exceeds escrow balance %s", amount.StringFixed(2), balance.StringFixed(2)),
				&escrowDomain.InsufficientBalanceError{ProjectID: p.ProjectID, Requested: amount, Available: balance})
		}
		if p.Status != project.StatusFundingComplete {
			return reject(fmt.Sprintf("project status is %s; releases require %s", p.Status, project.StatusFundingComplete), ErrFundingIncomplete)
		}
		if amount.IsZero() {
			return reject("escrow balance is zero", ErrNothingToRelease)
		}
		res.State = StateValidated

		mv, err := o.escrow.RecordRelease(ctx, r, p.ProjectID, amount, req.ReleaseType)
		var ib *escrowDomain.InsufficientBalanceError
		if errors.As(err, &ib) {
			return reject(ib.Error(), ib)
		}
		if err != nil {
			return err
		}

		res.State = StateExecuted
		res.ReleaseID = mv.Entry.EntryID
		res.Released = &amount
		res.EscrowBalance = mv.After

		e := audit.New(req.AdminID, audit.ActionEscrowRelease, "project", p.ProjectID, audit.SeverityInfo, map[string]any{
			"request_id":   res.RequestID,
			"release_type": string(req.ReleaseType),
			"amount":       amount.StringFixed(2),
			"entry_id":     mv.Entry.EntryID,
			"reason":       req.Reason,
		})
		return r.Audit.Append(ctx, e.WithAmounts(mv.Before, mv.After))
	})
	if err != nil {
		return err
	}
	if rejected != nil {
		return rejected
	}
	return nil
}

type refundItem struct {
	inv investment.Investment
	pay *payment.Payment
	// open is a refund left pending or completed by an interrupted attempt
	open *payment.RefundRecord
}

func (o *Orchestrator) refund(ctx context.Context, req Request, res *Result) error {
	var (
		rejected *RejectedError
		plan     []refundItem
	)
	err := o.uow.WithinProjectTx(ctx, req.ProjectID, func(r uow.Repos, p *project.Project) error {
		reject := o.rejectFn(ctx, r, req, res, &rejected)

		res.CurrentFunding = p.CurrentFunding
		balance, err := o.escrow.Balance(ctx, r, p.ProjectID)
		if err != nil {
			return err
		}
		res.EscrowBalance = balance

		if !p.CurrentFunding.IsPositive() {
			return reject("project has no confirmed funding to refund", ErrNothingToRefund)
		}
		invs, err := r.Investments.ListByProjectAndStatus(ctx, p.ProjectID, investment.StatusConfirmed)
		if err != nil {
			return err
		}
		if len(invs) == 0 {
			return reject("project has no confirmed investments to refund", ErrNothingToRefund)
		}
		for _, inv := range invs {
			it := refundItem{inv: inv}
			it.pay, err = r.Payments.GetCompletedByInvestmentID(ctx, inv.InvestmentID)
			if errors.Is(err, payment.ErrNotFound) {
				plan = append(plan, it)
				continue
			}
			if err != nil {
				return err
			}
			it.open, err = r.Payments.GetOpenRefund(ctx, it.pay.PaymentID)
			if err != nil && !errors.Is(err, payment.ErrRefundNotFound) {
				return err
			}
			plan = append(plan, it)
		}
		res.State = StateValidated
		return nil
	})
	if err != nil {
		return err
	}
	if rejected != nil {
		return rejected
	}

	// each item commits on its own: the provider refund cannot be rolled back
	// together with local writes
	total := decimal.Zero
	failed := 0
	for _, it := range plan {
		item := ItemResult{InvestmentID: it.inv.InvestmentID, UserID: it.inv.UserID, Amount: it.inv.Amount}
		if err := ctx.Err(); err != nil {
			item.Status, item.Error = ItemSkipped, err.Error()
			res.Items = append(res.Items, item)
			failed++
			continue
		}
		if it.pay == nil {
			item.Status, item.Error = ItemFailed, "no completed payment for investment"
			o.recordFailure(ctx, req, res, item)
			res.Items = append(res.Items, item)
			failed++
			continue
		}
		item.PaymentID = it.pay.PaymentID
		item.Amount = it.pay.Amount

		rec, err := o.sendRefund(ctx, req, it)
		if err != nil {
			item.Status, item.Error = ItemFailed, err.Error()
			o.recordFailure(ctx, req, res, item)
			res.Items = append(res.Items, item)
			failed++
			continue
		}
		item.RefundRef = rec.PSPRefundID
		item.RefundStatus = rec.Status

		// the money has left; the ledger follows even if the request is gone
		if err := o.commitRefund(context.WithoutCancel(ctx), req, res, it, rec); err != nil {
			// the stored reference keeps a retry from paying again
			o.log.Error("refund sent but ledger update failed",
				zap.String("request_id", res.RequestID),
				zap.String("investment_id", it.inv.InvestmentID),
				zap.String("refund_ref", rec.PSPRefundID),
				zap.Error(err),
			)
			item.Status, item.Error = ItemFailed, err.Error()
			o.recordFailure(ctx, req, res, item)
			res.Items = append(res.Items, item)
			failed++
			continue
		}
		item.Status = ItemRefunded
		total = total.Add(item.Amount)
		res.Items = append(res.Items, item)
	}

	res.State = StateExecuted
	res.Refunded = &total
	if st, err := o.FundingStatus(context.WithoutCancel(ctx), req.ProjectID, false); err == nil {
		res.CurrentFunding = st.CurrentFunding
		res.EscrowBalance = st.EscrowBalance
	}
	if failed > 0 {
		return &PartialBatchError{Items: res.Items}
	}
	return nil
}

func refundReason(req Request) string {
	if req.Reason == "" {
		return "project refund"
	}
	return req.Reason
}

// sendRefund writes a pending refund record, calls the gateway and stores its
// reference before any ledger change. A record that already carries a
// reference, or is completed, was paid out by an earlier attempt and the
// gateway is not called again.
func (o *Orchestrator) sendRefund(ctx context.Context, req Request, it refundItem) (*payment.RefundRecord, error) {
	rec := it.open
	if rec == nil {
		rec = &payment.RefundRecord{
			RefundID:  id.NewID32(),
			PaymentID: it.pay.PaymentID,
			Amount:    it.pay.Amount,
			Status:    payment.RefundPending,
			Reason:    refundReason(req),
		}
		err := o.uow.WithinTx(ctx, func(r uow.Repos) error { return r.Payments.CreateRefund(ctx, rec) })
		if err != nil {
			return nil, fmt.Errorf("reserve refund: %w", err)
		}
	}
	if rec.PSPRefundID != "" || rec.Status == payment.RefundCompleted {
		return rec, nil
	}

	rc, err := o.gateway.Refund(ctx, it.pay, it.pay.Amount, "refund-"+it.pay.PaymentID)
	// the gateway answered; record that even when the request is cancelled
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		if uerr := o.uow.WithinTx(ctx, func(r uow.Repos) error {
			return r.Payments.UpdatePendingRefund(ctx, rec, map[string]any{"status": payment.RefundFailed})
		}); uerr != nil {
			o.log.Error("could not mark refund failed", zap.String("refund_id", rec.RefundID), zap.Error(uerr))
		}
		return nil, err
	}

	if rc.Status != payment.RefundCompleted {
		rc.Status = payment.RefundPending
	}
	now := o.now()
	fields := map[string]any{"psp_refund_id": rc.Ref, "status": rc.Status, "processed_at": now}
	if err := o.uow.WithinTx(ctx, func(r uow.Repos) error {
		return r.Payments.UpdatePendingRefund(ctx, rec, fields)
	}); err != nil {
		return nil, fmt.Errorf("store refund reference %s: %w", rc.Ref, err)
	}
	rec.PSPRefundID, rec.Status, rec.ProcessedAt = rc.Ref, rc.Status, &now
	return rec, nil
}

func (o *Orchestrator) commitRefund(ctx context.Context, req Request, res *Result, it refundItem, rec *payment.RefundRecord) error {
	return o.uow.WithinProjectTx(ctx, req.ProjectID, func(r uow.Repos, p *project.Project) error {
		inv, err := r.Investments.GetByInvestmentID(ctx, it.inv.InvestmentID)
		if err != nil {
			return err
		}
		pay, err := r.Payments.GetByPaymentIDForUpdate(ctx, it.pay.PaymentID)
		if err != nil {
			return err
		}
		if pay.Status == payment.StatusRefunded && inv.Status == investment.StatusRefunded {
			// the provider's notification got here first
			return nil
		}
		if !payment.CanTransition(pay.Status, payment.StatusRefunded) {
			return fmt.Errorf("payment %s is %s, cannot mark refunded", pay.PaymentID, pay.Status)
		}
		ok, err := r.Payments.Transition(ctx, pay, payment.StatusRefunded, map[string]any{"refunded_at": o.now()})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("payment %s changed status concurrently, cannot mark refunded", pay.PaymentID)
		}

		fundingBefore := p.CurrentFunding
		ch, err := o.funding.ReverseInvestment(ctx, r, p, inv, inv.Amount)
		if err != nil {
			return err
		}
		mv, err := o.escrow.RecordRefundReversal(ctx, r, p.ProjectID, &pay.PaymentID, pay.Amount)
		if err != nil {
			return err
		}

		e := audit.New(req.AdminID, audit.ActionEscrowRefund, "investment", inv.InvestmentID, audit.SeverityInfo, map[string]any{
			"request_id":    res.RequestID,
			"payment_id":    pay.PaymentID,
			"refund_id":     rec.RefundID,
			"refund_ref":    rec.PSPRefundID,
			"refund_status": string(rec.Status),
			"amount":        pay.Amount.StringFixed(2),
			"escrow_before": mv.Before.StringFixed(2),
			"escrow_after":  mv.After.StringFixed(2),
			"clamped":       mv.Clamped || ch.Clamped,
			"reason":        refundReason(req),
		})
		return r.Audit.Append(ctx, e.WithAmounts(fundingBefore, p.CurrentFunding))
	})
}

func (o *Orchestrator) recordFailure(ctx context.Context, req Request, res *Result, item ItemResult) {
	// audit even when the batch was cancelled
	ctx = context.WithoutCancel(ctx)
	err := o.uow.WithinTx(ctx, func(r uow.Repos) error {
		return r.Audit.Append(ctx, audit.New(req.AdminID, audit.ActionRefundFailed, "investment", item.InvestmentID, audit.SeverityCritical, map[string]any{
			"request_id": res.RequestID,
			"payment_id": item.PaymentID,
			"amount":     item.Amount.StringFixed(2),
			"error":      item.Error,
		}))
	})
	if err != nil {
		o.log.Error("could not audit failed refund", zap.String("investment_id", item.InvestmentID), zap.Error(err))
	}
}
