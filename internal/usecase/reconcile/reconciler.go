// Package reconcile applies normalised provider events to stored payments and
// drives the funding and escrow side effects in one transaction.
package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"estatefund-escrow/internal/domain/audit"
	"estatefund-escrow/internal/domain/investment"
	"estatefund-escrow/internal/domain/payment"
	"estatefund-escrow/internal/domain/project"
	"estatefund-escrow/internal/domain/uow"
	"estatefund-escrow/internal/infrastructure/logger"
	"estatefund-escrow/internal/infrastructure/metrics"
	"estatefund-escrow/internal/usecase/escrow"
	"estatefund-escrow/internal/usecase/funding"
	"estatefund-escrow/internal/usecase/idempotency"
	"estatefund-escrow/pkg/id"
)

type Outcome string

const (
	// OutcomeApplied: the event changed stored state.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate: already processed; nothing was re-applied.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeOrphan: no payment matches the event.
	OutcomeOrphan Outcome = "orphan"
	// OutcomeStale: the payment has moved past the state the event targets,
	// e.g. FAILED arriving after COMPLETED.
	OutcomeStale Outcome = "stale"
)

var ErrMissingReference = errors.New("event carries neither transaction nor session id")

type Result struct {
	Outcome   Outcome
	PaymentID string
	ProjectID string
	Status    payment.Status
}

type Reconciler struct {
	uow     uow.UnitOfWork
	guard   *idempotency.Guard
	funding *funding.Updater
	escrow  *escrow.Manager
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewReconciler(u uow.UnitOfWork, g *idempotency.Guard, f *funding.Updater, e *escrow.Manager, log *zap.Logger, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		uow:     u,
		guard:   g,
		funding: f,
		escrow:  e,
		log:     logger.OrNop(log),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Handle applies ev at most once. Orphans are logged and reported as an
// outcome, not an error, so the provider is not asked to retry them.
func (rc *Reconciler) Handle(ctx context.Context, ev *payment.Event) (*Result, error) {
	if ev.ProviderTransactionID == "" && ev.SessionID == "" {
		return nil, ErrMissingReference
	}
	key := ev.DedupeKey()
	if ev.ProviderTransactionID == "" {
		key = ev.Provider + ":session:" + ev.SessionID + ":" + string(ev.Status)
	}

	if rc.guard.Seen(ctx, key) {
		rc.metrics.Webhook(ev.Provider, string(OutcomeDuplicate))
		return &Result{Outcome: OutcomeDuplicate}, nil
	}

	v, err, _ := rc.guard.Do(key, func() (any, error) {
		return rc.apply(ctx, ev)
	})
	if err != nil {
		rc.metrics.Webhook(ev.Provider, "error")
		return nil, err
	}
	res := *v.(*Result)

	switch res.Outcome {
	case OutcomeApplied, OutcomeDuplicate:
		rc.guard.MarkDone(ctx, key)
	}
	rc.metrics.Webhook(ev.Provider, string(res.Outcome))
	rc.log.Info("webhook event reconciled",
		zap.String("provider", ev.Provider),
		zap.String("transaction_id", ev.ProviderTransactionID),
		zap.String("event_status", string(ev.Status)),
		zap.String("outcome", string(res.Outcome)),
		zap.String("payment_id", res.PaymentID),
	)
	return &res, nil
}

// locate finds the payment by transaction id, falling back to the session id.
// A session match gets the transaction id stamped on it.
func (rc *Reconciler) locate(ctx context.Context, ev *payment.Event) (*payment.Payment, *investment.Investment, error) {
	var (
		pay *payment.Payment
		inv *investment.Investment
	)
	err := rc.uow.WithinTx(ctx, func(r uow.Repos) error {
		var err error
		if ev.ProviderTransactionID != "" {
			pay, err = r.Payments.GetByProviderTransactionID(ctx, ev.Provider, ev.ProviderTransactionID)
		} else {
			err = payment.ErrNotFound
		}
		if errors.Is(err, payment.ErrNotFound) && ev.SessionID != "" {
			pay, err = r.Payments.GetBySessionID(ctx, ev.Provider, ev.SessionID)
			if err == nil && pay.ProviderTransactionID == nil && ev.ProviderTransactionID != "" {
				if err := r.Payments.AttachTransactionID(ctx, pay, ev.ProviderTransactionID); err != nil {
					return fmt.Errorf("attach transaction id: %w", err)
				}
			}
		}
		if err != nil {
			return err
		}
		if pay.InvestmentID == nil {
			return nil
		}
		inv, err = r.Investments.GetByInvestmentID(ctx, *pay.InvestmentID)
		return err
	})
	return pay, inv, err
}

func (rc *Reconciler) apply(ctx context.Context, ev *payment.Event) (*Result, error) {
	pay, inv, err := rc.locate(ctx, ev)
	if errors.Is(err, payment.ErrNotFound) {
		rc.log.Warn("orphan webhook event",
			zap.String("provider", ev.Provider),
			zap.String("transaction_id", ev.ProviderTransactionID),
			zap.String("session_id", ev.SessionID),
			zap.String("event_status", string(ev.Status)),
		)
		return &Result{Outcome: OutcomeOrphan}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("locate payment: %w", err)
	}

	res := &Result{PaymentID: pay.PaymentID}
	if inv == nil {
		err = rc.uow.WithinTx(ctx, func(r uow.Repos) error {
			return rc.applyLocked(ctx, r, nil, nil, pay.PaymentID, ev, res)
		})
	} else {
		res.ProjectID = inv.ProjectID
		err = rc.uow.WithinProjectTx(ctx, inv.ProjectID, func(r uow.Repos, p *project.Project) error {
			return rc.applyLocked(ctx, r, p, inv, pay.PaymentID, ev, res)
		})
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// applyLocked runs with the project row (when there is one) and then the
// payment row locked. p and inv are nil for payments not tied to an investment.
func (rc *Reconciler) applyLocked(ctx context.Context, r uow.Repos, p *project.Project, inv *investment.Investment, paymentID string, ev *payment.Event, res *Result) error {
	pay, err := r.Payments.GetByPaymentIDForUpdate(ctx, paymentID)
	if err != nil {
		return err
	}
	res.Status = pay.Status

	done, err := idempotency.Applied(ctx, r, pay, *ev)
	if err != nil {
		return fmt.Errorf("idempotency check: %w", err)
	}
	if done {
		res.Outcome = OutcomeDuplicate
		if ev.TargetStatus() == payment.StatusRefunded {
			return rc.confirmPendingRefund(ctx, r, pay, ev)
		}
		return nil
	}
	if inv != nil {
		// re-read under the project lock
		if inv, err = r.Investments.GetByInvestmentID(ctx, inv.InvestmentID); err != nil {
			return err
		}
	}

	to := ev.TargetStatus()
	before := pay.Status
	fields := map[string]any{"raw_provider_response": rawJSON(ev.RawPayload)}
	now := rc.now()
	switch to {
	case payment.StatusCompleted:
		fields["completed_at"] = now
		fields["error_code"] = ""
		fields["error_message"] = ""
	case payment.StatusFailed, payment.StatusCancelled:
		code := ev.ErrorCode
		if code == "" {
			code = ev.RawStatus
		}
		fields["error_code"] = code
		fields["error_message"] = ev.ErrorMessage
	case payment.StatusRefunded:
		fields["refunded_at"] = now
	}

	ok, err := r.Payments.Transition(ctx, pay, to, fields)
	if err != nil {
		return fmt.Errorf("transition payment %s to %s: %w", pay.PaymentID, to, err)
	}
	if !ok {
		res.Outcome = OutcomeStale
		rc.log.Info("stale webhook event ignored",
			zap.String("payment_id", pay.PaymentID),
			zap.String("current_status", string(before)),
			zap.String("event_status", string(ev.Status)),
		)
		return nil
	}
	res.Status = pay.Status
	res.Outcome = OutcomeApplied

	switch to {
	case payment.StatusCompleted:
		return rc.completed(ctx, r, p, inv, pay, before, ev)
	case payment.StatusRefunded:
		return rc.refunded(ctx, r, p, inv, pay, before, ev)
	default:
		return rc.settledWithoutFunds(ctx, r, inv, pay, before, ev)
	}
}

func (rc *Reconciler) completed(ctx context.Context, r uow.Repos, p *project.Project, inv *investment.Investment, pay *payment.Payment, before payment.Status, ev *payment.Event) error {
	detail := eventDetail(ev, before)
	amount := pay.Amount
	if ev.Amount.IsPositive() && !ev.Amount.Equal(pay.Amount) {
		rc.log.Warn("webhook amount differs from stored payment amount",
			zap.String("payment_id", pay.PaymentID),
			zap.String("stored", pay.Amount.StringFixed(2)),
			zap.String("reported", ev.Amount.StringFixed(2)),
		)
		detail["amount_mismatch"] = ev.Amount.StringFixed(2)
	}

	if p == nil || inv == nil || ev.TransactionType == payment.TxWithdrawal {
		return r.Audit.Append(ctx, audit.New(actorFor(ev), audit.ActionPaymentCompleted, "payment", pay.PaymentID, audit.SeverityInfo, detail))
	}

	// funding counts the investment, escrow counts the money received
	if !inv.Amount.Equal(pay.Amount) {
		rc.log.Warn("payment amount differs from investment amount",
			zap.String("payment_id", pay.PaymentID),
			zap.String("investment_id", inv.InvestmentID),
			zap.String("payment_amount", pay.Amount.StringFixed(2)),
			zap.String("investment_amount", inv.Amount.StringFixed(2)),
		)
		detail["investment_amount"] = inv.Amount.StringFixed(2)
	}

	fundingBefore := p.CurrentFunding
	switch inv.Status {
	case investment.StatusPending, investment.StatusFailed:
		ch, err := rc.funding.ApplyConfirmedInvestment(ctx, r, p, inv, inv.Amount)
		if err != nil {
			return err
		}
		detail["funding_complete"] = ch.Completed
	default:
		rc.log.Warn("completed payment for investment not awaiting confirmation",
			zap.String("payment_id", pay.PaymentID),
			zap.String("investment_id", inv.InvestmentID),
			zap.String("investment_status", string(inv.Status)),
		)
		detail["investment_status"] = string(inv.Status)
	}

	mv, err := rc.escrow.RecordDeposit(ctx, r, p.ProjectID, pay.PaymentID, amount)
	if err != nil {
		return err
	}
	detail["escrow_balance"] = mv.After.StringFixed(2)
	detail["entry_id"] = mv.Entry.EntryID

	e := audit.New(actorFor(ev), audit.ActionPaymentCompleted, "payment", pay.PaymentID, audit.SeverityInfo, detail)
	return r.Audit.Append(ctx, e.WithAmounts(fundingBefore, p.CurrentFunding))
}

func (rc *Reconciler) refunded(ctx context.Context, r uow.Repos, p *project.Project, inv *investment.Investment, pay *payment.Payment, before payment.Status, ev *payment.Event) error {
	detail := eventDetail(ev, before)
	amount := pay.Amount
	if ev.Amount.IsPositive() && ev.Amount.LessThan(pay.Amount) {
		amount = ev.Amount
		detail["partial_refund"] = true
	}

	rec, err := rc.settleRefundRecord(ctx, r, pay, amount, ev)
	if err != nil {
		return err
	}
	detail["refund_id"] = rec.RefundID

	if p == nil || inv == nil {
		return r.Audit.Append(ctx, audit.New(actorFor(ev), audit.ActionPaymentRefunded, "payment", pay.PaymentID, audit.SeverityWarning, detail))
	}

	fundingBefore := p.CurrentFunding
	if inv.Status == investment.StatusConfirmed {
		if _, err := rc.funding.ReverseInvestment(ctx, r, p, inv, inv.Amount); err != nil {
			return err
		}
	}
	mv, err := rc.escrow.RecordRefundReversal(ctx, r, p.ProjectID, &pay.PaymentID, amount)
	if err != nil {
		return err
	}
	detail["escrow_balance"] = mv.After.StringFixed(2)
	detail["clamped"] = mv.Clamped

	e := audit.New(actorFor(ev), audit.ActionPaymentRefunded, "payment", pay.PaymentID, audit.SeverityWarning, detail)
	return r.Audit.Append(ctx, e.WithAmounts(fundingBefore, p.CurrentFunding))
}

// settleRefundRecord completes the refund an admin batch left pending for pay,
// or records a new one for refunds started outside this service.
func (rc *Reconciler) settleRefundRecord(ctx context.Context, r uow.Repos, pay *payment.Payment, amount decimal.Decimal, ev *payment.Event) (*payment.RefundRecord, error) {
	now := rc.now()
	rec, err := r.Payments.GetOpenRefund(ctx, pay.PaymentID)
	switch {
	case err == nil && rec.Status == payment.RefundPending:
		fields := map[string]any{"status": payment.RefundCompleted, "processed_at": now}
		if rec.PSPRefundID == "" && ev.ProviderRefundID != "" {
			fields["psp_refund_id"] = ev.ProviderRefundID
		}
		if err := r.Payments.UpdatePendingRefund(ctx, rec, fields); err != nil {
			return nil, fmt.Errorf("complete refund record: %w", err)
		}
		return rec, nil
	case err == nil:
		return rec, nil
	case !errors.Is(err, payment.ErrRefundNotFound):
		return nil, err
	}

	rec = &payment.RefundRecord{
		RefundID:    id.NewID32(),
		PaymentID:   pay.PaymentID,
		Amount:      amount,
		Status:      payment.RefundCompleted,
		PSPRefundID: ev.ProviderRefundID,
		Reason:      "provider notification",
		ProcessedAt: &now,
	}
	if err := r.Payments.CreateRefund(ctx, rec); err != nil {
		return nil, fmt.Errorf("create refund record: %w", err)
	}
	return rec, nil
}

// confirmPendingRefund handles the provider's notification for a refund whose
// ledger side was already booked by an admin batch.
func (rc *Reconciler) confirmPendingRefund(ctx context.Context, r uow.Repos, pay *payment.Payment, ev *payment.Event) error {
	open, err := r.Payments.GetOpenRefund(ctx, pay.PaymentID)
	if errors.Is(err, payment.ErrRefundNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if open.Status != payment.RefundPending {
		return nil
	}
	rec, err := rc.settleRefundRecord(ctx, r, pay, open.Amount, ev)
	if err != nil {
		return err
	}
	detail := eventDetail(ev, pay.Status)
	detail["refund_id"] = rec.RefundID
	detail["refund_confirmed"] = true
	return r.Audit.Append(ctx, audit.New(actorFor(ev), audit.ActionPaymentRefunded, "payment", pay.PaymentID, audit.SeverityInfo, detail))
}

// settledWithoutFunds covers PROCESSING, FAILED and CANCELLED: the payment and
// its investment change status, balances do not.
func (rc *Reconciler) settledWithoutFunds(ctx context.Context, r uow.Repos, inv *investment.Investment, pay *payment.Payment, before payment.Status, ev *payment.Event) error {
	action, severity := audit.ActionPaymentFailed, audit.SeverityWarning
	switch pay.Status {
	case payment.StatusCancelled:
		action = audit.ActionPaymentCancelled
	case payment.StatusProcessing:
		action, severity = audit.ActionPaymentProcessing, audit.SeverityInfo
	}

	if inv != nil && inv.Status == investment.StatusPending {
		inv.PaymentStatus = string(pay.Status)
		if pay.Status == payment.StatusFailed || pay.Status == payment.StatusCancelled {
			inv.Status = investment.StatusFailed
		}
		if err := r.Investments.Save(ctx, inv); err != nil {
			return fmt.Errorf("save investment: %w", err)
		}
	}
	return r.Audit.Append(ctx, audit.New(actorFor(ev), action, "payment", pay.PaymentID, severity, eventDetail(ev, before)))
}

func actorFor(ev *payment.Event) string { return "provider:" + ev.Provider }

func eventDetail(ev *payment.Event, before payment.Status) map[string]any {
	d := map[string]any{
		"provider":         ev.Provider,
		"transaction_id":   ev.ProviderTransactionID,
		"event_status":     string(ev.Status),
		"raw_status":       ev.RawStatus,
		"transaction_type": string(ev.TransactionType),
		"previous_status":  string(before),
	}
	if !ev.Amount.IsZero() {
		d["reported_amount"] = ev.Amount.StringFixed(2)
	}
	if ev.ErrorCode != "" {
		d["error_code"] = ev.ErrorCode
	}
	return d
}

// rawJSON keeps JSON payloads as they are and wraps anything else in a JSON
// string so the column always holds valid JSON.
func rawJSON(b []byte) datatypes.JSON {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return datatypes.JSON(b)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(string(b))
	return datatypes.JSON(bytes.TrimRight(buf.Bytes(), "\n"))
}
