// Package escrow moves money in and out of per-project escrow accounts. Every
// method expects the caller to hold the project lock (uow.WithinProjectTx).
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	escrowDomain "estatefund-escrow/internal/domain/escrow"
	"estatefund-escrow/internal/domain/ledger"
	"estatefund-escrow/internal/domain/uow"
	"estatefund-escrow/internal/infrastructure/logger"
	"estatefund-escrow/internal/infrastructure/metrics"
	"estatefund-escrow/internal/usecase/anomaly"
	"estatefund-escrow/pkg/id"
)

// Movement is the outcome of one balance change.
type Movement struct {
	Account *escrowDomain.Account
	// Entry is nil when a clamped reversal had nothing left to take.
	Entry  *escrowDomain.Entry
	Before decimal.Decimal
	After  decimal.Decimal
	// Clamped reports that the requested amount exceeded the balance.
	Clamped bool
}

type Manager struct {
	currency string
	log      *zap.Logger
	metrics  *metrics.Metrics
	anomaly  *anomaly.Reporter
	now      func() time.Time
}

func NewManager(currency string, log *zap.Logger, m *metrics.Metrics, rep *anomaly.Reporter) *Manager {
	return &Manager{
		currency: currency,
		log:      logger.OrNop(log),
		metrics:  m,
		anomaly:  rep,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) account(ctx context.Context, r uow.Repos, projectID string) (*escrowDomain.Account, error) {
	acc, err := r.Escrow.GetOrCreateAccountForUpdate(ctx, projectID, m.currency)
	if err != nil {
		return nil, fmt.Errorf("escrow account %s: %w", projectID, err)
	}
	return acc, nil
}

func (m *Manager) move(ctx context.Context, r uow.Repos, acc *escrowDomain.Account, t escrowDomain.EntryType, rt escrowDomain.ReleaseType, paymentID *string, amount decimal.Decimal) (*Movement, error) {
	before := acc.Balance
	entry := &escrowDomain.Entry{
		EntryID:        id.NewID32(),
		AccountID:      acc.AccountID,
		PaymentID:      paymentID,
		EntryType:      t,
		ReleaseType:    rt,
		Amount:         amount,
		ProcessingDate: m.now(),
	}
	if err := r.Escrow.AppendEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("append %s entry: %w", t, err)
	}
	acc.Balance = acc.Balance.Add(t.Signed(amount))
	if err := r.Escrow.SaveAccount(ctx, acc); err != nil {
		return nil, fmt.Errorf("save escrow account: %w", err)
	}
	m.metrics.Movement(string(t))
	return &Movement{Account: acc, Entry: entry, Before: before, After: acc.Balance}, nil
}

// RecordDeposit credits a completed payment, creating the account on first use.
func (m *Manager) RecordDeposit(ctx context.Context, r uow.Repos, projectID, paymentID string, amount decimal.Decimal) (*Movement, error) {
	if !amount.IsPositive() {
		return nil, escrowDomain.ErrInvalidAmount
	}
	acc, err := m.account(ctx, r, projectID)
	if err != nil {
		return nil, err
	}
	pid := paymentID
	return m.move(ctx, r, acc, escrowDomain.EntryDeposit, "", &pid, amount)
}

// RecordRelease debits funds paid out to the project owner. The balance is
// read under the account lock, never taken from the caller.
func (m *Manager) RecordRelease(ctx context.Context, r uow.Repos, projectID string, amount decimal.Decimal, rt escrowDomain.ReleaseType) (*Movement, error) {
	if !amount.IsPositive() {
		return nil, escrowDomain.ErrInvalidAmount
	}
	acc, err := m.account(ctx, r, projectID)
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(acc.Balance) {
		return nil, &escrowDomain.InsufficientBalanceError{ProjectID: projectID, Requested: amount, Available: acc.Balance}
	}
	return m.move(ctx, r, acc, escrowDomain.EntryRelease, rt, nil, amount)
}

// RecordRefundReversal debits a refunded payment. A reversal larger than the
// balance is clamped to what is left and reported as an invariant violation;
// the entry records the amount actually taken so balance and entries agree.
func (m *Manager) RecordRefundReversal(ctx context.Context, r uow.Repos, projectID string, paymentID *string, amount decimal.Decimal) (*Movement, error) {
	if !amount.IsPositive() {
		return nil, escrowDomain.ErrInvalidAmount
	}
	acc, err := m.account(ctx, r, projectID)
	if err != nil {
		return nil, err
	}

	applied := amount
	_, clamped := ledger.SubtractClamped(acc.Balance, amount)
	if clamped {
		applied = acc.Balance
		v := &ledger.InvariantViolationError{
			Resource:   "escrow_account",
			ResourceID: projectID,
			Expected:   amount,
			Actual:     acc.Balance,
			Detail:     "refund reversal exceeds escrow balance, clamped at zero",
		}
		if err := m.anomaly.Report(ctx, r.Audit, v); err != nil {
			return nil, err
		}
	}
	if applied.IsZero() {
		return &Movement{Account: acc, Before: acc.Balance, After: acc.Balance, Clamped: clamped}, nil
	}

	mv, err := m.move(ctx, r, acc, escrowDomain.EntryRefund, "", paymentID, applied)
	if err != nil {
		return nil, err
	}
	mv.Clamped = clamped
	return mv, nil
}

// Balance returns zero for projects that never received a deposit.
func (m *Manager) Balance(ctx context.Context, r uow.Repos, projectID string) (decimal.Decimal, error) {
	acc, err := r.Escrow.GetAccountByProjectID(ctx, projectID)
	if err != nil {
		if errors.Is(err, escrowDomain.ErrAccountNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return acc.Balance, nil
}

// Verify recomputes the balance from the entries and returns an
// InvariantViolationError when the stored figure disagrees.
func (m *Manager) Verify(ctx context.Context, r uow.Repos, projectID string) (decimal.Decimal, error) {
	acc, err := r.Escrow.GetAccountByProjectID(ctx, projectID)
	if err != nil {
		if errors.Is(err, escrowDomain.ErrAccountNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	entries, err := r.Escrow.ListEntries(ctx, acc.AccountID)
	if err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.EntryType.Signed(e.Amount))
	}
	if !sum.Equal(acc.Balance) || acc.Balance.IsNegative() {
		v := &ledger.InvariantViolationError{
			Resource:   "escrow_account",
			ResourceID: projectID,
			Expected:   sum,
			Actual:     acc.Balance,
			Detail:     fmt.Sprintf("balance disagrees with %d entries", len(entries)),
		}
		_ = m.anomaly.Report(ctx, nil, v)
		return acc.Balance, v
	}
	return acc.Balance, nil
}
