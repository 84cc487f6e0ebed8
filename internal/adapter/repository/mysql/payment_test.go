package mysql

import (
	"context"
	"errors"
	"testing"
	"time"

	"estatefund-escrow/internal/domain/investment"
	"estatefund-escrow/internal/domain/payment"
	"estatefund-escrow/internal/testutil/dbtest"
	"estatefund-escrow/pkg/id"
)

func TestPaymentRepository_Lookups(t *testing.T) {
	db := dbtest.Open(t)
	ctx := context.Background()
	dbtest.SeedProject(t, db, "P", "100")
	inv := dbtest.SeedInvestment(t, db, "inv-1", "u1", "P", "50", investment.StatusPending)
	dbtest.SeedPayment(t, db, "pay-1", "tpay", "TR-1", "crc-1", inv)
	repo := NewPaymentRepository(db)

	got, err := repo.GetByProviderTransactionID(ctx, "tpay", "TR-1")
	if err != nil || got.PaymentID != "pay-1" {
		t.Fatalf("by txn: %+v, %v", got, err)
	}
	if _, err := repo.GetByProviderTransactionID(ctx, "payu", "TR-1"); !errors.Is(err, payment.ErrNotFound) {
		t.Fatalf("provider must scope lookups, got %v", err)
	}
	got, err = repo.GetBySessionID(ctx, "tpay", "crc-1")
	if err != nil || got.PaymentID != "pay-1" {
		t.Fatalf("by session: %+v, %v", got, err)
	}
	if _, err := repo.GetByPaymentID(ctx, "missing"); !errors.Is(err, payment.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestPaymentRepository_Transition_CompareAndSet(t *testing.T) {
	db := dbtest.Open(t)
	ctx := context.Background()
	dbtest.SeedProject(t, db, "P", "100")
	inv := dbtest.SeedInvestment(t, db, "inv-1", "u1", "P", "50", investment.StatusPending)
	p := dbtest.SeedPayment(t, db, "pay-1", "stripe", "pi_1", "", inv)
	repo := NewPaymentRepository(db)

	now := time.Now().UTC()
	ok, err := repo.Transition(ctx, p, payment.StatusCompleted, map[string]any{"completed_at": now})
	if err != nil || !ok {
		t.Fatalf("first transition: ok=%v err=%v", ok, err)
	}
	if p.Status != payment.StatusCompleted || p.CompletedAt == nil {
		t.Fatalf("payment not refreshed: %+v", p)
	}

	// replay matches nothing
	ok, err = repo.Transition(ctx, p, payment.StatusCompleted, nil)
	if err != nil || ok {
		t.Fatalf("replay: ok=%v err=%v", ok, err)
	}
	// completed payments cannot fail afterwards
	ok, err = repo.Transition(ctx, p, payment.StatusFailed, map[string]any{"error_code": "X"})
	if err != nil || ok {
		t.Fatalf("late failure: ok=%v err=%v", ok, err)
	}
	if got := dbtest.Payment(t, db, "pay-1"); got.Status != payment.StatusCompleted || got.ErrorCode != "" {
		t.Fatalf("stored payment changed: %+v", got)
	}

	ok, err = repo.Transition(ctx, p, payment.StatusRefunded, nil)
	if err != nil || !ok {
		t.Fatalf("refund transition: ok=%v err=%v", ok, err)
	}
}

func TestPaymentRepository_AttachTransactionID_OnlyOnce(t *testing.T) {
	db := dbtest.Open(t)
	ctx := context.Background()
	dbtest.SeedProject(t, db, "P", "100")
	inv := dbtest.SeedInvestment(t, db, "inv-1", "u1", "P", "50", investment.StatusPending)
	p := dbtest.SeedPayment(t, db, "pay-1", "payu", "", "order-1", inv)
	repo := NewPaymentRepository(db)

	if err := repo.AttachTransactionID(ctx, p, "PAYU-1"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if p.ProviderTransactionID == nil || *p.ProviderTransactionID != "PAYU-1" {
		t.Fatalf("txn id not set on struct")
	}
	if err := repo.AttachTransactionID(ctx, p, "PAYU-2"); err != nil {
		t.Fatalf("second attach: %v", err)
	}
	if got := dbtest.Payment(t, db, "pay-1"); *got.ProviderTransactionID != "PAYU-1" {
		t.Fatalf("txn id overwritten: %s", *got.ProviderTransactionID)
	}
}

func TestPaymentRepository_Refunds(t *testing.T) {
	db := dbtest.Open(t)
	ctx := context.Background()
	repo := NewPaymentRepository(db)

	if _, err := repo.GetOpenRefund(ctx, "pay-1"); !errors.Is(err, payment.ErrRefundNotFound) {
		t.Fatalf("want ErrRefundNotFound, got %v", err)
	}
	failed := &payment.RefundRecord{RefundID: id.NewID32(), PaymentID: "pay-1", Amount: dbtest.D("20"), Status: payment.RefundFailed}
	if err := repo.CreateRefund(ctx, failed); err != nil {
		t.Fatalf("create failed refund: %v", err)
	}
	if _, err := repo.GetOpenRefund(ctx, "pay-1"); !errors.Is(err, payment.ErrRefundNotFound) {
		t.Fatalf("failed attempts are not open, got %v", err)
	}

	rec := &payment.RefundRecord{RefundID: id.NewID32(), PaymentID: "pay-1", Amount: dbtest.D("20"), Status: payment.RefundPending}
	if err := repo.CreateRefund(ctx, rec); err != nil {
		t.Fatalf("create refund: %v", err)
	}
	got, err := repo.GetOpenRefund(ctx, "pay-1")
	if err != nil || got.RefundID != rec.RefundID || got.PSPRefundID != "" {
		t.Fatalf("open refund: %+v, %v", got, err)
	}

	if err := repo.UpdatePendingRefund(ctx, rec, map[string]any{"psp_refund_id": "re_1", "status": payment.RefundCompleted}); err != nil {
		t.Fatalf("update pending: %v", err)
	}
	got, err = repo.GetOpenRefund(ctx, "pay-1")
	if err != nil || got.PSPRefundID != "re_1" || got.Status != payment.RefundCompleted {
		t.Fatalf("completed refund: %+v, %v", got, err)
	}
	// completed records are final
	err = repo.UpdatePendingRefund(ctx, rec, map[string]any{"psp_refund_id": "re_2"})
	if !errors.Is(err, payment.ErrRefundNotFound) {
		t.Fatalf("want ErrRefundNotFound on completed record, got %v", err)
	}
}
