package mysql

import (
	"context"
	"fmt"

	paymentDomain "estatefund-escrow/internal/domain/payment"

	"gorm.io/gorm"
)

type PaymentRepository struct{ db *gorm.DB }

func NewPaymentRepository(db *gorm.DB) *PaymentRepository { return &PaymentRepository{db: db} }

func (r *PaymentRepository) Create(ctx context.Context, p *paymentDomain.Payment) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *PaymentRepository) first(ctx context.Context, lock bool, query string, args ...any) (*paymentDomain.Payment, error) {
	db := r.db.WithContext(ctx)
	if lock {
		db = forUpdate(db)
	}
	var out paymentDomain.Payment
	if err := db.Where(query, args...).Order("id ASC").First(&out).Error; err != nil {
		return nil, notFound(err, paymentDomain.ErrNotFound)
	}
	return &out, nil
}

func (r *PaymentRepository) GetByPaymentID(ctx context.Context, paymentID string) (*paymentDomain.Payment, error) {
	return r.first(ctx, false, "payment_id = ?", paymentID)
}

func (r *PaymentRepository) GetByPaymentIDForUpdate(ctx context.Context, paymentID string) (*paymentDomain.Payment, error) {
	return r.first(ctx, true, "payment_id = ?", paymentID)
}

func (r *PaymentRepository) GetByProviderTransactionID(ctx context.Context, provider, txnID string) (*paymentDomain.Payment, error) {
	return r.first(ctx, false, "provider = ? AND provider_transaction_id = ?", provider, txnID)
}

func (r *PaymentRepository) GetBySessionID(ctx context.Context, provider, sessionID string) (*paymentDomain.Payment, error) {
	return r.first(ctx, false, "provider = ? AND session_id = ?", provider, sessionID)
}

func (r *PaymentRepository) GetCompletedByInvestmentID(ctx context.Context, investmentID string) (*paymentDomain.Payment, error) {
	return r.first(ctx, false, "investment_id = ? AND status = ?", investmentID, paymentDomain.StatusCompleted)
}

// Transition is a compare-and-set on the status column: the WHERE clause only
// matches rows still in a legal source status, so concurrent or replayed
// deliveries of the same event update nothing the second time.
func (r *PaymentRepository) Transition(ctx context.Context, p *paymentDomain.Payment, to paymentDomain.Status, fields map[string]any) (bool, error) {
	from := paymentDomain.TransitionSources(to)
	if len(from) == 0 {
		return false, nil
	}
	updates := map[string]any{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).
		Model(&paymentDomain.Payment{}).
		Where("id = ? AND status IN ?", p.ID, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	if err := r.db.WithContext(ctx).First(p, p.ID).Error; err != nil {
		return true, err
	}
	return true, nil
}

func (r *PaymentRepository) AttachTransactionID(ctx context.Context, p *paymentDomain.Payment, txnID string) error {
	res := r.db.WithContext(ctx).
		Model(&paymentDomain.Payment{}).
		Where("id = ? AND provider_transaction_id IS NULL", p.ID).
		Update("provider_transaction_id", txnID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		p.ProviderTransactionID = &txnID
	}
	return nil
}

func (r *PaymentRepository) CreateRefund(ctx context.Context, rec *paymentDomain.RefundRecord) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *PaymentRepository) GetOpenRefund(ctx context.Context, paymentID string) (*paymentDomain.RefundRecord, error) {
	var out paymentDomain.RefundRecord
	err := r.db.WithContext(ctx).
		Where("payment_id = ? AND status IN ?", paymentID, []paymentDomain.RefundStatus{paymentDomain.RefundPending, paymentDomain.RefundCompleted}).
		Order("id DESC").
		First(&out).Error
	if err != nil {
		return nil, notFound(err, paymentDomain.ErrRefundNotFound)
	}
	return &out, nil
}

func (r *PaymentRepository) UpdatePendingRefund(ctx context.Context, rec *paymentDomain.RefundRecord, fields map[string]any) error {
	res := r.db.WithContext(ctx).
		Model(&paymentDomain.RefundRecord{}).
		Where("id = ? AND status = ?", rec.ID, paymentDomain.RefundPending).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("refund %s is not pending: %w", rec.RefundID, paymentDomain.ErrRefundNotFound)
	}
	return nil
}
