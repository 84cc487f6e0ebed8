package payment

import "context"

type Repository interface {
	Create(ctx context.Context, p *Payment) error
	GetByPaymentID(ctx context.Context, paymentID string) (*Payment, error)
	GetByPaymentIDForUpdate(ctx context.Context, paymentID string) (*Payment, error)
	GetByProviderTransactionID(ctx context.Context, provider, txnID string) (*Payment, error)
	GetBySessionID(ctx context.Context, provider, sessionID string) (*Payment, error)
	// GetCompletedByInvestmentID returns the payment that funded an investment.
	GetCompletedByInvestmentID(ctx context.Context, investmentID string) (*Payment, error)

	// Transition moves p to `to` only while its stored status is one of
	// TransitionSources(to). It reports false when no row matched; p is
	// refreshed from storage on success.
	Transition(ctx context.Context, p *Payment, to Status, fields map[string]any) (bool, error)
	// AttachTransactionID stamps the provider transaction id on a payment
	// found through its session id.
	AttachTransactionID(ctx context.Context, p *Payment, txnID string) error

	CreateRefund(ctx context.Context, r *RefundRecord) error
	// GetOpenRefund returns the latest pending or completed refund of a payment.
	GetOpenRefund(ctx context.Context, paymentID string) (*RefundRecord, error)
	// UpdatePendingRefund applies fields while the record is still pending and
	// returns ErrRefundNotFound otherwise.
	UpdatePendingRefund(ctx context.Context, r *RefundRecord, fields map[string]any) error
}
