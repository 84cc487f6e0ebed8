package provider

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"

	"estatefund-escrow/internal/domain/payment"
	"estatefund-escrow/internal/infrastructure/logger"
)

// RefundGateway matches settlement.RefundGateway.
type RefundGateway interface {
	Refund(ctx context.Context, p *payment.Payment, amount decimal.Decimal, idempotencyKey string) (payment.RefundReceipt, error)
}

type refundCreator interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// StripeRefunder refunds the PaymentIntent a payment was settled with.
type StripeRefunder struct {
	refunds refundCreator
}

func NewStripeRefunder(apiKey string) *StripeRefunder {
	sc := client.New(apiKey, nil)
	return &StripeRefunder{refunds: sc.Refunds}
}

func (s *StripeRefunder) Refund(ctx context.Context, p *payment.Payment, amount decimal.Decimal, idempotencyKey string) (payment.RefundReceipt, error) {
	if p.ProviderTransactionID == nil || *p.ProviderTransactionID == "" {
		return payment.RefundReceipt{}, fmt.Errorf("payment %s has no payment intent", p.PaymentID)
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(*p.ProviderTransactionID),
		Amount:        stripe.Int64(amount.Shift(2).Round(0).IntPart()),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	params.AddMetadata("payment_id", p.PaymentID)

	r, err := s.refunds.New(params)
	if err != nil {
		return payment.RefundReceipt{}, fmt.Errorf("stripe refund for %s: %w", p.PaymentID, err)
	}
	switch r.Status {
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		return payment.RefundReceipt{}, fmt.Errorf("stripe refund %s ended %s", r.ID, r.Status)
	case stripe.RefundStatusSucceeded:
		return payment.RefundReceipt{Ref: r.ID, Status: payment.RefundCompleted}, nil
	}
	// pending and requires_action settle later through charge.refunded
	return payment.RefundReceipt{Ref: r.ID, Status: payment.RefundPending}, nil
}

// ManualRefunder hands refunds for providers without a refund API in this
// service to operators, who settle them off-platform against the reference.
// The reference is derived from the idempotency key, so a repeated call names
// the same payout. Receipts stay pending until an operator confirms.
type ManualRefunder struct {
	log *zap.Logger
}

func NewManualRefunder(log *zap.Logger) *ManualRefunder {
	return &ManualRefunder{log: logger.OrNop(log)}
}

func (m *ManualRefunder) Refund(_ context.Context, p *payment.Payment, amount decimal.Decimal, idempotencyKey string) (payment.RefundReceipt, error) {
	ref := "manual_" + idempotencyKey
	m.log.Warn("manual refund required",
		zap.String("payment_id", p.PaymentID),
		zap.String("provider", p.Provider),
		zap.String("user_id", p.UserID),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("currency", p.Currency),
		zap.String("reference", ref),
	)
	return payment.RefundReceipt{Ref: ref, Status: payment.RefundPending}, nil
}

// RefundRouter picks the gateway by Payment.Provider.
type RefundRouter struct {
	routes   map[string]RefundGateway
	fallback RefundGateway
}

// NewRefundRouter uses fallback for providers without a route; a nil
// fallback makes those refunds fail.
func NewRefundRouter(fallback RefundGateway) *RefundRouter {
	return &RefundRouter{routes: map[string]RefundGateway{}, fallback: fallback}
}

func (r *RefundRouter) Route(provider string, gw RefundGateway) *RefundRouter {
	r.routes[provider] = gw
	return r
}

func (r *RefundRouter) Refund(ctx context.Context, p *payment.Payment, amount decimal.Decimal, idempotencyKey string) (payment.RefundReceipt, error) {
	gw, ok := r.routes[p.Provider]
	if !ok {
		gw = r.fallback
	}
	if gw == nil {
		return payment.RefundReceipt{}, fmt.Errorf("%w: no refund gateway for %q", ErrUnknownProvider, p.Provider)
	}
	return gw.Refund(ctx, p, amount, idempotencyKey)
}
