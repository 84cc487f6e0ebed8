package provider

import (
	"encoding/json"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"estatefund-escrow/internal/domain/payment"
)

// Stripe verifies the Stripe-Signature header against the endpoint secret
// and maps PaymentIntent, Charge and Checkout Session events.
type Stripe struct {
	secret string
}

func NewStripe(secret string) *Stripe { return &Stripe{secret: secret} }

func (s *Stripe) Name() string { return "stripe" }

func (s *Stripe) Ack() Ack {
	return Ack{ContentType: "application/json", Body: []byte(`{"received":true}`)}
}

func stripeIntentStatus(typ stripe.EventType, pi *stripe.PaymentIntent) payment.EventStatus {
	if typ == "payment_intent.payment_failed" {
		return payment.EventFailed
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return payment.EventCompleted
	case stripe.PaymentIntentStatusProcessing,
		stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusRequiresCapture,
		stripe.PaymentIntentStatusRequiresConfirmation:
		return payment.EventPending
	case stripe.PaymentIntentStatusCanceled:
		return payment.EventCancelled
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		// a fresh intent waits for a method; only a recorded attempt failed
		if pi.LastPaymentError != nil {
			return payment.EventFailed
		}
		return payment.EventPending
	default:
		return payment.EventFailed
	}
}

func (s *Stripe) Normalize(req Request) (*payment.Event, error) {
	var (
		evt stripe.Event
		err error
	)
	if s.secret != "" {
		evt, err = webhook.ConstructEventWithOptions(req.Body, req.Header.Get("Stripe-Signature"), s.secret,
			webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
		if err != nil {
			return nil, unauthorized("stripe signature: %v", err)
		}
	} else if err = json.Unmarshal(req.Body, &evt); err != nil {
		return nil, malformed("stripe json: %v", err)
	}
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return nil, malformed("stripe event %s has no data object", evt.ID)
	}

	ev := &payment.Event{RawPayload: req.Body, RawStatus: string(evt.Type)}
	switch {
	case evt.Type == "payment_intent.created":
		// creation says nothing about settlement
		return nil, nil

	case strings.HasPrefix(string(evt.Type), "payment_intent."):
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return nil, malformed("stripe payment intent: %v", err)
		}
		if pi.ID == "" {
			return nil, malformed("stripe payment intent without id")
		}
		ev.ProviderTransactionID = pi.ID
		ev.SessionID = pi.Metadata["session_id"]
		ev.Status = stripeIntentStatus(evt.Type, &pi)
		ev.Amount = minorUnits(pi.Amount)
		ev.Currency = strings.ToUpper(string(pi.Currency))
		ev.TransactionType = payment.TxDeposit
		if pi.LastPaymentError != nil {
			ev.ErrorCode = string(pi.LastPaymentError.Code)
			ev.ErrorMessage = pi.LastPaymentError.Msg
		}
		if ev.Status == payment.EventFailed && ev.ErrorCode == "" {
			ev.ErrorCode = string(pi.Status)
		}

	case evt.Type == "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(evt.Data.Raw, &ch); err != nil {
			return nil, malformed("stripe charge: %v", err)
		}
		if ch.PaymentIntent == nil || ch.PaymentIntent.ID == "" {
			return nil, malformed("stripe charge %s has no payment intent", ch.ID)
		}
		ev.ProviderTransactionID = ch.PaymentIntent.ID
		ev.Status = payment.EventRefunded
		ev.Amount = minorUnits(ch.AmountRefunded)
		ev.Currency = strings.ToUpper(string(ch.Currency))
		ev.TransactionType = payment.TxRefund
		if ch.Refunds != nil && len(ch.Refunds.Data) > 0 {
			ev.ProviderRefundID = ch.Refunds.Data[0].ID
		}

	case strings.HasPrefix(string(evt.Type), "checkout.session."):
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &cs); err != nil {
			return nil, malformed("stripe checkout session: %v", err)
		}
		if cs.ID == "" {
			return nil, malformed("stripe checkout session without id")
		}
		ev.SessionID = cs.ID
		if cs.PaymentIntent != nil {
			ev.ProviderTransactionID = cs.PaymentIntent.ID
		}
		ev.Amount = minorUnits(cs.AmountTotal)
		ev.Currency = strings.ToUpper(string(cs.Currency))
		ev.TransactionType = payment.TxDeposit
		switch {
		case evt.Type == "checkout.session.expired":
			ev.Status = payment.EventCancelled
		case cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
			ev.Status = payment.EventCompleted
		default:
			ev.Status = payment.EventPending
		}

	default:
		return nil, nil
	}
	return ev, nil
}
