package payment

import (
	"github.com/shopspring/decimal"
)

// EventStatus is the provider-neutral status carried by a webhook.
type EventStatus string

const (
	EventPending   EventStatus = "PENDING"
	EventCompleted EventStatus = "COMPLETED"
	EventFailed    EventStatus = "FAILED"
	EventCancelled EventStatus = "CANCELLED"
	EventRefunded  EventStatus = "REFUNDED"
)

type TransactionType string

const (
	TxDeposit    TransactionType = "DEPOSIT"
	TxWithdrawal TransactionType = "WITHDRAWAL"
	TxRefund     TransactionType = "REFUND"
)

// Event is the canonical form every provider notification is normalised to.
type Event struct {
	Provider              string
	ProviderTransactionID string
	// SessionID is the merchant-side reference some providers echo back
	// (order id, checkout session, crc).
	SessionID       string
	Status          EventStatus
	RawStatus       string
	Amount          decimal.Decimal
	Currency        string
	TransactionType TransactionType
	ErrorCode       string
	ErrorMessage    string
	// ProviderRefundID is set on REFUNDED events when the provider reports one.
	ProviderRefundID string
	RawPayload       []byte
}

// TargetStatus maps the event onto the payment status it drives towards.
func (e Event) TargetStatus() Status {
	switch e.Status {
	case EventCompleted:
		return StatusCompleted
	case EventCancelled:
		return StatusCancelled
	case EventRefunded:
		return StatusRefunded
	case EventPending:
		return StatusProcessing
	default:
		return StatusFailed
	}
}

// DedupeKey identifies one (transaction, status) delivery.
func (e Event) DedupeKey() string {
	return e.Provider + ":" + e.ProviderTransactionID + ":" + string(e.Status)
}
