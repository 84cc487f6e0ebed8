package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	escrowDomain "estatefund-escrow/internal/domain/escrow"
	"estatefund-escrow/internal/domain/payment"
	"estatefund-escrow/internal/domain/project"
)

type Action string

const (
	ActionRelease Action = "release"
	ActionRefund  Action = "refund"
	ActionStatus  Action = "status"
)

// State of one admin request: requested -> validated -> executed, or
// requested -> rejected.
type State string

const (
	StateRequested State = "requested"
	StateValidated State = "validated"
	StateExecuted  State = "executed"
	StateRejected  State = "rejected"
)

var (
	ErrInvalidRequest    = errors.New("invalid settlement request")
	ErrFundingIncomplete = errors.New("project funding is not complete")
	ErrNothingToRefund   = errors.New("project has no confirmed funding to refund")
	ErrNothingToRelease  = errors.New("escrow balance is zero")
)

type Request struct {
	ProjectID   string
	AdminID     string
	Action      Action
	Amount      *decimal.Decimal
	Reason      string
	ReleaseType escrowDomain.ReleaseType
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.ProjectID) == "" || strings.TrimSpace(r.AdminID) == "" {
		return fmt.Errorf("%w: project and admin are required", ErrInvalidRequest)
	}
	switch r.Action {
	case ActionStatus, ActionRefund:
		return nil
	case ActionRelease:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, r.Action)
	}
	switch r.ReleaseType {
	case escrowDomain.ReleaseFull:
		if r.Amount != nil {
			return fmt.Errorf("%w: full release takes the whole balance, omit amount", ErrInvalidRequest)
		}
	case escrowDomain.ReleasePartial:
		if r.Amount == nil || !r.Amount.IsPositive() {
			return fmt.Errorf("%w: partial release needs a positive amount", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown release type %q", ErrInvalidRequest, r.ReleaseType)
	}
	return nil
}

// FundingStatus is the read model used by the admin UI and as the release
// pre-check.
type FundingStatus struct {
	ProjectID      string          `json:"project_id"`
	CurrentFunding decimal.Decimal `json:"current_funding"`
	TargetFunding  decimal.Decimal `json:"target_funding"`
	EscrowBalance  decimal.Decimal `json:"escrow_balance"`
	Status         project.Status  `json:"status"`
	Currency       string          `json:"currency"`
	// Verified is set when the balance was recomputed from escrow entries.
	Verified bool `json:"verified,omitempty"`
}

type ItemStatus string

const (
	ItemRefunded ItemStatus = "refunded"
	ItemFailed   ItemStatus = "failed"
	ItemSkipped  ItemStatus = "skipped"
)

// ItemResult is the outcome for one investment of a project-wide refund.
type ItemResult struct {
	InvestmentID string          `json:"investment_id"`
	PaymentID    string          `json:"payment_id,omitempty"`
	UserID       string          `json:"user_id"`
	Amount       decimal.Decimal `json:"amount"`
	Status       ItemStatus      `json:"status"`
	RefundRef    string          `json:"refund_ref,omitempty"`
	// RefundStatus is pending while the provider has not confirmed the payout.
	RefundStatus payment.RefundStatus `json:"refund_status,omitempty"`
	Error        string               `json:"error,omitempty"`
}

type Result struct {
	RequestID      string           `json:"request_id"`
	ProjectID      string           `json:"project_id"`
	Action         Action           `json:"action"`
	State          State            `json:"state"`
	EscrowBalance  decimal.Decimal  `json:"escrow_balance"`
	CurrentFunding decimal.Decimal  `json:"current_funding"`
	ReleaseID      string           `json:"release_id,omitempty"`
	Released       *decimal.Decimal `json:"released,omitempty"`
	Refunded       *decimal.Decimal `json:"refunded,omitempty"`
	Items          []ItemResult     `json:"items,omitempty"`
	Status         *FundingStatus   `json:"status,omitempty"`
}

// RejectedError is returned when validation fails; Reason is shown to the
// admin verbatim.
type RejectedError struct {
	Reason string
	Err    error
}

func (e *RejectedError) Error() string { return "settlement rejected: " + e.Reason }
func (e *RejectedError) Unwrap() error { return e.Err }

// PartialBatchError reports a refund batch where some items failed. The
// successful items are committed.
type PartialBatchError struct {
	Items []ItemResult
}

func (e *PartialBatchError) Failed() int {
	n := 0
	for _, it := range e.Items {
		if it.Status != ItemRefunded {
			n++
		}
	}
	return n
}

func (e *PartialBatchError) Error() string {
	return fmt.Sprintf("refund batch partially failed: %d of %d items not refunded", e.Failed(), len(e.Items))
}

// RefundGateway returns money to the investor through the payment provider.
// idempotencyKey is stable per payment so retried batches do not pay twice.
type RefundGateway interface {
	Refund(ctx context.Context, p *payment.Payment, amount decimal.Decimal, idempotencyKey string) (payment.RefundReceipt, error)
}
