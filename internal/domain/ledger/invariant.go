// Package ledger holds types shared by every component that moves money.
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// InvariantViolationError means stored balances already disagree with the
// entries they summarise. Callers log it at high severity; the only automatic
// correction allowed is the documented clamp at zero.
type InvariantViolationError struct {
	Resource   string
	ResourceID string
	Expected   decimal.Decimal
	Actual     decimal.Decimal
	Detail     string
}

func (e *InvariantViolationError) Error() string {
	msg := fmt.Sprintf("ledger invariant violated on %s %s: expected %s, actual %s",
		e.Resource, e.ResourceID, e.Expected.StringFixed(2), e.Actual.StringFixed(2))
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

// Violations collects every InvariantViolationError in err, following
// errors.Join trees.
func Violations(err error) []*InvariantViolationError {
	if multi, ok := err.(interface{ Unwrap() []error }); ok {
		var out []*InvariantViolationError
		for _, e := range multi.Unwrap() {
			out = append(out, Violations(e)...)
		}
		return out
	}
	var v *InvariantViolationError
	if errors.As(err, &v) {
		return []*InvariantViolationError{v}
	}
	return nil
}

// SubtractClamped returns from-amount, floored at zero, and whether the floor
// was hit.
func SubtractClamped(from, amount decimal.Decimal) (decimal.Decimal, bool) {
	out := from.Sub(amount)
	if out.IsNegative() {
		return decimal.Zero, true
	}
	return out, false
}
