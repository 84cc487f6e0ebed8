package escrow

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound     = errors.New("escrow account not found")
	ErrInsufficientBalance = errors.New("insufficient escrow balance")
	ErrInvalidAmount       = errors.New("escrow amount must be positive")
)

type InsufficientBalanceError struct {
	ProjectID string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient escrow balance for project %s: requested %s, available %s",
		e.ProjectID, e.Requested.StringFixed(2), e.Available.StringFixed(2))
}

func (e *InsufficientBalanceError) Is(target error) bool { return target == ErrInsufficientBalance }
