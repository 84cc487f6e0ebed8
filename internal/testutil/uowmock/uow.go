package uowmock

import (
	"context"
	"errors"

	"estatefund-escrow/internal/domain/project"
	"estatefund-escrow/internal/domain/uow"
)

// Ensure compile-time compliance
var _ uow.UnitOfWork = (*UoW)(nil)

var errUnimplemented = errors.New("uowmock: method not implemented")

// UoW is a function-backed mock that satisfies uow.UnitOfWork.
// Fill in the function fields you need in a test; unfilled ones return errUnimplemented.
type UoW struct {
	WithinTxFn        func(ctx context.Context, fn func(r uow.Repos) error) error
	WithinProjectTxFn func(ctx context.Context, projectID string, fn func(r uow.Repos, p *project.Project) error) error
}

func New() *UoW { return &UoW{} }

func (m *UoW) WithWithinTx(fn func(context.Context, func(uow.Repos) error) error) *UoW {
	m.WithinTxFn = fn
	return m
}

func (m *UoW) WithWithinProjectTx(fn func(context.Context, string, func(uow.Repos, *project.Project) error) error) *UoW {
	m.WithinProjectTxFn = fn
	return m
}

func (m *UoW) Reset() { *m = UoW{} }

func (m *UoW) WithinTx(ctx context.Context, fn func(r uow.Repos) error) error {
	if m.WithinTxFn != nil {
		return m.WithinTxFn(ctx, fn)
	}
	return errUnimplemented
}

func (m *UoW) WithinProjectTx(ctx context.Context, projectID string, fn func(r uow.Repos, p *project.Project) error) error {
	if m.WithinProjectTxFn != nil {
		return m.WithinProjectTxFn(ctx, projectID, fn)
	}
	return errUnimplemented
}

// Wrap delegates to inner and lets patch swap repositories inside each
// transaction, e.g. to make the audit write fail after the ledger writes.
func Wrap(inner uow.UnitOfWork, patch func(r uow.Repos) uow.Repos) *UoW {
	return &UoW{
		WithinTxFn: func(ctx context.Context, fn func(r uow.Repos) error) error {
			return inner.WithinTx(ctx, func(r uow.Repos) error { return fn(patch(r)) })
		},
		WithinProjectTxFn: func(ctx context.Context, projectID string, fn func(r uow.Repos, p *project.Project) error) error {
			return inner.WithinProjectTx(ctx, projectID, func(r uow.Repos, p *project.Project) error {
				return fn(patch(r), p)
			})
		},
	}
}
