package escrow

import "context"

type Repository interface {
	GetAccountByProjectID(ctx context.Context, projectID string) (*Account, error)
	// GetOrCreateAccountForUpdate creates the project's account with a zero
	// balance when absent and returns it row-locked.
	GetOrCreateAccountForUpdate(ctx context.Context, projectID, currency string) (*Account, error)
	SaveAccount(ctx context.Context, a *Account) error

	AppendEntry(ctx context.Context, e *Entry) error
	ListEntries(ctx context.Context, accountID string) ([]Entry, error)
	HasEntryForPayment(ctx context.Context, paymentID string, t EntryType) (bool, error)
}
