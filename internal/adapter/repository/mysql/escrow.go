package mysql

import (
	"context"

	escrowDomain "estatefund-escrow/internal/domain/escrow"
	"estatefund-escrow/pkg/id"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type EscrowRepository struct{ db *gorm.DB }

func NewEscrowRepository(db *gorm.DB) *EscrowRepository { return &EscrowRepository{db: db} }

func (r *EscrowRepository) GetAccountByProjectID(ctx context.Context, projectID string) (*escrowDomain.Account, error) {
	var out escrowDomain.Account
	if err := r.db.WithContext(ctx).Where("project_id = ?", projectID).First(&out).Error; err != nil {
		return nil, notFound(err, escrowDomain.ErrAccountNotFound)
	}
	return &out, nil
}

// GetOrCreateAccountForUpdate inserts with ON CONFLICT DO NOTHING so two
// first deposits racing on the same project end up sharing one account.
func (r *EscrowRepository) GetOrCreateAccountForUpdate(ctx context.Context, projectID, currency string) (*escrowDomain.Account, error) {
	seed := &escrowDomain.Account{
		AccountID: id.NewID32(),
		ProjectID: projectID,
		Currency:  currency,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "project_id"}}, DoNothing: true}).
		Create(seed).Error
	if err != nil {
		return nil, err
	}
	var out escrowDomain.Account
	if err := forUpdate(r.db.WithContext(ctx)).Where("project_id = ?", projectID).First(&out).Error; err != nil {
		return nil, notFound(err, escrowDomain.ErrAccountNotFound)
	}
	return &out, nil
}

func (r *EscrowRepository) SaveAccount(ctx context.Context, a *escrowDomain.Account) error {
	return r.db.WithContext(ctx).Save(a).Error
}

func (r *EscrowRepository) AppendEntry(ctx context.Context, e *escrowDomain.Entry) error {
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *EscrowRepository) ListEntries(ctx context.Context, accountID string) ([]escrowDomain.Entry, error) {
	var out []escrowDomain.Entry
	err := r.db.WithContext(ctx).Where("account_id = ?", accountID).Order("id ASC").Find(&out).Error
	return out, err
}

func (r *EscrowRepository) HasEntryForPayment(ctx context.Context, paymentID string, t escrowDomain.EntryType) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&escrowDomain.Entry{}).
		Where("payment_id = ? AND entry_type = ?", paymentID, t).
		Count(&n).Error
	return n > 0, err
}
