package mysql

import (
	"context"

	auditDomain "estatefund-escrow/internal/domain/audit"

	"gorm.io/gorm"
)

// AuditRepository only appends; nothing in this service reads the log back.
type AuditRepository struct{ db *gorm.DB }

func NewAuditRepository(db *gorm.DB) *AuditRepository { return &AuditRepository{db: db} }

func (r *AuditRepository) Append(ctx context.Context, e *auditDomain.Entry) error {
	return r.db.WithContext(ctx).Create(e).Error
}
