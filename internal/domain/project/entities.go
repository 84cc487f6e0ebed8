package project

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusOpen            Status = "open"
	StatusFundingComplete Status = "funding_complete"
	StatusClosed          Status = "closed"
)

var ErrNotFound = errors.New("project not found")

// Project is never deleted; it only moves between statuses.
// CurrentFunding caches the sum of CONFIRMED investment amounts.
type Project struct {
	ID              uint64          `gorm:"primaryKey;column:id" json:"-"`
	ProjectID       string          `gorm:"size:32;uniqueIndex:ux_projects_project_id" json:"project_id"`
	OwnerID         string          `gorm:"size:32;index" json:"owner_id"`
	TargetFunding   decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"target_funding"`
	CurrentFunding  decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"current_funding"`
	Currency        string          `gorm:"size:3;not null;default:'EUR'" json:"currency"`
	Status          Status          `gorm:"size:24;not null;default:'open';index" json:"status"`
	FundingDeadline *time.Time      `json:"funding_deadline,omitempty"`
	StatusUpdatedAt time.Time       `gorm:"autoCreateTime" json:"status_updated_at"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Project) TableName() string { return "projects" }

// ReachedTarget reports whether funding has met the target. Exactly at the
// target counts.
func (p *Project) ReachedTarget() bool {
	return p.CurrentFunding.GreaterThanOrEqual(p.TargetFunding)
}
