package project

import "context"

type Repository interface {
	Create(ctx context.Context, p *Project) error
	GetByProjectID(ctx context.Context, projectID string) (*Project, error)
	// GetByProjectIDForUpdate takes a row lock held until the surrounding tx ends.
	GetByProjectIDForUpdate(ctx context.Context, projectID string) (*Project, error)
	Save(ctx context.Context, p *Project) error
}
