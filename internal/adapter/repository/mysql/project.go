package mysql

import (
	"context"

	projectDomain "estatefund-escrow/internal/domain/project"

	"gorm.io/gorm"
)

type ProjectRepository struct{ db *gorm.DB }

func NewProjectRepository(db *gorm.DB) *ProjectRepository { return &ProjectRepository{db: db} }

func (r *ProjectRepository) Create(ctx context.Context, p *projectDomain.Project) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *ProjectRepository) Save(ctx context.Context, p *projectDomain.Project) error {
	return r.db.WithContext(ctx).Save(p).Error
}

func (r *ProjectRepository) GetByProjectID(ctx context.Context, projectID string) (*projectDomain.Project, error) {
	var out projectDomain.Project
	if err := r.db.WithContext(ctx).Where("project_id = ?", projectID).First(&out).Error; err != nil {
		return nil, notFound(err, projectDomain.ErrNotFound)
	}
	return &out, nil
}

func (r *ProjectRepository) GetByProjectIDForUpdate(ctx context.Context, projectID string) (*projectDomain.Project, error) {
	var out projectDomain.Project
	if err := forUpdate(r.db.WithContext(ctx)).Where("project_id = ?", projectID).First(&out).Error; err != nil {
		return nil, notFound(err, projectDomain.ErrNotFound)
	}
	return &out, nil
}
