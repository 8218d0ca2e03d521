package repository

import (
	"context"
	"database/sql"
	"errors"

	appErrors "github.com/unclebandit/broadcast-pipeline/internal/errors"
	"github.com/unclebandit/broadcast-pipeline/internal/model"
)

type TemplateRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.Template, error)
}

type TemplateRepository struct {
	DB *sql.DB
}

func (r *TemplateRepository) GetByID(ctx context.Context, id string) (*model.Template, error) {
	var t model.Template
	var components []byte
	err := r.DB.QueryRowContext(ctx, `
        SELECT id, project_id, name, language, category, status, components, header_image_url
        FROM templates WHERE id=$1
    `, id).Scan(&t.ID, &t.ProjectID, &t.Name, &t.Language, &t.Category, &t.Status, &components, &t.HeaderImageURL)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewTemplateNotFound(id)
		}
		return nil, err
	}
	t.Components = components
	return &t, nil
}

var _ TemplateRepositoryInterface = (*TemplateRepository)(nil)
