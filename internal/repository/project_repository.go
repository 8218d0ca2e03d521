package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/broadcast-pipeline/internal/errors"
	"github.com/unclebandit/broadcast-pipeline/internal/model"
)

type ProjectRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.Project, error)
	// FindByIDs resolves many tenants in one query. Unknown ids are absent from the map.
	FindByIDs(ctx context.Context, ids []string) (map[string]*model.Project, error)
	// FindByChannel resolves the tenant owning a WhatsApp phone number id or a page id.
	// It returns nil when neither matches.
	FindByChannel(ctx context.Context, phoneNumberID, pageID string) (*model.Project, error)
}

type ProjectRepository struct {
	DB *sql.DB
}

const projectColumns = `id, user_id, name, waba_id, facebook_page_id, phone_number_ids, access_token, messages_per_second, created_at`

func (r *ProjectRepository) GetByID(ctx context.Context, id string) (*model.Project, error) {
	p, err := scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewProjectNotFound(id)
		}
		return nil, err
	}
	return p, nil
}

func (r *ProjectRepository) FindByIDs(ctx context.Context, ids []string) (map[string]*model.Project, error) {
	out := map[string]*model.Project{}
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ANY($1::uuid[])`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (r *ProjectRepository) FindByChannel(ctx context.Context, phoneNumberID, pageID string) (*model.Project, error) {
	if phoneNumberID == "" && pageID == "" {
		return nil, nil
	}
	p, err := scanProject(r.DB.QueryRowContext(ctx, `
        SELECT `+projectColumns+` FROM projects
        WHERE ($1 <> '' AND $1 = ANY(phone_number_ids))
           OR ($2 <> '' AND facebook_page_id = $2)
        LIMIT 1
    `, phoneNumberID, pageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

func scanProject(row rowScanner) (*model.Project, error) {
	var p model.Project
	var numbers pq.StringArray
	if err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.WabaID, &p.FacebookPageID, &numbers, &p.AccessToken, &p.MessagesPerSecond, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.PhoneNumberIDs = []string(numbers)
	return &p, nil
}

var _ ProjectRepositoryInterface = (*ProjectRepository)(nil)
