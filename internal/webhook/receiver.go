package webhook

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unclebandit/broadcast-pipeline/internal/clock"
	appErrors "github.com/unclebandit/broadcast-pipeline/internal/errors"
	"github.com/unclebandit/broadcast-pipeline/internal/model"
	"github.com/unclebandit/broadcast-pipeline/internal/repository"
)

// Receiver appends provider callbacks to the event log. Processing happens
// later in the ingestion run, so the provider gets its 200 quickly.
type Receiver struct {
	Events   repository.WebhookEventRepositoryInterface
	Projects repository.ProjectRepositoryInterface
	Clock    clock.Clock
	Log      *zap.Logger
}

// Receive stores body unprocessed. The tenant is resolved from the payload's
// phone number id or page id; an unresolved tenant is stored as nil and
// dead-lettered by the next run.
func (r *Receiver) Receive(ctx context.Context, body []byte) (*model.WebhookEvent, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, appErrors.Validation("webhook body is not a JSON object")
	}

	now := clock.System().Now()
	if r.Clock != nil {
		now = r.Clock.Now()
	}
	ev := &model.WebhookEvent{
		ID:        uuid.NewString(),
		Payload:   json.RawMessage(body),
		CreatedAt: now,
	}

	phoneNumberID, pageID := Channel(body)
	if phoneNumberID != "" || pageID != "" {
		project, err := r.Projects.FindByChannel(ctx, phoneNumberID, pageID)
		if err != nil {
			return nil, fmt.Errorf("resolve webhook project: %w", err)
		}
		if project != nil {
			ev.ProjectID = &project.ID
		}
	}

	if err := r.Events.Create(ctx, ev); err != nil {
		return nil, fmt.Errorf("store webhook event: %w", err)
	}
	if r.Log != nil && ev.ProjectID == nil {
		r.Log.Warn("webhook stored without project",
			zap.String("event_id", ev.ID),
			zap.String("phone_number_id", phoneNumberID),
			zap.String("page_id", pageID))
	}
	return ev, nil
}
