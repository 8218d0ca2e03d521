// internal/service/broadcast_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unclebandit/broadcast-pipeline/internal/broadcastlog"
	"github.com/unclebandit/broadcast-pipeline/internal/clock"
	appErrors "github.com/unclebandit/broadcast-pipeline/internal/errors"
	"github.com/unclebandit/broadcast-pipeline/internal/model"
	"github.com/unclebandit/broadcast-pipeline/internal/repository"
)

const (
	defaultChunkSize         = 1000
	defaultMessagesPerSecond = 80

	RequeueAll    = "ALL"
	RequeueFailed = "FAILED"
)

type BroadcastService struct {
	Broadcasts repository.BroadcastRepositoryInterface
	Contacts   repository.ContactRepositoryInterface
	Projects   repository.ProjectRepositoryInterface
	Templates  repository.TemplateRepositoryInterface
	Logs       repository.BroadcastLogRepositoryInterface
	Audit      *broadcastlog.Writer
	Clock      clock.Clock
	Log        *zap.Logger
	ChunkSize  int
}

type CreateBroadcastInput struct {
	UserID           string
	ProjectID        string
	PhoneNumberID    string
	TemplateID       string
	HeaderImageURL   string
	HeaderMediaID    string
	VariableMappings []model.VariableMapping
	Contacts         ContactSource
}

type CreateBroadcastResult struct {
	Broadcast *model.Broadcast
	Valid     int
	Skipped   int
}

type BroadcastDetails struct {
	*model.Broadcast
	Stats map[string]int `json:"stats"`
}

func (s *BroadcastService) now() clock.Clock {
	if s.Clock == nil {
		return clock.System()
	}
	return s.Clock
}

func (s *BroadcastService) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

func (s *BroadcastService) chunkSize() int {
	if s.ChunkSize <= 0 {
		return defaultChunkSize
	}
	return s.ChunkSize
}

// CreateBroadcast validates the request, stores the job in DRAFT, inserts its
// contacts in chunks and queues it. A job that ends up with no valid contact
// is removed together with any rows inserted for it.
func (s *BroadcastService) CreateBroadcast(ctx context.Context, in CreateBroadcastInput) (*CreateBroadcastResult, error) {
	if in.Contacts == nil {
		return nil, appErrors.Validation("contacts are required")
	}
	project, err := s.authorizeProject(ctx, in.UserID, in.ProjectID)
	if err != nil {
		return nil, err
	}
	tmpl, err := s.validateTemplate(ctx, project, in.TemplateID)
	if err != nil {
		return nil, err
	}
	phoneNumberID := strings.TrimSpace(in.PhoneNumberID)
	if phoneNumberID == "" {
		return nil, appErrors.Validation("phoneNumberId is required")
	}
	if len(project.PhoneNumberIDs) > 0 && !project.HasPhoneNumber(phoneNumberID) {
		return nil, appErrors.Validation("phone number %s does not belong to project %s", phoneNumberID, project.ID)
	}

	now := s.now().Now()
	mps := project.MessagesPerSecond
	if mps <= 0 {
		mps = defaultMessagesPerSecond
	}
	headerImage := in.HeaderImageURL
	if headerImage == "" {
		headerImage = tmpl.HeaderImageURL
	}
	b := &model.Broadcast{
		ID:                uuid.NewString(),
		ProjectID:         project.ID,
		Status:            model.BroadcastDraft,
		TemplateID:        tmpl.ID,
		TemplateName:      tmpl.Name,
		Language:          tmpl.Language,
		Components:        tmpl.Components,
		HeaderImageURL:    headerImage,
		HeaderMediaID:     in.HeaderMediaID,
		VariableMappings:  in.VariableMappings,
		PhoneNumberID:     phoneNumberID,
		AccessToken:       project.AccessToken,
		MessagesPerSecond: mps,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.Broadcasts.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("create broadcast: %w", err)
	}

	valid, skipped, err := s.insertContacts(ctx, b, in.Contacts)
	if err != nil {
		s.discard(ctx, b, fmt.Sprintf("Contact import failed: %v", err), map[string]any{"inserted": valid})
		return nil, fmt.Errorf("import contacts: %w", err)
	}
	if valid == 0 {
		s.discard(ctx, b, "No valid contacts found; broadcast discarded", map[string]any{"skipped": skipped})
		return nil, appErrors.ErrNoValidContacts
	}

	if err := s.markQueued(ctx, b, valid); err != nil {
		return nil, err
	}
	s.Audit.Info(ctx, b, fmt.Sprintf("Broadcast queued with %d contacts", valid), map[string]any{
		"valid":   valid,
		"skipped": skipped,
	})
	s.logger().Info("broadcast queued",
		zap.String("broadcast_id", b.ID),
		zap.String("project_id", b.ProjectID),
		zap.Int("contacts", valid),
		zap.Int("skipped", skipped))

	return &CreateBroadcastResult{Broadcast: b, Valid: valid, Skipped: skipped}, nil
}

func (s *BroadcastService) insertContacts(ctx context.Context, b *model.Broadcast, src ContactSource) (valid, skipped int, err error) {
	size := s.chunkSize()
	chunk := make([]*model.BroadcastContact, 0, size)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if err := s.Contacts.BulkInsert(ctx, chunk); err != nil {
			return err
		}
		valid += len(chunk)
		chunk = make([]*model.BroadcastContact, 0, size)
		return nil
	}

	for {
		in, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return valid, skipped, err
		}
		phone, ok := CleanPhone(in.Phone)
		if !ok {
			skipped++
			continue
		}
		chunk = append(chunk, &model.BroadcastContact{
			ID:          uuid.NewString(),
			BroadcastID: b.ID,
			ProjectID:   b.ProjectID,
			Phone:       phone,
			Variables:   in.Variables,
			Status:      model.ContactPending,
			CreatedAt:   b.CreatedAt,
		})
		if len(chunk) == size {
			if err := flush(); err != nil {
				return valid, skipped, err
			}
		}
	}
	return valid, skipped, flush()
}

func (s *BroadcastService) markQueued(ctx context.Context, b *model.Broadcast, count int) error {
	ok, err := s.Broadcasts.UpdateStatus(ctx, b.ID, repository.StatusChange{
		From:         []string{model.BroadcastDraft},
		To:           model.BroadcastQueued,
		At:           s.now().Now(),
		ContactCount: &count,
	})
	if err != nil {
		return fmt.Errorf("queue broadcast: %w", err)
	}
	if !ok {
		return fmt.Errorf("queue broadcast %s: %w", b.ID, appErrors.ErrInvalidTransition)
	}
	b.Status = model.BroadcastQueued
	b.ContactCount = count
	return nil
}

// discard removes a job that never reached QUEUED. The audit entry survives it.
func (s *BroadcastService) discard(ctx context.Context, b *model.Broadcast, reason string, meta map[string]any) {
	ctx = context.WithoutCancel(ctx)
	if err := s.Contacts.DeleteByBroadcast(ctx, b.ID); err != nil {
		s.logger().Error("delete contacts of discarded broadcast", zap.String("broadcast_id", b.ID), zap.Error(err))
	}
	if err := s.Broadcasts.Delete(ctx, b.ID); err != nil {
		s.logger().Error("delete discarded broadcast", zap.String("broadcast_id", b.ID), zap.Error(err))
	}
	s.Audit.Error(ctx, b, reason, meta)
}

func (s *BroadcastService) authorizeProject(ctx context.Context, userID, projectID string) (*model.Project, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, appErrors.Validation("projectId is required")
	}
	project, err := s.Projects.GetByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if userID == "" || project.UserID != userID {
		return nil, appErrors.ErrForbidden
	}
	return project, nil
}

func (s *BroadcastService) validateTemplate(ctx context.Context, project *model.Project, templateID string) (*model.Template, error) {
	if strings.TrimSpace(templateID) == "" {
		return nil, appErrors.Validation("templateId is required")
	}
	tmpl, err := s.Templates.GetByID(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if tmpl.ProjectID != project.ID {
		return nil, appErrors.NewTemplateNotFound(templateID)
	}
	if tmpl.Status != model.TemplateApproved {
		return nil, appErrors.Validation("template %s is %s, not %s", tmpl.Name, tmpl.Status, model.TemplateApproved)
	}
	return tmpl, nil
}

// loadOwned fetches a broadcast and checks that userID owns its project.
func (s *BroadcastService) loadOwned(ctx context.Context, userID, broadcastID string) (*model.Broadcast, error) {
	b, err := s.Broadcasts.GetByID(ctx, broadcastID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorizeProject(ctx, userID, b.ProjectID); err != nil {
		if appErrors.IsNotFound(err) {
			return nil, appErrors.NewBroadcastNotFound(broadcastID)
		}
		return nil, err
	}
	return b, nil
}

// StopBroadcast cancels a job that is queued or being dispatched. Its pending
// contacts are marked CANCELLED so no worker sends them.
func (s *BroadcastService) StopBroadcast(ctx context.Context, userID, broadcastID string) (*model.Broadcast, error) {
	b, err := s.loadOwned(ctx, userID, broadcastID)
	if err != nil {
		return nil, err
	}
	ok, err := s.Broadcasts.UpdateStatus(ctx, b.ID, repository.StatusChange{
		From: []string{model.BroadcastQueued, model.BroadcastProcessing},
		To:   model.BroadcastCancelled,
		At:   s.now().Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("cancel broadcast: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("broadcast is %s: %w", b.Status, appErrors.ErrInvalidTransition)
	}
	cancelled, err := s.Contacts.CancelPending(ctx, b.ID)
	if err != nil {
		return nil, fmt.Errorf("cancel pending contacts: %w", err)
	}
	s.Audit.Warn(ctx, b, fmt.Sprintf("Broadcast stopped; %d pending contacts cancelled", cancelled), map[string]any{
		"cancelled": cancelled,
	})
	return s.Broadcasts.GetByID(ctx, b.ID)
}

// RequeueBroadcast creates a new job from a finished one, copying either all
// of its contacts or only the failed ones as fresh PENDING rows.
func (s *BroadcastService) RequeueBroadcast(ctx context.Context, userID, broadcastID, scope string) (*CreateBroadcastResult, error) {
	scope = strings.ToUpper(strings.TrimSpace(scope))
	if scope != RequeueAll && scope != RequeueFailed {
		return nil, appErrors.Validation("scope must be %s or %s", RequeueAll, RequeueFailed)
	}
	orig, err := s.loadOwned(ctx, userID, broadcastID)
	if err != nil {
		return nil, err
	}
	if !orig.IsTerminal() {
		return nil, fmt.Errorf("broadcast is %s: %w", orig.Status, appErrors.ErrInvalidTransition)
	}

	now := s.now().Now()
	b := *orig
	b.ID = uuid.NewString()
	b.Status = model.BroadcastDraft
	b.ContactCount, b.SuccessCount, b.ErrorCount, b.DeliveredCount, b.ReadCount = 0, 0, 0, 0, 0
	b.ErrorSummary = ""
	b.CreatedAt, b.UpdatedAt = now, now
	b.StartedAt, b.CompletedAt = nil, nil
	if err := s.Broadcasts.Create(ctx, &b); err != nil {
		return nil, fmt.Errorf("create requeued broadcast: %w", err)
	}

	filter := repository.ContactFilter{BroadcastID: orig.ID}
	if scope == RequeueFailed {
		filter.Statuses = []string{model.ContactFailed}
	}
	copied, err := s.copyContacts(ctx, &b, filter)
	if err != nil {
		s.discard(ctx, &b, fmt.Sprintf("Requeue failed: %v", err), map[string]any{"source": orig.ID})
		return nil, fmt.Errorf("copy contacts: %w", err)
	}
	if copied == 0 {
		s.discard(ctx, &b, "No contacts matched the requeue scope; broadcast discarded", map[string]any{
			"source": orig.ID,
			"scope":  scope,
		})
		return nil, appErrors.ErrNoValidContacts
	}
	if err := s.markQueued(ctx, &b, copied); err != nil {
		return nil, err
	}

	s.Audit.Info(ctx, &b, fmt.Sprintf("Requeued from %s with %d contacts (%s)", orig.ID, copied, scope), map[string]any{
		"source": orig.ID,
		"scope":  scope,
	})
	s.Audit.Info(ctx, orig, fmt.Sprintf("Requeued as %s (%s)", b.ID, scope), map[string]any{"target": b.ID})
	return &CreateBroadcastResult{Broadcast: &b, Valid: copied}, nil
}

func (s *BroadcastService) copyContacts(ctx context.Context, b *model.Broadcast, filter repository.ContactFilter) (int, error) {
	loader := repository.NewContactBatchLoader(s.Contacts, filter, s.chunkSize())
	copied := 0
	for {
		batch, err := loader.Next(ctx)
		if err != nil {
			return copied, err
		}
		if len(batch) == 0 {
			return copied, nil
		}
		rows := make([]*model.BroadcastContact, len(batch))
		for i, c := range batch {
			rows[i] = &model.BroadcastContact{
				ID:          uuid.NewString(),
				BroadcastID: b.ID,
				ProjectID:   b.ProjectID,
				Phone:       c.Phone,
				Variables:   c.Variables,
				Status:      model.ContactPending,
				CreatedAt:   b.CreatedAt,
			}
		}
		if err := s.Contacts.BulkInsert(ctx, rows); err != nil {
			return copied, err
		}
		copied += len(rows)
	}
}

func (s *BroadcastService) GetBroadcastDetails(ctx context.Context, userID, broadcastID string) (*BroadcastDetails, error) {
	b, err := s.loadOwned(ctx, userID, broadcastID)
	if err != nil {
		return nil, err
	}
	counts, err := s.Contacts.CountByStatus(ctx, b.ID)
	if err != nil {
		return nil, fmt.Errorf("count contacts: %w", err)
	}
	stats := map[string]int{
		"total":                0,
		model.ContactPending:   0,
		model.ContactSent:      0,
		model.ContactDelivered: 0,
		model.ContactRead:      0,
		model.ContactFailed:    0,
		model.ContactCancelled: 0,
	}
	for status, n := range counts {
		stats[status] = n
		stats["total"] += n
	}
	b.AccessToken = ""
	return &BroadcastDetails{Broadcast: b, Stats: stats}, nil
}

func (s *BroadcastService) ListBroadcasts(ctx context.Context, userID, projectID string, page, pageSize int) ([]*model.Broadcast, Pagination, error) {
	if _, err := s.authorizeProject(ctx, userID, projectID); err != nil {
		return nil, nil, err
	}
	page, pageSize, offset := normalizePage(page, pageSize)
	items, total, err := s.Broadcasts.ListByProject(ctx, projectID, offset, pageSize)
	if err != nil {
		return nil, nil, err
	}
	for _, b := range items {
		b.AccessToken = ""
	}
	return items, newPagination(page, pageSize, total), nil
}

// ListAttempts pages through the contact rows of a broadcast, optionally
// filtered by status.
func (s *BroadcastService) ListAttempts(ctx context.Context, userID, broadcastID, status string, page, pageSize int) ([]*model.BroadcastContact, Pagination, error) {
	b, err := s.loadOwned(ctx, userID, broadcastID)
	if err != nil {
		return nil, nil, err
	}
	filter := repository.ContactFilter{BroadcastID: b.ID}
	if status = strings.ToUpper(strings.TrimSpace(status)); status != "" && status != "ALL" {
		filter.Statuses = []string{status}
	}
	page, pageSize, offset := normalizePage(page, pageSize)
	items, total, err := s.Contacts.List(ctx, filter, offset, pageSize)
	if err != nil {
		return nil, nil, err
	}
	return items, newPagination(page, pageSize, total), nil
}

func (s *BroadcastService) ListLogs(ctx context.Context, userID, broadcastID string, page, pageSize int) ([]*model.BroadcastLog, Pagination, error) {
	b, err := s.loadOwned(ctx, userID, broadcastID)
	if err != nil {
		return nil, nil, err
	}
	page, pageSize, offset := normalizePage(page, pageSize)
	items, total, err := s.Logs.ListByBroadcast(ctx, b.ID, offset, pageSize)
	if err != nil {
		return nil, nil, err
	}
	return items, newPagination(page, pageSize, total), nil
}
