// Package broadcastlog appends operator-facing audit entries for broadcasts.
package broadcastlog

import (
	"context"

	"go.uber.org/zap"

	"github.com/unclebandit/broadcast-pipeline/internal/clock"
	"github.com/unclebandit/broadcast-pipeline/internal/model"
	"github.com/unclebandit/broadcast-pipeline/internal/repository"
)

// Writer is best-effort: a failed append is reported on the process log and
// never fails the operation being audited.
type Writer struct {
	repo  repository.BroadcastLogRepositoryInterface
	clock clock.Clock
	log   *zap.Logger
}

func NewWriter(repo repository.BroadcastLogRepositoryInterface, clk clock.Clock, log *zap.Logger) *Writer {
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{repo: repo, clock: clk, log: log.Named("broadcast_log")}
}

func (w *Writer) Info(ctx context.Context, b *model.Broadcast, message string, meta map[string]any) {
	w.Write(ctx, b.ID, b.ProjectID, model.LogInfo, message, meta)
}

func (w *Writer) Warn(ctx context.Context, b *model.Broadcast, message string, meta map[string]any) {
	w.Write(ctx, b.ID, b.ProjectID, model.LogWarn, message, meta)
}

func (w *Writer) Error(ctx context.Context, b *model.Broadcast, message string, meta map[string]any) {
	w.Write(ctx, b.ID, b.ProjectID, model.LogError, message, meta)
}

func (w *Writer) Write(ctx context.Context, broadcastID, projectID, level, message string, meta map[string]any) {
	if w == nil || w.repo == nil || broadcastID == "" || projectID == "" {
		return
	}
	entry := &model.BroadcastLog{
		BroadcastID: broadcastID,
		ProjectID:   projectID,
		Level:       level,
		Message:     message,
		Meta:        meta,
		Timestamp:   w.clock.Now(),
	}
	// detach so an expiring request does not drop the audit trail
	if err := w.repo.Append(context.WithoutCancel(ctx), entry); err != nil {
		w.log.Error("append broadcast log failed",
			zap.String("broadcast_id", broadcastID),
			zap.String("level", level),
			zap.Error(err))
	}
}
