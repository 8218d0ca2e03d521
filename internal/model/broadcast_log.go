// internal/model/broadcast_log.go
package model

import "time"

const (
	LogInfo  = "INFO"
	LogWarn  = "WARN"
	LogError = "ERROR"
)

// BroadcastLog is one audit entry. Seq is assigned by the store on append and
// is the order entries of a job are read back in.
type BroadcastLog struct {
	ID          string         `db:"id" json:"id"`
	Seq         int64          `db:"seq" json:"seq"`
	BroadcastID string         `db:"broadcast_id" json:"broadcastId"`
	ProjectID   string         `db:"project_id" json:"projectId"`
	Level       string         `db:"level" json:"level"`
	Message     string         `db:"message" json:"message"`
	Meta        map[string]any `db:"meta" json:"meta,omitempty"`
	Timestamp   time.Time      `db:"timestamp" json:"timestamp"`
}
