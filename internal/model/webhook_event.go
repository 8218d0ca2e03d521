// internal/model/webhook_event.go
package model

import (
	"encoding/json"
	"time"
)

// WebhookEvent is one raw provider callback waiting for the ingestion cron.
type WebhookEvent struct {
	ID          string          `db:"id" json:"id"`
	ProjectID   *string         `db:"project_id" json:"projectId,omitempty"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	Processed   bool            `db:"processed" json:"processed"`
	Error       *string         `db:"error" json:"error,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"createdAt"`
	ProcessedAt *time.Time      `db:"processed_at" json:"processedAt,omitempty"`
}

type IncomingMessage struct {
	ID            string          `db:"id" json:"id"`
	ProjectID     string          `db:"project_id" json:"projectId"`
	MessageID     string          `db:"message_id" json:"messageId"`
	From          string          `db:"from_phone" json:"from"`
	ContactName   string          `db:"contact_name" json:"contactName,omitempty"`
	PhoneNumberID string          `db:"phone_number_id" json:"phoneNumberId"`
	Type          string          `db:"type" json:"type"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	ReceivedAt    time.Time       `db:"received_at" json:"receivedAt"`
}

const (
	NotificationMessage   = "message"
	NotificationComment   = "comment"
	NotificationMessenger = "messenger"
	NotificationWebhook   = "webhook"
)

type Notification struct {
	ID        string          `db:"id" json:"id"`
	ProjectID string          `db:"project_id" json:"projectId"`
	Type      string          `db:"type" json:"type"`
	Message   string          `db:"message" json:"message"`
	Payload   json.RawMessage `db:"payload" json:"payload,omitempty"`
	IsRead    bool            `db:"is_read" json:"isRead"`
	CreatedAt time.Time       `db:"created_at" json:"createdAt"`
}
