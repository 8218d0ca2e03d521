// internal/model/broadcast.go
package model

import (
	"encoding/json"
	"time"
)

const (
	BroadcastDraft          = "DRAFT"
	BroadcastQueued         = "QUEUED"
	BroadcastProcessing     = "PROCESSING"
	BroadcastCompleted      = "Completed"
	BroadcastPartialFailure = "Partial Failure"
	BroadcastFailed         = "Failed"
	BroadcastCancelled      = "Cancelled"
)

// VariableMapping binds a numbered template placeholder to a contact variable key.
type VariableMapping struct {
	Var   string `json:"var"`
	Value string `json:"value"`
}

// Broadcast is one job sending a single template to a set of contacts.
// It is also the jobDetails half of every broker message, so it carries
// everything a delivery worker needs.
type Broadcast struct {
	ID                string            `db:"id" json:"id"`
	ProjectID         string            `db:"project_id" json:"projectId"`
	Status            string            `db:"status" json:"status"`
	TemplateID        string            `db:"template_id" json:"templateId"`
	TemplateName      string            `db:"template_name" json:"templateName"`
	Language          string            `db:"language" json:"language"`
	Components        json.RawMessage   `db:"components" json:"components,omitempty"`
	HeaderImageURL    string            `db:"header_image_url" json:"headerImageUrl,omitempty"`
	HeaderMediaID     string            `db:"header_media_id" json:"headerMediaId,omitempty"`
	VariableMappings  []VariableMapping `db:"variable_mappings" json:"variableMappings,omitempty"`
	PhoneNumberID     string            `db:"phone_number_id" json:"phoneNumberId"`
	AccessToken       string            `db:"access_token" json:"accessToken,omitempty"`
	MessagesPerSecond int               `db:"messages_per_second" json:"messagesPerSecond"`
	ContactCount      int               `db:"contact_count" json:"contactCount"`
	SuccessCount      int               `db:"success_count" json:"successCount"`
	ErrorCount        int               `db:"error_count" json:"errorCount"`
	DeliveredCount    int               `db:"delivered_count" json:"deliveredCount"`
	ReadCount         int               `db:"read_count" json:"readCount"`
	ErrorSummary      string            `db:"error_summary" json:"errorSummary,omitempty"`
	CreatedAt         time.Time         `db:"created_at" json:"createdAt"`
	StartedAt         *time.Time        `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt       *time.Time        `db:"completed_at" json:"completedAt,omitempty"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updatedAt"`
}

// IsTerminal reports whether no further transition is expected.
func (b *Broadcast) IsTerminal() bool {
	switch b.Status {
	case BroadcastCompleted, BroadcastPartialFailure, BroadcastFailed, BroadcastCancelled:
		return true
	}
	return false
}

// FinalStatus picks the terminal status for a job whose contacts have all been attempted.
func FinalStatus(success, failed int) string {
	switch {
	case failed == 0:
		return BroadcastCompleted
	case success == 0:
		return BroadcastFailed
	default:
		return BroadcastPartialFailure
	}
}
