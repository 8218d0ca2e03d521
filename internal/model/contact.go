// internal/model/contact.go
package model

import "time"

const (
	ContactPending   = "PENDING"
	ContactSent      = "SENT"
	ContactDelivered = "DELIVERED"
	ContactRead      = "READ"
	ContactFailed    = "FAILED"
	ContactCancelled = "CANCELLED"
)

var contactRank = map[string]int{
	ContactPending:   0,
	ContactSent:      1,
	ContactDelivered: 2,
	ContactRead:      3,
}

// ContactStatusRank orders delivery progress. Unknown statuses rank -1.
func ContactStatusRank(status string) int {
	if r, ok := contactRank[status]; ok {
		return r
	}
	return -1
}

// BroadcastContact is one recipient row of a broadcast.
type BroadcastContact struct {
	ID          string            `db:"id" json:"id"`
	BroadcastID string            `db:"broadcast_id" json:"broadcastId"`
	ProjectID   string            `db:"project_id" json:"projectId"`
	Phone       string            `db:"phone" json:"phone"`
	Variables   map[string]string `db:"variables" json:"variables,omitempty"`
	Status      string            `db:"status" json:"status"`
	MessageID   string            `db:"message_id" json:"messageId,omitempty"`
	Error       string            `db:"error" json:"error,omitempty"`
	SentAt      *time.Time        `db:"sent_at" json:"sentAt,omitempty"`
	CreatedAt   time.Time         `db:"created_at" json:"createdAt"`
}

// ContactResult is the delivery outcome a worker reports for one contact.
type ContactResult struct {
	ContactID string
	MessageID string
	Error     string
}

func (r ContactResult) Succeeded() bool {
	return r.Error == "" && r.MessageID != ""
}

// ContactStatusUpdate is a provider-reported status change applied to a contact.
type ContactStatusUpdate struct {
	ContactID string
	Status    string
	Error     string
}
