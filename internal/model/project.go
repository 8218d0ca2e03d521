// internal/model/project.go
package model

import (
	"encoding/json"
	"time"
)

// Project is the tenant. Every job, contact and event belongs to one.
type Project struct {
	ID                string    `db:"id" json:"id"`
	UserID            string    `db:"user_id" json:"userId"`
	Name              string    `db:"name" json:"name"`
	WabaID            string    `db:"waba_id" json:"wabaId,omitempty"`
	FacebookPageID    string    `db:"facebook_page_id" json:"facebookPageId,omitempty"`
	PhoneNumberIDs    []string  `db:"phone_number_ids" json:"phoneNumberIds"`
	AccessToken       string    `db:"access_token" json:"-"`
	MessagesPerSecond int       `db:"messages_per_second" json:"messagesPerSecond"`
	CreatedAt         time.Time `db:"created_at" json:"createdAt"`
}

// HasPhoneNumber reports whether id is one of the project's sending numbers.
func (p *Project) HasPhoneNumber(id string) bool {
	for _, n := range p.PhoneNumberIDs {
		if n == id {
			return true
		}
	}
	return false
}

const TemplateApproved = "APPROVED"

type Template struct {
	ID             string          `db:"id" json:"id"`
	ProjectID      string          `db:"project_id" json:"projectId"`
	Name           string          `db:"name" json:"name"`
	Language       string          `db:"language" json:"language"`
	Category       string          `db:"category" json:"category"`
	Status         string          `db:"status" json:"status"`
	Components     json.RawMessage `db:"components" json:"components,omitempty"`
	HeaderImageURL string          `db:"header_image_url" json:"headerImageUrl,omitempty"`
}

type APIKey struct {
	ID         string     `db:"id" json:"id"`
	UserID     string     `db:"user_id" json:"userId"`
	Lookup     string     `db:"lookup" json:"lookup"`
	KeyHash    string     `db:"key_hash" json:"-"`
	Revoked    bool       `db:"revoked" json:"revoked"`
	LastUsedAt *time.Time `db:"last_used_at" json:"lastUsedAt,omitempty"`
}

// Principal is the authenticated caller of the public API.
type Principal struct {
	UserID   string
	APIKeyID string
}
