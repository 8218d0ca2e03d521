package repository

import "database/sql"

// Repositories groups every store the pipeline talks to so main can swap
// the Postgres set for the in-memory one.
type Repositories struct {
	Broadcasts    BroadcastRepositoryInterface
	Contacts      ContactRepositoryInterface
	Logs          BroadcastLogRepositoryInterface
	WebhookEvents WebhookEventRepositoryInterface
	Projects      ProjectRepositoryInterface
	Templates     TemplateRepositoryInterface
	APIKeys       APIKeyRepositoryInterface
	Inbox         InboxRepositoryInterface
}

func NewPostgres(db *sql.DB) *Repositories {
	return &Repositories{
		Broadcasts:    &BroadcastRepository{DB: db},
		Contacts:      &ContactRepository{DB: db},
		Logs:          &BroadcastLogRepository{DB: db},
		WebhookEvents: &WebhookEventRepository{DB: db},
		Projects:      &ProjectRepository{DB: db},
		Templates:     &TemplateRepository{DB: db},
		APIKeys:       &APIKeyRepository{DB: db},
		Inbox:         &InboxRepository{DB: db},
	}
}
