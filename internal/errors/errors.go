// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

var (
	ErrNoValidContacts   = errors.New("no valid contacts")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrValidation        = errors.New("validation failed")
)

// ErrBroadcastNotFound is returned when a broadcast id does not resolve.
type ErrBroadcastNotFound struct {
	BroadcastID string
}

func (e *ErrBroadcastNotFound) Error() string {
	return fmt.Sprintf("broadcast with ID %s not found", e.BroadcastID)
}

func NewBroadcastNotFound(id string) error {
	return &ErrBroadcastNotFound{BroadcastID: id}
}

type ErrProjectNotFound struct {
	ProjectID string
}

func (e *ErrProjectNotFound) Error() string {
	return fmt.Sprintf("project with ID %s not found", e.ProjectID)
}

func NewProjectNotFound(id string) error {
	return &ErrProjectNotFound{ProjectID: id}
}

type ErrTemplateNotFound struct {
	TemplateID string
}

func (e *ErrTemplateNotFound) Error() string {
	return fmt.Sprintf("template with ID %s not found", e.TemplateID)
}

func NewTemplateNotFound(id string) error {
	return &ErrTemplateNotFound{TemplateID: id}
}

// Validation wraps ErrValidation with a caller-facing reason.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsNotFound reports whether err is any of the typed not-found errors.
func IsNotFound(err error) bool {
	var b *ErrBroadcastNotFound
	var p *ErrProjectNotFound
	var t *ErrTemplateNotFound
	return errors.As(err, &b) || errors.As(err, &p) || errors.As(err, &t)
}
