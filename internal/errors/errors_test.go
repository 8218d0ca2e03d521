package appErrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(NewBroadcastNotFound("b1")))
	assert.True(t, IsNotFound(fmt.Errorf("load: %w", NewProjectNotFound("p1"))))
	assert.True(t, IsNotFound(NewTemplateNotFound("t1")))
	assert.False(t, IsNotFound(ErrForbidden))
}

func TestValidationWrapsSentinel(t *testing.T) {
	err := Validation("contacts must not be empty")
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Equal(t, "validation failed: contacts must not be empty", err.Error())
}
