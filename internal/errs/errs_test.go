package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationErrorReportsAllViolations(t *testing.T) {
	err := NewValidation("name can't be blank", "url can't be blank")
	assert.Contains(t, err.Error(), "name can't be blank")
	assert.Contains(t, err.Error(), "url can't be blank")
	assert.True(t, IsValidation(err))
}

func TestTypeChecksThroughWrapping(t *testing.T) {
	nf := NewNotFound("mapping", "openmrs-patients")
	wrapped := fmt.Errorf("resolving job: %w", nf)
	assert.True(t, IsNotFound(wrapped))
	assert.False(t, IsConflict(wrapped))

	conflict := NewConflict("mapping", "openmrs-patients")
	assert.True(t, IsConflict(conflict))
	assert.False(t, IsNotFound(conflict))
}

func TestPipelineErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewPipeline("extract", "patients", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "extract")
	assert.Contains(t, err.Error(), "patients")
}
