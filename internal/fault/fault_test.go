package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKinds(t *testing.T) {
	v := Validation("missing %s", "task id")
	assert.True(t, IsValidation(v))
	assert.False(t, IsNotFound(v))
	assert.Equal(t, "missing task id", v.Error())

	nf := NotFound("session %s not found", "abc")
	assert.True(t, IsNotFound(nf))

	cause := errors.New("connection reset")
	tr := Transient(cause, "push branch %s", "feature/x")
	assert.True(t, IsTransient(tr))
	assert.ErrorIs(t, tr, cause)
	assert.Contains(t, tr.Error(), "connection reset")
}

func TestWrappedKindSurvives(t *testing.T) {
	nf := NotFound("checkpoint missing")
	wrapped := fmt.Errorf("restore: %w", nf)
	assert.True(t, IsNotFound(wrapped))
}
