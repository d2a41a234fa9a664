package notify

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPermanentError_WrapAndDetect(t *testing.T) {
	baseErr := errors.New("subject rejected")

	err := NewPermanentError(baseErr)
	assert.Error(t, err)
	assert.True(t, IsPermanentError(err))
	assert.ErrorIs(t, err, baseErr)
}

func TestPermanentError_NilAndUnrelated(t *testing.T) {
	assert.NoError(t, NewPermanentError(nil))
	assert.False(t, IsPermanentError(nil))
	assert.False(t, IsPermanentError(errors.New("connection reset")))
}

func TestPermanentError_DetectsWrapped(t *testing.T) {
	baseErr := errors.New("subject rejected")
	wrapped := fmt.Errorf("nats dispatch: %w", NewPermanentError(baseErr))

	assert.True(t, IsPermanentError(wrapped))
	assert.ErrorIs(t, wrapped, baseErr)
}
