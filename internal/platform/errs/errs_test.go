package errs_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/valinor-ai/docflow/internal/platform/errs"
)

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("%w: instance abc", errs.ErrNotFound), "not_found"},
		{fmt.Errorf("wrapped: %w", fmt.Errorf("%w: no role", errs.ErrForbidden)), "forbidden"},
		{errs.ErrConflict, "conflict"},
		{errs.ErrStaleStage, "stale_stage"},
		{errs.ErrInvalidState, "invalid_state"},
		{errs.ErrValidation, "validation"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errs.Kind(tt.err))
	}
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, errs.HTTPStatus(fmt.Errorf("%w: definition", errs.ErrNotFound)))
	assert.Equal(t, http.StatusForbidden, errs.HTTPStatus(errs.ErrForbidden))
	assert.Equal(t, http.StatusConflict, errs.HTTPStatus(errs.ErrConflict))
	assert.Equal(t, http.StatusConflict, errs.HTTPStatus(errs.ErrStaleStage))
	assert.Equal(t, http.StatusConflict, errs.HTTPStatus(errs.ErrInvalidState))
	assert.Equal(t, http.StatusBadRequest, errs.HTTPStatus(errs.ErrValidation))
	assert.Equal(t, http.StatusInternalServerError, errs.HTTPStatus(errors.New("boom")))
}
