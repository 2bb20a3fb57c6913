package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Required("job_id"), http.StatusUnprocessableEntity},
		{NotFound("job_not_found", "job not found"), http.StatusNotFound},
		{Conflict("final_payment_required", "gate"), http.StatusConflict},
		{Upstream("record_store", errors.New("boom")), http.StatusBadGateway},
		{Auth("bad secret"), http.StatusUnauthorized},
		{Forbidden("origin_not_allowed", "nope"), http.StatusForbidden},
		{RateLimited(), http.StatusTooManyRequests},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), tc.err.Error())
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	base := Conflict("final_payment_required", "final payment required before work can start")
	wrapped := fmt.Errorf("apply event: %w", base)
	assert.True(t, Is(wrapped, KindConflict))
	assert.Equal(t, http.StatusConflict, HTTPStatus(wrapped))
}

func TestToBody(t *testing.T) {
	body := ToBody(Required("job_id", "event"))
	assert.False(t, body.OK)
	assert.Equal(t, "missing_required", body.Error)
	assert.Equal(t, []string{"job_id", "event"}, body.Required)

	internal := ToBody(errors.New("secret detail"))
	assert.Equal(t, "internal_error", internal.Error)
	assert.NotContains(t, internal.Message, "secret")
}

func TestUnwrap(t *testing.T) {
	root := errors.New("connection refused")
	err := Upstream("record_store", root)
	assert.ErrorIs(t, err, root)
}
