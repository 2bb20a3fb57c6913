package verify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booking-workers/internal/apperr"
	"booking-workers/internal/config"
)

func siteverify(t *testing.T, success bool) (*httptest.Server, *[]string) {
	t.Helper()
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		seen = append(seen, r.PostForm.Get("secret")+"|"+r.PostForm.Get("response")+"|"+r.PostForm.Get("remoteip"))
		w.Header().Set("Content-Type", "application/json")
		if success {
			_, _ = w.Write([]byte(`{"success":true,"hostname":"example.com"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":false,"error-codes":["invalid-input-response"]}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestTurnstileAccepts(t *testing.T) {
	srv, seen := siteverify(t, true)
	v := NewTurnstile(config.Config{TurnstileSecret: "s3cret", TurnstileVerifyURL: srv.URL})

	require.NoError(t, v.Verify(context.Background(), "tok", "10.0.0.1"))
	assert.Equal(t, []string{"s3cret|tok|10.0.0.1"}, *seen)
}

func TestTurnstileRejects(t *testing.T) {
	srv, _ := siteverify(t, false)
	v := NewTurnstile(config.Config{TurnstileSecret: "s3cret", TurnstileVerifyURL: srv.URL})

	err := v.Verify(context.Background(), "tok", "")
	assert.True(t, apperr.Is(err, apperr.KindForbidden))
}

func TestTurnstileMissingToken(t *testing.T) {
	optional := NewTurnstile(config.Config{TurnstileSecret: "s3cret"})
	assert.NoError(t, optional.Verify(context.Background(), "", ""))

	required := NewTurnstile(config.Config{TurnstileSecret: "s3cret", TurnstileRequired: true})
	assert.True(t, apperr.Is(required.Verify(context.Background(), " ", ""), apperr.KindForbidden))
}

func TestTurnstileTransportError(t *testing.T) {
	srv, _ := siteverify(t, true)
	url := srv.URL
	srv.Close()
	v := NewTurnstile(config.Config{TurnstileSecret: "s3cret", TurnstileVerifyURL: url})

	err := v.Verify(context.Background(), "tok", "")
	assert.True(t, apperr.Is(err, apperr.KindUpstream))
}
