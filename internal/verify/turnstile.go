// Package verify checks bot-protection tokens sent by browser clients.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"booking-workers/internal/apperr"
	"booking-workers/internal/config"
)

// Turnstile validates tokens against the siteverify endpoint.
type Turnstile struct {
	httpClient *http.Client
	verifyURL  string
	secret     string
	required   bool
}

// NewTurnstile builds a verifier. Without a secret every token is accepted.
func NewTurnstile(cfg config.Config) *Turnstile {
	timeout := cfg.CollaboratorTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Turnstile{
		httpClient: &http.Client{Timeout: timeout},
		verifyURL:  cfg.TurnstileVerifyURL,
		secret:     cfg.TurnstileSecret,
		required:   cfg.TurnstileRequired,
	}
}

type siteverifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
	Hostname   string   `json:"hostname"`
}

// Verify checks token for remoteIP. An empty token passes unless verification is required.
func (t *Turnstile) Verify(ctx context.Context, token, remoteIP string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		if t.required {
			return apperr.Forbidden("turnstile_required", "bot verification token missing")
		}
		return nil
	}
	if t.secret == "" {
		return nil
	}

	form := url.Values{}
	form.Set("secret", t.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return apperr.Upstream("turnstile", fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return apperr.Upstream("turnstile", fmt.Errorf("siteverify: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return apperr.Upstream("turnstile", fmt.Errorf("siteverify: status %d", resp.StatusCode))
	}

	var out siteverifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return apperr.Upstream("turnstile", fmt.Errorf("decode siteverify: %w", err))
	}
	if !out.Success {
		return apperr.Forbidden("turnstile_failed", "bot verification failed: "+strings.Join(out.ErrorCodes, ","))
	}
	return nil
}
