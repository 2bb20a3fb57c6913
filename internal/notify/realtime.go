package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"booking-workers/internal/config"
)

// RoomRequest identifies the job whose live chat room should open.
type RoomRequest struct {
	JobID            string `json:"job_id"`
	CID              string `json:"cid,omitempty"`
	SessionID        string `json:"session_id,omitempty"`
	ModelCode        string `json:"model_code,omitempty"`
	ScheduleStartAt  string `json:"schedule_start_at,omitempty"`
	MeetingPointText string `json:"meeting_point_text,omitempty"`
	City             string `json:"city,omitempty"`
}

// RealtimeRooms calls the room service over HTTP with a shared secret.
type RealtimeRooms struct {
	httpClient *http.Client
	url        string
	secret     string
}

func NewRealtimeRooms(cfg config.Config) *RealtimeRooms {
	timeout := cfg.CollaboratorTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &RealtimeRooms{
		httpClient: &http.Client{Timeout: timeout},
		url:        cfg.RealtimeRoomURL,
		secret:     cfg.RealtimeRoomSecret,
	}
}

// OpenRoom posts the request and returns the decoded JSON reply.
func (r *RealtimeRooms) OpenRoom(ctx context.Context, room RoomRequest) (map[string]any, error) {
	if r.url == "" {
		return map[string]any{"ok": false, "skipped": "not_configured"}, nil
	}
	body, err := json.Marshal(room)
	if err != nil {
		return nil, fmt.Errorf("encode room request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.secret != "" {
		req.Header.Set("X-Room-Secret", r.secret)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open room: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("open room: status %d", resp.StatusCode)
	}
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("open room: decode response: %w", err)
		}
	}
	if _, ok := out["ok"]; !ok {
		out["ok"] = true
	}
	return out, nil
}
