package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booking-workers/internal/apperr"
	"booking-workers/internal/config"
	"booking-workers/internal/dispatch"
	"booking-workers/internal/idem"
	"booking-workers/internal/logger"
	"booking-workers/internal/notify"
	"booking-workers/internal/payments"
	"booking-workers/internal/ratelimit"
	"booking-workers/internal/records"
)

const (
	workerSecret  = "worker-s3cret"
	confirmSecret = "confirm-s3cret"
)

type quietNotifier struct{}

func (quietNotifier) Notify(context.Context, string, map[string]any) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}

type quietRooms struct{}

func (quietRooms) OpenRoom(context.Context, notify.RoomRequest) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}

type botCheck struct{ err error }

func (b botCheck) Verify(_ context.Context, token, _ string) error {
	if token == "bad" {
		return b.err
	}
	return nil
}

type testServer struct {
	handler http.Handler
	store   *records.MemoryStore
	client  *redis.Client
}

func newTestServer(t *testing.T, withLimiter bool) *testServer {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{
		WorkerSecret:        workerSecret,
		ConfirmSecret:       confirmSecret,
		AllowedOrigins:      []string{"https://book.example.com"},
		DepositPercent:      30,
		DepositRoundStep:    500,
		PointsRate:          100,
		EventIdempotencyTTL: time.Hour,
		IntentTTL:           time.Hour,
		StrictStatus:        true,
	}
	st := records.NewMemoryStore()
	cache := idem.New(client, "test:")
	jobs := dispatch.NewService(cfg, st, cache, quietNotifier{}, quietRooms{})
	pay := payments.NewService(cfg, st, cache, quietNotifier{}, nil)

	var limiter *ratelimit.TokenBucket
	if withLimiter {
		limiter = ratelimit.NewTokenBucket(client, 2, 0.001, time.Minute)
	}
	bots := botCheck{err: apperr.Forbidden("turnstile_failed", "bot verification failed")}
	return &testServer{handler: New(cfg, jobs, pay, bots, limiter).Router(), store: st, client: client}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func worker() map[string]string  { return map[string]string{"X-Worker-Secret": workerSecret} }
func confirm() map[string]string { return map[string]string{"X-Confirm-Secret": confirmSecret} }

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, false)
	rec := ts.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestWorkerRoutesRequireSecret(t *testing.T) {
	ts := newTestServer(t, false)
	rec := ts.do(t, http.MethodPost, "/events", map[string]any{"job_id": "J1", "event": "en_route"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/events", map[string]any{"job_id": "J1", "event": "en_route"},
		map[string]string{"X-Worker-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeBody(t, rec)["error"])
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodPost, "/jobs", map[string]any{"job_id": "J1", "session_id": "S1"}, worker())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decodeBody(t, rec)["created"])

	rec = ts.do(t, http.MethodGet, "/jobs/J1", nil, worker())
	require.Equal(t, http.StatusOK, rec.Code)
	job := decodeBody(t, rec)["job"].(map[string]any)
	assert.Equal(t, "confirmed", job["status"])

	rec = ts.do(t, http.MethodGet, "/jobs/nope", nil, worker())
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "job_not_found", decodeBody(t, rec)["error"])

	rec = ts.do(t, http.MethodPost, "/events", map[string]any{"job_id": "J1", "event": "work_started"}, worker())
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "final_payment_required", decodeBody(t, rec)["error"])

	rec = ts.do(t, http.MethodPost, "/events", map[string]any{"job_id": "J1", "event": "final_payment_confirmed"}, worker())
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodPost, "/events", map[string]any{"job_id": "J1", "event": "work_started"}, worker())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "work_started", decodeBody(t, rec)["status"])
}

func TestEventValidationListsRequiredFields(t *testing.T) {
	ts := newTestServer(t, false)
	rec := ts.do(t, http.MethodPost, "/events", map[string]any{}, worker())
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "missing_required", body["error"])
	assert.ElementsMatch(t, []any{"job_id", "event"}, body["required"])

	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewBufferString("{not json"))
	req.Header.Set("X-Worker-Secret", workerSecret)
	out := httptest.NewRecorder()
	ts.handler.ServeHTTP(out, req)
	assert.Equal(t, http.StatusUnprocessableEntity, out.Code)
}

func TestEventReplayIsByteIdentical(t *testing.T) {
	ts := newTestServer(t, false)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/jobs", map[string]any{"job_id": "J2"}, worker()).Code)

	body := map[string]any{"job_id": "J2", "event": "en_route", "idempotency_key": "k-1"}
	first := ts.do(t, http.MethodPost, "/events", body, worker())
	require.Equal(t, http.StatusOK, first.Code)
	second := ts.do(t, http.MethodPost, "/events", body, worker())
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())

	rec := ts.do(t, http.MethodGet, "/jobs/J2", nil, worker())
	events := decodeBody(t, rec)["job"].(map[string]any)["events"].([]any)
	assert.Len(t, events, 2)
}

func TestPaymentFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t, false)
	_, err := ts.store.Create(context.Background(), records.NewRecord{
		Table:     records.TableSessions,
		UniqueKey: "S1",
		Fields:    map[string]any{"session_id": "S1", "total_thb": 12345},
	})
	require.NoError(t, err)

	rec := ts.do(t, http.MethodPost, "/payments/quote", map[string]any{"session_id": "S1", "payment_stage": "deposit"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 4000.0, decodeBody(t, rec)["amount"])

	rec = ts.do(t, http.MethodPost, "/payments/intent", map[string]any{"session_id": "S1", "payment_stage": "deposit"},
		map[string]string{"Origin": "https://book.example.com"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "https://book.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	intent := decodeBody(t, rec)
	ref := intent["transaction_ref"].(string)
	assert.Equal(t, false, intent["idempotent"])

	rec = ts.do(t, http.MethodPost, "/intent", map[string]any{"session_id": "S1", "payment_stage": "deposit"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	again := decodeBody(t, rec)
	assert.Equal(t, ref, again["transaction_ref"])
	assert.Equal(t, true, again["idempotent"])

	rec = ts.do(t, http.MethodPost, "/payments/notify", map[string]any{"transaction_ref": ref}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/payments/notify", map[string]any{"transaction_ref": ref, "amount": 4000}, confirm())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, false, decodeBody(t, rec)["already_paid"])

	rec = ts.do(t, http.MethodPost, "/notify", map[string]any{"transaction_ref": ref}, confirm())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["already_paid"])

	rec = ts.do(t, http.MethodPost, "/notify", map[string]any{"transaction_ref": "TX-MISSING"}, confirm())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIntentRejectsForeignOriginAndBots(t *testing.T) {
	ts := newTestServer(t, false)
	body := map[string]any{"session_id": "S1", "payment_stage": "tips", "amount": 100}

	rec := ts.do(t, http.MethodPost, "/payments/intent", body, map[string]string{"Origin": "https://evil.example"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden_origin", decodeBody(t, rec)["error"])

	rec = ts.do(t, http.MethodPost, "/payments/intent", body, map[string]string{"X-Turnstile-Token": "bad"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "turnstile_failed", decodeBody(t, rec)["error"])
}

func TestNotifyValidatesFields(t *testing.T) {
	ts := newTestServer(t, false)
	rec := ts.do(t, http.MethodPost, "/payments/notify",
		map[string]any{"transaction_ref": "TX-1", "member_email": "not-an-email"}, confirm())
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "invalid_fields", body["error"])
	assert.Equal(t, []any{"member_email"}, body["required"])

	rec = ts.do(t, http.MethodPost, "/payments/notify", map[string]any{}, confirm())
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, []any{"transaction_ref"}, decodeBody(t, rec)["required"])
}

func TestRateLimitedRoutes(t *testing.T) {
	ts := newTestServer(t, true)
	body := map[string]any{"session_id": "S1", "payment_stage": "tips", "amount": 100}
	for i := 0; i < 2; i++ {
		rec := ts.do(t, http.MethodPost, "/payments/quote", body, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	rec := ts.do(t, http.MethodPost, "/payments/quote", body, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRequestLogWrittenAtInfo(t *testing.T) {
	var buf bytes.Buffer
	logger.Initialize("info")
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(os.Stdout) })

	h := requestLogger(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), buf.String())
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "http request", entry["msg"])
	assert.Equal(t, "/healthz", entry["path"])
	assert.Equal(t, float64(http.StatusTeapot), entry["status"])
}
