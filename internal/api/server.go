package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"booking-workers/internal/apperr"
	"booking-workers/internal/config"
	"booking-workers/internal/dispatch"
	"booking-workers/internal/logger"
	"booking-workers/internal/models"
	"booking-workers/internal/payments"
	"booking-workers/internal/ratelimit"
	"booking-workers/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// BotVerifier checks a browser bot-protection token.
type BotVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

// Server wires HTTP handlers for the dispatch and payment workers.
type Server struct {
	cfg      config.Config
	jobs     *dispatch.Service
	payments *payments.Service
	bots     BotVerifier
	limiter  *ratelimit.TokenBucket
	validate *validator.Validate
}

// New constructs the API server. bots and limiter may be nil.
func New(cfg config.Config, jobs *dispatch.Service, pay *payments.Service, bots BotVerifier, limiter *ratelimit.TokenBucket) *Server {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Server{
		cfg:      cfg,
		jobs:     jobs,
		payments: pay,
		bots:     bots,
		limiter:  limiter,
		validate: v,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Turnstile-Token"},
		MaxAge:         600,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(requireSecret("X-Worker-Secret", s.cfg.WorkerSecret))
		s.limit(r, "worker")
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/events", s.handleEvent)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.allowOrigin)
		s.limit(r, "payments")
		r.Post("/payments/quote", s.handleQuote)
		r.Post("/payments/intent", s.handleIntent)
		r.Post("/intent", s.handleIntent)
	})

	r.Group(func(r chi.Router) {
		r.Use(requireSecret("X-Confirm-Secret", s.cfg.ConfirmSecret))
		s.limit(r, "notify")
		r.Post("/payments/notify", s.handleNotify)
		r.Post("/notify", s.handleNotify)
	})
	return r
}

func (s *Server) limit(r chi.Router, group string) {
	if s.limiter != nil {
		r.Use(s.limiter.Middleware(group))
	}
}

type createJobResponse struct {
	OK      bool       `json:"ok"`
	Created bool       `json:"created"`
	Job     models.Job `json:"job"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req dispatch.CreateJobInput
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	job, created, err := s.jobs.CreateJob(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, createJobResponse{OK: true, Created: created, Job: job})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job": job})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req dispatch.ApplyEventInput
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	res, err := s.jobs.ApplyEvent(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type quoteResponse struct {
	OK bool `json:"ok"`
	*payments.Quote
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req payments.QuoteInput
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	q, err := s.payments.Quote(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{OK: true, Quote: q})
}

type intentResponse struct {
	OK bool `json:"ok"`
	*payments.IntentResult
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	if s.bots != nil {
		if err := s.bots.Verify(r.Context(), r.Header.Get("X-Turnstile-Token"), ratelimit.ClientIP(r)); err != nil {
			writeError(w, r, err)
			return
		}
	}
	var req payments.IntentInput
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.payments.CreateOrGetIntent(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, intentResponse{OK: true, IntentResult: res})
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req payments.NotifyInput
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.payments.NotifyPaid(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// decode reads a JSON body into dst and runs its validate tags.
func (s *Server) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Validation("invalid_json", fmt.Sprintf("invalid json: %v", err))
	}
	err := s.validate.Struct(dst)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	var missing, invalid []string
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			missing = append(missing, fe.Field())
		} else {
			invalid = append(invalid, fe.Field())
		}
	}
	if len(invalid) == 0 {
		return apperr.Required(missing...)
	}
	return apperr.Validation("invalid_fields", "invalid fields: "+strings.Join(invalid, ", "), append(missing, invalid...)...)
}

// requireSecret compares header against secret in constant time. An unset secret
// closes the route group.
func requireSecret(header, secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(header)
			if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				writeError(w, r, apperr.Auth("missing or invalid "+header))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// allowOrigin refuses browser requests from origins outside the allow list.
func (s *Server) allowOrigin(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.cfg.AllowedOrigins))
	for _, o := range s.cfg.AllowedOrigins {
		allowed[strings.TrimRight(strings.ToLower(o), "/")] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimRight(strings.ToLower(r.Header.Get("Origin")), "/")
		if origin != "" && len(allowed) > 0 && !allowed["*"] && !allowed[origin] {
			writeError(w, r, apperr.Forbidden("forbidden_origin", "origin not allowed"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.WithFields(logger.Fields{
			"request_id":  middleware.GetReqID(r.Context()),
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Infof("http request")
	})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.WithFields(logger.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"path":       r.URL.Path,
		}).Errorf("request failed: %v", err)
	}
	writeJSON(w, status, apperr.ToBody(err))
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
