// Package dispatch owns a job's event log and derives its status, enforcing the
// final-payment gate before work can start.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"booking-workers/internal/apperr"
	"booking-workers/internal/config"
	"booking-workers/internal/idem"
	"booking-workers/internal/logger"
	"booking-workers/internal/models"
	"booking-workers/internal/notify"
	"booking-workers/internal/records"
	"booking-workers/internal/telemetry"
)

// DefaultActor is recorded when the caller does not say who produced an event.
const DefaultActor = "system"

// Notifier delivers a best-effort message for one side effect kind.
type Notifier interface {
	Notify(ctx context.Context, kind string, payload map[string]any) (map[string]any, error)
}

// RoomOpener opens the real-time room of a job.
type RoomOpener interface {
	OpenRoom(ctx context.Context, room notify.RoomRequest) (map[string]any, error)
}

// Service applies events to jobs.
type Service struct {
	store          records.Store
	cache          *idem.Cache
	notifier       Notifier
	rooms          RoomOpener
	strictStatus   bool
	idempotencyTTL time.Duration
	now            func() time.Time
}

// NewService wires the state machine to its collaborators.
func NewService(cfg config.Config, st records.Store, cache *idem.Cache, notifier Notifier, rooms RoomOpener) *Service {
	ttl := cfg.EventIdempotencyTTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		store:          st,
		cache:          cache,
		notifier:       notifier,
		rooms:          rooms,
		strictStatus:   cfg.StrictStatus,
		idempotencyTTL: ttl,
		now:            time.Now,
	}
}

// CreateJobInput carries the attributes of a new job.
type CreateJobInput struct {
	JobID            string  `json:"job_id"`
	CID              string  `json:"cid"`
	SessionID        string  `json:"session_id"`
	ModelCode        string  `json:"model_code"`
	CustomerName     string  `json:"customer_name"`
	ScheduleStartAt  string  `json:"schedule_start_at"`
	MeetingPointText string  `json:"meeting_point_text"`
	City             string  `json:"city"`
	DurationHr       float64 `json:"duration_hr" validate:"gte=0"`
	TotalTHB         float64 `json:"total_thb" validate:"gte=0"`
	DepositTHB       float64 `json:"deposit_thb" validate:"gte=0"`
	BalanceTHB       float64 `json:"balance_thb" validate:"gte=0"`
	TransportFeeTHB  float64 `json:"transport_fee_thb" validate:"gte=0"`
}

// CreateJob stores a new job in the confirmed state. Creating a job_id that already
// exists returns the stored job and created=false.
func (s *Service) CreateJob(ctx context.Context, in CreateJobInput) (models.Job, bool, error) {
	jobID := strings.TrimSpace(in.JobID)
	if jobID == "" {
		jobID = "job_" + uuid.New().String()
	}
	if existing, err := s.GetJob(ctx, jobID); err == nil {
		return existing, false, nil
	} else if !apperr.Is(err, apperr.KindNotFound) {
		return models.Job{}, false, err
	}

	now := s.now().UTC()
	job := models.Job{
		JobID:            jobID,
		CID:              in.CID,
		SessionID:        in.SessionID,
		ModelCode:        in.ModelCode,
		CustomerName:     in.CustomerName,
		ScheduleStartAt:  in.ScheduleStartAt,
		MeetingPointText: in.MeetingPointText,
		City:             in.City,
		DurationHr:       in.DurationHr,
		TotalTHB:         in.TotalTHB,
		DepositTHB:       in.DepositTHB,
		BalanceTHB:       in.BalanceTHB,
		TransportFeeTHB:  in.TransportFeeTHB,
		Status:           models.StatusConfirmed,
		LastUpdateAt:     now,
		Events:           models.EventLog{{TS: now, Event: models.StatusConfirmed, By: DefaultActor}},
	}
	fields, err := job.Fields()
	if err != nil {
		return models.Job{}, false, err
	}
	rec, err := s.store.Create(ctx, records.NewRecord{Table: records.TableJobs, UniqueKey: jobID, Fields: fields})
	if errors.Is(err, records.ErrConflict) {
		existing, err := s.GetJob(ctx, jobID)
		return existing, false, err
	}
	if err != nil {
		return models.Job{}, false, apperr.Upstream("record_store", err)
	}
	job.RecordID = rec.ID
	return job, true, nil
}

// GetJob loads a job with its parsed event log.
func (s *Service) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	rec, err := s.store.FindOne(ctx, records.TableJobs, records.Filter{"job_id": jobID})
	if errors.Is(err, records.ErrNotFound) {
		return models.Job{}, apperr.NotFound("job_not_found", "job not found")
	}
	if err != nil {
		return models.Job{}, apperr.Upstream("record_store", err)
	}
	return models.JobFromFields(rec.ID, rec.Fields), nil
}

// ApplyEventInput is one event application request.
type ApplyEventInput struct {
	JobID          string         `json:"job_id"`
	Event          string         `json:"event"`
	Status         string         `json:"status"`
	By             string         `json:"by"`
	Data           map[string]any `json:"data"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// EventResult is the outcome of an accepted event application.
type EventResult struct {
	OK                 bool                  `json:"ok"`
	JobID              string                `json:"job_id"`
	Event              string                `json:"event"`
	Status             string                `json:"status"`
	PreviousStatus     string                `json:"previous_status"`
	UpdatedAt          time.Time             `json:"updated_at"`
	SideEffects        []models.EffectResult `json:"side_effects"`
	RealtimeOpenResult *models.EffectResult  `json:"realtime_open_result,omitempty"`
}

// ApplyEvent appends an event to the job log and moves the job to its next status.
//
// A result stored under the idempotency key is returned as is. A transition to
// work_started without a final_payment_confirmed event in the log is refused and
// nothing is written. Notification failures never fail the call; they are reported in
// SideEffects.
func (s *Service) ApplyEvent(ctx context.Context, in ApplyEventInput) (*EventResult, error) {
	jobID := strings.TrimSpace(in.JobID)
	event := NormalizeEventName(in.Event)
	var missing []string
	if jobID == "" {
		missing = append(missing, "job_id")
	}
	if event == "" {
		missing = append(missing, "event")
	}
	if len(missing) > 0 {
		return nil, apperr.Required(missing...)
	}
	explicit := strings.ToLower(strings.TrimSpace(in.Status))
	if explicit != "" && s.strictStatus && !IsStatus(explicit) {
		return nil, apperr.Validation("unknown_status", "status is not a dispatch state", "status")
	}

	var cacheKey string
	if key := strings.TrimSpace(in.IdempotencyKey); key != "" {
		cacheKey = idem.EventKey(jobID + ":" + key)
		if prior, ok, err := s.replay(ctx, cacheKey); err != nil {
			return nil, err
		} else if ok {
			telemetry.IdempotentReplays.WithLabelValues("apply_event").Inc()
			return prior, nil
		}
	}

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	by := strings.TrimSpace(in.By)
	if by == "" {
		by = DefaultActor
	}
	events := job.Events.Append(models.Event{
		TS:       now,
		Event:    event,
		EventRaw: in.Event,
		By:       by,
		Data:     in.Data,
	})

	next := resolveStatus(job.Status, event, explicit)
	if next == models.StatusWorkStarted && !events.Contains(models.StatusFinalPaymentConfirmed) {
		telemetry.GateRejections.Inc()
		return nil, apperr.Conflict("final_payment_required", "final payment required before work can start")
	}

	serialized, err := events.Serialize()
	if err != nil {
		return nil, err
	}
	if _, err := s.store.Patch(ctx, records.TableJobs, job.RecordID, map[string]any{
		"status":         next,
		"last_update_at": now.Format(time.RFC3339Nano),
		"events":         serialized,
	}); err != nil {
		return nil, apperr.Upstream("record_store", err)
	}
	telemetry.EventsApplied.WithLabelValues(eventLabel(event)).Inc()

	previous := job.Status
	job.Status = next
	job.LastUpdateAt = now
	job.Events = events

	result := &EventResult{
		OK:             true,
		JobID:          jobID,
		Event:          event,
		Status:         next,
		PreviousStatus: previous,
		UpdatedAt:      now,
		SideEffects:    s.runSideEffects(ctx, job, event, by, now),
	}
	if event == EventOpenLiveChat {
		room := s.openRoom(ctx, job)
		result.RealtimeOpenResult = &room
	}

	if cacheKey != "" {
		if err := s.cache.PutJSON(ctx, cacheKey, result, s.idempotencyTTL); err != nil {
			logger.WithFields(logger.Fields{"job_id": jobID, "event": event}).Warnf("store idempotent result: %v", err)
		}
	}
	return result, nil
}

// eventLabel keeps the metric label set bounded: free-text events share one series.
func eventLabel(event string) string {
	if IsStatus(event) || event == EventOpenLiveChat {
		return event
	}
	return "other"
}

func (s *Service) replay(ctx context.Context, key string) (*EventResult, bool, error) {
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		return nil, false, apperr.Upstream("idempotency_store", err)
	}
	if !ok {
		return nil, false, nil
	}
	var prior EventResult
	if err := json.Unmarshal(raw, &prior); err != nil {
		// An unreadable entry is treated as absent.
		logger.Warnf("discarding unreadable idempotent result %s: %v", key, err)
		return nil, false, nil
	}
	return &prior, true, nil
}

// resolveStatus picks the next status: an explicit status wins, otherwise an event that
// names a dispatch state, otherwise the current status. An inferred status never moves
// the job backwards in the canonical order.
func resolveStatus(current, event, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if !IsStatus(event) {
		return current
	}
	if StatusRank(event) < StatusRank(current) {
		return current
	}
	return event
}
