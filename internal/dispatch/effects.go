package dispatch

import (
	"context"
	"time"

	"booking-workers/internal/logger"
	"booking-workers/internal/models"
	"booking-workers/internal/notify"
	"booking-workers/internal/telemetry"
)

// Side effect kinds reported in EventResult.SideEffects.
const (
	EffectDispatchNotify   = "dispatch_notify"
	EffectMeetingPointQR   = "meeting_point_qr"
	EffectReviewTipRequest = "review_tip_request"
	EffectPayoutNotice     = "payout_notice"
	EffectRealtimeOpen     = "realtime_open"
)

// effectsFor lists the notifications an event triggers, in delivery order.
func effectsFor(event string) []string {
	out := []string{EffectDispatchNotify}
	switch event {
	case models.StatusNearby, models.StatusArrived:
		out = append(out, EffectMeetingPointQR)
	case models.StatusSeparated:
		out = append(out, EffectReviewTipRequest)
	case models.StatusReview, models.StatusPayout:
		out = append(out, EffectPayoutNotice)
	}
	return out
}

func dispatchPayload(job models.Job, event, by string, ts time.Time) map[string]any {
	return map[string]any{
		"flow":               "dispatch",
		"event":              event,
		"status":             job.Status,
		"job_id":             job.JobID,
		"cid":                job.CID,
		"session_id":         job.SessionID,
		"model_code":         job.ModelCode,
		"schedule_start_at":  job.ScheduleStartAt,
		"meeting_point_text": job.MeetingPointText,
		"city":               job.City,
		"by":                 by,
		"ts":                 ts.Format(time.RFC3339Nano),
	}
}

func extraFor(kind string, job models.Job) map[string]any {
	switch kind {
	case EffectMeetingPointQR:
		return map[string]any{"balance_thb": job.BalanceTHB, "total_thb": job.TotalTHB}
	case EffectReviewTipRequest:
		return map[string]any{"customer_name": job.CustomerName}
	case EffectPayoutNotice:
		return map[string]any{"total_thb": job.TotalTHB, "deposit_thb": job.DepositTHB, "transport_fee_thb": job.TransportFeeTHB}
	}
	return nil
}

// runSideEffects delivers notifications one after another. A failure is captured in its
// entry and never stops the remaining ones.
func (s *Service) runSideEffects(ctx context.Context, job models.Job, event, by string, ts time.Time) []models.EffectResult {
	kinds := effectsFor(event)
	out := make([]models.EffectResult, 0, len(kinds))
	for _, kind := range kinds {
		payload := dispatchPayload(job, event, by, ts)
		payload["effect"] = kind
		for k, v := range extraFor(kind, job) {
			payload[k] = v
		}
		out = append(out, s.capture(job.JobID, kind, func() (map[string]any, error) {
			return s.notifier.Notify(ctx, kind, payload)
		}))
	}
	return out
}

func (s *Service) openRoom(ctx context.Context, job models.Job) models.EffectResult {
	return s.capture(job.JobID, EffectRealtimeOpen, func() (map[string]any, error) {
		return s.rooms.OpenRoom(ctx, notify.RoomRequest{
			JobID:            job.JobID,
			CID:              job.CID,
			SessionID:        job.SessionID,
			ModelCode:        job.ModelCode,
			ScheduleStartAt:  job.ScheduleStartAt,
			MeetingPointText: job.MeetingPointText,
			City:             job.City,
		})
	})
}

func (s *Service) capture(jobID, kind string, call func() (map[string]any, error)) models.EffectResult {
	resp, err := call()
	if err != nil {
		telemetry.SideEffectFailures.WithLabelValues(kind).Inc()
		logger.WithFields(logger.Fields{"job_id": jobID, "effect": kind}).Warnf("side effect failed: %v", err)
		return models.EffectResult{Effect: kind, OK: false, Error: err.Error()}
	}
	ok, _ := resp["ok"].(bool)
	return models.EffectResult{Effect: kind, OK: ok, Response: resp}
}
