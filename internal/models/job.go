package models

import (
	"encoding/json"
	"time"
)

// Dispatch states in canonical order.
const (
	StatusConfirmed             = "confirmed"
	StatusReminder              = "reminder"
	StatusEnRoute               = "en_route"
	StatusNearby                = "nearby"
	StatusArrived               = "arrived"
	StatusMetCustomer           = "met_customer"
	StatusFinalPaymentPending   = "final_payment_pending"
	StatusFinalPaymentConfirmed = "final_payment_confirmed"
	StatusWorkStarted           = "work_started"
	StatusWorkFinished          = "work_finished"
	StatusSeparated             = "separated"
	StatusReview                = "review"
	StatusPayout                = "payout"
	StatusClosed                = "closed"
)

// Job is one scheduled service engagement as stored in the jobs table.
type Job struct {
	RecordID         string    `json:"record_id"`
	JobID            string    `json:"job_id"`
	CID              string    `json:"cid,omitempty"`
	SessionID        string    `json:"session_id,omitempty"`
	ModelCode        string    `json:"model_code,omitempty"`
	CustomerName     string    `json:"customer_name,omitempty"`
	ScheduleStartAt  string    `json:"schedule_start_at,omitempty"`
	MeetingPointText string    `json:"meeting_point_text,omitempty"`
	City             string    `json:"city,omitempty"`
	DurationHr       float64   `json:"duration_hr,omitempty"`
	TotalTHB         float64   `json:"total_thb,omitempty"`
	DepositTHB       float64   `json:"deposit_thb,omitempty"`
	BalanceTHB       float64   `json:"balance_thb,omitempty"`
	TransportFeeTHB  float64   `json:"transport_fee_thb,omitempty"`
	Status           string    `json:"status"`
	LastUpdateAt     time.Time `json:"last_update_at"`
	Events           EventLog  `json:"events"`
}

// Event is one append-only fact in a job's log.
type Event struct {
	TS       time.Time      `json:"ts"`
	Event    string         `json:"event"`
	EventRaw string         `json:"event_raw,omitempty"`
	By       string         `json:"by"`
	Data     map[string]any `json:"data,omitempty"`
}

// EventLog is the ordered event history of a job.
type EventLog []Event

// Append returns a new log with e at the end. The receiver is never modified.
func (l EventLog) Append(e Event) EventLog {
	out := make(EventLog, len(l), len(l)+1)
	copy(out, l)
	return append(out, e)
}

// Contains reports whether any event has exactly the given name.
func (l EventLog) Contains(name string) bool {
	for _, e := range l {
		if e.Event == name {
			return true
		}
	}
	return false
}

// Serialize encodes the log for storage in a record field.
func (l EventLog) Serialize() (string, error) {
	if l == nil {
		l = EventLog{}
	}
	raw, err := json.Marshal(l)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ParseEventLog decodes a stored log. Anything that does not decode yields an empty log.
func ParseEventLog(v any) EventLog {
	var raw []byte
	switch t := v.(type) {
	case nil:
		return EventLog{}
	case string:
		raw = []byte(t)
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return EventLog{}
		}
		raw = b
	}
	var out EventLog
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return EventLog{}
	}
	return out
}

// JobFromFields maps record fields onto a Job.
func JobFromFields(recordID string, f map[string]any) Job {
	j := Job{
		RecordID:         recordID,
		JobID:            FieldString(f, "job_id"),
		CID:              FieldString(f, "cid"),
		SessionID:        FieldString(f, "session_id"),
		ModelCode:        FieldString(f, "model_code"),
		CustomerName:     FieldString(f, "customer_name"),
		ScheduleStartAt:  FieldString(f, "schedule_start_at"),
		MeetingPointText: FieldString(f, "meeting_point_text"),
		City:             FieldString(f, "city"),
		DurationHr:       FieldFloat(f, "duration_hr"),
		TotalTHB:         FieldFloat(f, "total_thb"),
		DepositTHB:       FieldFloat(f, "deposit_thb"),
		BalanceTHB:       FieldFloat(f, "balance_thb"),
		TransportFeeTHB:  FieldFloat(f, "transport_fee_thb"),
		Status:           FieldString(f, "status"),
		Events:           ParseEventLog(f["events"]),
	}
	if ts, err := time.Parse(time.RFC3339Nano, FieldString(f, "last_update_at")); err == nil {
		j.LastUpdateAt = ts
	}
	return j
}

// Fields returns the record representation of the job, events serialized.
func (j Job) Fields() (map[string]any, error) {
	events, err := j.Events.Serialize()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"job_id":             j.JobID,
		"cid":                j.CID,
		"session_id":         j.SessionID,
		"model_code":         j.ModelCode,
		"customer_name":      j.CustomerName,
		"schedule_start_at":  j.ScheduleStartAt,
		"meeting_point_text": j.MeetingPointText,
		"city":               j.City,
		"duration_hr":        j.DurationHr,
		"total_thb":          j.TotalTHB,
		"deposit_thb":        j.DepositTHB,
		"balance_thb":        j.BalanceTHB,
		"transport_fee_thb":  j.TransportFeeTHB,
		"status":             j.Status,
		"last_update_at":     j.LastUpdateAt.UTC().Format(time.RFC3339Nano),
		"events":             events,
	}, nil
}
