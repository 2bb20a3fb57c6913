package models

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Payment stages.
const (
	StageDeposit    = "deposit"
	StageFinal      = "final"
	StageTips       = "tips"
	StageMembership = "membership"
)

// Payment intent states.
const (
	PaymentPending = "pending"
	PaymentPaid    = "paid"
)

// Ledger outcomes reported per side effect of a paid notification.
const (
	LedgerCreated       = "created"
	LedgerAlreadyExists = "already_exists"
	LedgerFailed        = "failed"
	LedgerSkipped       = "skipped"
	LedgerNotApplicable = "not_applicable"
)

// IsServiceStage reports whether stage pays for the booked session itself.
func IsServiceStage(stage string) bool {
	switch stage {
	case StageDeposit, StageFinal, StageTips:
		return true
	}
	return false
}

// PaymentIntent is the right to pay an amount for one (session, stage) pair.
type PaymentIntent struct {
	RecordID       string  `json:"record_id"`
	TransactionRef string  `json:"transaction_ref"`
	SessionID      string  `json:"session_id"`
	Stage          string  `json:"payment_stage"`
	Amount         float64 `json:"amount"`
	Status         string  `json:"status"`
	PackageCode    string  `json:"package_code,omitempty"`
	PaidAt         string  `json:"paid_at,omitempty"`
}

// PaymentIntentFromFields maps payment record fields onto a PaymentIntent.
func PaymentIntentFromFields(recordID string, f map[string]any) PaymentIntent {
	return PaymentIntent{
		RecordID:       recordID,
		TransactionRef: FieldString(f, "transaction_ref"),
		SessionID:      FieldString(f, "session_id"),
		Stage:          FieldString(f, "payment_stage"),
		Amount:         FieldFloat(f, "amount"),
		Status:         FieldString(f, "status"),
		PackageCode:    FieldString(f, "package_code"),
		PaidAt:         FieldString(f, "paid_at"),
	}
}

// EffectResult records the outcome of one best-effort side effect.
type EffectResult struct {
	Effect   string         `json:"effect"`
	OK       bool           `json:"ok"`
	Response map[string]any `json:"response,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// LedgerResult reports one ledger write attempted after a payment was marked paid.
type LedgerResult struct {
	Status   string `json:"status"`
	RecordID string `json:"record_id,omitempty"`
	Points   int64  `json:"points,omitempty"`
	Error    string `json:"error,omitempty"`
}

// FieldString reads a record field as a trimmed string.
func FieldString(f map[string]any, key string) string {
	switch v := f[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// FieldFloat reads a numeric record field; numeric strings are accepted.
func FieldFloat(f map[string]any, key string) float64 {
	switch v := f[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		n, _ := v.Float64()
		return n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
