package payments

import (
	"context"
	"errors"
	"math"
	"strings"

	"booking-workers/internal/apperr"
	"booking-workers/internal/models"
	"booking-workers/internal/records"
)

// DepositExpected rounds the deposit share of amount up to the next multiple of step.
func DepositExpected(amount, percent, step float64) float64 {
	if amount <= 0 || percent <= 0 || step <= 0 {
		return 0
	}
	return math.Ceil(amount*percent/100/step) * step
}

// DepositCharge is what is left to charge for the deposit. When prior payments already
// cover the expected deposit the full expected amount is charged again.
func DepositCharge(expected, alreadyPaid float64) float64 {
	charge := math.Max(0, expected-alreadyPaid)
	if charge <= 0 {
		return expected
	}
	return charge
}

// FinalDue is the session balance after deposits, never negative.
func FinalDue(sessionAmount, depositPaid float64) float64 {
	return math.Max(0, sessionAmount-depositPaid)
}

// Points awarded for a membership purchase.
func Points(amount, rate float64) int64 {
	if amount <= 0 || rate <= 0 {
		return 0
	}
	return int64(math.Floor(amount / rate))
}

// QuoteInput asks what a stage should charge for a session.
type QuoteInput struct {
	SessionID   string  `json:"session_id" validate:"required"`
	Stage       string  `json:"payment_stage" validate:"required"`
	Amount      float64 `json:"amount" validate:"gte=0"`
	PackageCode string  `json:"package_code"`
}

// Quote is the amount computation for one stage.
type Quote struct {
	SessionID       string  `json:"session_id"`
	Stage           string  `json:"payment_stage"`
	Amount          float64 `json:"amount"`
	SessionAmount   float64 `json:"session_amount,omitempty"`
	DepositExpected float64 `json:"deposit_expected,omitempty"`
	AlreadyPaid     float64 `json:"already_paid"`
	NoBalanceDue    bool    `json:"no_balance_due,omitempty"`
	PackageCode     string  `json:"package_code,omitempty"`
}

// Quote computes the amount to charge. Deposit and final amounts always come from the
// session record; tips use the caller's amount; membership uses the caller's amount or
// the package price.
func (s *Service) Quote(ctx context.Context, in QuoteInput) (*Quote, error) {
	sessionID := strings.TrimSpace(in.SessionID)
	stage := strings.ToLower(strings.TrimSpace(in.Stage))
	if err := validateStage(sessionID, stage, in.PackageCode); err != nil {
		return nil, err
	}
	q := &Quote{SessionID: sessionID, Stage: stage, PackageCode: strings.TrimSpace(in.PackageCode)}

	switch stage {
	case models.StageDeposit, models.StageFinal:
		sessionAmount, err := s.sessionAmount(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		depositPaid, err := s.paidTotal(ctx, sessionID, models.StageDeposit)
		if err != nil {
			return nil, err
		}
		q.SessionAmount = sessionAmount
		q.AlreadyPaid = depositPaid
		if stage == models.StageDeposit {
			q.DepositExpected = DepositExpected(sessionAmount, s.depositPercent, s.roundStep)
			q.Amount = DepositCharge(q.DepositExpected, depositPaid)
		} else {
			q.Amount = FinalDue(sessionAmount, depositPaid)
			q.NoBalanceDue = q.Amount == 0
		}
	case models.StageTips:
		if in.Amount <= 0 {
			return nil, apperr.Validation("invalid_amount", "tips amount must be positive", "amount")
		}
		q.Amount = in.Amount
	case models.StageMembership:
		if in.Amount > 0 {
			q.Amount = in.Amount
			break
		}
		price, err := s.packagePrice(ctx, q.PackageCode)
		if err != nil {
			return nil, err
		}
		q.Amount = price
	default:
		if in.Amount <= 0 {
			return nil, apperr.Validation("invalid_amount", "amount must be positive for this stage", "amount")
		}
		q.Amount = in.Amount
	}
	return q, nil
}

func validateStage(sessionID, stage, packageCode string) error {
	var missing []string
	if sessionID == "" {
		missing = append(missing, "session_id")
	}
	if stage == "" {
		missing = append(missing, "payment_stage")
	}
	if stage == models.StageMembership && strings.TrimSpace(packageCode) == "" {
		missing = append(missing, "package_code")
	}
	if len(missing) > 0 {
		return apperr.Required(missing...)
	}
	return nil
}

func (s *Service) sessionAmount(ctx context.Context, sessionID string) (float64, error) {
	rec, err := s.store.FindOne(ctx, records.TableSessions, records.Filter{"session_id": sessionID})
	if errors.Is(err, records.ErrNotFound) {
		return 0, apperr.NotFound("session_not_found", "session not found")
	}
	if err != nil {
		return 0, apperr.Upstream("record_store", err)
	}
	if amount := models.FieldFloat(rec.Fields, "total_thb"); amount > 0 {
		return amount, nil
	}
	return models.FieldFloat(rec.Fields, "amount"), nil
}

func (s *Service) paidTotal(ctx context.Context, sessionID, stage string) (float64, error) {
	recs, err := s.store.Find(ctx, records.TablePayments, records.Filter{
		"session_id":    sessionID,
		"payment_stage": stage,
		"status":        models.PaymentPaid,
	}, 0)
	if err != nil {
		return 0, apperr.Upstream("record_store", err)
	}
	var total float64
	for _, rec := range recs {
		paid := models.FieldFloat(rec.Fields, "paid_amount")
		if paid == 0 {
			paid = models.FieldFloat(rec.Fields, "amount")
		}
		total += paid
	}
	return total, nil
}

func (s *Service) packagePrice(ctx context.Context, code string) (float64, error) {
	rec, err := s.store.FindOne(ctx, records.TablePackages, records.Filter{"package_code": code})
	if errors.Is(err, records.ErrNotFound) {
		return 0, apperr.NotFound("package_not_found", "package not found")
	}
	if err != nil {
		return 0, apperr.Upstream("record_store", err)
	}
	price := models.FieldFloat(rec.Fields, "price_thb")
	if price <= 0 {
		return 0, apperr.Validation("invalid_amount", "package has no price", "amount")
	}
	return price, nil
}
