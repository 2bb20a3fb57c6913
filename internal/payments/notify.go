package payments

import (
	"context"
	"errors"
	"strings"
	"time"

	"booking-workers/internal/apperr"
	"booking-workers/internal/logger"
	"booking-workers/internal/models"
	"booking-workers/internal/records"
	"booking-workers/internal/telemetry"
)

// Verification states recorded on a paid payment.
const (
	VerifiedByProvider = "provider_verified"
	VerifiedByPage     = "confirmed_by_page"
)

// LedgerUpdated reports a successful session update.
const LedgerUpdated = "updated"

// NotifyInput is a payment confirmation for one transaction reference.
type NotifyInput struct {
	TransactionRef string  `json:"transaction_ref" validate:"required"`
	Stage          string  `json:"stage"`
	SessionID      string  `json:"session_id"`
	PackageCode    string  `json:"package_code"`
	MemberEmail    string  `json:"member_email" validate:"omitempty,email"`
	Amount         float64 `json:"amount" validate:"gte=0"`
	ProviderTxnID  string  `json:"provider_txn_id"`
	Receipt        string  `json:"receipt"`
	ReceiptURL     string  `json:"receipt_url" validate:"omitempty,url"`
}

// NotifyResult reports the paid transition and each dependent write independently.
type NotifyResult struct {
	OK               bool                 `json:"ok"`
	TransactionRef   string               `json:"transaction_ref"`
	Stage            string               `json:"stage"`
	SessionID        string               `json:"session_id,omitempty"`
	AlreadyPaid      bool                 `json:"already_paid"`
	LedgerWritten    bool                 `json:"ledger_written"`
	PaidAt           string               `json:"paid_at,omitempty"`
	SessionUpdated   *models.LedgerResult `json:"session_updated,omitempty"`
	MembershipLedger *models.LedgerResult `json:"membership_ledger,omitempty"`
	PointsLedger     *models.LedgerResult `json:"points_ledger,omitempty"`
	ReceiptArchive   *models.EffectResult `json:"receipt_archive,omitempty"`
	Notification     *models.EffectResult `json:"notification,omitempty"`
}

// NotifyPaid marks the intent of in.TransactionRef as paid. A reference that is already
// paid short-circuits without any write. Service stages update the session; the
// membership stage writes the member package and points ledgers, each at most once per
// reference.
func (s *Service) NotifyPaid(ctx context.Context, in NotifyInput) (*NotifyResult, error) {
	ref := strings.TrimSpace(in.TransactionRef)
	if ref == "" {
		return nil, apperr.Required("transaction_ref")
	}
	if in.Amount < 0 {
		return nil, apperr.Validation("invalid_amount", "amount must not be negative", "amount")
	}

	rec, err := s.findPaymentRecord(ctx, ref)
	if errors.Is(err, records.ErrNotFound) {
		return nil, apperr.NotFound("payment_not_found", "no payment intent for transaction_ref")
	}
	if err != nil {
		return nil, apperr.Upstream("record_store", err)
	}
	intent := models.PaymentIntentFromFields(rec.ID, rec.Fields)

	stage := intent.Stage
	requested := strings.ToLower(strings.TrimSpace(in.Stage))
	if stage == "" {
		stage = requested
	} else if requested != "" && requested != stage {
		return nil, apperr.Validation("stage_mismatch", "stage does not match the payment intent", "stage")
	}
	if stage == "" {
		return nil, apperr.Required("stage")
	}
	sessionID := intent.SessionID
	if sessionID == "" {
		sessionID = strings.TrimSpace(in.SessionID)
	}

	res := &NotifyResult{OK: true, TransactionRef: ref, Stage: stage, SessionID: sessionID}
	if intent.Status == models.PaymentPaid {
		res.AlreadyPaid = true
		res.PaidAt = intent.PaidAt
		telemetry.IdempotentReplays.WithLabelValues("notify_paid").Inc()
		return res, nil
	}

	packageCode := intent.PackageCode
	if packageCode == "" {
		packageCode = strings.TrimSpace(in.PackageCode)
	}
	if stage == models.StageMembership && packageCode == "" {
		return nil, apperr.Required("package_code")
	}
	amount := in.Amount
	if amount == 0 {
		amount = intent.Amount
	}

	paidAt := s.now().UTC().Format(time.RFC3339)
	verification := VerifiedByPage
	if strings.TrimSpace(in.ProviderTxnID) != "" {
		verification = VerifiedByProvider
	}
	paidFields := map[string]any{
		"status":              models.PaymentPaid,
		"paid_at":             paidAt,
		"paid_amount":         amount,
		"verification_status": verification,
	}
	if in.ProviderTxnID != "" {
		paidFields["provider_txn_id"] = strings.TrimSpace(in.ProviderTxnID)
	}
	if in.Receipt != "" {
		paidFields["receipt_ref"] = strings.TrimSpace(in.Receipt)
	}
	if _, err := s.store.Patch(ctx, records.TablePayments, rec.ID, paidFields); err != nil {
		return nil, apperr.Upstream("record_store", err)
	}
	res.PaidAt = paidAt
	telemetry.PaymentsMarkedPaid.WithLabelValues(stage).Inc()

	if stage == models.StageMembership {
		email := strings.ToLower(strings.TrimSpace(in.MemberEmail))
		membership := s.writeLedger(ctx, records.TableMemberPackages, ref, map[string]any{
			"transaction_ref": ref,
			"member_email":    email,
			"package_code":    packageCode,
			"session_id":      sessionID,
			"amount":          amount,
			"created_at":      paidAt,
		})
		res.MembershipLedger = &membership

		points := Points(amount, s.pointsRate)
		var pointsResult models.LedgerResult
		if points == 0 {
			pointsResult = models.LedgerResult{Status: models.LedgerSkipped}
		} else {
			pointsResult = s.writeLedger(ctx, records.TablePointsLedger, ref, map[string]any{
				"transaction_ref": ref,
				"member_email":    email,
				"points":          points,
				"amount":          amount,
				"reason":          "membership_purchase",
				"created_at":      paidAt,
			})
			pointsResult.Points = points
		}
		res.PointsLedger = &pointsResult
		res.SessionUpdated = &models.LedgerResult{Status: models.LedgerNotApplicable}
		res.LedgerWritten = membership.Status == models.LedgerCreated || pointsResult.Status == models.LedgerCreated
	} else {
		session := s.updateSession(ctx, sessionID, stage, ref, amount)
		res.SessionUpdated = &session
		res.MembershipLedger = &models.LedgerResult{Status: models.LedgerNotApplicable}
		res.PointsLedger = &models.LedgerResult{Status: models.LedgerNotApplicable}
	}

	if in.ReceiptURL != "" && s.archiver != nil {
		archive := s.archiveReceipt(ctx, rec.ID, ref, in.ReceiptURL)
		res.ReceiptArchive = &archive
	}
	note := s.notifyPaid(ctx, res, amount)
	res.Notification = &note
	return res, nil
}

// writeLedger creates the ledger entry of ref unless one exists. Existence is checked by
// lookup first and by unique key conflict second.
func (s *Service) writeLedger(ctx context.Context, table, ref string, fields map[string]any) models.LedgerResult {
	log := logger.WithFields(logger.Fields{"transaction_ref": ref, "ledger": table})
	existing, err := s.store.FindOne(ctx, table, records.Filter{"transaction_ref": ref})
	if err == nil {
		telemetry.LedgerWrites.WithLabelValues(table, models.LedgerAlreadyExists).Inc()
		return models.LedgerResult{Status: models.LedgerAlreadyExists, RecordID: existing.ID}
	}
	if !errors.Is(err, records.ErrNotFound) {
		log.Warnf("ledger lookup: %v", err)
		telemetry.LedgerWrites.WithLabelValues(table, models.LedgerFailed).Inc()
		return models.LedgerResult{Status: models.LedgerFailed, Error: err.Error()}
	}

	rec, err := s.store.Create(ctx, records.NewRecord{Table: table, UniqueKey: ref, Fields: fields})
	switch {
	case errors.Is(err, records.ErrConflict):
		telemetry.LedgerWrites.WithLabelValues(table, models.LedgerAlreadyExists).Inc()
		return models.LedgerResult{Status: models.LedgerAlreadyExists}
	case err != nil:
		log.Warnf("ledger create: %v", err)
		telemetry.LedgerWrites.WithLabelValues(table, models.LedgerFailed).Inc()
		return models.LedgerResult{Status: models.LedgerFailed, Error: err.Error()}
	}
	telemetry.LedgerWrites.WithLabelValues(table, models.LedgerCreated).Inc()
	return models.LedgerResult{Status: models.LedgerCreated, RecordID: rec.ID}
}

func sessionPaymentStatus(stage string) (field, value string) {
	switch stage {
	case models.StageDeposit:
		return "payment_status", "deposit_paid"
	case models.StageFinal:
		return "payment_status", "paid_in_full"
	case models.StageTips:
		return "tips_status", "paid"
	default:
		return stage + "_status", "paid"
	}
}

func (s *Service) updateSession(ctx context.Context, sessionID, stage, ref string, amount float64) models.LedgerResult {
	log := logger.WithFields(logger.Fields{"transaction_ref": ref, "session_id": sessionID})
	if sessionID == "" {
		return models.LedgerResult{Status: models.LedgerFailed, Error: "session_id unknown"}
	}
	rec, err := s.store.FindOne(ctx, records.TableSessions, records.Filter{"session_id": sessionID})
	if err != nil {
		log.Warnf("session lookup: %v", err)
		return models.LedgerResult{Status: models.LedgerFailed, Error: err.Error()}
	}
	field, value := sessionPaymentStatus(stage)
	if _, err := s.store.Patch(ctx, records.TableSessions, rec.ID, map[string]any{
		field:                value,
		stage + "_ref":       ref,
		stage + "_amount":    amount,
		"last_payment_ref":   ref,
		"last_payment_stage": stage,
		"payment_updated_at": s.now().UTC().Format(time.RFC3339),
	}); err != nil {
		log.Warnf("session update: %v", err)
		return models.LedgerResult{Status: models.LedgerFailed, Error: err.Error()}
	}
	return models.LedgerResult{Status: LedgerUpdated, RecordID: rec.ID}
}

func (s *Service) archiveReceipt(ctx context.Context, recordID, ref, sourceURL string) models.EffectResult {
	location, err := s.archiver.Archive(ctx, ref, sourceURL)
	if err != nil {
		telemetry.SideEffectFailures.WithLabelValues("receipt_archive").Inc()
		logger.WithFields(logger.Fields{"transaction_ref": ref}).Warnf("archive receipt: %v", err)
		return models.EffectResult{Effect: "receipt_archive", Error: err.Error()}
	}
	if _, err := s.store.Patch(ctx, records.TablePayments, recordID, map[string]any{"receipt_archive": location}); err != nil {
		logger.WithFields(logger.Fields{"transaction_ref": ref}).Warnf("record receipt location: %v", err)
		return models.EffectResult{Effect: "receipt_archive", Error: err.Error(), Response: map[string]any{"location": location}}
	}
	return models.EffectResult{Effect: "receipt_archive", OK: true, Response: map[string]any{"location": location}}
}

func (s *Service) notifyPaid(ctx context.Context, res *NotifyResult, amount float64) models.EffectResult {
	payload := map[string]any{
		"flow":            "payment",
		"transaction_ref": res.TransactionRef,
		"stage":           res.Stage,
		"session_id":      res.SessionID,
		"amount":          amount,
		"paid_at":         res.PaidAt,
	}
	resp, err := s.notifier.Notify(ctx, "payment_received", payload)
	if err != nil {
		telemetry.SideEffectFailures.WithLabelValues("payment_received").Inc()
		logger.WithFields(logger.Fields{"transaction_ref": res.TransactionRef}).Warnf("payment notification: %v", err)
		return models.EffectResult{Effect: "payment_received", Error: err.Error()}
	}
	ok, _ := resp["ok"].(bool)
	return models.EffectResult{Effect: "payment_received", OK: ok, Response: resp}
}
