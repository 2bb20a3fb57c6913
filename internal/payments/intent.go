// Package payments issues stable transaction references per (session, stage) and applies
// the notify-once transition from pending to paid, writing dependent ledgers at most once.
package payments

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"booking-workers/internal/apperr"
	"booking-workers/internal/config"
	"booking-workers/internal/idem"
	"booking-workers/internal/logger"
	"booking-workers/internal/models"
	"booking-workers/internal/records"
	"booking-workers/internal/telemetry"
)

// Notifier delivers a best-effort message.
type Notifier interface {
	Notify(ctx context.Context, kind string, payload map[string]any) (map[string]any, error)
}

// ReceiptArchiver copies a payment slip into durable storage and returns its location.
type ReceiptArchiver interface {
	Archive(ctx context.Context, transactionRef, sourceURL string) (string, error)
}

// Service implements the payment intent ledger.
type Service struct {
	store          records.Store
	cache          *idem.Cache
	notifier       Notifier
	archiver       ReceiptArchiver
	depositPercent float64
	roundStep      float64
	pointsRate     float64
	intentTTL      time.Duration
	now            func() time.Time
	newRef         func() string
}

// NewService builds the ledger. archiver may be nil when receipts are not archived.
func NewService(cfg config.Config, st records.Store, cache *idem.Cache, notifier Notifier, archiver ReceiptArchiver) *Service {
	ttl := cfg.IntentTTL
	if ttl == 0 {
		ttl = 72 * time.Hour
	}
	return &Service{
		store:          st,
		cache:          cache,
		notifier:       notifier,
		archiver:       archiver,
		depositPercent: cfg.DepositPercent,
		roundStep:      cfg.DepositRoundStep,
		pointsRate:     cfg.PointsRate,
		intentTTL:      ttl,
		now:            time.Now,
		newRef:         NewTransactionRef,
	}
}

// NewTransactionRef returns a random opaque reference.
func NewTransactionRef() string {
	return "TX-" + strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))
}

// IntentInput requests the reference for one (session, stage) pair.
type IntentInput struct {
	SessionID   string  `json:"session_id" validate:"required"`
	Stage       string  `json:"payment_stage" validate:"required"`
	Amount      float64 `json:"amount" validate:"gte=0"`
	PackageCode string  `json:"package_code"`
}

// IntentResult carries the reference to pay against.
type IntentResult struct {
	TransactionRef string  `json:"transaction_ref,omitempty"`
	Idempotent     bool    `json:"idempotent"`
	SessionID      string  `json:"session_id"`
	Stage          string  `json:"payment_stage"`
	PackageCode    string  `json:"package_code,omitempty"`
	Amount         float64 `json:"amount"`
	NoBalanceDue   bool    `json:"no_balance_due,omitempty"`
	Warning        string  `json:"warning,omitempty"`
}

// CreateOrGetIntent returns the transaction reference of (session, stage), issuing a new
// one only when none is remembered. Failing to save the payment record does not block
// issuance; the result then carries a warning.
func (s *Service) CreateOrGetIntent(ctx context.Context, in IntentInput) (*IntentResult, error) {
	sessionID := strings.TrimSpace(in.SessionID)
	stage := strings.ToLower(strings.TrimSpace(in.Stage))
	packageCode := strings.TrimSpace(in.PackageCode)
	if err := validateStage(sessionID, stage, packageCode); err != nil {
		return nil, err
	}
	res := &IntentResult{SessionID: sessionID, Stage: stage, PackageCode: packageCode}
	key := idem.IntentKey(sessionID, stage)

	ref, found, err := s.cache.GetString(ctx, key)
	if err != nil {
		return nil, apperr.Upstream("idempotency_store", err)
	}
	if found {
		res.TransactionRef = ref
		res.Idempotent = true
		s.ensurePaymentRecord(ctx, res, nil)
		telemetry.IntentsIssued.WithLabelValues(stage, "true").Inc()
		return res, nil
	}

	quote, err := s.Quote(ctx, QuoteInput{SessionID: sessionID, Stage: stage, Amount: in.Amount, PackageCode: packageCode})
	if err != nil {
		return nil, err
	}
	res.Amount = quote.Amount
	if quote.NoBalanceDue {
		res.NoBalanceDue = true
		return res, nil
	}

	ref = s.newRef()
	stored, err := s.cache.PutIfAbsent(ctx, key, []byte(ref), s.intentTTL)
	if err != nil {
		return nil, apperr.Upstream("idempotency_store", err)
	}
	if !stored {
		// A concurrent request claimed the pair first; use its reference.
		winner, ok, err := s.cache.GetString(ctx, key)
		if err != nil {
			return nil, apperr.Upstream("idempotency_store", err)
		}
		if ok {
			ref = winner
			res.Idempotent = true
		}
	}
	res.TransactionRef = ref
	s.ensurePaymentRecord(ctx, res, quote)
	telemetry.IntentsIssued.WithLabelValues(stage, strconv.FormatBool(res.Idempotent)).Inc()
	return res, nil
}

// ensurePaymentRecord makes sure a pending payment record exists for res.TransactionRef
// and remembers its id under payrec:{ref}.
func (s *Service) ensurePaymentRecord(ctx context.Context, res *IntentResult, quote *Quote) {
	log := logger.WithFields(logger.Fields{"transaction_ref": res.TransactionRef, "payment_stage": res.Stage})

	if rec, err := s.findPaymentRecord(ctx, res.TransactionRef); err == nil {
		res.Amount = models.FieldFloat(rec.Fields, "amount")
		s.rememberRecord(ctx, res.TransactionRef, rec.ID)
		return
	} else if !errors.Is(err, records.ErrNotFound) {
		log.Warnf("lookup payment record: %v", err)
		res.Warning = "payment_record_lookup_failed"
		return
	}

	if quote == nil {
		q, err := s.Quote(ctx, QuoteInput{SessionID: res.SessionID, Stage: res.Stage, PackageCode: res.PackageCode})
		if err != nil {
			log.Warnf("quote for missing payment record: %v", err)
			res.Warning = "payment_record_not_saved"
			return
		}
		quote = q
	}
	res.Amount = quote.Amount

	rec, err := s.store.Create(ctx, records.NewRecord{
		Table:     records.TablePayments,
		UniqueKey: res.TransactionRef,
		Fields: map[string]any{
			"transaction_ref": res.TransactionRef,
			"session_id":      res.SessionID,
			"payment_stage":   res.Stage,
			"amount":          quote.Amount,
			"package_code":    res.PackageCode,
			"status":          models.PaymentPending,
			"created_at":      s.now().UTC().Format(time.RFC3339),
		},
	})
	if errors.Is(err, records.ErrConflict) {
		if existing, ferr := s.findPaymentRecord(ctx, res.TransactionRef); ferr == nil {
			s.rememberRecord(ctx, res.TransactionRef, existing.ID)
		}
		return
	}
	if err != nil {
		log.Warnf("create payment record: %v", err)
		res.Warning = "payment_record_not_saved"
		return
	}
	s.rememberRecord(ctx, res.TransactionRef, rec.ID)
}

func (s *Service) rememberRecord(ctx context.Context, ref, recordID string) {
	if err := s.cache.Put(ctx, idem.PaymentRecordKey(ref), []byte(recordID), s.intentTTL); err != nil {
		logger.WithFields(logger.Fields{"transaction_ref": ref}).Warnf("remember payment record: %v", err)
	}
}

// findPaymentRecord resolves a reference through payrec:{ref}, then by field lookup.
func (s *Service) findPaymentRecord(ctx context.Context, ref string) (records.Record, error) {
	if id, ok, err := s.cache.GetString(ctx, idem.PaymentRecordKey(ref)); err == nil && ok {
		rec, err := s.store.Get(ctx, records.TablePayments, id)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, records.ErrNotFound) {
			return records.Record{}, err
		}
	}
	return s.store.FindOne(ctx, records.TablePayments, records.Filter{"transaction_ref": ref})
}
