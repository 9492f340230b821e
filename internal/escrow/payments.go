package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/skillmatch/backend/internal/gateway"
	"github.com/skillmatch/backend/internal/ledger"
	"github.com/skillmatch/backend/internal/models"
)

type InitiateRequest struct {
	MissionID   uuid.UUID
	AmountMinor int64
	Currency    string
	Metadata    map[string]string
	// IdempotencyKey is an optional caller token. Retries carrying the same token reuse the
	// same checkout at the processor.
	IdempotencyKey string
	SuccessURL     string
	CancelURL      string
}

type InitiateResult struct {
	URL           string
	SessionID     string
	TransactionID string
}

// InitiatePayment opens a deferred-capture checkout for the mission's accepted applicant and
// records a pending payment once the processor has accepted it.
func (s *Service) InitiatePayment(ctx context.Context, actor Actor, req InitiateRequest) (*InitiateResult, error) {
	log := s.logger.With("step", "initiate_payment", "mission_id", req.MissionID, "user_id", actor.ID)

	currency := models.NormalizeCurrency(req.Currency)
	if req.MissionID == uuid.Nil {
		return nil, validationf("missionId is required")
	}
	if req.AmountMinor < models.MinPaymentMinor || req.AmountMinor > models.MaxPaymentMinor {
		return nil, validationf("amount must be between %d and %d", models.MinPaymentMinor, models.MaxPaymentMinor)
	}
	if !models.SupportedCurrency(currency) {
		return nil, validationf("unsupported currency %q", currency)
	}
	if actor.Email == "" {
		return nil, validationf("user email not available")
	}

	// The row lock is not held across the processor calls; the checks run again when the
	// checkout is recorded.
	var mission *models.Mission
	var applicant *models.Application
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		mission, applicant, err = s.initiatePreconditions(ctx, tx, actor, req.MissionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Info("preconditions verified", "student_id", applicant.StudentID)

	paymentID := uuid.New()
	key := idempotencyKey(mission.ID, req.IdempotencyKey, s.now())

	gctx, cancel := s.gatewayCtx(ctx)
	defer cancel()
	customerID, err := s.gateway.EnsureCustomer(gctx, actor.Email)
	if err != nil {
		log.Error("resolve customer failed", "error", err)
		return nil, gatewayError("resolve customer", err)
	}
	sess, err := s.gateway.CreateCheckout(gctx, gateway.CheckoutRequest{
		PaymentID:      paymentID,
		MissionID:      mission.ID,
		MissionTitle:   mission.Title,
		ClientID:       mission.ClientID,
		StudentID:      applicant.StudentID,
		CustomerID:     customerID,
		AmountMinor:    req.AmountMinor,
		Currency:       currency,
		Metadata:       req.Metadata,
		SuccessURL:     req.SuccessURL,
		CancelURL:      req.CancelURL,
		IdempotencyKey: key,
	})
	if err != nil {
		log.Error("create checkout failed", "error", err)
		return nil, gatewayError("create checkout", err)
	}

	externalID := sess.TransactionID
	if externalID == "" {
		externalID = sess.ID
	}
	metadata := map[string]string{}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata[gateway.MetaIdempotencyKey] = key
	metadata["sessionId"] = sess.ID

	payment := &models.Payment{
		ID:                    paymentID,
		MissionID:             mission.ID,
		ClientID:              mission.ClientID,
		StudentID:             applicant.StudentID,
		Amount:                models.FromMinorUnits(req.AmountMinor, currency),
		Currency:              currency,
		Status:                models.PaymentStatusPending,
		EscrowStatus:          models.EscrowHeld,
		ExternalTransactionID: externalID,
		CheckoutSessionID:     sess.ID,
		Metadata:              metadata,
	}

	// The processor has accepted the checkout; record it even if the caller has gone away.
	wctx := context.WithoutCancel(ctx)
	err = s.inTx(wctx, func(tx pgx.Tx) error {
		return s.recordCheckout(wctx, tx, actor, payment)
	})
	var escrowErr *Error
	switch {
	case errors.As(err, &escrowErr):
		// The mission changed while the checkout was being created. The unused session expires
		// at the processor; an authorization on it is voided like any unfunded hold.
		log.Warn("mission changed during checkout; session left unrecorded",
			"checkout_session_id", sess.ID, "error", err)
		return nil, err
	case errors.Is(err, ledger.ErrDuplicate):
		log.Info("checkout already recorded", "checkout_session_id", sess.ID)
	case err != nil:
		log.Error("checkout created at processor but not recorded in ledger",
			"reconciliation_hazard", true,
			"external_transaction_id", externalID,
			"checkout_session_id", sess.ID,
			"payment_id", paymentID,
			"error", err)
	default:
		log.Info("payment recorded", "payment_id", paymentID, "external_transaction_id", externalID)
	}

	return &InitiateResult{URL: sess.URL, SessionID: sess.ID, TransactionID: externalID}, nil
}

// initiatePreconditions locks the mission and checks it can be funded by the requester.
func (s *Service) initiatePreconditions(ctx context.Context, tx pgx.Tx, actor Actor, missionID uuid.UUID) (*models.Mission, *models.Application, error) {
	mission, err := s.lockOwnedMission(ctx, tx, actor, missionID)
	if err != nil {
		return nil, nil, err
	}
	applicant, err := s.acceptedApplicant(ctx, tx, mission.ID)
	if err != nil {
		return nil, nil, err
	}
	if mission.Status != models.MissionStatusInDiscussion {
		return nil, nil, preconditionf("mission is %s; it can only be funded between acceptance and start", mission.Status)
	}
	if mission.PaymentStatus == models.MissionPaymentPaid {
		return nil, nil, preconditionf("mission is already paid")
	}
	return mission, applicant, nil
}

// recordCheckout re-checks the preconditions under the mission lock and records the pending payment.
func (s *Service) recordCheckout(ctx context.Context, tx pgx.Tx, actor Actor, p *models.Payment) error {
	_, applicant, err := s.initiatePreconditions(ctx, tx, actor, p.MissionID)
	if err != nil {
		return err
	}
	if applicant.StudentID != p.StudentID {
		return preconditionf("the accepted applicant changed; start the payment again")
	}
	if err := s.store.InsertPayment(ctx, tx, p); err != nil {
		return err
	}
	_, err = s.store.UpdateMissionPaymentStatus(ctx, tx, p.MissionID, models.MissionPaymentPending, nil,
		models.MissionPaymentUnset, models.MissionPaymentPending, models.MissionPaymentRefunded)
	return err
}

func idempotencyKey(missionID uuid.UUID, callerKey string, now time.Time) string {
	if k := strings.TrimSpace(callerKey); k != "" {
		return fmt.Sprintf("payment_%s_%s", missionID, k)
	}
	return fmt.Sprintf("payment_%s_%d", missionID, now.UnixMilli())
}

type ReleaseResult struct {
	PaymentIntentID string
	Status          string
	EscrowStatus    string
}

// ReleaseEscrow captures held funds for a completed mission and marks the escrow released.
func (s *Service) ReleaseEscrow(ctx context.Context, actor Actor, externalID string) (*ReleaseResult, error) {
	log := s.logger.With("step", "release_escrow", "external_transaction_id", externalID, "user_id", actor.ID)

	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, validationf("paymentIntentId is required")
	}

	found, err := s.store.PaymentByExternalID(ctx, externalID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, notFoundf("payment not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load payment: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	mission, err := s.lockMission(ctx, tx, found.MissionID)
	if err != nil {
		return nil, err
	}
	payment, err := s.store.GetPayment(ctx, tx, found.ID)
	if err != nil {
		return nil, fmt.Errorf("lock payment: %w", err)
	}
	if mission.ClientID != actor.ID {
		return nil, authorizationf("only the mission's client can release the payment")
	}
	if mission.Status != models.MissionStatusCompleted {
		return nil, preconditionf("mission must be completed before releasing the payment (status: %s)", mission.Status)
	}
	if payment.Status != models.PaymentStatusSucceeded {
		return nil, preconditionf("payment is not authorized (status: %s)", payment.Status)
	}
	switch payment.EscrowStatus {
	case models.EscrowReleased:
		return nil, preconditionf("escrow has already been released")
	case models.EscrowRefunded:
		return nil, preconditionf("escrow has been refunded")
	}
	if !mission.FundedBy(payment.ID) {
		return nil, preconditionf("payment does not fund this mission; its hold is being returned")
	}
	applicant, err := s.acceptedApplicant(ctx, tx, mission.ID)
	if err != nil {
		return nil, err
	}
	if applicant.StudentID != payment.StudentID {
		log.Error("data integrity fault: payment student differs from accepted applicant",
			"payment_student_id", payment.StudentID, "accepted_student_id", applicant.StudentID)
		return nil, preconditionf("payment does not belong to the accepted applicant")
	}
	log.Info("preconditions verified", "payment_id", payment.ID, "mission_id", mission.ID)

	gctx, cancel := s.gatewayCtx(ctx)
	defer cancel()
	captured, err := s.gateway.Capture(gctx, payment.ExternalTransactionID, "capture_"+payment.ID.String())
	if err != nil {
		log.Error("capture failed", "error", err)
		return nil, gatewayError("capture payment", err)
	}
	log.Info("payment captured", "processor_status", captured.ProcessorStatus, "amount_received", captured.AmountReceived)

	wctx := context.WithoutCancel(ctx)
	err = func() error {
		ok, err := s.store.TransitionPayment(wctx, tx, payment.ID, ledger.PaymentTransition{
			FromStatus:   []string{models.PaymentStatusSucceeded},
			FromEscrow:   []string{models.EscrowHeld},
			EscrowStatus: strPtr(models.EscrowReleased),
			CompletedAt:  timePtr(s.nowUTC()),
		})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("payment %s changed during capture", payment.ID)
		}
		return tx.Commit(wctx)
	}()
	if err != nil {
		log.Error("captured at processor but release not recorded in ledger",
			"reconciliation_hazard", true, "payment_id", payment.ID, "error", err)
	}

	return &ReleaseResult{
		PaymentIntentID: payment.ExternalTransactionID,
		Status:          captured.ProcessorStatus,
		EscrowStatus:    models.EscrowReleased,
	}, nil
}

// PaymentView returns a payment to its client or student.
func (s *Service) PaymentView(ctx context.Context, actor Actor, externalID string) (*models.Payment, error) {
	p, err := s.store.PaymentByExternalID(ctx, externalID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, notFoundf("payment not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load payment: %w", err)
	}
	if p.ClientID != actor.ID && p.StudentID != actor.ID {
		return nil, authorizationf("not a party to this payment")
	}
	return p, nil
}
