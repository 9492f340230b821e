package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/skillmatch/backend/internal/gateway"
	"github.com/skillmatch/backend/internal/ledger"
	"github.com/skillmatch/backend/internal/models"
)

// ApplyProcessorEvent feeds a processor-confirmed change into the ledger. Every update is a
// compare-and-set from the states the event may legally follow, so replays and out-of-order
// deliveries leave the ledger as if the event had been applied once. The event id is recorded
// in the same transaction; a second delivery returns OutcomeDuplicate.
//
// An error is returned only when the ledger could not be read or written.
func (s *Service) ApplyProcessorEvent(ctx context.Context, ev ProcessorEvent) (Outcome, error) {
	meta := ev.Meta()
	log := s.logger.With("step", "processor_event", "event_id", meta.ID, "event_type", meta.Type,
		"external_transaction_id", meta.TransactionID)

	found, err := s.locatePayment(ctx, meta)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return "", fmt.Errorf("locate payment: %w", err)
	}
	var recovered *models.Payment
	if found == nil {
		recovered = recoverablePayment(ev)
		if recovered == nil {
			log.Warn("no payment for processor event")
			return OutcomeUnknownPayment, nil
		}
		log.Warn("recreating payment missing from ledger from transaction metadata", "payment_id", recovered.ID)
	}

	outcome := OutcomeApplied
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		recorded, err := s.store.RecordProcessorEvent(ctx, tx, &models.ProcessorEvent{
			ID: meta.ID, Type: meta.Type, ExternalTransactionID: meta.TransactionID,
		})
		if err != nil {
			return fmt.Errorf("record event: %w", err)
		}
		if !recorded {
			outcome = OutcomeDuplicate
			return nil
		}

		var mission *models.Mission
		var payment *models.Payment
		if recovered != nil {
			mission, err = s.lockMission(ctx, tx, recovered.MissionID)
			if err != nil {
				return err
			}
			if mission.ClientID != recovered.ClientID {
				log.Error("transaction metadata does not match mission owner", "mission_id", mission.ID)
				outcome = OutcomeIgnored
				return nil
			}
			if err := s.store.InsertPayment(ctx, tx, recovered); err != nil {
				return fmt.Errorf("recreate payment: %w", err)
			}
			payment = recovered
		} else {
			mission, err = s.lockMission(ctx, tx, found.MissionID)
			if err != nil {
				return err
			}
			payment, err = s.store.GetPayment(ctx, tx, found.ID)
			if err != nil {
				return fmt.Errorf("lock payment: %w", err)
			}
		}

		bound, err := s.bind(ctx, tx, log, payment, meta.TransactionID)
		if err != nil {
			return err
		}
		if !bound {
			outcome = OutcomeIgnored
			return nil
		}

		changed, err := s.applyTo(ctx, tx, log, ev, mission, payment)
		if err != nil {
			return err
		}
		if !changed {
			outcome = OutcomeIgnored
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	log.Info("processor event handled", "outcome", outcome)
	return outcome, nil
}

// locatePayment finds the payment an event refers to: by transaction id, then by the payment
// id carried in metadata, then by checkout session.
func (s *Service) locatePayment(ctx context.Context, meta EventMeta) (*models.Payment, error) {
	if meta.TransactionID != "" {
		p, err := s.store.PaymentByExternalID(ctx, meta.TransactionID)
		if !errors.Is(err, ledger.ErrNotFound) {
			return p, err
		}
	}
	if meta.PaymentRef != uuid.Nil {
		p, err := s.store.PaymentByID(ctx, meta.PaymentRef)
		if !errors.Is(err, ledger.ErrNotFound) {
			return p, err
		}
	}
	if meta.CheckoutSessionID != "" {
		p, err := s.store.PaymentByCheckoutSession(ctx, meta.CheckoutSessionID)
		if !errors.Is(err, ledger.ErrNotFound) {
			return p, err
		}
	}
	return nil, ledger.ErrNotFound
}

// bind anchors a session-anchored payment on the processor transaction id. It returns false
// when the payment is already bound to a different transaction.
func (s *Service) bind(ctx context.Context, tx pgx.Tx, log *slog.Logger, p *models.Payment, transactionID string) (bool, error) {
	if transactionID == "" || transactionID == p.ExternalTransactionID {
		return true, nil
	}
	if p.Bound() {
		log.Warn("event transaction does not match payment", "payment_id", p.ID,
			"payment_transaction_id", p.ExternalTransactionID)
		return false, nil
	}
	ok, err := s.store.BindExternalID(ctx, tx, p.ID, transactionID)
	if err != nil {
		return false, fmt.Errorf("bind transaction: %w", err)
	}
	if ok {
		log.Info("payment bound to processor transaction", "payment_id", p.ID, "checkout_session_id", p.CheckoutSessionID)
		p.ExternalTransactionID = transactionID
	}
	return true, nil
}

func (s *Service) applyTo(ctx context.Context, tx pgx.Tx, log *slog.Logger, ev ProcessorEvent, m *models.Mission, p *models.Payment) (bool, error) {
	now := s.nowUTC()
	switch e := ev.(type) {
	case AuthorizationSucceeded:
		if e.AmountCapturable > 0 && e.AmountCapturable != p.AmountMinor() {
			log.Warn("authorized amount differs from ledger", "authorized", e.AmountCapturable, "recorded", p.AmountMinor())
		}
		return s.authorize(ctx, tx, log, m, p, e.PaymentMethodID, now)

	case PaymentCaptured:
		changed, err := s.authorize(ctx, tx, log, m, p, e.PaymentMethodID, now)
		if err != nil {
			return false, err
		}
		if !m.FundedBy(p.ID) {
			return changed, nil
		}
		if m.Status != models.MissionStatusCompleted {
			if p.EscrowStatus == models.EscrowHeld && m.Status != models.MissionStatusCanceled {
				log.Warn("funds captured before mission completion", "mission_id", m.ID, "mission_status", m.Status)
			}
			return changed, nil
		}
		released, err := s.store.TransitionPayment(ctx, tx, p.ID, ledger.PaymentTransition{
			FromStatus:   []string{models.PaymentStatusSucceeded},
			FromEscrow:   []string{models.EscrowHeld},
			EscrowStatus: strPtr(models.EscrowReleased),
			CompletedAt:  timePtr(now),
		})
		if err != nil {
			return false, fmt.Errorf("confirm release: %w", err)
		}
		if released {
			log.Info("escrow release confirmed by processor", "payment_id", p.ID)
		}
		return changed || released, nil

	case PaymentFailed:
		ok, err := s.store.TransitionPayment(ctx, tx, p.ID, ledger.PaymentTransition{
			FromStatus: []string{models.PaymentStatusPending},
			Status:     strPtr(models.PaymentStatusFailed),
		})
		if err != nil {
			return false, fmt.Errorf("mark failed: %w", err)
		}
		if !ok {
			log.Info("failure ignored for payment past pending", "payment_status", p.Status)
		}
		return ok, nil

	case PaymentCanceled:
		if p.Status == models.PaymentStatusSucceeded && p.EscrowStatus == models.EscrowHeld {
			ok, err := s.store.TransitionPayment(ctx, tx, p.ID, ledger.PaymentTransition{
				FromStatus:   []string{models.PaymentStatusSucceeded},
				FromEscrow:   []string{models.EscrowHeld},
				Status:       strPtr(models.PaymentStatusCanceled),
				EscrowStatus: strPtr(models.EscrowRefunded),
			})
			if err != nil {
				return false, fmt.Errorf("mark voided: %w", err)
			}
			if ok && m.FundedBy(p.ID) {
				if _, err := s.store.UpdateMissionPaymentStatus(ctx, tx, m.ID, models.MissionPaymentRefunded, nil,
					models.MissionPaymentPaid, models.MissionPaymentPending); err != nil {
					return false, fmt.Errorf("mark mission refunded: %w", err)
				}
			}
			return ok, nil
		}
		ok, err := s.store.TransitionPayment(ctx, tx, p.ID, ledger.PaymentTransition{
			FromStatus: []string{models.PaymentStatusPending, models.PaymentStatusFailed},
			Status:     strPtr(models.PaymentStatusCanceled),
		})
		if err != nil {
			return false, fmt.Errorf("mark canceled: %w", err)
		}
		return ok, nil

	case RefundIssued:
		t := ledger.PaymentTransition{
			FromStatus: []string{models.PaymentStatusSucceeded, models.PaymentStatusCanceled},
			Status:     strPtr(models.PaymentStatusRefunded),
		}
		switch p.EscrowStatus {
		case models.EscrowHeld:
			t.FromEscrow = []string{models.EscrowHeld}
			t.EscrowStatus = strPtr(models.EscrowRefunded)
		case models.EscrowReleased:
			log.Warn("refund after release; escrow stays released", "payment_id", p.ID)
		}
		ok, err := s.store.TransitionPayment(ctx, tx, p.ID, t)
		if err != nil {
			return false, fmt.Errorf("mark refunded: %w", err)
		}
		if !ok {
			log.Info("refund ignored for payment", "payment_status", p.Status)
			return false, nil
		}
		if !m.FundedBy(p.ID) {
			return true, nil
		}
		if _, err := s.store.UpdateMissionPaymentStatus(ctx, tx, m.ID, models.MissionPaymentRefunded, nil,
			models.MissionPaymentPaid, models.MissionPaymentPending); err != nil {
			return false, fmt.Errorf("mark mission refunded: %w", err)
		}
		return true, nil

	case CheckoutCompleted:
		return true, nil
	}
	return false, nil
}

// authorize marks the payment succeeded and, when the mission is not yet funded, records it as
// the mission's funding payment. Any other authorization schedules a void instead.
func (s *Service) authorize(ctx context.Context, tx pgx.Tx, log *slog.Logger, m *models.Mission, p *models.Payment, paymentMethodID string, now time.Time) (bool, error) {
	t := ledger.PaymentTransition{
		FromStatus:  []string{models.PaymentStatusPending, models.PaymentStatusFailed},
		Status:      strPtr(models.PaymentStatusSucceeded),
		CompletedAt: timePtr(now),
	}
	if paymentMethodID != "" {
		t.PaymentMethodID = strPtr(paymentMethodID)
	}
	ok, err := s.store.TransitionPayment(ctx, tx, p.ID, t)
	if err != nil {
		return false, fmt.Errorf("mark succeeded: %w", err)
	}
	if ok {
		p.Status = models.PaymentStatusSucceeded
	}
	if p.Status != models.PaymentStatusSucceeded || p.EscrowStatus != models.EscrowHeld {
		return ok, nil
	}

	if m.Status == models.MissionStatusCanceled {
		if ok {
			log.Warn("authorization arrived for canceled mission; scheduling void", "payment_id", p.ID)
			if err := s.enqueueVoid(ctx, tx, p.ID); err != nil {
				return false, fmt.Errorf("schedule void: %w", err)
			}
		}
		return ok, nil
	}

	if m.FundedBy(p.ID) {
		return ok, nil
	}
	// Only a payment to the accepted applicant can fund the mission.
	accepted, err := s.store.ListApplications(ctx, tx, m.ID, models.ApplicationStatusAccepted)
	if err != nil {
		return false, fmt.Errorf("list accepted applications: %w", err)
	}
	paid := false
	if len(accepted) == 1 && accepted[0].StudentID == p.StudentID {
		paid, err = s.store.MarkMissionPaid(ctx, tx, m.ID, p.ID, now)
		if err != nil {
			return false, fmt.Errorf("mark mission paid: %w", err)
		}
	}
	if paid {
		log.Info("mission paid", "mission_id", m.ID, "payment_id", p.ID)
		m.PaymentStatus = models.MissionPaymentPaid
		m.FundedPaymentID = &p.ID
		return true, nil
	}
	// This hold does not fund the mission and goes back to the client.
	if ok {
		log.Warn("authorization for a mission it does not fund; scheduling void",
			"payment_id", p.ID, "mission_payment_status", m.PaymentStatus, "funded_payment_id", m.FundedPaymentID)
		if err := s.enqueueVoid(ctx, tx, p.ID); err != nil {
			return false, fmt.Errorf("schedule void: %w", err)
		}
	}
	return ok, nil
}

// recoverablePayment rebuilds a payment from transaction metadata for authorization events
// whose payment row never reached the ledger.
func recoverablePayment(ev ProcessorEvent) *models.Payment {
	switch ev.(type) {
	case AuthorizationSucceeded, PaymentCaptured:
	default:
		return nil
	}
	meta := ev.Meta()
	md := meta.Metadata
	if meta.TransactionID == "" || md == nil {
		return nil
	}
	paymentID, err1 := uuid.Parse(md[gateway.MetaPaymentID])
	missionID, err2 := uuid.Parse(md[gateway.MetaMissionID])
	clientID, err3 := uuid.Parse(md[gateway.MetaClientID])
	studentID, err4 := uuid.Parse(md[gateway.MetaStudentID])
	amount, err5 := strconv.ParseInt(md[gateway.MetaAmountMinor], 10, 64)
	if err := errors.Join(err1, err2, err3, err4, err5); err != nil {
		return nil
	}
	currency := models.NormalizeCurrency(md[gateway.MetaCurrency])
	if !models.SupportedCurrency(currency) || amount <= 0 {
		return nil
	}
	return &models.Payment{
		ID:                    paymentID,
		MissionID:             missionID,
		ClientID:              clientID,
		StudentID:             studentID,
		Amount:                models.FromMinorUnits(amount, currency),
		Currency:              currency,
		Status:                models.PaymentStatusPending,
		EscrowStatus:          models.EscrowHeld,
		ExternalTransactionID: meta.TransactionID,
		CheckoutSessionID:     meta.CheckoutSessionID,
		Metadata:              map[string]string{"recovered": "true"},
	}
}
