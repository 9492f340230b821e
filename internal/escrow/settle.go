package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/skillmatch/backend/internal/gateway"
	"github.com/skillmatch/backend/internal/ledger"
	"github.com/skillmatch/backend/internal/models"
)

// VoidHold returns a payment's held funds to the client: the authorization is voided when it
// has not been captured, and refunded when it has. The resulting payment state is recorded
// from the processor's confirmation events, not here.
func (s *Service) VoidHold(ctx context.Context, paymentID uuid.UUID) error {
	log := s.logger.With("step", "void_hold", "payment_id", paymentID)

	p, err := s.store.PaymentByID(ctx, paymentID)
	if errors.Is(err, ledger.ErrNotFound) {
		log.Warn("payment not found; nothing to void")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load payment: %w", err)
	}
	if p.EscrowStatus != models.EscrowHeld {
		log.Info("escrow no longer held", "escrow_status", p.EscrowStatus)
		return nil
	}

	gctx, cancel := s.gatewayCtx(ctx)
	defer cancel()
	txn, err := s.gateway.Lookup(gctx, p.ExternalTransactionID)
	if err != nil {
		return gatewayError("look up transaction", err)
	}
	log = log.With("external_transaction_id", txn.ID, "state", txn.State)

	switch txn.State {
	case gateway.StateCapturable:
		if _, err := s.gateway.Void(gctx, txn.ID); err != nil {
			return gatewayError("void authorization", err)
		}
		log.Info("authorization voided")
	case gateway.StateCaptured:
		r, err := s.gateway.Refund(gctx, txn.ID, "refund_"+p.ID.String())
		if err != nil {
			return gatewayError("refund payment", err)
		}
		log.Info("captured payment refunded", "refund_id", r.ID, "refund_status", r.Status)
	case gateway.StateCanceled, gateway.StateRefunded:
		if ev := observedEvent(p, txn); ev != nil {
			if _, err := s.ApplyProcessorEvent(ctx, ev); err != nil {
				return err
			}
		}
	default:
		log.Info("nothing held at processor yet")
	}
	return nil
}

type ReconcileReport struct {
	Checked int
	Applied int
	Failed  int
}

// Reconcile looks up payments that have not moved since staleAfter and applies what the
// processor reports through the same path as processor events.
func (s *Service) Reconcile(ctx context.Context, staleAfter time.Duration, limit int) (ReconcileReport, error) {
	var report ReconcileReport
	payments, err := s.store.ListUnsettledPayments(ctx, s.nowUTC().Add(-staleAfter), limit)
	if err != nil {
		return report, fmt.Errorf("list unsettled payments: %w", err)
	}
	for _, p := range payments {
		report.Checked++
		log := s.logger.With("step", "reconcile", "payment_id", p.ID, "external_transaction_id", p.ExternalTransactionID)

		gctx, cancel := s.gatewayCtx(ctx)
		txn, err := s.gateway.Lookup(gctx, p.ExternalTransactionID)
		cancel()
		if err != nil {
			report.Failed++
			log.Warn("lookup failed", "error", err)
			continue
		}
		ev := observedEvent(p, txn)
		if ev == nil {
			continue
		}
		outcome, err := s.ApplyProcessorEvent(ctx, ev)
		if err != nil {
			report.Failed++
			log.Error("apply observed state failed", "state", txn.State, "error", err)
			continue
		}
		if outcome == OutcomeApplied {
			report.Applied++
			log.Info("payment reconciled", "state", txn.State)
		}
	}
	return report, nil
}

// observedEvent turns a processor lookup into the event that would have reported it. The id
// changes whenever the payment row changes, so the same observation is applied once per state.
func observedEvent(p *models.Payment, txn *gateway.Transaction) ProcessorEvent {
	meta := EventMeta{
		ID:                fmt.Sprintf("reconcile:%s:%s:%d", txn.ID, txn.State, p.UpdatedAt.UnixMicro()),
		Type:              "reconcile." + string(txn.State),
		TransactionID:     txn.ID,
		PaymentRef:        p.ID,
		CheckoutSessionID: p.CheckoutSessionID,
		Metadata:          txn.Metadata,
	}
	switch txn.State {
	case gateway.StateCapturable:
		return AuthorizationSucceeded{EventMeta: meta, PaymentMethodID: txn.PaymentMethodID, AmountCapturable: txn.AmountCapturable}
	case gateway.StateCaptured:
		return PaymentCaptured{EventMeta: meta, PaymentMethodID: txn.PaymentMethodID, AmountReceived: txn.AmountReceived}
	case gateway.StateFailed:
		return PaymentFailed{EventMeta: meta}
	case gateway.StateCanceled:
		if txn.ID == p.CheckoutSessionID {
			// Expired checkout without a transaction.
			meta.TransactionID = ""
		}
		return PaymentCanceled{EventMeta: meta}
	case gateway.StateRefunded:
		return RefundIssued{EventMeta: meta, AmountRefunded: txn.AmountReceived}
	}
	return nil
}
