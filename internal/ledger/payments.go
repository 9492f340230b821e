package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/skillmatch/backend/internal/models"
)

// PaymentTransition describes a compare-and-set update of a payment row. The update applies
// only when the current status is one of FromStatus and, if FromEscrow is set, the current
// escrow_status is one of FromEscrow. Nil fields are left unchanged.
type PaymentTransition struct {
	FromStatus      []string
	FromEscrow      []string
	Status          *string
	EscrowStatus    *string
	PaymentMethodID *string
	CompletedAt     *time.Time
}

// Validate checks every (from, to) pair against the payment and escrow state machines.
func (t PaymentTransition) Validate() error {
	if len(t.FromStatus) == 0 {
		return fmt.Errorf("%w: no source status", ErrInvalidTransition)
	}
	if t.Status != nil {
		for _, f := range t.FromStatus {
			if !models.CanTransitionPayment(f, *t.Status) {
				return fmt.Errorf("%w: payment %s -> %s", ErrInvalidTransition, f, *t.Status)
			}
		}
	}
	if t.EscrowStatus != nil {
		from := t.FromEscrow
		if len(from) == 0 {
			from = []string{models.EscrowHeld, models.EscrowReleased, models.EscrowRefunded}
		}
		for _, f := range from {
			if !models.CanTransitionEscrow(f, *t.EscrowStatus) {
				return fmt.Errorf("%w: escrow %s -> %s", ErrInvalidTransition, f, *t.EscrowStatus)
			}
		}
	}
	return nil
}

const paymentColumns = `id, mission_id, client_id, student_id, amount, currency, status, escrow_status, external_transaction_id, checkout_session_id, payment_method_id, metadata, created_at, completed_at, updated_at`

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var p models.Payment
	var session *string
	err := row.Scan(&p.ID, &p.MissionID, &p.ClientID, &p.StudentID, &p.Amount, &p.Currency, &p.Status, &p.EscrowStatus, &p.ExternalTransactionID, &session, &p.PaymentMethodID, &p.Metadata, &p.CreatedAt, &p.CompletedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	if session != nil {
		p.CheckoutSessionID = *session
	}
	return &p, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// InsertPayment records a payment. A second row for the same external transaction id returns ErrDuplicate.
func (r *Repository) InsertPayment(ctx context.Context, tx pgx.Tx, p *models.Payment) error {
	if p.Metadata == nil {
		p.Metadata = map[string]string{}
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO payments (id, mission_id, client_id, student_id, amount, currency, status, escrow_status, external_transaction_id, checkout_session_id, payment_method_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`, p.ID, p.MissionID, p.ClientID, p.StudentID, p.Amount, p.Currency, p.Status, p.EscrowStatus, p.ExternalTransactionID, nullIfEmpty(p.CheckoutSessionID), p.PaymentMethodID, p.Metadata).Scan(&p.CreatedAt, &p.UpdatedAt)
	return mapErr(err)
}

// GetPayment locks and returns the payment row.
func (r *Repository) GetPayment(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Payment, error) {
	return scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
}

// LatestPaymentForMission locks and returns the most recent payment of a mission.
func (r *Repository) LatestPaymentForMission(ctx context.Context, tx pgx.Tx, missionID uuid.UUID) (*models.Payment, error) {
	return scanPayment(tx.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE mission_id = $1
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE
	`, missionID))
}

// PaymentByID reads a payment without locking.
func (r *Repository) PaymentByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

// PaymentByExternalID reads a payment by its processor transaction id without locking.
func (r *Repository) PaymentByExternalID(ctx context.Context, externalID string) (*models.Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE external_transaction_id = $1`, externalID))
}

// PaymentByCheckoutSession reads the payment created for a checkout session without locking.
func (r *Repository) PaymentByCheckoutSession(ctx context.Context, sessionID string) (*models.Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE checkout_session_id = $1`, sessionID))
}

// BindExternalID replaces the checkout-session anchor with the processor transaction id.
// It only applies while the payment is still anchored on its session.
func (r *Repository) BindExternalID(ctx context.Context, tx pgx.Tx, id uuid.UUID, externalID string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE payments SET external_transaction_id = $2, updated_at = now()
		WHERE id = $1 AND external_transaction_id = checkout_session_id
	`, id, externalID)
	if err != nil {
		return false, mapErr(err)
	}
	return tag.RowsAffected() == 1, nil
}

// TransitionPayment applies a compare-and-set status update.
func (r *Repository) TransitionPayment(ctx context.Context, tx pgx.Tx, id uuid.UUID, t PaymentTransition) (bool, error) {
	if err := t.Validate(); err != nil {
		return false, err
	}
	var fromEscrow []string
	if len(t.FromEscrow) > 0 {
		fromEscrow = t.FromEscrow
	}
	tag, err := tx.Exec(ctx, `
		UPDATE payments SET
			status = COALESCE($2::text, status),
			escrow_status = COALESCE($3::text, escrow_status),
			payment_method_id = COALESCE($4::text, payment_method_id),
			completed_at = COALESCE($5::timestamptz, completed_at),
			updated_at = now()
		WHERE id = $1
		  AND status = ANY($6::text[])
		  AND ($7::text[] IS NULL OR escrow_status = ANY($7::text[]))
	`, id, t.Status, t.EscrowStatus, t.PaymentMethodID, t.CompletedAt, t.FromStatus, fromEscrow)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListUnsettledPayments returns payments that have not moved since staleBefore and may lag the
// processor: pending checkouts, and held funds on missions that are completed or canceled.
func (r *Repository) ListUnsettledPayments(ctx context.Context, staleBefore time.Time, limit int) ([]*models.Payment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+prefixed("p", paymentColumns)+`
		FROM payments p JOIN missions m ON m.id = p.mission_id
		WHERE p.updated_at < $1
		  AND p.escrow_status = 'held'
		  AND (p.status = 'pending'
		       OR (p.status = 'succeeded' AND m.status IN ('completed', 'canceled')))
		ORDER BY p.updated_at
		LIMIT $2
	`, staleBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

// RecordProcessorEvent stores the event id. It returns false when the event was already recorded.
func (r *Repository) RecordProcessorEvent(ctx context.Context, tx pgx.Tx, ev *models.ProcessorEvent) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO processor_events (id, type, external_transaction_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, ev.ID, ev.Type, ev.ExternalTransactionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
