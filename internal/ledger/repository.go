package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skillmatch/backend/internal/models"
)

// Repository is the Postgres ledger of missions, applications, payments and processor events.
// Methods taking a pgx.Tx run inside the caller's transaction; "Get" methods on a tx take a
// row lock (SELECT ... FOR UPDATE). Callers lock in the order applications, missions, payments.
// Status updates are compare-and-set: they report false when the row was not in one of the
// expected states.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const missionColumns = `id, client_id, title, description, category, budget, deadline, remote, location, status, payment_status, paid_at, funded_payment_id, created_at, updated_at`

func scanMission(row pgx.Row) (*models.Mission, error) {
	var m models.Mission
	err := row.Scan(&m.ID, &m.ClientID, &m.Title, &m.Description, &m.Category, &m.Budget, &m.Deadline, &m.Remote, &m.Location, &m.Status, &m.PaymentStatus, &m.PaidAt, &m.FundedPaymentID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &m, nil
}

func (r *Repository) CreateMission(ctx context.Context, tx pgx.Tx, m *models.Mission) error {
	if m.Status == "" {
		m.Status = models.MissionStatusOpen
	}
	if m.PaymentStatus == "" {
		m.PaymentStatus = models.MissionPaymentUnset
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO missions (id, client_id, title, description, category, budget, deadline, remote, location, status, payment_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`, m.ID, m.ClientID, m.Title, m.Description, m.Category, m.Budget, m.Deadline, m.Remote, m.Location, m.Status, m.PaymentStatus).Scan(&m.CreatedAt, &m.UpdatedAt)
	return mapErr(err)
}

// GetMission locks and returns the mission row.
func (r *Repository) GetMission(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Mission, error) {
	return scanMission(tx.QueryRow(ctx, `SELECT `+missionColumns+` FROM missions WHERE id = $1 FOR UPDATE`, id))
}

// MissionByID reads a mission without locking.
func (r *Repository) MissionByID(ctx context.Context, id uuid.UUID) (*models.Mission, error) {
	return scanMission(r.pool.QueryRow(ctx, `SELECT `+missionColumns+` FROM missions WHERE id = $1`, id))
}

// TransitionMission moves the mission to status "to" when it is currently in one of "from".
// Entering in_progress additionally requires payment_status = paid.
func (r *Repository) TransitionMission(ctx context.Context, tx pgx.Tx, id uuid.UUID, to string, from ...string) (bool, error) {
	for _, f := range from {
		if !models.CanTransitionMission(f, to) {
			return false, fmt.Errorf("%w: mission %s -> %s", ErrInvalidTransition, f, to)
		}
	}
	tag, err := tx.Exec(ctx, `
		UPDATE missions SET status = $2, updated_at = now()
		WHERE id = $1 AND status = ANY($3::text[])
		  AND ($2 <> 'in_progress' OR payment_status = 'paid')
	`, id, to, from)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkMissionPaid records paymentID as the payment funding the mission. It applies only while
// the mission is unfunded (payment_status unset or pending) and in a status that may be paid.
func (r *Repository) MarkMissionPaid(ctx context.Context, tx pgx.Tx, id, paymentID uuid.UUID, paidAt time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE missions SET payment_status = 'paid', paid_at = $3, funded_payment_id = $2, updated_at = now()
		WHERE id = $1 AND payment_status IN ('unset', 'pending')
		  AND status = ANY($4::text[])
	`, id, paymentID, paidAt, models.MissionPaidStatuses)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateMissionPaymentStatus sets payment_status when it is currently in one of "from".
// paid_at is only overwritten when paidAt is non-nil. Marking a mission paid also requires
// the mission to be in a status that allows it.
func (r *Repository) UpdateMissionPaymentStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, to string, paidAt *time.Time, from ...string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE missions SET payment_status = $2, paid_at = COALESCE($3, paid_at), updated_at = now()
		WHERE id = $1 AND payment_status = ANY($4::text[])
		  AND ($2 <> 'paid' OR status = ANY($5::text[]))
	`, id, to, paidAt, from, models.MissionPaidStatuses)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
