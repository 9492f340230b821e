package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/skillmatch/backend/internal/models"
)

const applicationColumns = `id, mission_id, student_id, status, cover_letter, created_at`

func scanApplication(row pgx.Row) (*models.Application, error) {
	var a models.Application
	if err := row.Scan(&a.ID, &a.MissionID, &a.StudentID, &a.Status, &a.CoverLetter, &a.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

// CreateApplication inserts a pending application. A second application by the same
// student to the same mission returns ErrDuplicate.
func (r *Repository) CreateApplication(ctx context.Context, tx pgx.Tx, a *models.Application) error {
	if a.Status == "" {
		a.Status = models.ApplicationStatusPending
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO applications (id, mission_id, student_id, status, cover_letter)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, a.ID, a.MissionID, a.StudentID, a.Status, a.CoverLetter).Scan(&a.CreatedAt)
	return mapErr(err)
}

// GetApplication locks and returns the application row.
func (r *Repository) GetApplication(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Application, error) {
	return scanApplication(tx.QueryRow(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1 FOR UPDATE`, id))
}

// ListApplications returns the mission's applications in the given status, oldest first.
func (r *Repository) ListApplications(ctx context.Context, tx pgx.Tx, missionID uuid.UUID, status string) ([]*models.Application, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+applicationColumns+` FROM applications
		WHERE mission_id = $1 AND status = $2
		ORDER BY created_at
	`, missionID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

// HasApplied reports whether the student has an application on the mission, without locking.
func (r *Repository) HasApplied(ctx context.Context, missionID, studentID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM applications WHERE mission_id = $1 AND student_id = $2)
	`, missionID, studentID).Scan(&exists)
	return exists, err
}

// TransitionApplication moves an application from status "from" to "to".
func (r *Repository) TransitionApplication(ctx context.Context, tx pgx.Tx, id uuid.UUID, to, from string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE applications SET status = $2 WHERE id = $1 AND status = $3
	`, id, to, from)
	if err != nil {
		return false, mapErr(err)
	}
	return tag.RowsAffected() == 1, nil
}

// RejectPendingApplications rejects every pending application on the mission except one.
func (r *Repository) RejectPendingApplications(ctx context.Context, tx pgx.Tx, missionID, except uuid.UUID) (int64, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE applications SET status = 'rejected'
		WHERE mission_id = $1 AND id <> $2 AND status = 'pending'
	`, missionID, except)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
