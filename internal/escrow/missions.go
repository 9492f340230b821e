package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/skillmatch/backend/internal/ledger"
	"github.com/skillmatch/backend/internal/models"
)

type MissionInput struct {
	Title       string
	Description string
	Category    string
	Budget      decimal.Decimal
	Deadline    *time.Time
	Remote      bool
	Location    *string
}

// CreateMission publishes an open mission owned by the actor.
func (s *Service) CreateMission(ctx context.Context, actor Actor, in MissionInput) (*models.Mission, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, validationf("title is required")
	}
	if in.Budget.IsNegative() {
		return nil, validationf("budget must not be negative")
	}
	m := &models.Mission{
		ID:            uuid.New(),
		ClientID:      actor.ID,
		Title:         title,
		Description:   in.Description,
		Category:      in.Category,
		Budget:        in.Budget,
		Deadline:      in.Deadline,
		Remote:        in.Remote,
		Location:      in.Location,
		Status:        models.MissionStatusOpen,
		PaymentStatus: models.MissionPaymentUnset,
	}
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		return s.store.CreateMission(ctx, tx, m)
	})
	if err != nil {
		return nil, fmt.Errorf("create mission: %w", err)
	}
	s.logger.Info("mission created", "mission_id", m.ID, "client_id", actor.ID)
	return m, nil
}

// GetMission returns a mission to its client or to a student who applied to it.
func (s *Service) GetMission(ctx context.Context, actor Actor, id uuid.UUID) (*models.Mission, error) {
	m, err := s.store.MissionByID(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, notFoundf("mission not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load mission: %w", err)
	}
	if m.ClientID == actor.ID {
		return m, nil
	}
	applied, err := s.store.HasApplied(ctx, id, actor.ID)
	if err != nil {
		return nil, fmt.Errorf("check application: %w", err)
	}
	if !applied && m.Status != models.MissionStatusOpen {
		return nil, authorizationf("not a party to this mission")
	}
	return m, nil
}

// Apply records a student's application to an open mission.
func (s *Service) Apply(ctx context.Context, actor Actor, missionID uuid.UUID, coverLetter *string) (*models.Application, error) {
	var app *models.Application
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		m, err := s.lockMission(ctx, tx, missionID)
		if err != nil {
			return err
		}
		if m.ClientID == actor.ID {
			return preconditionf("cannot apply to your own mission")
		}
		if m.Status != models.MissionStatusOpen {
			return preconditionf("mission is not open for applications (status: %s)", m.Status)
		}
		app = &models.Application{
			ID:          uuid.New(),
			MissionID:   missionID,
			StudentID:   actor.ID,
			Status:      models.ApplicationStatusPending,
			CoverLetter: coverLetter,
		}
		if err := s.store.CreateApplication(ctx, tx, app); err != nil {
			if errors.Is(err, ledger.ErrDuplicate) {
				return preconditionf("you have already applied to this mission")
			}
			return fmt.Errorf("create application: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("application submitted", "application_id", app.ID, "mission_id", missionID, "student_id", actor.ID)
	return app, nil
}

// lockApplicationAndMission locks an application and then its mission, checking the actor owns the mission.
func (s *Service) lockApplicationAndMission(ctx context.Context, tx pgx.Tx, actor Actor, applicationID uuid.UUID) (*models.Application, *models.Mission, error) {
	app, err := s.store.GetApplication(ctx, tx, applicationID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, nil, notFoundf("application not found")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load application: %w", err)
	}
	m, err := s.lockOwnedMission(ctx, tx, actor, app.MissionID)
	if err != nil {
		return nil, nil, err
	}
	return app, m, nil
}

// AcceptApplication accepts one pending application, rejects the other pending ones and
// moves the mission to in_discussion.
func (s *Service) AcceptApplication(ctx context.Context, actor Actor, applicationID uuid.UUID) (*models.Application, error) {
	var app *models.Application
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		a, m, err := s.lockApplicationAndMission(ctx, tx, actor, applicationID)
		if err != nil {
			return err
		}
		app = a
		if m.Status != models.MissionStatusOpen {
			return preconditionf("mission is not open (status: %s)", m.Status)
		}
		if app.Status != models.ApplicationStatusPending {
			return preconditionf("application is %s", app.Status)
		}
		accepted, err := s.store.ListApplications(ctx, tx, m.ID, models.ApplicationStatusAccepted)
		if err != nil {
			return fmt.Errorf("list accepted applications: %w", err)
		}
		if len(accepted) > 0 {
			return preconditionf("mission already has an accepted application")
		}
		ok, err := s.store.TransitionApplication(ctx, tx, app.ID, models.ApplicationStatusAccepted, models.ApplicationStatusPending)
		if err != nil {
			return fmt.Errorf("accept application: %w", err)
		}
		if !ok {
			return preconditionf("application is no longer pending")
		}
		if _, err := s.store.RejectPendingApplications(ctx, tx, m.ID, app.ID); err != nil {
			return fmt.Errorf("reject other applications: %w", err)
		}
		ok, err = s.store.TransitionMission(ctx, tx, m.ID, models.MissionStatusInDiscussion, models.MissionStatusOpen)
		if err != nil {
			return fmt.Errorf("move mission to in_discussion: %w", err)
		}
		if !ok {
			return preconditionf("mission is no longer open")
		}
		app.Status = models.ApplicationStatusAccepted
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("application accepted", "application_id", app.ID, "mission_id", app.MissionID, "student_id", app.StudentID)
	return app, nil
}

// RejectApplication rejects a pending application.
func (s *Service) RejectApplication(ctx context.Context, actor Actor, applicationID uuid.UUID) (*models.Application, error) {
	var app *models.Application
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		a, _, err := s.lockApplicationAndMission(ctx, tx, actor, applicationID)
		if err != nil {
			return err
		}
		app = a
		ok, err := s.store.TransitionApplication(ctx, tx, app.ID, models.ApplicationStatusRejected, models.ApplicationStatusPending)
		if err != nil {
			return fmt.Errorf("reject application: %w", err)
		}
		if !ok {
			return preconditionf("only pending applications can be rejected (status: %s)", app.Status)
		}
		app.Status = models.ApplicationStatusRejected
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("application rejected", "application_id", app.ID, "mission_id", app.MissionID)
	return app, nil
}

// StartMission moves a funded mission from in_discussion to in_progress.
func (s *Service) StartMission(ctx context.Context, actor Actor, missionID uuid.UUID) (*models.Mission, error) {
	return s.advanceMission(ctx, actor, missionID, models.MissionStatusInProgress, models.MissionStatusInDiscussion, func(m *models.Mission) error {
		if m.PaymentStatus != models.MissionPaymentPaid {
			return preconditionf("mission must be paid before work starts (payment status: %s)", m.PaymentStatus)
		}
		return nil
	})
}

// CompleteMission moves a mission from in_progress to completed.
func (s *Service) CompleteMission(ctx context.Context, actor Actor, missionID uuid.UUID) (*models.Mission, error) {
	return s.advanceMission(ctx, actor, missionID, models.MissionStatusCompleted, models.MissionStatusInProgress, nil)
}

func (s *Service) advanceMission(ctx context.Context, actor Actor, missionID uuid.UUID, to, from string, check func(*models.Mission) error) (*models.Mission, error) {
	var mission *models.Mission
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		m, err := s.lockOwnedMission(ctx, tx, actor, missionID)
		if err != nil {
			return err
		}
		if m.Status != from {
			return preconditionf("mission must be %s to become %s (status: %s)", from, to, m.Status)
		}
		if check != nil {
			if err := check(m); err != nil {
				return err
			}
		}
		ok, err := s.store.TransitionMission(ctx, tx, m.ID, to, from)
		if err != nil {
			return fmt.Errorf("move mission to %s: %w", to, err)
		}
		if !ok {
			return preconditionf("mission changed concurrently")
		}
		m.Status = to
		mission = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("mission status changed", "mission_id", missionID, "status", to)
	return mission, nil
}

type CancelResult struct {
	Mission *models.Mission
	// VoidRequested is true when held funds are being returned to the client.
	VoidRequested bool
	PaymentID     *uuid.UUID
}

// CancelMission cancels a mission that is not completed. Held funds are voided or refunded
// asynchronously; the payment's final state arrives through processor events.
func (s *Service) CancelMission(ctx context.Context, actor Actor, missionID uuid.UUID) (*CancelResult, error) {
	res := &CancelResult{}
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		m, err := s.lockOwnedMission(ctx, tx, actor, missionID)
		if err != nil {
			return err
		}
		if m.IsTerminal() {
			return preconditionf("mission is already %s", m.Status)
		}
		// A canceled mission is never "paid": funds stay pending until the processor confirms
		// the void or refund.
		if m.PaymentStatus == models.MissionPaymentPaid {
			ok, err := s.store.UpdateMissionPaymentStatus(ctx, tx, m.ID, models.MissionPaymentPending, nil, models.MissionPaymentPaid)
			if err != nil {
				return fmt.Errorf("unmark mission paid: %w", err)
			}
			if !ok {
				return preconditionf("mission changed concurrently")
			}
			m.PaymentStatus = models.MissionPaymentPending
		}
		ok, err := s.store.TransitionMission(ctx, tx, m.ID, models.MissionStatusCanceled, models.MissionCancelable...)
		if err != nil {
			return fmt.Errorf("cancel mission: %w", err)
		}
		if !ok {
			return preconditionf("mission changed concurrently")
		}
		m.Status = models.MissionStatusCanceled
		res.Mission = m

		var p *models.Payment
		if m.FundedPaymentID != nil {
			p, err = s.store.GetPayment(ctx, tx, *m.FundedPaymentID)
		} else {
			p, err = s.store.LatestPaymentForMission(ctx, tx, m.ID)
		}
		if errors.Is(err, ledger.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load payment: %w", err)
		}
		if p.Status == models.PaymentStatusSucceeded && p.EscrowStatus == models.EscrowHeld {
			if err := s.enqueueVoid(ctx, tx, p.ID); err != nil {
				return fmt.Errorf("schedule void: %w", err)
			}
			res.VoidRequested = true
			res.PaymentID = &p.ID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("mission canceled", "mission_id", missionID, "void_requested", res.VoidRequested)
	return res, nil
}
