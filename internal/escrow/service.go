// Package escrow is the payment state machine: it validates preconditions, drives mission,
// application and payment status transitions and is the only writer of status fields.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/skillmatch/backend/internal/gateway"
	"github.com/skillmatch/backend/internal/ledger"
	"github.com/skillmatch/backend/internal/models"
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the ledger subset the state machine needs. ledger.Repository implements it.
type Store interface {
	CreateMission(ctx context.Context, tx pgx.Tx, m *models.Mission) error
	GetMission(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Mission, error)
	MissionByID(ctx context.Context, id uuid.UUID) (*models.Mission, error)
	TransitionMission(ctx context.Context, tx pgx.Tx, id uuid.UUID, to string, from ...string) (bool, error)
	UpdateMissionPaymentStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, to string, paidAt *time.Time, from ...string) (bool, error)
	MarkMissionPaid(ctx context.Context, tx pgx.Tx, id, paymentID uuid.UUID, paidAt time.Time) (bool, error)

	CreateApplication(ctx context.Context, tx pgx.Tx, a *models.Application) error
	GetApplication(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Application, error)
	ListApplications(ctx context.Context, tx pgx.Tx, missionID uuid.UUID, status string) ([]*models.Application, error)
	HasApplied(ctx context.Context, missionID, studentID uuid.UUID) (bool, error)
	TransitionApplication(ctx context.Context, tx pgx.Tx, id uuid.UUID, to, from string) (bool, error)
	RejectPendingApplications(ctx context.Context, tx pgx.Tx, missionID, except uuid.UUID) (int64, error)

	InsertPayment(ctx context.Context, tx pgx.Tx, p *models.Payment) error
	GetPayment(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Payment, error)
	LatestPaymentForMission(ctx context.Context, tx pgx.Tx, missionID uuid.UUID) (*models.Payment, error)
	PaymentByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	PaymentByExternalID(ctx context.Context, externalID string) (*models.Payment, error)
	PaymentByCheckoutSession(ctx context.Context, sessionID string) (*models.Payment, error)
	BindExternalID(ctx context.Context, tx pgx.Tx, id uuid.UUID, externalID string) (bool, error)
	TransitionPayment(ctx context.Context, tx pgx.Tx, id uuid.UUID, t ledger.PaymentTransition) (bool, error)
	ListUnsettledPayments(ctx context.Context, staleBefore time.Time, limit int) ([]*models.Payment, error)

	RecordProcessorEvent(ctx context.Context, tx pgx.Tx, ev *models.ProcessorEvent) (bool, error)
}

// EnqueueVoidTxFunc schedules voiding (or refunding) a payment's hold, inside tx.
type EnqueueVoidTxFunc func(ctx context.Context, tx pgx.Tx, paymentID uuid.UUID) error

// Actor is the authenticated user making a request.
type Actor struct {
	ID    uuid.UUID
	Email string
}

type Config struct {
	// GatewayTimeout bounds every processor call. Defaults to 10s.
	GatewayTimeout time.Duration
	Logger         *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

type Service struct {
	pool           TxBeginner
	store          Store
	gateway        gateway.Gateway
	enqueueVoid    EnqueueVoidTxFunc
	gatewayTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

func NewService(pool TxBeginner, store Store, gw gateway.Gateway, enqueueVoid EnqueueVoidTxFunc, cfg Config) *Service {
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		pool:           pool,
		store:          store,
		gateway:        gw,
		enqueueVoid:    enqueueVoid,
		gatewayTimeout: cfg.GatewayTimeout,
		logger:         cfg.Logger,
		now:            cfg.Now,
	}
}

func (s *Service) nowUTC() time.Time {
	return s.now().UTC()
}

func (s *Service) gatewayCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.gatewayTimeout)
}

// inTx runs fn in a transaction and commits when it returns nil.
func (s *Service) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Service) lockMission(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Mission, error) {
	m, err := s.store.GetMission(ctx, tx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, notFoundf("mission not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load mission: %w", err)
	}
	return m, nil
}

func (s *Service) lockOwnedMission(ctx context.Context, tx pgx.Tx, actor Actor, id uuid.UUID) (*models.Mission, error) {
	m, err := s.lockMission(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if m.ClientID != actor.ID {
		return nil, authorizationf("only the mission's client can do this")
	}
	return m, nil
}

// acceptedApplicant re-derives the accepted application from the ledger. Exactly one must exist.
func (s *Service) acceptedApplicant(ctx context.Context, tx pgx.Tx, missionID uuid.UUID) (*models.Application, error) {
	accepted, err := s.store.ListApplications(ctx, tx, missionID, models.ApplicationStatusAccepted)
	if err != nil {
		return nil, fmt.Errorf("list accepted applications: %w", err)
	}
	switch len(accepted) {
	case 0:
		return nil, preconditionf("no application has been accepted for this mission")
	case 1:
		return accepted[0], nil
	default:
		s.logger.Error("data integrity fault: more than one accepted application",
			"mission_id", missionID, "accepted", len(accepted))
		return nil, preconditionf("mission has more than one accepted application")
	}
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
