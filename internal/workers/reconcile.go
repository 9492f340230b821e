package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/skillmatch/backend/internal/escrow"
)

const reconcileBatch = 100

type ReconcileArgs struct{}

func (ReconcileArgs) Kind() string { return "reconcile_payments" }

func (ReconcileArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 1}
}

// Reconciler is the part of escrow.Service the reconcile worker needs.
type Reconciler interface {
	Reconcile(ctx context.Context, staleAfter time.Duration, limit int) (escrow.ReconcileReport, error)
}

type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileArgs]
	escrow     Reconciler
	staleAfter time.Duration
	logger     *slog.Logger
}

func NewReconcileWorker(r Reconciler, staleAfter time.Duration, logger *slog.Logger) *ReconcileWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcileWorker{escrow: r, staleAfter: staleAfter, logger: logger}
}

func (w *ReconcileWorker) Work(ctx context.Context, job *river.Job[ReconcileArgs]) error {
	report, err := w.escrow.Reconcile(ctx, w.staleAfter, reconcileBatch)
	if err != nil {
		return fmt.Errorf("reconcile payments: %w", err)
	}
	if report.Checked > 0 {
		w.logger.Info("reconciliation pass", "checked", report.Checked, "applied", report.Applied, "failed", report.Failed)
	}
	return nil
}

// PeriodicReconcile schedules ReconcileArgs every interval, starting at boot.
func PeriodicReconcile(interval time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return ReconcileArgs{}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}

// Register adds both escrow workers.
func Register(workers *river.Workers, svc interface {
	Voider
	Reconciler
}, staleAfter time.Duration, logger *slog.Logger) {
	river.AddWorker(workers, NewVoidHoldWorker(svc, logger))
	river.AddWorker(workers, NewReconcileWorker(svc, staleAfter, logger))
}
