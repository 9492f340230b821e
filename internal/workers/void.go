// Package workers runs the escrow background jobs on river: returning held funds after a
// cancellation and reconciling payments whose processor events were missed.
package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/skillmatch/backend/internal/gateway"
)

type VoidHoldArgs struct {
	PaymentID uuid.UUID `json:"payment_id"`
}

func (VoidHoldArgs) Kind() string { return "void_escrow_hold" }

// InsertOpts dedupes voids for a payment while one is still queued or running.
func (VoidHoldArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 12,
		UniqueOpts: river.UniqueOpts{
			ByArgs: true,
			ByState: []rivertype.JobState{
				rivertype.JobStateAvailable,
				rivertype.JobStatePending,
				rivertype.JobStateRetryable,
				rivertype.JobStateRunning,
				rivertype.JobStateScheduled,
			},
		},
	}
}

// Voider is the part of escrow.Service the void worker needs.
type Voider interface {
	VoidHold(ctx context.Context, paymentID uuid.UUID) error
}

type VoidHoldWorker struct {
	river.WorkerDefaults[VoidHoldArgs]
	escrow Voider
	logger *slog.Logger
}

func NewVoidHoldWorker(v Voider, logger *slog.Logger) *VoidHoldWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &VoidHoldWorker{escrow: v, logger: logger}
}

func (w *VoidHoldWorker) Timeout(*river.Job[VoidHoldArgs]) time.Duration { return time.Minute }

func (w *VoidHoldWorker) Work(ctx context.Context, job *river.Job[VoidHoldArgs]) error {
	err := w.escrow.VoidHold(ctx, job.Args.PaymentID)
	if err == nil {
		return nil
	}
	if permanent(err) {
		w.logger.Error("void rejected by processor; needs manual follow-up",
			"payment_id", job.Args.PaymentID, "attempt", job.Attempt, "error", err)
		return river.JobCancel(err)
	}
	return fmt.Errorf("void hold for payment %s: %w", job.Args.PaymentID, err)
}

// permanent reports whether the processor refused the request in a way retrying will not fix.
func permanent(err error) bool {
	var gwErr *gateway.Error
	if !errors.As(err, &gwErr) {
		return false
	}
	return gwErr.HTTPStatus >= 400 && gwErr.HTTPStatus < 500 &&
		gwErr.HTTPStatus != http.StatusTooManyRequests && gwErr.HTTPStatus != http.StatusConflict
}
