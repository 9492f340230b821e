package workers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/skillmatch/backend/internal/escrow"
	"github.com/skillmatch/backend/internal/gateway"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockEscrow struct {
	mu        sync.Mutex
	voided    []uuid.UUID
	voidErr   error
	report    escrow.ReconcileReport
	recErr    error
	staleSeen time.Duration
}

func (m *mockEscrow) VoidHold(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.voided = append(m.voided, id)
	return m.voidErr
}

func (m *mockEscrow) Reconcile(_ context.Context, staleAfter time.Duration, _ int) (escrow.ReconcileReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staleSeen = staleAfter
	return m.report, m.recErr
}

func voidJob(id uuid.UUID) *river.Job[VoidHoldArgs] {
	return &river.Job[VoidHoldArgs]{JobRow: &rivertype.JobRow{Attempt: 1}, Args: VoidHoldArgs{PaymentID: id}}
}

// ---------------------------------------------------------------------------
// VoidHoldWorker
// ---------------------------------------------------------------------------

func TestVoidHoldWorker_Success(t *testing.T) {
	m := &mockEscrow{}
	id := uuid.New()
	if err := NewVoidHoldWorker(m, nil).Work(context.Background(), voidJob(id)); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if len(m.voided) != 1 || m.voided[0] != id {
		t.Errorf("voided = %v", m.voided)
	}
}

func TestVoidHoldWorker_TransientErrorRetries(t *testing.T) {
	m := &mockEscrow{voidErr: gateway.ErrUnavailable}
	err := NewVoidHoldWorker(m, nil).Work(context.Background(), voidJob(uuid.New()))
	if err == nil || !errors.Is(err, gateway.ErrUnavailable) {
		t.Fatalf("expected retryable error wrapping ErrUnavailable, got %v", err)
	}
	if permanent(err) {
		t.Error("unavailable processor must be retried")
	}
}

func TestPermanent(t *testing.T) {
	cases := []struct {
		status int
		want   bool
	}{
		{400, true},
		{404, true},
		{409, false},
		{429, false},
		{500, false},
		{503, false},
	}
	for _, tc := range cases {
		err := &escrow.Error{Kind: escrow.ErrGateway, Msg: "x", Err: &gateway.Error{Op: "void", HTTPStatus: tc.status}}
		if got := permanent(err); got != tc.want {
			t.Errorf("status %d: permanent = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestVoidHoldWorker_PermanentErrorCancels(t *testing.T) {
	cause := &gateway.Error{Op: "void", Message: "payment_intent_unexpected_state", HTTPStatus: 400}
	m := &mockEscrow{voidErr: cause}
	err := NewVoidHoldWorker(m, nil).Work(context.Background(), voidJob(uuid.New()))
	if err == nil || !errors.Is(err, cause) {
		t.Fatalf("expected cancel error wrapping the processor error, got %v", err)
	}
}

func TestVoidHoldArgs(t *testing.T) {
	if (VoidHoldArgs{}).Kind() != "void_escrow_hold" {
		t.Errorf("kind = %q", VoidHoldArgs{}.Kind())
	}
	opts := VoidHoldArgs{}.InsertOpts()
	if !opts.UniqueOpts.ByArgs {
		t.Error("voids must be unique by payment")
	}
	for _, s := range opts.UniqueOpts.ByState {
		if s == rivertype.JobStateCompleted {
			t.Error("a completed void must not block a later one")
		}
	}
}

// ---------------------------------------------------------------------------
// ReconcileWorker
// ---------------------------------------------------------------------------

func TestReconcileWorker(t *testing.T) {
	m := &mockEscrow{report: escrow.ReconcileReport{Checked: 3, Applied: 1}}
	w := NewReconcileWorker(m, 15*time.Minute, nil)
	job := &river.Job[ReconcileArgs]{JobRow: &rivertype.JobRow{}}

	if err := w.Work(context.Background(), job); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if m.staleSeen != 15*time.Minute {
		t.Errorf("staleAfter = %s", m.staleSeen)
	}

	m.recErr = errors.New("db down")
	if err := w.Work(context.Background(), job); err == nil {
		t.Error("expected error when the ledger is unavailable")
	}
}
