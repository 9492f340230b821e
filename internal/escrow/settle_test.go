package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/skillmatch/backend/internal/gateway"
	"github.com/skillmatch/backend/internal/models"
)

func TestVoidHold(t *testing.T) {
	cases := []struct {
		name     string
		state    gateway.State
		wantCall string
	}{
		{"authorized hold is voided", gateway.StateCapturable, "void:"},
		{"captured funds are refunded", gateway.StateCaptured, "refund:"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			m := h.seedMission(models.MissionStatusCanceled, models.MissionPaymentPending)
			p := h.seedPayment(m, models.PaymentStatusSucceeded, models.EscrowHeld)
			h.gw.setState(p.ExternalTransactionID, tc.state)

			if err := h.svc.VoidHold(context.Background(), p.ID); err != nil {
				t.Fatalf("VoidHold: %v", err)
			}
			if h.gw.callCount(tc.wantCall) != 1 {
				t.Errorf("calls = %v, want one %s", h.gw.calls, tc.wantCall)
			}
			if got := h.store.payment(p.ID).EscrowStatus; got != models.EscrowHeld {
				t.Errorf("escrow = %s; the ledger follows the processor's confirmation", got)
			}
		})
	}
}

func TestVoidHold_AlreadyVoidedAtProcessor(t *testing.T) {
	h := newHarness()
	m := h.seedMission(models.MissionStatusCanceled, models.MissionPaymentPending)
	p := h.seedPayment(m, models.PaymentStatusSucceeded, models.EscrowHeld)
	h.gw.setState(p.ExternalTransactionID, gateway.StateCanceled)

	if err := h.svc.VoidHold(context.Background(), p.ID); err != nil {
		t.Fatalf("VoidHold: %v", err)
	}
	if h.gw.callCount("void:") != 0 {
		t.Error("nothing left to void")
	}
	got := h.store.payment(p.ID)
	if got.Status != models.PaymentStatusCanceled || got.EscrowStatus != models.EscrowRefunded {
		t.Errorf("payment = %s/%s, want canceled/refunded", got.Status, got.EscrowStatus)
	}
}

func TestVoidHold_NotHeld(t *testing.T) {
	h := newHarness()
	m := h.seedMission(models.MissionStatusCompleted, models.MissionPaymentPaid)
	p := h.seedPayment(m, models.PaymentStatusSucceeded, models.EscrowReleased)

	if err := h.svc.VoidHold(context.Background(), p.ID); err != nil {
		t.Fatalf("VoidHold: %v", err)
	}
	if len(h.gw.calls) != 0 {
		t.Errorf("released escrow must not reach the processor: %v", h.gw.calls)
	}
}

func TestReconcile(t *testing.T) {
	h := newHarness()
	m := h.seedMission(models.MissionStatusInDiscussion, models.MissionPaymentPending)
	authorizedPayment := h.seedPayment(m, models.PaymentStatusPending, models.EscrowHeld)
	h.gw.setState(authorizedPayment.ExternalTransactionID, gateway.StateCapturable)
	h.store.age(authorizedPayment.ID, time.Hour)

	other := h.seedMission(models.MissionStatusInDiscussion, models.MissionPaymentPending)
	waiting := h.seedPayment(other, models.PaymentStatusPending, models.EscrowHeld)
	h.store.age(waiting.ID, time.Hour)

	fresh := h.seedMission(models.MissionStatusInDiscussion, models.MissionPaymentPending)
	h.seedPayment(fresh, models.PaymentStatusPending, models.EscrowHeld)

	report, err := h.svc.Reconcile(context.Background(), 15*time.Minute, 100)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if report.Checked != 2 || report.Applied != 1 || report.Failed != 0 {
		t.Errorf("report = %+v, want 2 checked, 1 applied", report)
	}
	if got := h.store.payment(authorizedPayment.ID).Status; got != models.PaymentStatusSucceeded {
		t.Errorf("status = %s, want succeeded", got)
	}
	if got := h.store.mission(m.ID).PaymentStatus; got != models.MissionPaymentPaid {
		t.Errorf("mission payment_status = %s, want paid", got)
	}

	h.store.age(authorizedPayment.ID, time.Hour)
	report, _ = h.svc.Reconcile(context.Background(), 15*time.Minute, 100)
	if report.Applied != 0 {
		t.Errorf("second pass applied %d, want 0", report.Applied)
	}
}

// ---------------------------------------------------------------------------
// End to end
// ---------------------------------------------------------------------------

func fundMission(t *testing.T, h *harness) (*models.Mission, *models.Payment) {
	t.Helper()
	ctx := context.Background()
	m, err := h.svc.CreateMission(ctx, h.client, MissionInput{Title: "Landing page", Budget: models.FromMinorUnits(10000, "eur")})
	if err != nil {
		t.Fatalf("CreateMission: %v", err)
	}
	app, err := h.svc.Apply(ctx, h.student, m.ID, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := h.svc.AcceptApplication(ctx, h.client, app.ID); err != nil {
		t.Fatalf("AcceptApplication: %v", err)
	}
	res, err := h.svc.InitiatePayment(ctx, h.client, InitiateRequest{MissionID: m.ID, AmountMinor: 10000, Currency: "eur"})
	if err != nil {
		t.Fatalf("InitiatePayment: %v", err)
	}
	p, err := h.store.PaymentByExternalID(ctx, res.TransactionID)
	if err != nil {
		t.Fatalf("payment not recorded: %v", err)
	}
	if p.Status != models.PaymentStatusPending || p.EscrowStatus != models.EscrowHeld {
		t.Fatalf("payment = %s/%s, want pending/held", p.Status, p.EscrowStatus)
	}

	// payer authorizes at the processor
	h.gw.setState(res.TransactionID, gateway.StateCapturable)
	apply(t, h, authorized("evt_auth", res.TransactionID))
	if got := h.store.payment(p.ID).Status; got != models.PaymentStatusSucceeded {
		t.Fatalf("status = %s, want succeeded", got)
	}
	if got := h.store.mission(m.ID).PaymentStatus; got != models.MissionPaymentPaid {
		t.Fatalf("mission payment_status = %s, want paid", got)
	}
	return m, p
}

func TestEndToEnd_Release(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	m, p := fundMission(t, h)

	if _, err := h.svc.StartMission(ctx, h.client, m.ID); err != nil {
		t.Fatalf("StartMission: %v", err)
	}
	if _, err := h.svc.CompleteMission(ctx, h.client, m.ID); err != nil {
		t.Fatalf("CompleteMission: %v", err)
	}
	if _, err := h.svc.ReleaseEscrow(ctx, h.client, p.ExternalTransactionID); err != nil {
		t.Fatalf("ReleaseEscrow: %v", err)
	}
	if got := h.store.payment(p.ID).EscrowStatus; got != models.EscrowReleased {
		t.Errorf("escrow = %s, want released", got)
	}

	// the processor's capture confirmation arrives afterwards
	out := apply(t, h, PaymentCaptured{EventMeta: EventMeta{ID: "evt_captured", TransactionID: p.ExternalTransactionID}, AmountReceived: 10000})
	if out != OutcomeIgnored {
		t.Errorf("capture confirmation after release: outcome = %s, want ignored", out)
	}
}

func TestEndToEnd_CancelRefunds(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	m, p := fundMission(t, h)

	res, err := h.svc.CancelMission(ctx, h.client, m.ID)
	if err != nil {
		t.Fatalf("CancelMission: %v", err)
	}
	if !res.VoidRequested || h.voidCount() != 1 {
		t.Fatalf("void not scheduled: %+v", res)
	}
	if err := h.svc.VoidHold(ctx, p.ID); err != nil {
		t.Fatalf("VoidHold: %v", err)
	}
	if h.gw.callCount("void:") != 1 {
		t.Errorf("calls = %v, want one void", h.gw.calls)
	}

	apply(t, h, RefundIssued{EventMeta: EventMeta{ID: "evt_refund", Type: "charge.refunded", TransactionID: p.ExternalTransactionID}, AmountRefunded: 10000})
	got := h.store.payment(p.ID)
	if got.Status != models.PaymentStatusRefunded || got.EscrowStatus != models.EscrowRefunded {
		t.Errorf("payment = %s/%s, want refunded/refunded", got.Status, got.EscrowStatus)
	}
	if ps := h.store.mission(m.ID).PaymentStatus; ps != models.MissionPaymentRefunded {
		t.Errorf("mission payment_status = %s, want refunded", ps)
	}

	if _, err := h.svc.ReleaseEscrow(ctx, h.client, p.ExternalTransactionID); err == nil {
		t.Error("release after refund must fail")
	}
}

func TestEndToEnd_SecondAuthorizationIsVoided(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	m := h.seedMission(models.MissionStatusInDiscussion, models.MissionPaymentUnset)

	// two checkouts opened before either was paid
	resA, err := initiate(h, m.ID, 5000)
	if err != nil {
		t.Fatalf("first checkout: %v", err)
	}
	resB, err := initiate(h, m.ID, 5000)
	if err != nil {
		t.Fatalf("second checkout: %v", err)
	}
	a, _ := h.store.PaymentByExternalID(ctx, resA.TransactionID)
	b, _ := h.store.PaymentByExternalID(ctx, resB.TransactionID)

	h.gw.setState(a.ExternalTransactionID, gateway.StateCapturable)
	h.gw.setState(b.ExternalTransactionID, gateway.StateCapturable)
	apply(t, h, authorized("evt_a", a.ExternalTransactionID))
	apply(t, h, authorized("evt_b", b.ExternalTransactionID))
	apply(t, h, authorized("evt_b_again", b.ExternalTransactionID))

	if h.voidCount() != 1 || h.voids[0] != b.ID {
		t.Fatalf("voids = %v, want exactly the second payment %s", h.voids, b.ID)
	}
	if ms := h.store.mission(m.ID); !ms.FundedBy(a.ID) || ms.PaymentStatus != models.MissionPaymentPaid {
		t.Fatalf("mission = %s funded by %v, want paid by the first payment", ms.PaymentStatus, ms.FundedPaymentID)
	}

	if _, err := h.svc.StartMission(ctx, h.client, m.ID); err != nil {
		t.Fatalf("StartMission: %v", err)
	}
	if _, err := h.svc.CompleteMission(ctx, h.client, m.ID); err != nil {
		t.Fatalf("CompleteMission: %v", err)
	}
	if _, err := h.svc.ReleaseEscrow(ctx, h.client, b.ExternalTransactionID); !errors.Is(err, ErrPrecondition) {
		t.Errorf("releasing the stray hold: expected ErrPrecondition, got %v", err)
	}
	if _, err := h.svc.ReleaseEscrow(ctx, h.client, a.ExternalTransactionID); err != nil {
		t.Fatalf("ReleaseEscrow: %v", err)
	}

	// the void worker runs and the processor confirms
	if err := h.svc.VoidHold(ctx, b.ID); err != nil {
		t.Fatalf("VoidHold: %v", err)
	}
	apply(t, h, PaymentCanceled{EventMeta: EventMeta{ID: "evt_b_canceled", Type: "payment_intent.canceled", TransactionID: b.ExternalTransactionID}})

	if got := h.store.payment(b.ID); got.Status != models.PaymentStatusCanceled || got.EscrowStatus != models.EscrowRefunded {
		t.Errorf("second payment = %s/%s, want canceled/refunded", got.Status, got.EscrowStatus)
	}
	if got := h.store.payment(a.ID); got.EscrowStatus != models.EscrowReleased {
		t.Errorf("first payment escrow = %s, want released", got.EscrowStatus)
	}
	ms := h.store.mission(m.ID)
	if ms.Status != models.MissionStatusCompleted || ms.PaymentStatus != models.MissionPaymentPaid {
		t.Errorf("mission = %s/%s, want completed/paid", ms.Status, ms.PaymentStatus)
	}
}

func TestApplyProcessorEvent_RefundOfStrayHoldKeepsMissionPaid(t *testing.T) {
	h := newHarness()
	m := h.seedMission(models.MissionStatusInProgress, models.MissionPaymentPaid)
	h.seedPayment(m, models.PaymentStatusSucceeded, models.EscrowHeld)
	stray := h.seedPayment(m, models.PaymentStatusSucceeded, models.EscrowHeld)

	apply(t, h, RefundIssued{EventMeta: EventMeta{ID: "evt_r", TransactionID: stray.ExternalTransactionID}, AmountRefunded: 5000})
	if got := h.store.payment(stray.ID); got.Status != models.PaymentStatusRefunded || got.EscrowStatus != models.EscrowRefunded {
		t.Errorf("stray = %s/%s, want refunded/refunded", got.Status, got.EscrowStatus)
	}
	if ps := h.store.mission(m.ID).PaymentStatus; ps != models.MissionPaymentPaid {
		t.Errorf("mission payment_status = %s, want paid", ps)
	}
}
