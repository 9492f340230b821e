package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/skillmatch/backend/internal/gateway"
	"github.com/skillmatch/backend/internal/ledger"
	"github.com/skillmatch/backend/internal/models"
)

var _ Store = (*ledger.Repository)(nil)

// ---------------------------------------------------------------------------
// noopTx satisfies pgx.Tx; the in-memory store ignores it.
// ---------------------------------------------------------------------------

type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

type mockPool struct{}

func (mockPool) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }

// ---------------------------------------------------------------------------
// memStore: in-memory ledger with the same compare-and-set semantics as the SQL.
// ---------------------------------------------------------------------------

type memStore struct {
	mu           sync.Mutex
	missions     map[uuid.UUID]*models.Mission
	applications map[uuid.UUID]*models.Application
	payments     map[uuid.UUID]*models.Payment
	events       map[string]bool

	insertPaymentErr error
}

func newMemStore() *memStore {
	return &memStore{
		missions:     make(map[uuid.UUID]*models.Mission),
		applications: make(map[uuid.UUID]*models.Application),
		payments:     make(map[uuid.UUID]*models.Payment),
		events:       make(map[string]bool),
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// checkPaidStatus mirrors the missions_paid_status table constraint.
func checkPaidStatus(status, paymentStatus string) error {
	if paymentStatus == models.MissionPaymentPaid && !contains(models.MissionPaidStatuses, status) {
		return &pgconn.PgError{Code: "23514", ConstraintName: "missions_paid_status",
			Message: fmt.Sprintf("mission %s cannot be paid", status)}
	}
	return nil
}

func (m *memStore) CreateMission(_ context.Context, _ pgx.Tx, ms *models.Mission) error {
	if err := checkPaidStatus(ms.Status, ms.PaymentStatus); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ms.CreatedAt = time.Now()
	cp := *ms
	m.missions[ms.ID] = &cp
	return nil
}

func (m *memStore) GetMission(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.Mission, error) {
	return m.MissionByID(ctx, id)
}

func (m *memStore) MissionByID(_ context.Context, id uuid.UUID) (*models.Mission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.missions[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *ms
	return &cp, nil
}

func (m *memStore) TransitionMission(_ context.Context, _ pgx.Tx, id uuid.UUID, to string, from ...string) (bool, error) {
	for _, f := range from {
		if !models.CanTransitionMission(f, to) {
			return false, fmt.Errorf("%w: mission %s -> %s", ledger.ErrInvalidTransition, f, to)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.missions[id]
	if !ok || !contains(from, ms.Status) {
		return false, nil
	}
	if to == models.MissionStatusInProgress && ms.PaymentStatus != models.MissionPaymentPaid {
		return false, nil
	}
	if err := checkPaidStatus(to, ms.PaymentStatus); err != nil {
		return false, err
	}
	ms.Status = to
	return true, nil
}

func (m *memStore) UpdateMissionPaymentStatus(_ context.Context, _ pgx.Tx, id uuid.UUID, to string, paidAt *time.Time, from ...string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.missions[id]
	if !ok || !contains(from, ms.PaymentStatus) {
		return false, nil
	}
	if to == models.MissionPaymentPaid && !contains(models.MissionPaidStatuses, ms.Status) {
		return false, nil
	}
	ms.PaymentStatus = to
	if paidAt != nil {
		ms.PaidAt = paidAt
	}
	return true, nil
}

func (m *memStore) MarkMissionPaid(_ context.Context, _ pgx.Tx, id, paymentID uuid.UUID, paidAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.missions[id]
	if !ok || !contains([]string{models.MissionPaymentUnset, models.MissionPaymentPending}, ms.PaymentStatus) {
		return false, nil
	}
	if !contains(models.MissionPaidStatuses, ms.Status) {
		return false, nil
	}
	ms.PaymentStatus = models.MissionPaymentPaid
	ms.PaidAt = &paidAt
	ms.FundedPaymentID = &paymentID
	return true, nil
}

func (m *memStore) CreateApplication(_ context.Context, _ pgx.Tx, a *models.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.applications {
		if existing.MissionID == a.MissionID && existing.StudentID == a.StudentID {
			return ledger.ErrDuplicate
		}
	}
	a.CreatedAt = time.Now()
	cp := *a
	m.applications[a.ID] = &cp
	return nil
}

func (m *memStore) GetApplication(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.applications[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) ListApplications(_ context.Context, _ pgx.Tx, missionID uuid.UUID, status string) ([]*models.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*models.Application
	for _, a := range m.applications {
		if a.MissionID == missionID && a.Status == status {
			cp := *a
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

func (m *memStore) HasApplied(_ context.Context, missionID, studentID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.applications {
		if a.MissionID == missionID && a.StudentID == studentID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) TransitionApplication(_ context.Context, _ pgx.Tx, id uuid.UUID, to, from string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.applications[id]
	if !ok || a.Status != from {
		return false, nil
	}
	a.Status = to
	return true, nil
}

func (m *memStore) RejectPendingApplications(_ context.Context, _ pgx.Tx, missionID, except uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, a := range m.applications {
		if a.MissionID == missionID && a.ID != except && a.Status == models.ApplicationStatusPending {
			a.Status = models.ApplicationStatusRejected
			n++
		}
	}
	return n, nil
}

func (m *memStore) InsertPayment(_ context.Context, _ pgx.Tx, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertPaymentErr != nil {
		return m.insertPaymentErr
	}
	for _, existing := range m.payments {
		if existing.ExternalTransactionID == p.ExternalTransactionID || existing.ID == p.ID {
			return ledger.ErrDuplicate
		}
	}
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *memStore) GetPayment(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.Payment, error) {
	return m.PaymentByID(ctx, id)
}

func (m *memStore) LatestPaymentForMission(_ context.Context, _ pgx.Tx, missionID uuid.UUID) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.Payment
	for _, p := range m.payments {
		if p.MissionID == missionID && (latest == nil || p.CreatedAt.After(latest.CreatedAt)) {
			latest = p
		}
	}
	if latest == nil {
		return nil, ledger.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *memStore) findPayment(match func(*models.Payment) bool) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if match(p) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ledger.ErrNotFound
}

func (m *memStore) PaymentByID(_ context.Context, id uuid.UUID) (*models.Payment, error) {
	return m.findPayment(func(p *models.Payment) bool { return p.ID == id })
}

func (m *memStore) PaymentByExternalID(_ context.Context, externalID string) (*models.Payment, error) {
	return m.findPayment(func(p *models.Payment) bool { return p.ExternalTransactionID == externalID })
}

func (m *memStore) PaymentByCheckoutSession(_ context.Context, sessionID string) (*models.Payment, error) {
	return m.findPayment(func(p *models.Payment) bool { return p.CheckoutSessionID == sessionID })
}

func (m *memStore) BindExternalID(_ context.Context, _ pgx.Tx, id uuid.UUID, externalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok || p.ExternalTransactionID != p.CheckoutSessionID {
		return false, nil
	}
	p.ExternalTransactionID = externalID
	p.UpdatedAt = time.Now()
	return true, nil
}

func (m *memStore) TransitionPayment(_ context.Context, _ pgx.Tx, id uuid.UUID, t ledger.PaymentTransition) (bool, error) {
	if err := t.Validate(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok || !contains(t.FromStatus, p.Status) {
		return false, nil
	}
	if len(t.FromEscrow) > 0 && !contains(t.FromEscrow, p.EscrowStatus) {
		return false, nil
	}
	if t.Status != nil {
		p.Status = *t.Status
	}
	if t.EscrowStatus != nil {
		p.EscrowStatus = *t.EscrowStatus
	}
	if t.PaymentMethodID != nil {
		p.PaymentMethodID = t.PaymentMethodID
	}
	if t.CompletedAt != nil {
		p.CompletedAt = t.CompletedAt
	}
	p.UpdatedAt = time.Now()
	return true, nil
}

func (m *memStore) ListUnsettledPayments(_ context.Context, staleBefore time.Time, limit int) ([]*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*models.Payment
	for _, p := range m.payments {
		if !p.UpdatedAt.Before(staleBefore) || p.EscrowStatus != models.EscrowHeld {
			continue
		}
		ms := m.missions[p.MissionID]
		lagging := p.Status == models.PaymentStatusPending ||
			(p.Status == models.PaymentStatusSucceeded && ms != nil && ms.IsTerminal())
		if lagging && len(list) < limit {
			cp := *p
			list = append(list, &cp)
		}
	}
	return list, nil
}

func (m *memStore) RecordProcessorEvent(_ context.Context, _ pgx.Tx, ev *models.ProcessorEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.events[ev.ID] {
		return false, nil
	}
	m.events[ev.ID] = true
	return true, nil
}

// snapshot helpers

func (m *memStore) mission(id uuid.UUID) models.Mission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.missions[id]
}

func (m *memStore) payment(id uuid.UUID) models.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.payments[id]
}

// fund records paymentID as the mission's funding payment.
func (m *memStore) fund(missionID, paymentID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.missions[missionID].FundedPaymentID = &paymentID
}

// age moves a payment's updated_at into the past.
func (m *memStore) age(id uuid.UUID, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[id].UpdatedAt = time.Now().Add(-d)
}

func (m *memStore) paymentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payments)
}

// ---------------------------------------------------------------------------
// fakeGateway records calls and answers from a per-transaction state table.
// ---------------------------------------------------------------------------

type fakeGateway struct {
	mu         sync.Mutex
	calls      []string
	states     map[string]gateway.State
	sessions   int
	lazyIntent bool
	// prefix distinguishes ids across tests sharing a database.
	prefix     string

	customerErr error
	checkoutErr error
	captureErr  error
	// onCheckout runs while a checkout is being created.
	onCheckout  func()

	lastCheckout gateway.CheckoutRequest
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{states: make(map[string]gateway.State), prefix: "test"}
}

func (g *fakeGateway) record(call string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call)
}

func (g *fakeGateway) callCount(prefix string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (g *fakeGateway) EnsureCustomer(_ context.Context, email string) (string, error) {
	g.record("customer:" + email)
	if g.customerErr != nil {
		return "", g.customerErr
	}
	return "cus_test", nil
}

func (g *fakeGateway) CreateCheckout(_ context.Context, req gateway.CheckoutRequest) (*gateway.CheckoutSession, error) {
	g.record("checkout:" + req.IdempotencyKey)
	if g.onCheckout != nil {
		g.onCheckout()
	}
	if g.checkoutErr != nil {
		return nil, g.checkoutErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions++
	g.lastCheckout = req
	sess := &gateway.CheckoutSession{
		ID:  fmt.Sprintf("cs_%s_%d", g.prefix, g.sessions),
		URL: fmt.Sprintf("https://checkout.example/cs_%s_%d", g.prefix, g.sessions),
	}
	if !g.lazyIntent {
		sess.TransactionID = fmt.Sprintf("pi_%s_%d", g.prefix, g.sessions)
		g.states[sess.TransactionID] = gateway.StateAwaitingPayment
	}
	return sess, nil
}

func (g *fakeGateway) Capture(_ context.Context, id, _ string) (*gateway.Transaction, error) {
	g.record("capture:" + id)
	if g.captureErr != nil {
		return nil, g.captureErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.states[id] != gateway.StateCapturable {
		return nil, &gateway.Error{Op: "capture", Message: "not capturable", HTTPStatus: 400}
	}
	g.states[id] = gateway.StateCaptured
	return &gateway.Transaction{ID: id, State: gateway.StateCaptured, ProcessorStatus: "succeeded"}, nil
}

func (g *fakeGateway) Void(_ context.Context, id string) (*gateway.Transaction, error) {
	g.record("void:" + id)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states[id] = gateway.StateCanceled
	return &gateway.Transaction{ID: id, State: gateway.StateCanceled, ProcessorStatus: "canceled"}, nil
}

func (g *fakeGateway) Refund(_ context.Context, id, _ string) (*gateway.Refund, error) {
	g.record("refund:" + id)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states[id] = gateway.StateRefunded
	return &gateway.Refund{ID: "re_test", TransactionID: id, Status: "succeeded"}, nil
}

func (g *fakeGateway) Lookup(_ context.Context, id string) (*gateway.Transaction, error) {
	g.record("lookup:" + id)
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.states[id]
	if !ok {
		return nil, &gateway.Error{Op: "lookup", Message: "no such transaction", HTTPStatus: 404}
	}
	return &gateway.Transaction{ID: id, State: st}, nil
}

func (g *fakeGateway) setState(id string, st gateway.State) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states[id] = st
}

// ---------------------------------------------------------------------------
// harness
// ---------------------------------------------------------------------------

type harness struct {
	svc     *Service
	store   *memStore
	gw      *fakeGateway
	mu      sync.Mutex
	voids   []uuid.UUID
	client  Actor
	student Actor
}

func newHarness() *harness {
	h := &harness{
		store:   newMemStore(),
		gw:      newFakeGateway(),
		client:  Actor{ID: uuid.New(), Email: "client@example.com"},
		student: Actor{ID: uuid.New(), Email: "student@example.com"},
	}
	enqueue := func(_ context.Context, _ pgx.Tx, id uuid.UUID) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.voids = append(h.voids, id)
		return nil
	}
	h.svc = NewService(mockPool{}, h.store, h.gw, enqueue, Config{GatewayTimeout: time.Second})
	return h
}

func (h *harness) voidCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.voids)
}

// seedMission inserts a mission owned by the harness client, with an accepted application
// from the harness student unless status is open.
func (h *harness) seedMission(status, paymentStatus string) *models.Mission {
	m := &models.Mission{
		ID:            uuid.New(),
		ClientID:      h.client.ID,
		Title:         "Build a landing page",
		Status:        status,
		PaymentStatus: paymentStatus,
	}
	if err := h.store.CreateMission(context.Background(), nil, m); err != nil {
		panic(err)
	}
	if status != models.MissionStatusOpen {
		h.store.CreateApplication(context.Background(), nil, &models.Application{
			ID:        uuid.New(),
			MissionID: m.ID,
			StudentID: h.student.ID,
			Status:    models.ApplicationStatusAccepted,
		})
	}
	return m
}

// seedPayment inserts a payment for the mission in the given state. A payment past authorization
// becomes the mission's funding payment when it has none yet.
func (h *harness) seedPayment(m *models.Mission, status, escrow string) *models.Payment {
	ext := "pi_" + uuid.NewString()[:8]
	p := &models.Payment{
		ID:                    uuid.New(),
		MissionID:             m.ID,
		ClientID:              m.ClientID,
		StudentID:             h.student.ID,
		Amount:                models.FromMinorUnits(5000, "eur"),
		Currency:              "eur",
		Status:                status,
		EscrowStatus:          escrow,
		ExternalTransactionID: ext,
		CheckoutSessionID:     "cs_" + ext,
	}
	h.store.InsertPayment(context.Background(), nil, p)
	if (status != models.PaymentStatusPending && status != models.PaymentStatusFailed) && m.FundedPaymentID == nil {
		h.store.fund(m.ID, p.ID)
		m.FundedPaymentID = &p.ID
	}
	switch {
	case status == models.PaymentStatusSucceeded && escrow == models.EscrowHeld:
		h.gw.setState(ext, gateway.StateCapturable)
	case escrow == models.EscrowReleased:
		h.gw.setState(ext, gateway.StateCaptured)
	default:
		h.gw.setState(ext, gateway.StateAwaitingPayment)
	}
	return p
}
