// Package gateway adapts the payment processor: hosted checkout with deferred capture,
// capture, void, refund and lookup of a transaction's state.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// State is the processor's view of a transaction, reduced to what escrow needs.
type State string

const (
	// StateAwaitingPayment: checkout created, nothing authorized yet.
	StateAwaitingPayment State = "awaiting_payment"
	// StateFailed: the last payment attempt failed; the payer may retry.
	StateFailed State = "failed"
	// StateCapturable: funds are authorized and held.
	StateCapturable State = "capturable"
	// StateCaptured: funds were captured.
	StateCaptured State = "captured"
	// StateCanceled: the authorization was voided or the checkout expired.
	StateCanceled State = "canceled"
	// StateRefunded: captured funds were returned.
	StateRefunded State = "refunded"
)

// Metadata keys attached to every checkout and copied onto the processor transaction.
const (
	MetaPaymentID      = "payment_id"
	MetaMissionID      = "missionId"
	MetaClientID       = "clientId"
	MetaStudentID      = "studentId"
	MetaAmountMinor    = "amount_minor"
	MetaCurrency       = "currency"
	MetaIdempotencyKey = "idempotencyKey"
)

type CheckoutRequest struct {
	PaymentID      uuid.UUID
	MissionID      uuid.UUID
	MissionTitle   string
	ClientID       uuid.UUID
	StudentID      uuid.UUID
	CustomerID     string
	AmountMinor    int64
	Currency       string
	Metadata       map[string]string
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

type CheckoutSession struct {
	ID  string
	URL string
	// TransactionID is the processor transaction backing the session. Empty when the
	// processor creates it lazily, once the payer submits the checkout.
	TransactionID string
}

type Transaction struct {
	ID               string
	State            State
	ProcessorStatus  string
	AmountCapturable int64
	AmountReceived   int64
	PaymentMethodID  string
	Metadata         map[string]string
}

type Refund struct {
	ID            string
	TransactionID string
	Status        string
	Amount        int64
}

// Gateway is the payment processor. Implementations own no durable state.
type Gateway interface {
	EnsureCustomer(ctx context.Context, email string) (string, error)
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	Capture(ctx context.Context, transactionID, idempotencyKey string) (*Transaction, error)
	Void(ctx context.Context, transactionID string) (*Transaction, error)
	Refund(ctx context.Context, transactionID, idempotencyKey string) (*Refund, error)
	Lookup(ctx context.Context, transactionID string) (*Transaction, error)
}

// ErrUnavailable wraps transport failures and timeouts.
var ErrUnavailable = errors.New("payment processor unavailable")

// Error is a processor-side rejection.
type Error struct {
	Op         string
	Code       string
	Message    string
	HTTPStatus int
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}
