package escrow

import "github.com/google/uuid"

// EventMeta is common to every processor event.
type EventMeta struct {
	// ID is the processor's event id, or a derived id for reconciliation observations.
	ID   string
	Type string
	// TransactionID is the processor transaction the event is about.
	TransactionID string
	// PaymentRef is the ledger payment id carried in the transaction metadata, when present.
	PaymentRef        uuid.UUID
	CheckoutSessionID string
	Metadata          map[string]string
}

// ProcessorEvent is one of the event variants below. Anything else the processor sends is
// dropped before it reaches the state machine.
type ProcessorEvent interface {
	Meta() EventMeta
	processorEvent()
}

// AuthorizationSucceeded: funds are authorized and held, not captured.
type AuthorizationSucceeded struct {
	EventMeta
	PaymentMethodID  string
	AmountCapturable int64
}

// PaymentCaptured: held funds were captured.
type PaymentCaptured struct {
	EventMeta
	PaymentMethodID string
	AmountReceived  int64
}

// PaymentFailed: an authorization attempt was declined.
type PaymentFailed struct {
	EventMeta
	Reason string
}

// PaymentCanceled: the authorization was voided or abandoned.
type PaymentCanceled struct {
	EventMeta
	Reason string
}

// RefundIssued: captured funds were returned to the payer.
type RefundIssued struct {
	EventMeta
	AmountRefunded int64
}

// CheckoutCompleted: the payer finished checkout; binds the session to its transaction.
type CheckoutCompleted struct {
	EventMeta
}

func (e AuthorizationSucceeded) Meta() EventMeta { return e.EventMeta }
func (e PaymentCaptured) Meta() EventMeta        { return e.EventMeta }
func (e PaymentFailed) Meta() EventMeta          { return e.EventMeta }
func (e PaymentCanceled) Meta() EventMeta        { return e.EventMeta }
func (e RefundIssued) Meta() EventMeta           { return e.EventMeta }
func (e CheckoutCompleted) Meta() EventMeta      { return e.EventMeta }

func (AuthorizationSucceeded) processorEvent() {}
func (PaymentCaptured) processorEvent()        {}
func (PaymentFailed) processorEvent()          {}
func (PaymentCanceled) processorEvent()        {}
func (RefundIssued) processorEvent()           {}
func (CheckoutCompleted) processorEvent()      {}

// Outcome reports what ApplyProcessorEvent did with an event.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeIgnored        Outcome = "ignored"
	OutcomeUnknownPayment Outcome = "unknown_payment"
)
