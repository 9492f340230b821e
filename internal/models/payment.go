package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Payment status values, as reported by the processor.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusSucceeded = "succeeded"
	PaymentStatusFailed    = "failed"
	PaymentStatusCanceled  = "canceled"
	PaymentStatusRefunded  = "refunded"
)

// Escrow status values. Escrow only moves forward: held -> released | refunded.
const (
	EscrowHeld     = "held"
	EscrowReleased = "released"
	EscrowRefunded = "refunded"
)

var paymentTransitions = map[string][]string{
	PaymentStatusPending:   {PaymentStatusSucceeded, PaymentStatusFailed, PaymentStatusCanceled},
	PaymentStatusFailed:    {PaymentStatusSucceeded, PaymentStatusCanceled},
	PaymentStatusSucceeded: {PaymentStatusRefunded, PaymentStatusCanceled},
	PaymentStatusCanceled:  {PaymentStatusRefunded},
}

var escrowTransitions = map[string][]string{
	EscrowHeld: {EscrowReleased, EscrowRefunded},
}

type Payment struct {
	ID                    uuid.UUID         `json:"id"`
	MissionID             uuid.UUID         `json:"mission_id"`
	ClientID              uuid.UUID         `json:"client_id"`
	StudentID             uuid.UUID         `json:"student_id"`
	Amount                decimal.Decimal   `json:"amount"`
	Currency              string            `json:"currency"`
	Status                string            `json:"status"`
	EscrowStatus          string            `json:"escrow_status"`
	ExternalTransactionID string            `json:"external_transaction_id"`
	CheckoutSessionID     string            `json:"checkout_session_id,omitempty"`
	PaymentMethodID       *string           `json:"payment_method_id,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	CompletedAt           *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// AmountMinor returns the amount in the currency's minor units.
func (p *Payment) AmountMinor() int64 {
	return ToMinorUnits(p.Amount, p.Currency)
}

// Bound reports whether the payment is anchored on the processor's transaction
// rather than on the checkout session it was created from.
func (p *Payment) Bound() bool {
	return p.ExternalTransactionID != "" && p.ExternalTransactionID != p.CheckoutSessionID
}

// CanTransitionPayment reports whether a payment status may move from one value to another.
// Staying in the same status is allowed so that replays stay no-ops.
func CanTransitionPayment(from, to string) bool {
	if from == to {
		return true
	}
	for _, s := range paymentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionEscrow reports whether escrow may move from one value to another.
// released and refunded are terminal; nothing returns to held.
func CanTransitionEscrow(from, to string) bool {
	if from == to {
		return true
	}
	for _, s := range escrowTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
