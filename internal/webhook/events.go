package webhook

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"

	"github.com/skillmatch/backend/internal/escrow"
	"github.com/skillmatch/backend/internal/gateway"
)

// Stripe event types handled by the escrow state machine.
const (
	EventAuthorized       = "payment_intent.amount_capturable_updated"
	EventSucceeded        = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
	EventCanceled         = "payment_intent.canceled"
	EventChargeRefunded   = "charge.refunded"
	EventCheckoutComplete = "checkout.session.completed"
	EventCheckoutExpired  = "checkout.session.expired"
)

// ErrUnsupported is returned by Parse for event types escrow does not act on.
var ErrUnsupported = errors.New("unsupported event type")

// Parse converts a Stripe event into the escrow event it reports.
func Parse(ev *stripe.Event) (escrow.ProcessorEvent, error) {
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return nil, fmt.Errorf("event %s has no data object", ev.ID)
	}
	meta := escrow.EventMeta{ID: ev.ID, Type: string(ev.Type)}

	switch string(ev.Type) {
	case EventAuthorized, EventSucceeded, EventPaymentFailed, EventCanceled:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		meta.TransactionID = pi.ID
		withMetadata(&meta, pi.Metadata)
		pm := ""
		if pi.PaymentMethod != nil {
			pm = pi.PaymentMethod.ID
		}
		switch string(ev.Type) {
		case EventAuthorized:
			return escrow.AuthorizationSucceeded{EventMeta: meta, PaymentMethodID: pm, AmountCapturable: pi.AmountCapturable}, nil
		case EventSucceeded:
			return escrow.PaymentCaptured{EventMeta: meta, PaymentMethodID: pm, AmountReceived: pi.AmountReceived}, nil
		case EventPaymentFailed:
			reason := ""
			if pi.LastPaymentError != nil {
				reason = pi.LastPaymentError.Msg
			}
			return escrow.PaymentFailed{EventMeta: meta, Reason: reason}, nil
		default:
			return escrow.PaymentCanceled{EventMeta: meta, Reason: string(pi.CancellationReason)}, nil
		}

	case EventChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(ev.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("decode charge: %w", err)
		}
		if ch.PaymentIntent == nil || ch.PaymentIntent.ID == "" {
			return nil, fmt.Errorf("charge %s has no payment intent", ch.ID)
		}
		if !ch.Refunded {
			return nil, fmt.Errorf("%w: partial refund of charge %s", ErrUnsupported, ch.ID)
		}
		meta.TransactionID = ch.PaymentIntent.ID
		withMetadata(&meta, ch.Metadata)
		return escrow.RefundIssued{EventMeta: meta, AmountRefunded: ch.AmountRefunded}, nil

	case EventCheckoutComplete, EventCheckoutExpired:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &cs); err != nil {
			return nil, fmt.Errorf("decode checkout session: %w", err)
		}
		meta.CheckoutSessionID = cs.ID
		if cs.PaymentIntent != nil {
			meta.TransactionID = cs.PaymentIntent.ID
		}
		withMetadata(&meta, cs.Metadata)
		if string(ev.Type) == EventCheckoutExpired {
			return escrow.PaymentCanceled{EventMeta: meta, Reason: "checkout_expired"}, nil
		}
		return escrow.CheckoutCompleted{EventMeta: meta}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, ev.Type)
}

func withMetadata(meta *escrow.EventMeta, md map[string]string) {
	if len(md) == 0 {
		return
	}
	meta.Metadata = md
	if id, err := uuid.Parse(md[gateway.MetaPaymentID]); err == nil {
		meta.PaymentRef = id
	}
}
