package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// StripeConfig configures the Stripe adapter. BaseURL overrides the API endpoint (tests).
type StripeConfig struct {
	SecretKey  string
	HTTPClient *http.Client
	BaseURL    string
	Logger     *slog.Logger
}

// Stripe implements Gateway on Stripe Checkout and PaymentIntents with manual capture.
type Stripe struct {
	api    *client.API
	logger *slog.Logger
}

var _ Gateway = (*Stripe)(nil)

func NewStripe(cfg StripeConfig) *Stripe {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		LeveledLogger:     &slogLeveledLogger{logger: logger},
		MaxNetworkRetries: stripe.Int64(0),
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(cfg.BaseURL)
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	}
	return &Stripe{api: client.New(cfg.SecretKey, backends), logger: logger}
}

// EnsureCustomer returns the id of the first customer with the email, creating one if none exists.
func (s *Stripe) EnsureCustomer(ctx context.Context, email string) (string, error) {
	list := &stripe.CustomerListParams{Email: stripe.String(email)}
	list.Context = ctx
	list.Limit = stripe.Int64(1)
	list.Single = true
	it := s.api.Customers.List(list)
	if it.Next() {
		id := it.Customer().ID
		s.logger.Info("found existing customer", "customer_id", id)
		return id, nil
	}
	if err := it.Err(); err != nil {
		return "", wrapStripeErr("list customers", err)
	}

	params := &stripe.CustomerParams{Email: stripe.String(email)}
	params.Context = ctx
	c, err := s.api.Customers.New(params)
	if err != nil {
		return "", wrapStripeErr("create customer", err)
	}
	s.logger.Info("created customer", "customer_id", c.ID)
	return c.ID, nil
}

// CreateCheckout creates a hosted checkout whose payment is authorized but not captured.
func (s *Stripe) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	meta := map[string]string{
		MetaPaymentID:   req.PaymentID.String(),
		MetaMissionID:   req.MissionID.String(),
		MetaClientID:    req.ClientID.String(),
		MetaStudentID:   req.StudentID.String(),
		MetaAmountMinor: fmt.Sprintf("%d", req.AmountMinor),
		MetaCurrency:    req.Currency,
	}
	for k, v := range req.Metadata {
		if _, reserved := meta[k]; !reserved {
			meta[k] = v
		}
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(req.Currency),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name:        stripe.String("Mission: " + req.MissionTitle),
					Description: stripe.String("Payment held in escrow until the mission is completed"),
				},
				UnitAmount: stripe.Int64(req.AmountMinor),
			},
			Quantity: stripe.Int64(1),
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
			Metadata:      meta,
		},
		ClientReferenceID: stripe.String(req.PaymentID.String()),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	for k, v := range meta {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, wrapStripeErr("create checkout session", err)
	}
	out := &CheckoutSession{ID: sess.ID, URL: sess.URL}
	if sess.PaymentIntent != nil {
		out.TransactionID = sess.PaymentIntent.ID
	}
	return out, nil
}

// Capture captures the full authorized amount.
func (s *Stripe) Capture(ctx context.Context, transactionID, idempotencyKey string) (*Transaction, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	pi, err := s.api.PaymentIntents.Capture(transactionID, params)
	if err != nil {
		return nil, wrapStripeErr("capture payment intent", err)
	}
	return fromPaymentIntent(pi), nil
}

// Void cancels an authorization that has not been captured.
func (s *Stripe) Void(ctx context.Context, transactionID string) (*Transaction, error) {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonRequestedByCustomer)),
	}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Cancel(transactionID, params)
	if err != nil {
		return nil, wrapStripeErr("cancel payment intent", err)
	}
	return fromPaymentIntent(pi), nil
}

// Refund returns captured funds in full.
func (s *Stripe) Refund(ctx context.Context, transactionID, idempotencyKey string) (*Refund, error) {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(transactionID)}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	r, err := s.api.Refunds.New(params)
	if err != nil {
		return nil, wrapStripeErr("create refund", err)
	}
	return &Refund{ID: r.ID, TransactionID: transactionID, Status: string(r.Status), Amount: r.Amount}, nil
}

// Lookup returns the processor state of a payment intent, or of the intent behind a
// checkout session when given a session id.
func (s *Stripe) Lookup(ctx context.Context, transactionID string) (*Transaction, error) {
	if strings.HasPrefix(transactionID, "cs_") {
		return s.lookupSession(ctx, transactionID)
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")
	pi, err := s.api.PaymentIntents.Get(transactionID, params)
	if err != nil {
		return nil, wrapStripeErr("get payment intent", err)
	}
	return fromPaymentIntent(pi), nil
}

func (s *Stripe) lookupSession(ctx context.Context, sessionID string) (*Transaction, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("payment_intent.latest_charge")
	sess, err := s.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return nil, wrapStripeErr("get checkout session", err)
	}
	if sess.PaymentIntent != nil && sess.PaymentIntent.Status != "" {
		return fromPaymentIntent(sess.PaymentIntent), nil
	}
	tx := &Transaction{ID: sessionID, State: StateAwaitingPayment, ProcessorStatus: string(sess.Status), Metadata: sess.Metadata}
	if sess.PaymentIntent != nil {
		tx.ID = sess.PaymentIntent.ID
	}
	if sess.Status == stripe.CheckoutSessionStatusExpired {
		tx.State = StateCanceled
	}
	return tx, nil
}

func fromPaymentIntent(pi *stripe.PaymentIntent) *Transaction {
	tx := &Transaction{
		ID:               pi.ID,
		State:            stateOf(pi),
		ProcessorStatus:  string(pi.Status),
		AmountCapturable: pi.AmountCapturable,
		AmountReceived:   pi.AmountReceived,
		Metadata:         pi.Metadata,
	}
	if pi.PaymentMethod != nil {
		tx.PaymentMethodID = pi.PaymentMethod.ID
	}
	return tx
}

func stateOf(pi *stripe.PaymentIntent) State {
	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresCapture:
		return StateCapturable
	case stripe.PaymentIntentStatusSucceeded:
		if pi.LatestCharge != nil && pi.LatestCharge.Refunded {
			return StateRefunded
		}
		return StateCaptured
	case stripe.PaymentIntentStatusCanceled:
		return StateCanceled
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if pi.LastPaymentError != nil {
			return StateFailed
		}
		return StateAwaitingPayment
	default:
		return StateAwaitingPayment
	}
}

func wrapStripeErr(op string, err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		if serr.HTTPStatusCode == 0 || serr.HTTPStatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%s: %w: %s", op, ErrUnavailable, serr.Msg)
		}
		return &Error{Op: op, Code: string(serr.Code), Message: serr.Msg, HTTPStatus: serr.HTTPStatusCode}
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

// slogLeveledLogger routes stripe-go's client logging through slog.
type slogLeveledLogger struct {
	logger *slog.Logger
}

func (l *slogLeveledLogger) Debugf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...), "component", "stripe")
}

func (l *slogLeveledLogger) Infof(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...), "component", "stripe")
}

func (l *slogLeveledLogger) Warnf(format string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, v...), "component", "stripe")
}

func (l *slogLeveledLogger) Errorf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...), "component", "stripe")
}
