// Package webhook receives Stripe event notifications, verifies their signature and feeds
// them to the escrow state machine.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/skillmatch/backend/internal/escrow"
	"github.com/skillmatch/backend/internal/validation"
)

const maxBodyBytes = 512 << 10

// Applier is the part of escrow.Service the handler drives.
type Applier interface {
	ApplyProcessorEvent(ctx context.Context, ev escrow.ProcessorEvent) (escrow.Outcome, error)
}

type Handler struct {
	applier   Applier
	validator *validation.Validator
	secret    string
	logger    *slog.Logger
}

// NewHandler returns the webhook endpoint. With an empty secret, signatures are not checked.
func NewHandler(applier Applier, validator *validation.Validator, secret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if secret == "" {
		logger.Warn("no webhook secret configured; processor events will not be verified")
	}
	return &Handler{applier: applier, validator: validator, secret: secret, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
		return
	}

	ev, err := h.verify(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Webhook signature verification failed"})
		return
	}
	if err := h.validator.Validate(validation.ProcessorEvent, payload); err != nil {
		h.logger.Warn("malformed processor event", "event_id", ev.ID, "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	log := h.logger.With("event_id", ev.ID, "event_type", ev.Type)

	pe, err := Parse(ev)
	if errors.Is(err, ErrUnsupported) {
		log.Info("event not handled", "reason", err.Error())
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}
	if err != nil {
		log.Warn("undecodable processor event", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	outcome, err := h.applier.ApplyProcessorEvent(r.Context(), pe)
	if err != nil {
		// Non-2xx makes the processor redeliver the event.
		log.Error("apply processor event failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to process event"})
		return
	}
	log.Info("webhook processed", "outcome", outcome)
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *Handler) verify(payload []byte, signature string) (*stripe.Event, error) {
	if signature == "" {
		return nil, errors.New("no Stripe-Signature header")
	}
	if h.secret == "" {
		var ev stripe.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		return &ev, nil
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signature, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
