package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/skillmatch/backend/internal/escrow"
	"github.com/skillmatch/backend/internal/models"
)

// PaymentService is the subset of escrow.Service used by PaymentHandler.
type PaymentService interface {
	InitiatePayment(ctx context.Context, actor escrow.Actor, req escrow.InitiateRequest) (*escrow.InitiateResult, error)
	ReleaseEscrow(ctx context.Context, actor escrow.Actor, externalID string) (*escrow.ReleaseResult, error)
	PaymentView(ctx context.Context, actor escrow.Actor, externalID string) (*models.Payment, error)
}

// PaymentHandler serves /api/v1/payments endpoints.
type PaymentHandler struct {
	Escrow PaymentService
	// BaseURL is the web app the checkout returns to when the request Origin is not trusted.
	BaseURL        string
	AllowedOrigins []string
	Logger         *slog.Logger
}

// --- POST /api/v1/payments ---

type initiatePaymentRequest struct {
	MissionID string            `json:"missionId"`
	Amount    int64             `json:"amount"`
	Currency  string            `json:"currency"`
	Metadata  map[string]string `json:"metadata"`
}

type initiatePaymentResponse struct {
	URL       string `json:"url"`
	SessionID string `json:"sessionId"`
}

// InitiatePayment handles POST /api/v1/payments.
func (h *PaymentHandler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	var req initiatePaymentRequest
	if !decode(w, r, &req) {
		return
	}
	missionID, err := uuid.Parse(req.MissionID)
	if err != nil {
		http.Error(w, `{"error":"invalid missionId"}`, http.StatusBadRequest)
		return
	}

	base := h.returnBase(r)
	res, err := h.Escrow.InitiatePayment(r.Context(), a, escrow.InitiateRequest{
		MissionID:      missionID,
		AmountMinor:    req.Amount,
		Currency:       req.Currency,
		Metadata:       req.Metadata,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		SuccessURL:     fmt.Sprintf("%s/missions/%s?payment=success", base, missionID),
		CancelURL:      fmt.Sprintf("%s/missions/%s?payment=canceled", base, missionID),
	})
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, initiatePaymentResponse{URL: res.URL, SessionID: res.SessionID})
}

// returnBase is the request Origin when it is an allowed origin, otherwise BaseURL.
func (h *PaymentHandler) returnBase(r *http.Request) string {
	origin := strings.TrimRight(r.Header.Get("Origin"), "/")
	for _, o := range h.AllowedOrigins {
		if origin != "" && strings.EqualFold(origin, strings.TrimRight(o, "/")) {
			return origin
		}
	}
	return strings.TrimRight(h.BaseURL, "/")
}

// --- POST /api/v1/payments/release ---

type releaseRequest struct {
	PaymentIntentID string `json:"paymentIntentId"`
}

type releaseResponse struct {
	Success         bool   `json:"success"`
	PaymentIntentID string `json:"paymentIntentId"`
	Status          string `json:"status"`
	EscrowStatus    string `json:"escrowStatus"`
}

// ReleaseEscrow handles POST /api/v1/payments/release.
func (h *PaymentHandler) ReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	var req releaseRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Escrow.ReleaseEscrow(r.Context(), a, req.PaymentIntentID)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, releaseResponse{
		Success:         true,
		PaymentIntentID: res.PaymentIntentID,
		Status:          res.Status,
		EscrowStatus:    res.EscrowStatus,
	})
}

// --- GET /api/v1/payments/{externalId} ---

// GetPayment handles GET /api/v1/payments/{externalId}.
func (h *PaymentHandler) GetPayment(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	p, err := h.Escrow.PaymentView(r.Context(), a, r.PathValue("externalId"))
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
