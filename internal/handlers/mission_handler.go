package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/skillmatch/backend/internal/escrow"
	"github.com/skillmatch/backend/internal/models"
)

// MissionService is the subset of escrow.Service used by MissionHandler.
type MissionService interface {
	CreateMission(ctx context.Context, actor escrow.Actor, in escrow.MissionInput) (*models.Mission, error)
	GetMission(ctx context.Context, actor escrow.Actor, id uuid.UUID) (*models.Mission, error)
	Apply(ctx context.Context, actor escrow.Actor, missionID uuid.UUID, coverLetter *string) (*models.Application, error)
	AcceptApplication(ctx context.Context, actor escrow.Actor, applicationID uuid.UUID) (*models.Application, error)
	RejectApplication(ctx context.Context, actor escrow.Actor, applicationID uuid.UUID) (*models.Application, error)
	StartMission(ctx context.Context, actor escrow.Actor, missionID uuid.UUID) (*models.Mission, error)
	CompleteMission(ctx context.Context, actor escrow.Actor, missionID uuid.UUID) (*models.Mission, error)
	CancelMission(ctx context.Context, actor escrow.Actor, missionID uuid.UUID) (*escrow.CancelResult, error)
}

// MissionHandler serves /api/v1/missions and /api/v1/applications endpoints.
type MissionHandler struct {
	Escrow MissionService
	Logger *slog.Logger
}

type createMissionRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Budget      decimal.Decimal `json:"budget"`
	Deadline    *time.Time      `json:"deadline"`
	Remote      bool            `json:"remote"`
	Location    *string         `json:"location"`
}

// CreateMission handles POST /api/v1/missions.
func (h *MissionHandler) CreateMission(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	var req createMissionRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := h.Escrow.CreateMission(r.Context(), a, escrow.MissionInput{
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		Budget:      req.Budget,
		Deadline:    req.Deadline,
		Remote:      req.Remote,
		Location:    req.Location,
	})
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// GetMission handles GET /api/v1/missions/{id}.
func (h *MissionHandler) GetMission(w http.ResponseWriter, r *http.Request) {
	h.missionAction(w, r, h.Escrow.GetMission)
}

// StartMission handles POST /api/v1/missions/{id}/start.
func (h *MissionHandler) StartMission(w http.ResponseWriter, r *http.Request) {
	h.missionAction(w, r, h.Escrow.StartMission)
}

// CompleteMission handles POST /api/v1/missions/{id}/complete.
func (h *MissionHandler) CompleteMission(w http.ResponseWriter, r *http.Request) {
	h.missionAction(w, r, h.Escrow.CompleteMission)
}

func (h *MissionHandler) missionAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, escrow.Actor, uuid.UUID) (*models.Mission, error)) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	m, err := fn(r.Context(), a, id)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type cancelResponse struct {
	Mission       *models.Mission `json:"mission"`
	VoidRequested bool            `json:"void_requested"`
	PaymentID     *uuid.UUID      `json:"payment_id,omitempty"`
}

// CancelMission handles POST /api/v1/missions/{id}/cancel.
func (h *MissionHandler) CancelMission(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := h.Escrow.CancelMission(r.Context(), a, id)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{Mission: res.Mission, VoidRequested: res.VoidRequested, PaymentID: res.PaymentID})
}

type applyRequest struct {
	CoverLetter *string `json:"cover_letter"`
}

// Apply handles POST /api/v1/missions/{id}/applications.
func (h *MissionHandler) Apply(w http.ResponseWriter, r *http.Request) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req applyRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	app, err := h.Escrow.Apply(r.Context(), a, id, req.CoverLetter)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

// AcceptApplication handles POST /api/v1/applications/{id}/accept.
func (h *MissionHandler) AcceptApplication(w http.ResponseWriter, r *http.Request) {
	h.applicationAction(w, r, h.Escrow.AcceptApplication)
}

// RejectApplication handles POST /api/v1/applications/{id}/reject.
func (h *MissionHandler) RejectApplication(w http.ResponseWriter, r *http.Request) {
	h.applicationAction(w, r, h.Escrow.RejectApplication)
}

func (h *MissionHandler) applicationAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, escrow.Actor, uuid.UUID) (*models.Application, error)) {
	a, ok := actor(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	app, err := fn(r.Context(), a, id)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}
