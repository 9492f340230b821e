package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/skillmatch/backend/internal/escrow"
	"github.com/skillmatch/backend/internal/middleware"
)

// statusFor maps an escrow error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, escrow.ErrValidation), errors.Is(err, escrow.ErrSignature):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrPrecondition):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrGateway):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := statusFor(err)
	msg := "internal error"
	var e *escrow.Error
	if errors.As(err, &e) {
		msg = e.Msg
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func actor(w http.ResponseWriter, r *http.Request) (escrow.Actor, bool) {
	a, ok := middleware.ActorFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
	}
	return a, ok
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid id"}`, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return false
	}
	return true
}
