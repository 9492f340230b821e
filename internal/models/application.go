package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ApplicationStatusPending  = "pending"
	ApplicationStatusAccepted = "accepted"
	ApplicationStatusRejected = "rejected"
)

type Application struct {
	ID          uuid.UUID `json:"id"`
	MissionID   uuid.UUID `json:"mission_id"`
	StudentID   uuid.UUID `json:"student_id"`
	Status      string    `json:"status"`
	CoverLetter *string   `json:"cover_letter,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
