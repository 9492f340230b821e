package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Mission status values.
const (
	MissionStatusOpen         = "open"
	MissionStatusInDiscussion = "in_discussion"
	MissionStatusInProgress   = "in_progress"
	MissionStatusCompleted    = "completed"
	MissionStatusCanceled     = "canceled"
)

// Mission payment_status values. "unset" is the state before any checkout was started.
const (
	MissionPaymentUnset    = "unset"
	MissionPaymentPending  = "pending"
	MissionPaymentPaid     = "paid"
	MissionPaymentRefunded = "refunded"
)

var missionTransitions = map[string][]string{
	MissionStatusOpen:         {MissionStatusInDiscussion, MissionStatusCanceled},
	MissionStatusInDiscussion: {MissionStatusInProgress, MissionStatusCanceled},
	MissionStatusInProgress:   {MissionStatusCompleted, MissionStatusCanceled},
}

// MissionCancelable lists the statuses a mission may be canceled from.
var MissionCancelable = []string{MissionStatusOpen, MissionStatusInDiscussion, MissionStatusInProgress}

// MissionPaidStatuses lists the statuses in which payment_status may be "paid".
var MissionPaidStatuses = []string{MissionStatusInDiscussion, MissionStatusInProgress, MissionStatusCompleted}

type Mission struct {
	ID              uuid.UUID       `json:"id"`
	ClientID        uuid.UUID       `json:"client_id"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Category        string          `json:"category"`
	Budget          decimal.Decimal `json:"budget"`
	Deadline        *time.Time      `json:"deadline,omitempty"`
	Remote          bool            `json:"remote"`
	Location        *string         `json:"location,omitempty"`
	Status          string          `json:"status"`
	PaymentStatus   string          `json:"payment_status"`
	PaidAt          *time.Time      `json:"paid_at,omitempty"`
	FundedPaymentID *uuid.UUID      `json:"funded_payment_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// CanTransitionMission reports whether status may move from one value to another.
func CanTransitionMission(from, to string) bool {
	for _, s := range missionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// FundedBy reports whether p is the payment that funded the mission.
func (m *Mission) FundedBy(paymentID uuid.UUID) bool {
	return m.FundedPaymentID != nil && *m.FundedPaymentID == paymentID
}

// IsTerminal reports whether the mission can no longer change status.
func (m *Mission) IsTerminal() bool {
	return m.Status == MissionStatusCompleted || m.Status == MissionStatusCanceled
}
