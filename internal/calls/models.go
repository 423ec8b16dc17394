package calls

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no call log row matches.
var ErrNotFound = errors.New("call not found")

// CallStatus is the persisted outcome of a dialed call.
type CallStatus string

const (
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
)

// Call is one row of the dial log. It records what the dashboard needs for
// campaign review: who was called on which line, whether the carrier leg was
// up, and how the call ended.
type Call struct {
	ID          string     `json:"id" db:"id"`
	Line        string     `json:"line" db:"line"`
	LeadID      string     `json:"lead_id" db:"lead_id"`
	PhoneNumber string     `json:"phone_number" db:"phone_number"`
	Campaign    string     `json:"campaign" db:"campaign"`
	CloudCallID string     `json:"cloud_call_id,omitempty" db:"cloud_call_id"`
	LegacyLeg   bool       `json:"legacy_leg" db:"legacy_leg"`
	Status      CallStatus `json:"status" db:"status"`
	Cause       string     `json:"cause,omitempty" db:"cause"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty" db:"ended_at"`
}
