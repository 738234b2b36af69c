// Package consultation tracks patient requests for a call with a doctor and
// their lifecycle. State lives in a Store; every transition is pushed to the
// other party over signaling as a notification event.
package consultation

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusRequested Status = "REQUESTED"
	StatusAccepted  Status = "ACCEPTED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
	StatusCompleted Status = "COMPLETED"
)

var (
	ErrNotFound          = errors.New("consultation not found")
	ErrInvalidTransition = errors.New("invalid consultation transition")
	ErrForbidden         = errors.New("not permitted for this consultation")
	ErrInvalidRequest    = errors.New("invalid consultation request")
)

type Consultation struct {
	ID          string    `json:"id"`
	PatientID   string    `json:"patientId"`
	DoctorID    string    `json:"doctorId"`
	Status      Status    `json:"status"`
	RequestTime time.Time `json:"requestTime"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

var transitions = map[Status][]Status{
	StatusRequested: {StatusAccepted, StatusRejected, StatusCancelled},
	StatusAccepted:  {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether from may move to to. Terminal statuses have
// no outgoing edges.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition moves c to status at now, or returns ErrInvalidTransition.
func (c *Consultation) transition(to Status, now time.Time) error {
	if !CanTransition(c.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}
	c.Status = to
	c.UpdatedAt = now
	return nil
}

// Counterpart returns the other participant of the consultation.
func (c Consultation) Counterpart(userID string) string {
	if userID == c.DoctorID {
		return c.PatientID
	}
	return c.DoctorID
}
