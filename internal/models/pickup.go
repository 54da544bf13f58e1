package models

import "time"

// RequestStatus captures lifecycle states for pickup requests.
type RequestStatus string

const (
	StatusPending   RequestStatus = "PENDING"
	StatusCalled    RequestStatus = "CALLED"
	StatusCompleted RequestStatus = "COMPLETED"
	StatusCancelled RequestStatus = "CANCELLED"
)

// Terminal reports whether the status permits no further transitions.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Active reports whether the status counts against the one-active-request
// invariant per student.
func (s RequestStatus) Active() bool {
	return s == StatusPending || s == StatusCalled
}

// Valid reports whether the value is a known status.
func (s RequestStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCalled, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the edge from -> to is allowed. The edge set
// is exactly: PENDING->CALLED, PENDING->CANCELLED, CALLED->COMPLETED,
// CALLED->CANCELLED. Nothing ever re-enters PENDING.
func CanTransition(from, to RequestStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusCalled || to == StatusCancelled
	case StatusCalled:
		return to == StatusCompleted || to == StatusCancelled
	}
	return false
}

// PickupRequest is the central mutable entity of the pickup lifecycle.
type PickupRequest struct {
	ID          string        `db:"id" json:"id"`
	StudentID   string        `db:"student_id" json:"student_id"`
	ParentID    string        `db:"parent_id" json:"parent_id"`
	Status      RequestStatus `db:"status" json:"status"`
	RequestTime time.Time     `db:"request_time" json:"request_time"`
	CalledTime  *time.Time    `db:"called_time" json:"called_time,omitempty"`
	UpdatedAt   time.Time     `db:"updated_at" json:"updated_at"`
}

// PickupFilter constrains listing queries.
type PickupFilter struct {
	StudentID string
	ParentID  string
	Status    []RequestStatus
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// ActivePickup is a queue-board row joining the request with display names.
type ActivePickup struct {
	PickupRequest
	StudentName string `db:"student_name" json:"student_name"`
	ClassName   string `db:"class_name" json:"class_name"`
	ParentName  string `db:"parent_name" json:"parent_name"`
}

// PickupEvent describes a committed status change, fanned out to subscribers.
// Consumers must treat delivery as at-least-once and reconcile by re-fetching
// current state rather than trusting the payload as sole truth.
type PickupEvent struct {
	RequestID      string        `json:"request_id"`
	StudentID      string        `json:"student_id"`
	PreviousStatus RequestStatus `json:"previous_status"`
	NewStatus      RequestStatus `json:"new_status"`
	Timestamp      time.Time     `json:"timestamp"`
}
