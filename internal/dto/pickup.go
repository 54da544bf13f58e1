package dto

import (
	"time"

	"github.com/schoolgate/pickup-api/internal/models"
)

// CreatePickupRequest asks for a new pickup request for a student.
type CreatePickupRequest struct {
	StudentID string `json:"student_id" validate:"required"`
}

// TransitionPickupRequest moves a pickup request to a target status.
type TransitionPickupRequest struct {
	Status models.RequestStatus `json:"status" validate:"required"`
}

// PickupQuery filters pickup request listings.
type PickupQuery struct {
	StudentID string
	Status    []models.RequestStatus
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// QueueBoardResponse is the active pickup queue shown on staff displays.
type QueueBoardResponse struct {
	Entries     []models.ActivePickup `json:"entries"`
	GeneratedAt time.Time             `json:"generated_at"`
}
