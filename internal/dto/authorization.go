package dto

// CreateAuthorizationRequest delegates pickup rights to another parent.
// Dates use YYYY-MM-DD; days of week use Sunday=0.
type CreateAuthorizationRequest struct {
	StudentID          string  `json:"student_id" validate:"required"`
	AuthorizedParentID string  `json:"authorized_parent_id" validate:"required"`
	StartDate          string  `json:"start_date" validate:"required"`
	EndDate            string  `json:"end_date" validate:"required"`
	AllowedDaysOfWeek  []int64 `json:"allowed_days_of_week" validate:"required,min=1,dive,gte=0,lte=6"`
}

// ResolveQuery checks whether a party may pick up a student at a moment in time.
type ResolveQuery struct {
	PartyID   string `form:"party_id"`
	StudentID string `form:"student_id" validate:"required"`
	At        string `form:"at"`
}
