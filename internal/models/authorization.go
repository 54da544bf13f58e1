package models

import (
	"time"

	"github.com/lib/pq"
)

// DenialReason explains why a pickup was not permitted.
type DenialReason string

const (
	DenialNoRelationship        DenialReason = "NO_RELATIONSHIP"
	DenialAuthorizationExpired  DenialReason = "AUTHORIZATION_EXPIRED"
	DenialDayNotAllowed         DenialReason = "DAY_NOT_ALLOWED"
	DenialAuthorizationInactive DenialReason = "AUTHORIZATION_INACTIVE"
)

// PickupDecision is the outcome of an authorization resolution.
type PickupDecision struct {
	Permitted bool         `json:"permitted"`
	Reason    DenialReason `json:"reason,omitempty"`
}

// PickupAuthorization grants a parent the right to collect another guardian's
// student within an inclusive date range, restricted to a weekday set.
// Rows are soft-deactivated rather than deleted, preserving history.
type PickupAuthorization struct {
	ID                  string        `db:"id" json:"id"`
	StudentID           string        `db:"student_id" json:"student_id"`
	AuthorizingParentID string        `db:"authorizing_parent_id" json:"authorizing_parent_id"`
	AuthorizedParentID  string        `db:"authorized_parent_id" json:"authorized_parent_id"`
	StartDate           time.Time     `db:"start_date" json:"start_date"`
	EndDate             time.Time     `db:"end_date" json:"end_date"`
	AllowedDaysOfWeek   pq.Int64Array `db:"allowed_days_of_week" json:"allowed_days_of_week"`
	IsActive            bool          `db:"is_active" json:"is_active"`
	CreatedAt           time.Time     `db:"created_at" json:"created_at"`
	DeactivatedAt       *time.Time    `db:"deactivated_at" json:"deactivated_at,omitempty"`
}

// InDateWindow reports whether the calendar date of at falls inside
// [StartDate, EndDate], both inclusive. Only the date part matters.
func (a *PickupAuthorization) InDateWindow(at time.Time) bool {
	day := truncateToDay(at)
	return !day.Before(truncateToDay(a.StartDate)) && !day.After(truncateToDay(a.EndDate))
}

// AllowsWeekday reports whether the weekday of at (Sunday=0) is permitted.
func (a *PickupAuthorization) AllowsWeekday(at time.Time) bool {
	wd := int64(at.Weekday())
	for _, allowed := range a.AllowedDaysOfWeek {
		if allowed == wd {
			return true
		}
	}
	return false
}

// Covers reports whether the authorization permits pickup at the given moment.
func (a *PickupAuthorization) Covers(at time.Time) bool {
	return a.IsActive && a.InDateWindow(at) && a.AllowsWeekday(at)
}

func truncateToDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
