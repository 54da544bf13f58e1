package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/schoolgate/pickup-api/internal/models"
	appErrors "github.com/schoolgate/pickup-api/pkg/errors"
)

type studentStoreStub struct {
	students map[string]*models.Student
	links    map[string]bool
	linkErr  error
}

func (s *studentStoreStub) GetByID(ctx context.Context, id string) (*models.Student, error) {
	if student, ok := s.students[id]; ok {
		return student, nil
	}
	return nil, sql.ErrNoRows
}

func (s *studentStoreStub) GuardianLinkExists(ctx context.Context, parentID, studentID string) (bool, error) {
	if s.linkErr != nil {
		return false, s.linkErr
	}
	return s.links[parentID+":"+studentID], nil
}

type authorizationStoreStub struct {
	auths []models.PickupAuthorization
	err   error
}

func (s *authorizationStoreStub) ListForPair(ctx context.Context, authorizedParentID, studentID string) ([]models.PickupAuthorization, error) {
	return s.auths, s.err
}

func newResolverFixture(auths []models.PickupAuthorization) *ResolverService {
	students := &studentStoreStub{
		students: map[string]*models.Student{
			"student-1": {ID: "student-1", FullName: "Maya Chen", ClassName: "3B", Active: true},
		},
		links: map[string]bool{"parent-1:student-1": true},
	}
	return NewResolverService(students, &authorizationStoreStub{auths: auths}, nil)
}

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return ts
}

func weekdayAuth() models.PickupAuthorization {
	start, _ := time.Parse("2006-01-02", "2025-01-06")
	end, _ := time.Parse("2006-01-02", "2025-01-31")
	return models.PickupAuthorization{
		ID:                  "auth-1",
		StudentID:           "student-1",
		AuthorizingParentID: "parent-1",
		AuthorizedParentID:  "aunt-1",
		StartDate:           start,
		EndDate:             end,
		AllowedDaysOfWeek:   pq.Int64Array{1, 2, 3, 4, 5},
		IsActive:            true,
	}
}

func TestResolveGuardianAlwaysPermitted(t *testing.T) {
	svc := newResolverFixture(nil)

	decision, err := svc.Resolve(context.Background(), "parent-1", "student-1", mustTime(t, "2025-01-18T12:00:00Z"))
	require.NoError(t, err)
	require.True(t, decision.Permitted)
	require.Empty(t, decision.Reason)
}

func TestResolveAuthorizedOnAllowedWeekday(t *testing.T) {
	svc := newResolverFixture([]models.PickupAuthorization{weekdayAuth()})

	// 2025-01-15 is a Wednesday inside the window.
	decision, err := svc.Resolve(context.Background(), "aunt-1", "student-1", mustTime(t, "2025-01-15T14:30:00Z"))
	require.NoError(t, err)
	require.True(t, decision.Permitted)
}

func TestResolveDeniedDayNotAllowed(t *testing.T) {
	svc := newResolverFixture([]models.PickupAuthorization{weekdayAuth()})

	// 2025-01-18 is a Saturday: inside the window, wrong weekday.
	decision, err := svc.Resolve(context.Background(), "aunt-1", "student-1", mustTime(t, "2025-01-18T14:30:00Z"))
	require.NoError(t, err)
	require.False(t, decision.Permitted)
	require.Equal(t, models.DenialDayNotAllowed, decision.Reason)
}

func TestResolveDeniedExpiredWindow(t *testing.T) {
	svc := newResolverFixture([]models.PickupAuthorization{weekdayAuth()})

	decision, err := svc.Resolve(context.Background(), "aunt-1", "student-1", mustTime(t, "2025-02-03T14:30:00Z"))
	require.NoError(t, err)
	require.False(t, decision.Permitted)
	require.Equal(t, models.DenialAuthorizationExpired, decision.Reason)
}

func TestResolveDeniedNoRelationship(t *testing.T) {
	svc := newResolverFixture(nil)

	decision, err := svc.Resolve(context.Background(), "stranger-1", "student-1", mustTime(t, "2025-01-15T14:30:00Z"))
	require.NoError(t, err)
	require.False(t, decision.Permitted)
	require.Equal(t, models.DenialNoRelationship, decision.Reason)
}

func TestResolveDeniedInactiveAuthorization(t *testing.T) {
	auth := weekdayAuth()
	auth.IsActive = false
	svc := newResolverFixture([]models.PickupAuthorization{auth})

	decision, err := svc.Resolve(context.Background(), "aunt-1", "student-1", mustTime(t, "2025-01-15T14:30:00Z"))
	require.NoError(t, err)
	require.False(t, decision.Permitted)
	require.Equal(t, models.DenialAuthorizationInactive, decision.Reason)
}

func TestResolveMostSpecificReasonWins(t *testing.T) {
	expired := weekdayAuth()
	expired.ID = "auth-expired"
	expired.StartDate, _ = time.Parse("2006-01-02", "2024-09-01")
	expired.EndDate, _ = time.Parse("2006-01-02", "2024-12-20")

	// The live-window grant with the wrong weekday is the more actionable
	// denial, regardless of row order.
	svc := newResolverFixture([]models.PickupAuthorization{expired, weekdayAuth()})

	decision, err := svc.Resolve(context.Background(), "aunt-1", "student-1", mustTime(t, "2025-01-18T14:30:00Z"))
	require.NoError(t, err)
	require.Equal(t, models.DenialDayNotAllowed, decision.Reason)
}

func TestResolveOverlappingGrantsOneMatchSuffices(t *testing.T) {
	inactive := weekdayAuth()
	inactive.ID = "auth-old"
	inactive.IsActive = false

	svc := newResolverFixture([]models.PickupAuthorization{inactive, weekdayAuth()})

	decision, err := svc.Resolve(context.Background(), "aunt-1", "student-1", mustTime(t, "2025-01-15T14:30:00Z"))
	require.NoError(t, err)
	require.True(t, decision.Permitted)
}

func TestResolveUnknownStudent(t *testing.T) {
	svc := newResolverFixture(nil)

	_, err := svc.Resolve(context.Background(), "parent-1", "missing", mustTime(t, "2025-01-15T14:30:00Z"))
	require.Error(t, err)

	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
}

func TestResolveTransientStorageFailure(t *testing.T) {
	students := &studentStoreStub{
		students: map[string]*models.Student{
			"student-1": {ID: "student-1", FullName: "Maya Chen", ClassName: "3B", Active: true},
		},
		linkErr: errors.New("connection refused"),
	}
	svc := NewResolverService(students, &authorizationStoreStub{}, nil)

	_, err := svc.Resolve(context.Background(), "parent-1", "student-1", mustTime(t, "2025-01-15T14:30:00Z"))
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, appErrors.ErrTransientIO.Code, appErr.Code)
}
