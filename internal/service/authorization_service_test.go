package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schoolgate/pickup-api/internal/dto"
	"github.com/schoolgate/pickup-api/internal/models"
	appErrors "github.com/schoolgate/pickup-api/pkg/errors"
)

type authorizationRepoStub struct {
	created     []*models.PickupAuthorization
	byID        map[string]*models.PickupAuthorization
	deactivated []string
	deactErr    error
}

func (s *authorizationRepoStub) Create(ctx context.Context, auth *models.PickupAuthorization) error {
	s.created = append(s.created, auth)
	return nil
}

func (s *authorizationRepoStub) GetByID(ctx context.Context, id string) (*models.PickupAuthorization, error) {
	if auth, ok := s.byID[id]; ok {
		return auth, nil
	}
	return nil, sql.ErrNoRows
}

func (s *authorizationRepoStub) ListByStudent(ctx context.Context, studentID string, activeOnly bool) ([]models.PickupAuthorization, error) {
	var out []models.PickupAuthorization
	for _, auth := range s.byID {
		if auth.StudentID != studentID {
			continue
		}
		if activeOnly && !auth.IsActive {
			continue
		}
		out = append(out, *auth)
	}
	return out, nil
}

func (s *authorizationRepoStub) Deactivate(ctx context.Context, id string, at time.Time) error {
	if s.deactErr != nil {
		return s.deactErr
	}
	s.deactivated = append(s.deactivated, id)
	return nil
}

type auditStub struct {
	logs []*models.AuditLog
}

func (s *auditStub) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	s.logs = append(s.logs, log)
	return nil
}

func validAuthorizationRequest() dto.CreateAuthorizationRequest {
	return dto.CreateAuthorizationRequest{
		StudentID:          "student-1",
		AuthorizedParentID: "aunt-1",
		StartDate:          "2025-01-06",
		EndDate:            "2025-01-31",
		AllowedDaysOfWeek:  []int64{1, 3, 5},
	}
}

func newAuthorizationFixture(repo *authorizationRepoStub, audit *auditStub) *AuthorizationService {
	students := &studentStoreStub{
		students: map[string]*models.Student{
			"student-1": {ID: "student-1", FullName: "Maya Chen", ClassName: "3B", Active: true},
		},
		links: map[string]bool{"parent-1:student-1": true},
	}
	return NewAuthorizationService(repo, students, audit, nil, nil)
}

func TestAuthorizationCreateByGuardian(t *testing.T) {
	repo := &authorizationRepoStub{}
	audit := &auditStub{}
	svc := newAuthorizationFixture(repo, audit)

	auth, err := svc.Create(context.Background(), validAuthorizationRequest(), parentActor)
	require.NoError(t, err)
	require.Equal(t, "parent-1", auth.AuthorizingParentID)
	require.Equal(t, "aunt-1", auth.AuthorizedParentID)
	require.True(t, auth.IsActive)
	require.Len(t, repo.created, 1)
	require.Len(t, audit.logs, 1)
	require.Equal(t, models.AuditActionAuthorizationCreate, audit.logs[0].Action)
}

func TestAuthorizationCreateRejectsNonGuardian(t *testing.T) {
	svc := newAuthorizationFixture(&authorizationRepoStub{}, &auditStub{})

	outsider := &models.JWTClaims{UserID: "parent-9", Role: models.RoleParent}
	_, err := svc.Create(context.Background(), validAuthorizationRequest(), outsider)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)
}

func TestAuthorizationCreateValidatesDates(t *testing.T) {
	svc := newAuthorizationFixture(&authorizationRepoStub{}, &auditStub{})

	req := validAuthorizationRequest()
	req.StartDate = "2025-02-01"
	req.EndDate = "2025-01-01"
	_, err := svc.Create(context.Background(), req, parentActor)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, appErrors.ErrValidation.Code, appErr.Code)

	req = validAuthorizationRequest()
	req.AllowedDaysOfWeek = nil
	_, err = svc.Create(context.Background(), req, parentActor)
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
}

func TestAuthorizationCreateRejectsSelfDelegation(t *testing.T) {
	svc := newAuthorizationFixture(&authorizationRepoStub{}, &auditStub{})

	req := validAuthorizationRequest()
	req.AuthorizedParentID = parentActor.UserID
	_, err := svc.Create(context.Background(), req, parentActor)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
}

func TestAuthorizationDeactivateByOwner(t *testing.T) {
	repo := &authorizationRepoStub{byID: map[string]*models.PickupAuthorization{
		"auth-1": {ID: "auth-1", StudentID: "student-1", AuthorizingParentID: "parent-1", IsActive: true},
	}}
	audit := &auditStub{}
	svc := newAuthorizationFixture(repo, audit)

	auth, err := svc.Deactivate(context.Background(), "auth-1", parentActor)
	require.NoError(t, err)
	require.False(t, auth.IsActive)
	require.NotNil(t, auth.DeactivatedAt)
	require.Equal(t, []string{"auth-1"}, repo.deactivated)
	require.Len(t, audit.logs, 1)
}

func TestAuthorizationDeactivateRejectsStranger(t *testing.T) {
	repo := &authorizationRepoStub{byID: map[string]*models.PickupAuthorization{
		"auth-1": {ID: "auth-1", StudentID: "student-1", AuthorizingParentID: "parent-1", IsActive: true},
	}}
	svc := newAuthorizationFixture(repo, &auditStub{})

	outsider := &models.JWTClaims{UserID: "parent-9", Role: models.RoleParent}
	_, err := svc.Deactivate(context.Background(), "auth-1", outsider)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)
}

func TestAuthorizationDeactivateTwiceConflicts(t *testing.T) {
	repo := &authorizationRepoStub{
		byID: map[string]*models.PickupAuthorization{
			"auth-1": {ID: "auth-1", StudentID: "student-1", AuthorizingParentID: "parent-1"},
		},
		deactErr: sql.ErrNoRows,
	}
	svc := newAuthorizationFixture(repo, &auditStub{})

	_, err := svc.Deactivate(context.Background(), "auth-1", parentActor)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, appErrors.ErrConflict.Code, appErr.Code)
}

func TestAuthorizationListScopedToGuardians(t *testing.T) {
	repo := &authorizationRepoStub{byID: map[string]*models.PickupAuthorization{
		"auth-1": {ID: "auth-1", StudentID: "student-1", AuthorizingParentID: "parent-1", IsActive: true},
		"auth-2": {ID: "auth-2", StudentID: "student-1", AuthorizingParentID: "parent-1"},
	}}
	svc := newAuthorizationFixture(repo, &auditStub{})

	active, err := svc.ListByStudent(context.Background(), "student-1", true, parentActor)
	require.NoError(t, err)
	require.Len(t, active, 1)

	outsider := &models.JWTClaims{UserID: "parent-9", Role: models.RoleParent}
	_, err = svc.ListByStudent(context.Background(), "student-1", false, outsider)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)

	admin := &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin}
	all, err := svc.ListByStudent(context.Background(), "student-1", false, admin)
	require.NoError(t, err)
	require.Len(t, all, 2)
}
