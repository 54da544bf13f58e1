package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/schoolgate/pickup-api/internal/dto"
	"github.com/schoolgate/pickup-api/internal/models"
	appErrors "github.com/schoolgate/pickup-api/pkg/errors"
)

type authorizationStore interface {
	Create(ctx context.Context, auth *models.PickupAuthorization) error
	GetByID(ctx context.Context, id string) (*models.PickupAuthorization, error)
	ListByStudent(ctx context.Context, studentID string, activeOnly bool) ([]models.PickupAuthorization, error)
	Deactivate(ctx context.Context, id string, at time.Time) error
}

type authorizationStudentStore interface {
	GetByID(ctx context.Context, id string) (*models.Student, error)
	GuardianLinkExists(ctx context.Context, parentID, studentID string) (bool, error)
}

// AuthorizationService manages delegated pickup grants. Only a direct
// guardian of the student may delegate, and grants are soft-deactivated so
// history stays intact for auditing.
type AuthorizationService struct {
	repo      authorizationStore
	students  authorizationStudentStore
	audit     auditLogger
	validator *validator.Validate
	logger    *zap.Logger
}

// NewAuthorizationService constructs the service.
func NewAuthorizationService(repo authorizationStore, students authorizationStudentStore, audit auditLogger, validate *validator.Validate, logger *zap.Logger) *AuthorizationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &AuthorizationService{repo: repo, students: students, audit: audit, validator: validate, logger: logger}
}

// Create delegates pickup rights for a student to another parent.
func (s *AuthorizationService) Create(ctx context.Context, req dto.CreateAuthorizationRequest, actor *models.JWTClaims) (*models.PickupAuthorization, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid authorization payload")
	}

	startDate, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "start_date must be YYYY-MM-DD")
	}
	endDate, err := time.Parse("2006-01-02", req.EndDate)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "end_date must be YYYY-MM-DD")
	}
	if endDate.Before(startDate) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "end_date must not precede start_date")
	}
	if req.AuthorizedParentID == actor.UserID {
		return nil, appErrors.Clone(appErrors.ErrValidation, "cannot delegate pickup rights to yourself")
	}

	if _, err := s.students.GetByID(ctx, req.StudentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrTransientIO.Code, appErrors.ErrTransientIO.Status, "failed to load student")
	}

	// Staff may delegate on any guardian's behalf; a parent only for their
	// own children.
	if !actor.Role.CanManageAuthorizations() {
		isGuardian, err := s.students.GuardianLinkExists(ctx, actor.UserID, req.StudentID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrTransientIO.Code, appErrors.ErrTransientIO.Status, "failed to check guardian link")
		}
		if !isGuardian {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "only a guardian of the student may delegate pickup rights")
		}
	}

	auth := &models.PickupAuthorization{
		ID:                  uuid.NewString(),
		StudentID:           req.StudentID,
		AuthorizingParentID: actor.UserID,
		AuthorizedParentID:  req.AuthorizedParentID,
		StartDate:           startDate,
		EndDate:             endDate,
		AllowedDaysOfWeek:   pq.Int64Array(req.AllowedDaysOfWeek),
		IsActive:            true,
		CreatedAt:           time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, auth); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrTransientIO.Code, appErrors.ErrTransientIO.Status, "failed to create authorization")
	}

	s.writeAudit(ctx, actor, models.AuditActionAuthorizationCreate, auth.ID, nil, auth)
	s.logger.Info("pickup authorization created",
		zap.String("authorization_id", auth.ID),
		zap.String("student_id", auth.StudentID),
		zap.String("authorized_parent_id", auth.AuthorizedParentID))
	return auth, nil
}

// ListByStudent returns a student's authorizations. Parents only see grants
// for their own children.
func (s *AuthorizationService) ListByStudent(ctx context.Context, studentID string, activeOnly bool, actor *models.JWTClaims) ([]models.PickupAuthorization, error) {
	if !actor.Role.CanManageAuthorizations() {
		isGuardian, err := s.students.GuardianLinkExists(ctx, actor.UserID, studentID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrTransientIO.Code, appErrors.ErrTransientIO.Status, "failed to check guardian link")
		}
		if !isGuardian {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "not a guardian of this student")
		}
	}

	auths, err := s.repo.ListByStudent(ctx, studentID, activeOnly)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrTransientIO.Code, appErrors.ErrTransientIO.Status, "failed to list authorizations")
	}
	return auths, nil
}

// Deactivate revokes a grant. Allowed for the parent who created it and for
// staff; already-revoked grants return ALREADY_TERMINAL semantics via 409.
func (s *AuthorizationService) Deactivate(ctx context.Context, id string, actor *models.JWTClaims) (*models.PickupAuthorization, error) {
	auth, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "authorization not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrTransientIO.Code, appErrors.ErrTransientIO.Status, "failed to load authorization")
	}

	if auth.AuthorizingParentID != actor.UserID && !actor.Role.CanManageAuthorizations() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only the delegating parent or staff may revoke")
	}

	now := time.Now().UTC()
	if err := s.repo.Deactivate(ctx, id, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "authorization is already deactivated")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrTransientIO.Code, appErrors.ErrTransientIO.Status, "failed to deactivate authorization")
	}

	previous := *auth
	auth.IsActive = false
	auth.DeactivatedAt = &now

	s.writeAudit(ctx, actor, models.AuditActionAuthorizationDeactivate, auth.ID, &previous, auth)
	s.logger.Info("pickup authorization deactivated",
		zap.String("authorization_id", auth.ID),
		zap.String("actor_id", actor.UserID))
	return auth, nil
}

func (s *AuthorizationService) writeAudit(ctx context.Context, actor *models.JWTClaims, action, resourceID string, oldValue, newValue any) {
	if s.audit == nil {
		return
	}
	log := &models.AuditLog{
		ID:         uuid.NewString(),
		UserID:     &actor.UserID,
		Action:     action,
		Resource:   "pickup_authorization",
		ResourceID: &resourceID,
		CreatedAt:  time.Now().UTC(),
	}
	if oldValue != nil {
		log.OldValues, _ = json.Marshal(oldValue)
	}
	if newValue != nil {
		log.NewValues, _ = json.Marshal(newValue)
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to persist audit log", zap.Error(err))
	}
}
