package service

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"github.com/schoolgate/pickup-api/internal/models"
	appErrors "github.com/schoolgate/pickup-api/pkg/errors"
)

type studentStore interface {
	GetByID(ctx context.Context, id string) (*models.Student, error)
	List(ctx context.Context) ([]models.Student, error)
	ListByGuardian(ctx context.Context, parentID string) ([]models.Student, error)
	GuardianLinkExists(ctx context.Context, parentID, studentID string) (bool, error)
}

// StudentService is the read side for students and guardian links.
type StudentService struct {
	repo   studentStore
	logger *zap.Logger
}

// NewStudentService constructs the service.
func NewStudentService(repo studentStore, logger *zap.Logger) *StudentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StudentService{repo: repo, logger: logger}
}

// Get returns a student. Parents may only see students they guard.
func (s *StudentService) Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.Student, error) {
	if !actor.Role.CanOperateDesk() {
		isGuardian, err := s.repo.GuardianLinkExists(ctx, actor.UserID, id)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrTransientIO.Code, appErrors.ErrTransientIO.Status, "failed to check guardian link")
		}
		if !isGuardian {
			return nil, appErrors.ErrForbidden
		}
	}

	student, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrTransientIO.Code, appErrors.ErrTransientIO.Status, "failed to load student")
	}
	return student, nil
}

// List returns the students visible to the actor: every active student for
// staff, linked students for parents.
func (s *StudentService) List(ctx context.Context, actor *models.JWTClaims) ([]models.Student, error) {
	var (
		students []models.Student
		err      error
	)
	if actor.Role.CanOperateDesk() {
		students, err = s.repo.List(ctx)
	} else {
		students, err = s.repo.ListByGuardian(ctx, actor.UserID)
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrTransientIO.Code, appErrors.ErrTransientIO.Status, "failed to list students")
	}
	return students, nil
}
