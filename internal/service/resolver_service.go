package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/schoolgate/pickup-api/internal/models"
	appErrors "github.com/schoolgate/pickup-api/pkg/errors"
)

type resolverStudentStore interface {
	GetByID(ctx context.Context, id string) (*models.Student, error)
	GuardianLinkExists(ctx context.Context, parentID, studentID string) (bool, error)
}

type resolverAuthorizationStore interface {
	ListForPair(ctx context.Context, authorizedParentID, studentID string) ([]models.PickupAuthorization, error)
}

// ResolverService decides whether a requesting party may pick up a student
// at a given moment. It is read-only: a pure function of current guardian
// links and authorization rows.
type ResolverService struct {
	students       resolverStudentStore
	authorizations resolverAuthorizationStore
	logger         *zap.Logger
}

// NewResolverService constructs the resolver.
func NewResolverService(students resolverStudentStore, authorizations resolverAuthorizationStore, logger *zap.Logger) *ResolverService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResolverService{students: students, authorizations: authorizations, logger: logger}
}

// Resolve evaluates pickup permission for (party, student) at the given time.
// Direct guardians are permitted unconditionally. Otherwise the party needs
// at least one active authorization whose date window covers the day and
// whose weekday set allows it. On denial the most specific reason wins:
// wrong weekday inside a live window beats an expired window, which beats
// rows that are merely deactivated.
func (s *ResolverService) Resolve(ctx context.Context, partyID, studentID string, at time.Time) (models.PickupDecision, error) {
	if _, err := s.students.GetByID(ctx, studentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PickupDecision{}, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return models.PickupDecision{}, appErrors.Wrap(err, appErrors.ErrTransientIO.Code, appErrors.ErrTransientIO.Status, "failed to load student")
	}

	isGuardian, err := s.students.GuardianLinkExists(ctx, partyID, studentID)
	if err != nil {
		return models.PickupDecision{}, appErrors.Wrap(err, appErrors.ErrTransientIO.Code, appErrors.ErrTransientIO.Status, "failed to check guardian link")
	}
	if isGuardian {
		return models.PickupDecision{Permitted: true}, nil
	}

	auths, err := s.authorizations.ListForPair(ctx, partyID, studentID)
	if err != nil {
		return models.PickupDecision{}, appErrors.Wrap(err, appErrors.ErrTransientIO.Code, appErrors.ErrTransientIO.Status, "failed to load authorizations")
	}
	if len(auths) == 0 {
		return models.PickupDecision{Reason: models.DenialNoRelationship}, nil
	}

	reason := models.DenialAuthorizationInactive
	for i := range auths {
		auth := &auths[i]
		if auth.Covers(at) {
			// Overlapping grants are fine, one match is enough.
			return models.PickupDecision{Permitted: true}, nil
		}
		if !auth.IsActive {
			continue
		}
		if auth.InDateWindow(at) {
			reason = models.DenialDayNotAllowed
		} else if reason != models.DenialDayNotAllowed {
			reason = models.DenialAuthorizationExpired
		}
	}

	s.logger.Debug("pickup denied",
		zap.String("party_id", partyID),
		zap.String("student_id", studentID),
		zap.String("reason", string(reason)))
	return models.PickupDecision{Reason: reason}, nil
}
