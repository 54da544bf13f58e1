package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/schoolgate/pickup-api/internal/dto"
	"github.com/schoolgate/pickup-api/internal/models"
	"github.com/schoolgate/pickup-api/internal/repository"
	appErrors "github.com/schoolgate/pickup-api/pkg/errors"
)

const queueCacheKey = "pickup:queue"

// SweeperActor is the synthetic identity the auto-completion sweeper acts as.
// It competes for the same compare-and-swap path as interactive staff and has
// no priority over them.
var SweeperActor = &models.JWTClaims{UserID: "system-sweeper", Role: models.RoleAdmin, FullName: "Auto-completion sweeper"}

type pickupStore interface {
	Create(ctx context.Context, req *models.PickupRequest) error
	GetByID(ctx context.Context, id string) (*models.PickupRequest, error)
	FindActiveByStudent(ctx context.Context, studentID string) (*models.PickupRequest, error)
	List(ctx context.Context, filter models.PickupFilter) ([]models.PickupRequest, error)
	ListActive(ctx context.Context) ([]models.ActivePickup, error)
	UpdateStatus(ctx context.Context, params repository.UpdateStatusParams) error
}

type pickupResolver interface {
	Resolve(ctx context.Context, partyID, studentID string, at time.Time) (models.PickupDecision, error)
}

type eventPublisher interface {
	Publish(event models.PickupEvent)
}

type auditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// PickupService governs the pickup request lifecycle: creation gated by the
// authorization resolver, transitions serialized per request through the
// repository's compare-and-swap update, and committed changes fanned out to
// subscribers.
type PickupService struct {
	repo     pickupStore
	resolver pickupResolver
	events   eventPublisher
	cache    *CacheService
	audit    auditLogger
	metrics  *MetricsService
	logger   *zap.Logger
	now      func() time.Time
}

// PickupServiceOption configures the service.
type PickupServiceOption func(*PickupService)

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) PickupServiceOption {
	return func(s *PickupService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewPickupService constructs the service.
func NewPickupService(repo pickupStore, resolver pickupResolver, events eventPublisher, cache *CacheService, audit auditLogger, metrics *MetricsService, logger *zap.Logger, opts ...PickupServiceOption) *PickupService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &PickupService{
		repo:     repo,
		resolver: resolver,
		events:   events,
		cache:    cache,
		audit:    audit,
		metrics:  metrics,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Create opens a new pickup request for the student on behalf of the actor.
// The resolver gates the call; at most one active request may exist per
// student, enforced twice: a pre-check for a friendly error and the partial
// unique index for the race window.
func (s *PickupService) Create(ctx context.Context, req dto.CreatePickupRequest, actor *models.JWTClaims) (*models.PickupRequest, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if req.StudentID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "student_id is required")
	}

	now := s.now()
	decision, err := s.resolver.Resolve(ctx, actor.UserID, req.StudentID, now)
	if err != nil {
		return nil, err
	}
	if !decision.Permitted {
		s.metrics.ObserveTransitionFailure(appErrors.ErrNotAuthorized.Code)
		return nil, appErrors.Clone(appErrors.ErrNotAuthorized,
			fmt.Sprintf("%s: %s", decision.Reason, denialMessage(decision.Reason)))
	}

	if existing, err := s.repo.FindActiveByStudent(ctx, req.StudentID); err == nil && existing != nil {
		s.metrics.ObserveTransitionFailure(appErrors.ErrAlreadyActive.Code)
		return nil, appErrors.ErrAlreadyActive
	} else if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrTransientIO.Code, appErrors.ErrTransientIO.Status, "failed to check active requests")
	}

	request := &models.PickupRequest{
		StudentID:   req.StudentID,
		ParentID:    actor.UserID,
		Status:      models.StatusPending,
		RequestTime: now,
	}
	if err := s.repo.Create(ctx, request); err != nil {
		if errors.Is(err, repository.ErrActiveExists) {
			s.metrics.ObserveTransitionFailure(appErrors.ErrAlreadyActive.Code)
			return nil, appErrors.ErrAlreadyActive
		}
		return nil, appErrors.Wrap(err, appErrors.ErrTransientIO.Code, appErrors.ErrTransientIO.Status, "failed to create pickup request")
	}

	s.afterCommit(ctx, actor, models.AuditActionPickupCreate, request, "")
	s.metrics.ObserveTransition(string(models.StatusPending), actorLabel(actor))
	return request, nil
}

// Transition moves a request along one of the allowed edges:
// PENDING->CALLED, PENDING->CANCELLED, CALLED->COMPLETED, CALLED->CANCELLED.
// Repeating the current status is a no-op success so clients can retry
// idempotently. Losing the compare-and-swap race yields CONFLICT after a
// re-read, unless the winner already landed on the same target.
func (s *PickupService) Transition(ctx context.Context, id string, target models.RequestStatus, actor *models.JWTClaims) (*models.PickupRequest, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !target.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported target status: %s", target))
	}

	request, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrTransientIO.Code, appErrors.ErrTransientIO.Status, "failed to load pickup request")
	}

	if err := s.authorizeTransition(request, target, actor); err != nil {
		return nil, err
	}

	if request.Status == target {
		return request, nil
	}
	if request.Status.Terminal() {
		s.metrics.ObserveTransitionFailure(appErrors.ErrAlreadyTerminal.Code)
		return nil, appErrors.ErrAlreadyTerminal
	}
	if !models.CanTransition(request.Status, target) {
		s.metrics.ObserveTransitionFailure(appErrors.ErrInvalidTransition.Code)
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition,
			fmt.Sprintf("cannot move %s request to %s", request.Status, target))
	}

	now := s.now()
	params := repository.UpdateStatusParams{
		ID:        request.ID,
		Expected:  request.Status,
		Target:    target,
		UpdatedAt: now,
	}
	if target == models.StatusCalled {
		params.CalledTime = &now
	}

	if err := s.repo.UpdateStatus(ctx, params); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s.resolveLostRace(ctx, id, target)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrTransientIO.Code, appErrors.ErrTransientIO.Status, "failed to update pickup request")
	}

	previous := request.Status
	request.Status = target
	request.UpdatedAt = now
	if params.CalledTime != nil {
		request.CalledTime = params.CalledTime
	}

	s.afterCommit(ctx, actor, models.AuditActionPickupTransition, request, previous)
	s.metrics.ObserveTransition(string(target), actorLabel(actor))
	return request, nil
}

// resolveLostRace re-reads a request after a failed compare-and-swap and
// decides between a benign no-op and a surfaced conflict.
func (s *PickupService) resolveLostRace(ctx context.Context, id string, target models.RequestStatus) (*models.PickupRequest, error) {
	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrTransientIO.Code, appErrors.ErrTransientIO.Status, "failed to re-read pickup request")
	}
	if current.Status == target {
		// Someone else committed the same transition first; the caller's
		// intent is satisfied.
		return current, nil
	}
	s.metrics.ObserveTransitionFailure(appErrors.ErrConflict.Code)
	return nil, appErrors.Clone(appErrors.ErrConflict,
		fmt.Sprintf("request is now %s, someone else already handled it", current.Status))
}

// Get returns a request, scoped so parents only see their own.
func (s *PickupService) Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.PickupRequest, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	request, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrTransientIO.Code, appErrors.ErrTransientIO.Status, "failed to load pickup request")
	}
	if !actor.Role.CanOperateDesk() && request.ParentID != actor.UserID {
		return nil, appErrors.ErrForbidden
	}
	return request, nil
}

// List returns requests visible to the actor.
func (s *PickupService) List(ctx context.Context, query dto.PickupQuery, actor *models.JWTClaims) ([]models.PickupRequest, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	filter := models.PickupFilter{
		StudentID: query.StudentID,
		Status:    query.Status,
		From:      query.From,
		To:        query.To,
		Limit:     query.Limit,
		Offset:    query.Offset,
	}
	if !actor.Role.CanOperateDesk() {
		filter.ParentID = actor.UserID
	}
	requests, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrTransientIO.Code, appErrors.ErrTransientIO.Status, "failed to list pickup requests")
	}
	return requests, nil
}

// ActiveQueue returns the active pickup queue for staff boards, served from a
// short-lived cache when possible. The second return value reports a cache hit.
func (s *PickupService) ActiveQueue(ctx context.Context) (*dto.QueueBoardResponse, bool, error) {
	var board dto.QueueBoardResponse
	if hit, _ := s.cache.Get(ctx, queueCacheKey, &board); hit {
		return &board, true, nil
	}

	entries, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrTransientIO.Code, appErrors.ErrTransientIO.Status, "failed to load active queue")
	}
	board = dto.QueueBoardResponse{Entries: entries, GeneratedAt: s.now()}
	_ = s.cache.Set(ctx, queueCacheKey, &board, 0)
	return &board, false, nil
}

// authorizeTransition applies the capability model: desk staff call and
// complete; the requesting parent may cancel their own request; the sweeper
// acts as staff.
func (s *PickupService) authorizeTransition(request *models.PickupRequest, target models.RequestStatus, actor *models.JWTClaims) error {
	switch target {
	case models.StatusCalled, models.StatusCompleted:
		if !actor.Role.CanOperateDesk() {
			return appErrors.ErrForbidden
		}
	case models.StatusCancelled:
		if !actor.Role.CanOperateDesk() && request.ParentID != actor.UserID {
			return appErrors.ErrForbidden
		}
	}
	return nil
}

// afterCommit publishes the change event, drops the queue cache and writes
// the audit trail. None of these may fail the already-committed transition.
func (s *PickupService) afterCommit(ctx context.Context, actor *models.JWTClaims, action string, request *models.PickupRequest, previous models.RequestStatus) {
	if s.events != nil {
		s.events.Publish(models.PickupEvent{
			RequestID:      request.ID,
			StudentID:      request.StudentID,
			PreviousStatus: previous,
			NewStatus:      request.Status,
			Timestamp:      request.UpdatedAt,
		})
	}
	_ = s.cache.Invalidate(ctx, queueCacheKey)

	if s.audit == nil {
		return
	}
	payload, _ := json.Marshal(request)
	log := &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     action,
		Resource:   "pickup_request",
		ResourceID: &request.ID,
		NewValues:  payload,
		IPAddress:  "api",
		UserAgent:  actorLabel(actor),
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to persist audit log", zap.Error(err))
	}
}

func actorLabel(actor *models.JWTClaims) string {
	if actor == SweeperActor {
		return "sweeper"
	}
	return "user"
}

func denialMessage(reason models.DenialReason) string {
	switch reason {
	case models.DenialNoRelationship:
		return "no guardian link or pickup authorization exists for this student"
	case models.DenialAuthorizationExpired:
		return "pickup authorization is outside its date range"
	case models.DenialDayNotAllowed:
		return "pickup authorization does not cover this day of the week"
	case models.DenialAuthorizationInactive:
		return "pickup authorization has been deactivated"
	}
	return "pickup not permitted"
}
