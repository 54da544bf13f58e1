package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/schoolgate/pickup-api/internal/dto"
	"github.com/schoolgate/pickup-api/internal/models"
	"github.com/schoolgate/pickup-api/internal/repository"
	appErrors "github.com/schoolgate/pickup-api/pkg/errors"
)

// memoryPickupStore is a mutex-guarded in-memory store that honors the same
// compare-and-swap contract as the SQL repository, so race tests exercise the
// real coordination logic.
type memoryPickupStore struct {
	mu       sync.Mutex
	requests map[string]*models.PickupRequest
}

func newMemoryPickupStore() *memoryPickupStore {
	return &memoryPickupStore{requests: make(map[string]*models.PickupRequest)}
}

func (s *memoryPickupStore) Create(ctx context.Context, req *models.PickupRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.requests {
		if existing.StudentID == req.StudentID && existing.Status.Active() {
			return repository.ErrActiveExists
		}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.UpdatedAt = req.RequestTime
	clone := *req
	s.requests[req.ID] = &clone
	return nil
}

func (s *memoryPickupStore) GetByID(ctx context.Context, id string) (*models.PickupRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *req
	return &clone, nil
}

func (s *memoryPickupStore) FindActiveByStudent(ctx context.Context, studentID string) (*models.PickupRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range s.requests {
		if req.StudentID == studentID && req.Status.Active() {
			clone := *req
			return &clone, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *memoryPickupStore) List(ctx context.Context, filter models.PickupFilter) ([]models.PickupRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PickupRequest
	for _, req := range s.requests {
		if filter.ParentID != "" && req.ParentID != filter.ParentID {
			continue
		}
		out = append(out, *req)
	}
	return out, nil
}

func (s *memoryPickupStore) ListActive(ctx context.Context) ([]models.ActivePickup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ActivePickup
	for _, req := range s.requests {
		if req.Status.Active() {
			out = append(out, models.ActivePickup{PickupRequest: *req})
		}
	}
	return out, nil
}

func (s *memoryPickupStore) UpdateStatus(ctx context.Context, params repository.UpdateStatusParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[params.ID]
	if !ok || req.Status != params.Expected {
		return sql.ErrNoRows
	}
	req.Status = params.Target
	req.UpdatedAt = params.UpdatedAt
	if params.CalledTime != nil {
		req.CalledTime = params.CalledTime
	}
	return nil
}

type resolverStub struct {
	decision models.PickupDecision
	err      error
}

func (s *resolverStub) Resolve(ctx context.Context, partyID, studentID string, at time.Time) (models.PickupDecision, error) {
	return s.decision, s.err
}

type publisherStub struct {
	mu     sync.Mutex
	events []models.PickupEvent
}

func (s *publisherStub) Publish(event models.PickupEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *publisherStub) all() []models.PickupEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.PickupEvent(nil), s.events...)
}

var (
	parentActor = &models.JWTClaims{UserID: "parent-1", Role: models.RoleParent}
	staffActor  = &models.JWTClaims{UserID: "staff-1", Role: models.RoleTeacher}
)

func newPickupFixture(permitted bool) (*PickupService, *memoryPickupStore, *publisherStub) {
	store := newMemoryPickupStore()
	events := &publisherStub{}
	resolver := &resolverStub{decision: models.PickupDecision{Permitted: permitted, Reason: models.DenialNoRelationship}}
	if permitted {
		resolver.decision.Reason = ""
	}
	svc := NewPickupService(store, resolver, events, nil, nil, nil, nil)
	return svc, store, events
}

func createRequest(t *testing.T, svc *PickupService) *models.PickupRequest {
	t.Helper()
	req, err := svc.Create(context.Background(), dto.CreatePickupRequest{StudentID: "student-1"}, parentActor)
	require.NoError(t, err)
	return req
}

func TestCreatePickupRequest(t *testing.T) {
	svc, _, events := newPickupFixture(true)

	req := createRequest(t, svc)
	require.Equal(t, models.StatusPending, req.Status)
	require.Equal(t, "parent-1", req.ParentID)
	require.False(t, req.RequestTime.IsZero())

	published := events.all()
	require.Len(t, published, 1)
	require.Equal(t, models.StatusPending, published[0].NewStatus)
}

func TestCreateDeniedCarriesReason(t *testing.T) {
	svc, _, _ := newPickupFixture(false)

	_, err := svc.Create(context.Background(), dto.CreatePickupRequest{StudentID: "student-1"}, parentActor)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, appErrors.ErrNotAuthorized.Code, appErr.Code)
	require.True(t, strings.HasPrefix(appErr.Message, string(models.DenialNoRelationship)))
}

func TestCreateSecondActiveRequestRejected(t *testing.T) {
	svc, _, _ := newPickupFixture(true)
	createRequest(t, svc)

	_, err := svc.Create(context.Background(), dto.CreatePickupRequest{StudentID: "student-1"}, parentActor)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, appErrors.ErrAlreadyActive.Code, appErr.Code)
}

func TestCreateAllowedAfterTerminal(t *testing.T) {
	svc, _, _ := newPickupFixture(true)
	req := createRequest(t, svc)

	_, err := svc.Transition(context.Background(), req.ID, models.StatusCancelled, parentActor)
	require.NoError(t, err)

	again, err := svc.Create(context.Background(), dto.CreatePickupRequest{StudentID: "student-1"}, parentActor)
	require.NoError(t, err)
	require.NotEqual(t, req.ID, again.ID)
}

func TestTransitionHappyPath(t *testing.T) {
	svc, _, events := newPickupFixture(true)
	req := createRequest(t, svc)

	called, err := svc.Transition(context.Background(), req.ID, models.StatusCalled, staffActor)
	require.NoError(t, err)
	require.Equal(t, models.StatusCalled, called.Status)
	require.NotNil(t, called.CalledTime)

	completed, err := svc.Transition(context.Background(), req.ID, models.StatusCompleted, staffActor)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, completed.Status)

	published := events.all()
	require.Len(t, published, 3)
	require.Equal(t, models.StatusCalled, published[1].NewStatus)
	require.Equal(t, models.StatusPending, published[1].PreviousStatus)
	require.Equal(t, models.StatusCompleted, published[2].NewStatus)
}

func TestTransitionRepeatIsNoOp(t *testing.T) {
	svc, _, events := newPickupFixture(true)
	req := createRequest(t, svc)

	_, err := svc.Transition(context.Background(), req.ID, models.StatusCalled, staffActor)
	require.NoError(t, err)

	again, err := svc.Transition(context.Background(), req.ID, models.StatusCalled, staffActor)
	require.NoError(t, err)
	require.Equal(t, models.StatusCalled, again.Status)

	// No second CALLED event: nothing changed.
	require.Len(t, events.all(), 2)
}

func TestTransitionInvalidEdge(t *testing.T) {
	svc, _, _ := newPickupFixture(true)
	req := createRequest(t, svc)

	_, err := svc.Transition(context.Background(), req.ID, models.StatusCompleted, staffActor)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, appErrors.ErrInvalidTransition.Code, appErr.Code)

	// Moving backwards to PENDING is an edge-table rejection, not a
	// malformed payload.
	_, err = svc.Transition(context.Background(), req.ID, models.StatusCalled, staffActor)
	require.NoError(t, err)

	_, err = svc.Transition(context.Background(), req.ID, models.StatusPending, staffActor)
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, appErrors.ErrInvalidTransition.Code, appErr.Code)
}

func TestTransitionAlreadyTerminal(t *testing.T) {
	svc, _, _ := newPickupFixture(true)
	req := createRequest(t, svc)

	_, err := svc.Transition(context.Background(), req.ID, models.StatusCancelled, staffActor)
	require.NoError(t, err)

	_, err = svc.Transition(context.Background(), req.ID, models.StatusCompleted, staffActor)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, appErrors.ErrAlreadyTerminal.Code, appErr.Code)
}

func TestTransitionParentCannotCall(t *testing.T) {
	svc, _, _ := newPickupFixture(true)
	req := createRequest(t, svc)

	_, err := svc.Transition(context.Background(), req.ID, models.StatusCalled, parentActor)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)
}

func TestTransitionOtherParentCannotCancel(t *testing.T) {
	svc, _, _ := newPickupFixture(true)
	req := createRequest(t, svc)

	other := &models.JWTClaims{UserID: "parent-2", Role: models.RoleParent}
	_, err := svc.Transition(context.Background(), req.ID, models.StatusCancelled, other)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)
}

func TestTransitionUnknownRequest(t *testing.T) {
	svc, _, _ := newPickupFixture(true)

	_, err := svc.Transition(context.Background(), "missing", models.StatusCalled, staffActor)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
}

func TestTransitionLostRaceSameTargetIsNoOp(t *testing.T) {
	svc, store, _ := newPickupFixture(true)
	req := createRequest(t, svc)

	// Simulate another process winning the same transition between our read
	// and our compare-and-swap.
	now := time.Now().UTC()
	require.NoError(t, store.UpdateStatus(context.Background(), repository.UpdateStatusParams{
		ID: req.ID, Expected: models.StatusPending, Target: models.StatusCalled,
		CalledTime: &now, UpdatedAt: now,
	}))

	result, err := svc.Transition(context.Background(), req.ID, models.StatusCalled, staffActor)
	require.NoError(t, err)
	require.Equal(t, models.StatusCalled, result.Status)
}

func TestConcurrentTransitionsExactlyOneWins(t *testing.T) {
	svc, _, _ := newPickupFixture(true)
	req := createRequest(t, svc)
	_, err := svc.Transition(context.Background(), req.ID, models.StatusCalled, staffActor)
	require.NoError(t, err)

	const attempts = 8
	results := make(chan error, attempts)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < attempts; i++ {
		target := models.StatusCompleted
		if i%2 == 1 {
			target = models.StatusCancelled
		}
		go func(target models.RequestStatus) {
			start.Wait()
			_, err := svc.Transition(context.Background(), req.ID, target, staffActor)
			results <- err
		}(target)
	}
	start.Done()

	var failures int
	for i := 0; i < attempts; i++ {
		if err := <-results; err != nil {
			var appErr *appErrors.Error
			require.True(t, errors.As(err, &appErr))
			require.Contains(t, []string{appErrors.ErrConflict.Code, appErrors.ErrAlreadyTerminal.Code}, appErr.Code)
			failures++
		}
	}

	// Every attempt at the winning target succeeds idempotently; every
	// attempt at the losing target surfaces a conflict. The request ends in
	// exactly one terminal state.
	final, err := svc.Get(context.Background(), req.ID, staffActor)
	require.NoError(t, err)
	require.True(t, final.Status.Terminal())
	require.Equal(t, attempts/2, failures)
}

func TestListScopesParentsToOwnRequests(t *testing.T) {
	svc, store, _ := newPickupFixture(true)
	createRequest(t, svc)
	require.NoError(t, store.Create(context.Background(), &models.PickupRequest{
		ID: "req-other", StudentID: "student-2", ParentID: "parent-2",
		Status: models.StatusPending, RequestTime: time.Now().UTC(),
	}))

	mine, err := svc.List(context.Background(), dto.PickupQuery{}, parentActor)
	require.NoError(t, err)
	require.Len(t, mine, 1)

	all, err := svc.List(context.Background(), dto.PickupQuery{}, staffActor)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestActiveQueueFallsBackWithoutCache(t *testing.T) {
	svc, _, _ := newPickupFixture(true)
	createRequest(t, svc)

	board, cached, err := svc.ActiveQueue(context.Background())
	require.NoError(t, err)
	require.False(t, cached)
	require.Len(t, board.Entries, 1)
}
