package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/schoolgate/pickup-api/internal/middleware"
	"github.com/schoolgate/pickup-api/internal/models"
	"github.com/schoolgate/pickup-api/internal/repository"
	"github.com/schoolgate/pickup-api/internal/service"
)

type fakePickupStore struct {
	requests map[string]*models.PickupRequest
}

func newFakePickupStore() *fakePickupStore {
	return &fakePickupStore{requests: make(map[string]*models.PickupRequest)}
}

func (f *fakePickupStore) Create(ctx context.Context, req *models.PickupRequest) error {
	for _, existing := range f.requests {
		if existing.StudentID == req.StudentID && existing.Status.Active() {
			return repository.ErrActiveExists
		}
	}
	if req.ID == "" {
		req.ID = "req-" + req.StudentID
	}
	req.UpdatedAt = req.RequestTime
	f.requests[req.ID] = req
	return nil
}

func (f *fakePickupStore) GetByID(ctx context.Context, id string) (*models.PickupRequest, error) {
	if req, ok := f.requests[id]; ok {
		clone := *req
		return &clone, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakePickupStore) FindActiveByStudent(ctx context.Context, studentID string) (*models.PickupRequest, error) {
	for _, req := range f.requests {
		if req.StudentID == studentID && req.Status.Active() {
			clone := *req
			return &clone, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakePickupStore) List(ctx context.Context, filter models.PickupFilter) ([]models.PickupRequest, error) {
	var out []models.PickupRequest
	for _, req := range f.requests {
		out = append(out, *req)
	}
	return out, nil
}

func (f *fakePickupStore) ListActive(ctx context.Context) ([]models.ActivePickup, error) {
	var out []models.ActivePickup
	for _, req := range f.requests {
		if req.Status.Active() {
			out = append(out, models.ActivePickup{PickupRequest: *req})
		}
	}
	return out, nil
}

func (f *fakePickupStore) UpdateStatus(ctx context.Context, params repository.UpdateStatusParams) error {
	req, ok := f.requests[params.ID]
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

type fakeResolver struct {
	decision models.PickupDecision
}

func (f *fakeResolver) Resolve(ctx context.Context, partyID, studentID string, at time.Time) (models.PickupDecision, error) {
	return f.decision, nil
}

type responseEnvelope struct {
	Data  map[string]interface{} `json:"data"`
	Error map[string]interface{} `json:"error"`
	Meta  map[string]interface{} `json:"meta"`
}

func newPickupHandlerFixture(permitted bool) (*PickupHandler, *fakePickupStore) {
	store := newFakePickupStore()
	decision := models.PickupDecision{Permitted: permitted}
	if !permitted {
		decision.Reason = models.DenialDayNotAllowed
	}
	svc := service.NewPickupService(store, &fakeResolver{decision: decision}, nil, nil, nil, nil, nil)
	return NewPickupHandler(svc), store
}

func performJSON(t *testing.T, h gin.HandlerFunc, method, target, body string, claims *models.JWTClaims, params ...gin.Param) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		c.Request.Header.Set("Content-Type", "application/json")
	}
	if claims != nil {
		c.Set(middleware.ContextUserKey, claims)
	}
	c.Params = params
	h(c)
	return rec
}

var (
	testParent = &models.JWTClaims{UserID: "parent-1", Role: models.RoleParent}
	testStaff  = &models.JWTClaims{UserID: "staff-1", Role: models.RoleTeacher}
)

func TestPickupHandlerCreate(t *testing.T) {
	handler, _ := newPickupHandlerFixture(true)

	rec := performJSON(t, handler.Create, http.MethodPost, "/pickups", `{"student_id":"student-1"}`, testParent)
	require.Equal(t, http.StatusCreated, rec.Code)

	var envelope responseEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, "PENDING", envelope.Data["status"])
	require.Equal(t, "student-1", envelope.Data["student_id"])
}

func TestPickupHandlerCreateDenied(t *testing.T) {
	handler, _ := newPickupHandlerFixture(false)

	rec := performJSON(t, handler.Create, http.MethodPost, "/pickups", `{"student_id":"student-1"}`, testParent)
	require.Equal(t, http.StatusForbidden, rec.Code)

	var envelope responseEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, "NOT_AUTHORIZED", envelope.Error["code"])
	require.Contains(t, envelope.Error["message"], "DAY_NOT_ALLOWED")
}

func TestPickupHandlerCreateBadPayload(t *testing.T) {
	handler, _ := newPickupHandlerFixture(true)

	rec := performJSON(t, handler.Create, http.MethodPost, "/pickups", `{`, testParent)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPickupHandlerGetNotFound(t *testing.T) {
	handler, _ := newPickupHandlerFixture(true)

	rec := performJSON(t, handler.Get, http.MethodGet, "/pickups/missing", "", testStaff,
		gin.Param{Key: "id", Value: "missing"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPickupHandlerTransition(t *testing.T) {
	handler, store := newPickupHandlerFixture(true)
	now := time.Now().UTC()
	store.requests["req-1"] = &models.PickupRequest{
		ID: "req-1", StudentID: "student-1", ParentID: "parent-1",
		Status: models.StatusPending, RequestTime: now, UpdatedAt: now,
	}

	rec := performJSON(t, handler.Transition, http.MethodPost, "/pickups/req-1/transition",
		`{"status":"CALLED"}`, testStaff, gin.Param{Key: "id", Value: "req-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope responseEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, "CALLED", envelope.Data["status"])
	require.NotNil(t, envelope.Data["called_time"])
}

func TestPickupHandlerTransitionInvalidEdge(t *testing.T) {
	handler, store := newPickupHandlerFixture(true)
	now := time.Now().UTC()
	store.requests["req-1"] = &models.PickupRequest{
		ID: "req-1", StudentID: "student-1", ParentID: "parent-1",
		Status: models.StatusPending, RequestTime: now, UpdatedAt: now,
	}

	rec := performJSON(t, handler.Transition, http.MethodPost, "/pickups/req-1/transition",
		`{"status":"COMPLETED"}`, testStaff, gin.Param{Key: "id", Value: "req-1"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var envelope responseEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, "INVALID_TRANSITION", envelope.Error["code"])
}

func TestPickupHandlerListRejectsUnknownStatus(t *testing.T) {
	handler, _ := newPickupHandlerFixture(true)

	rec := performJSON(t, handler.List, http.MethodGet, "/pickups?status=LOST", "", testStaff)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPickupHandlerActiveQueue(t *testing.T) {
	handler, store := newPickupHandlerFixture(true)
	now := time.Now().UTC()
	store.requests["req-1"] = &models.PickupRequest{
		ID: "req-1", StudentID: "student-1", ParentID: "parent-1",
		Status: models.StatusCalled, RequestTime: now, UpdatedAt: now,
	}

	rec := performJSON(t, handler.ActiveQueue, http.MethodGet, "/pickups/queue", "", testStaff)
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope responseEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, false, envelope.Meta["cached"])
	entries, ok := envelope.Data["entries"].([]interface{})
	require.True(t, ok)
	require.Len(t, entries, 1)
}
