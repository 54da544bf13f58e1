package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/schoolgate/pickup-api/internal/models"
)

func newPickupRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestPickupRepositoryCreateDefaults(t *testing.T) {
	db, mock, cleanup := newPickupRepoMock(t)
	defer cleanup()

	repo := NewPickupRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO pickup_requests")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	req := &models.PickupRequest{StudentID: "student-1", ParentID: "parent-1"}
	require.NoError(t, repo.Create(context.Background(), req))
	require.NotEmpty(t, req.ID)
	require.Equal(t, models.StatusPending, req.Status)
	require.False(t, req.RequestTime.IsZero())
	require.Equal(t, req.RequestTime, req.UpdatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPickupRepositoryCreateUniqueViolation(t *testing.T) {
	db, mock, cleanup := newPickupRepoMock(t)
	defer cleanup()

	repo := NewPickupRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO pickup_requests")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "uniq_active_pickup_per_student"})

	err := repo.Create(context.Background(), &models.PickupRequest{StudentID: "student-1", ParentID: "parent-1"})
	require.ErrorIs(t, err, ErrActiveExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPickupRepositoryFindActiveByStudent(t *testing.T) {
	db, mock, cleanup := newPickupRepoMock(t)
	defer cleanup()

	repo := NewPickupRepository(db)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "student_id", "parent_id", "status", "request_time", "called_time", "updated_at"}).
		AddRow("req-1", "student-1", "parent-1", "PENDING", now, nil, now)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, student_id, parent_id, status")).
		WithArgs("student-1", models.StatusPending, models.StatusCalled).
		WillReturnRows(rows)

	found, err := repo.FindActiveByStudent(context.Background(), "student-1")
	require.NoError(t, err)
	require.Equal(t, "req-1", found.ID)
	require.Equal(t, models.StatusPending, found.Status)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, student_id, parent_id, status")).
		WithArgs("student-2", models.StatusPending, models.StatusCalled).
		WillReturnError(sql.ErrNoRows)

	_, err = repo.FindActiveByStudent(context.Background(), "student-2")
	require.True(t, errors.Is(err, sql.ErrNoRows))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPickupRepositoryUpdateStatusWins(t *testing.T) {
	db, mock, cleanup := newPickupRepoMock(t)
	defer cleanup()

	repo := NewPickupRepository(db)
	now := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE pickup_requests SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateStatus(context.Background(), UpdateStatusParams{
		ID:         "req-1",
		Expected:   models.StatusPending,
		Target:     models.StatusCalled,
		CalledTime: &now,
		UpdatedAt:  now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPickupRepositoryUpdateStatusLosesRace(t *testing.T) {
	db, mock, cleanup := newPickupRepoMock(t)
	defer cleanup()

	repo := NewPickupRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE pickup_requests SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateStatus(context.Background(), UpdateStatusParams{
		ID:        "req-1",
		Expected:  models.StatusCalled,
		Target:    models.StatusCompleted,
		UpdatedAt: time.Now().UTC(),
	})
	require.True(t, errors.Is(err, sql.ErrNoRows))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPickupRepositoryListStaleCalled(t *testing.T) {
	db, mock, cleanup := newPickupRepoMock(t)
	defer cleanup()

	repo := NewPickupRepository(db)
	called := time.Now().UTC().Add(-30 * time.Minute)
	rows := sqlmock.NewRows([]string{"id", "student_id", "parent_id", "status", "request_time", "called_time", "updated_at"}).
		AddRow("req-stale", "student-1", "parent-1", "CALLED", called.Add(-time.Minute), called, called)
	cutoff := time.Now().UTC().Add(-15 * time.Minute)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, student_id, parent_id, status")).
		WithArgs(models.StatusCalled, cutoff, 100).
		WillReturnRows(rows)

	stale, err := repo.ListStaleCalled(context.Background(), cutoff, 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "req-stale", stale[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPickupRepositoryListFilters(t *testing.T) {
	db, mock, cleanup := newPickupRepoMock(t)
	defer cleanup()

	repo := NewPickupRepository(db)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "student_id", "parent_id", "status", "request_time", "called_time", "updated_at"}).
		AddRow("req-1", "student-1", "parent-1", "COMPLETED", now, now, now)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, student_id, parent_id, status")).
		WithArgs("parent-1", models.StatusCompleted).
		WillReturnRows(rows)

	list, err := repo.List(context.Background(), models.PickupFilter{
		ParentID: "parent-1",
		Status:   []models.RequestStatus{models.StatusCompleted},
	})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "req-1", list[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
