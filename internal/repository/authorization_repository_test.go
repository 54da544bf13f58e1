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

func newAuthorizationRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestAuthorizationRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newAuthorizationRepoMock(t)
	defer cleanup()

	repo := NewAuthorizationRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO pickup_authorizations")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	start, _ := time.Parse("2006-01-02", "2025-01-06")
	end, _ := time.Parse("2006-01-02", "2025-01-31")
	auth := &models.PickupAuthorization{
		StudentID:           "student-1",
		AuthorizingParentID: "parent-1",
		AuthorizedParentID:  "aunt-1",
		StartDate:           start,
		EndDate:             end,
		AllowedDaysOfWeek:   pq.Int64Array{1, 3, 5},
	}
	require.NoError(t, repo.Create(context.Background(), auth))
	require.NotEmpty(t, auth.ID)
	require.True(t, auth.IsActive)
	require.False(t, auth.CreatedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthorizationRepositoryListForPair(t *testing.T) {
	db, mock, cleanup := newAuthorizationRepoMock(t)
	defer cleanup()

	repo := NewAuthorizationRepository(db)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "student_id", "authorizing_parent_id", "authorized_parent_id",
		"start_date", "end_date", "allowed_days_of_week", "is_active", "created_at", "deactivated_at"}).
		AddRow("auth-1", "student-1", "parent-1", "aunt-1", now, now.Add(48*time.Hour), "{1,3,5}", true, now, nil).
		AddRow("auth-0", "student-1", "parent-1", "aunt-1", now.Add(-72*time.Hour), now.Add(-24*time.Hour), "{1}", false, now.Add(-72*time.Hour), now)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, student_id, authorizing_parent_id")).
		WithArgs("aunt-1", "student-1").
		WillReturnRows(rows)

	auths, err := repo.ListForPair(context.Background(), "aunt-1", "student-1")
	require.NoError(t, err)
	require.Len(t, auths, 2)
	require.True(t, auths[0].IsActive)
	require.False(t, auths[1].IsActive)
	require.Equal(t, pq.Int64Array{1, 3, 5}, auths[0].AllowedDaysOfWeek)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthorizationRepositoryDeactivate(t *testing.T) {
	db, mock, cleanup := newAuthorizationRepoMock(t)
	defer cleanup()

	repo := NewAuthorizationRepository(db)
	now := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE pickup_authorizations")).
		WithArgs("auth-1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Deactivate(context.Background(), "auth-1", now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthorizationRepositoryDeactivateAlreadyInactive(t *testing.T) {
	db, mock, cleanup := newAuthorizationRepoMock(t)
	defer cleanup()

	repo := NewAuthorizationRepository(db)
	now := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE pickup_authorizations")).
		WithArgs("auth-1", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Deactivate(context.Background(), "auth-1", now)
	require.True(t, errors.Is(err, sql.ErrNoRows))
	require.NoError(t, mock.ExpectationsWereMet())
}
