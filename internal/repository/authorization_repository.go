package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/schoolgate/pickup-api/internal/models"
)

const authorizationColumns = `id, student_id, authorizing_parent_id, authorized_parent_id,
       start_date, end_date, allowed_days_of_week, is_active, created_at, deactivated_at`

// AuthorizationRepository persists pickup authorizations.
type AuthorizationRepository struct {
	db *sqlx.DB
}

// NewAuthorizationRepository constructs the repository.
func NewAuthorizationRepository(db *sqlx.DB) *AuthorizationRepository {
	return &AuthorizationRepository{db: db}
}

// Create inserts a new authorization row.
func (r *AuthorizationRepository) Create(ctx context.Context, auth *models.PickupAuthorization) error {
	if auth.ID == "" {
		auth.ID = uuid.NewString()
	}
	if auth.CreatedAt.IsZero() {
		auth.CreatedAt = time.Now().UTC()
	}
	auth.IsActive = true
	const query = `INSERT INTO pickup_authorizations
	(id, student_id, authorizing_parent_id, authorized_parent_id, start_date, end_date, allowed_days_of_week, is_active, created_at)
	VALUES (:id, :student_id, :authorizing_parent_id, :authorized_parent_id, :start_date, :end_date, :allowed_days_of_week, :is_active, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, auth); err != nil {
		return fmt.Errorf("create pickup authorization: %w", err)
	}
	return nil
}

// GetByID fetches an authorization by identifier.
func (r *AuthorizationRepository) GetByID(ctx context.Context, id string) (*models.PickupAuthorization, error) {
	query := `SELECT ` + authorizationColumns + ` FROM pickup_authorizations WHERE id = $1`
	var auth models.PickupAuthorization
	if err := r.db.GetContext(ctx, &auth, query, id); err != nil {
		return nil, err
	}
	return &auth, nil
}

// ListForPair returns every authorization (active or not) granted to the
// party for the student. The resolver inspects all rows to pick the most
// specific denial reason.
func (r *AuthorizationRepository) ListForPair(ctx context.Context, authorizedParentID, studentID string) ([]models.PickupAuthorization, error) {
	query := `SELECT ` + authorizationColumns + ` FROM pickup_authorizations
	WHERE authorized_parent_id = $1 AND student_id = $2
	ORDER BY created_at DESC`
	var auths []models.PickupAuthorization
	if err := r.db.SelectContext(ctx, &auths, query, authorizedParentID, studentID); err != nil {
		return nil, fmt.Errorf("list authorizations for pair: %w", err)
	}
	return auths, nil
}

// ListByStudent returns authorizations for a student, optionally only active ones.
func (r *AuthorizationRepository) ListByStudent(ctx context.Context, studentID string, activeOnly bool) ([]models.PickupAuthorization, error) {
	builder := strings.Builder{}
	builder.WriteString(`SELECT ` + authorizationColumns + ` FROM pickup_authorizations WHERE student_id = $1`)
	if activeOnly {
		builder.WriteString(" AND is_active = TRUE")
	}
	builder.WriteString(" ORDER BY created_at DESC")
	var auths []models.PickupAuthorization
	if err := r.db.SelectContext(ctx, &auths, builder.String(), studentID); err != nil {
		return nil, fmt.Errorf("list authorizations by student: %w", err)
	}
	return auths, nil
}

// Deactivate soft-deletes an authorization. The conditional update keeps the
// operation idempotent-safe: a second deactivation returns sql.ErrNoRows.
func (r *AuthorizationRepository) Deactivate(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE pickup_authorizations
	SET is_active = FALSE, deactivated_at = $2
	WHERE id = $1 AND is_active = TRUE`
	result, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("deactivate authorization: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check deactivate rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
