package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/schoolgate/pickup-api/internal/models"
)

// ErrActiveExists signals the partial unique index rejected a second active
// request for the same student.
var ErrActiveExists = errors.New("active pickup request already exists for student")

const pickupColumns = `id, student_id, parent_id, status, request_time, called_time, updated_at`

// PickupRepository persists pickup requests and provides the atomic
// conditional update backing all status transitions.
type PickupRepository struct {
	db *sqlx.DB
}

// NewPickupRepository constructs the repository.
func NewPickupRepository(db *sqlx.DB) *PickupRepository {
	return &PickupRepository{db: db}
}

// Create inserts a new request. The pickup_requests table carries a partial
// unique index on student_id over rows whose status is PENDING or CALLED, so
// a concurrent duplicate insert loses with ErrActiveExists even when the
// service-level pre-check raced.
func (r *PickupRepository) Create(ctx context.Context, req *models.PickupRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = models.StatusPending
	}
	if req.RequestTime.IsZero() {
		req.RequestTime = time.Now().UTC()
	}
	req.UpdatedAt = req.RequestTime

	const query = `INSERT INTO pickup_requests
	(id, student_id, parent_id, status, request_time, called_time, updated_at)
	VALUES (:id, :student_id, :parent_id, :status, :request_time, :called_time, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, req); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrActiveExists
		}
		return fmt.Errorf("create pickup request: %w", err)
	}
	return nil
}

// GetByID fetches a request by identifier.
func (r *PickupRepository) GetByID(ctx context.Context, id string) (*models.PickupRequest, error) {
	query := `SELECT ` + pickupColumns + ` FROM pickup_requests WHERE id = $1`
	var req models.PickupRequest
	if err := r.db.GetContext(ctx, &req, query, id); err != nil {
		return nil, err
	}
	return &req, nil
}

// FindActiveByStudent returns the single PENDING or CALLED request for the
// student, or sql.ErrNoRows when none exists.
func (r *PickupRepository) FindActiveByStudent(ctx context.Context, studentID string) (*models.PickupRequest, error) {
	query := `SELECT ` + pickupColumns + ` FROM pickup_requests
	WHERE student_id = $1 AND status IN ($2, $3)`
	var req models.PickupRequest
	if err := r.db.GetContext(ctx, &req, query, studentID, models.StatusPending, models.StatusCalled); err != nil {
		return nil, err
	}
	return &req, nil
}

// List returns requests matching the filter, newest first.
func (r *PickupRepository) List(ctx context.Context, filter models.PickupFilter) ([]models.PickupRequest, error) {
	builder := strings.Builder{}
	builder.WriteString(`SELECT ` + pickupColumns + ` FROM pickup_requests`)
	args := make([]interface{}, 0, 6)
	conditions := make([]string, 0, 4)

	if filter.StudentID != "" {
		args = append(args, filter.StudentID)
		conditions = append(conditions, fmt.Sprintf("student_id = $%d", len(args)))
	}
	if filter.ParentID != "" {
		args = append(args, filter.ParentID)
		conditions = append(conditions, fmt.Sprintf("parent_id = $%d", len(args)))
	}
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		conditions = append(conditions, fmt.Sprintf("request_time >= $%d", len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		conditions = append(conditions, fmt.Sprintf("request_time < $%d", len(args)))
	}
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY request_time DESC")

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	builder.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset))

	var requests []models.PickupRequest
	if err := r.db.SelectContext(ctx, &requests, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list pickup requests: %w", err)
	}
	return requests, nil
}

// ListActive returns queue-board rows for all PENDING and CALLED requests,
// oldest first, joined with student and parent display names.
func (r *PickupRepository) ListActive(ctx context.Context) ([]models.ActivePickup, error) {
	const query = `SELECT pr.id, pr.student_id, pr.parent_id, pr.status, pr.request_time, pr.called_time, pr.updated_at,
	       s.full_name AS student_name, s.class_name AS class_name, u.full_name AS parent_name
	FROM pickup_requests pr
	JOIN students s ON s.id = pr.student_id
	JOIN users u ON u.id = pr.parent_id
	WHERE pr.status IN ($1, $2)
	ORDER BY pr.request_time ASC`
	var rows []models.ActivePickup
	if err := r.db.SelectContext(ctx, &rows, query, models.StatusPending, models.StatusCalled); err != nil {
		return nil, fmt.Errorf("list active pickups: %w", err)
	}
	return rows, nil
}

// ListStaleCalled returns CALLED requests whose called_time is older than the
// cutoff, oldest first, bounded by limit.
func (r *PickupRepository) ListStaleCalled(ctx context.Context, before time.Time, limit int) ([]models.PickupRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + pickupColumns + ` FROM pickup_requests
	WHERE status = $1 AND called_time < $2
	ORDER BY called_time ASC LIMIT $3`
	var requests []models.PickupRequest
	if err := r.db.SelectContext(ctx, &requests, query, models.StatusCalled, before, limit); err != nil {
		return nil, fmt.Errorf("list stale called requests: %w", err)
	}
	return requests, nil
}

// ListCompletedBetween returns terminal requests resolved inside [from, to),
// used by the daily pickup log export.
func (r *PickupRepository) ListCompletedBetween(ctx context.Context, from, to time.Time) ([]models.ActivePickup, error) {
	const query = `SELECT pr.id, pr.student_id, pr.parent_id, pr.status, pr.request_time, pr.called_time, pr.updated_at,
	       s.full_name AS student_name, s.class_name AS class_name, u.full_name AS parent_name
	FROM pickup_requests pr
	JOIN students s ON s.id = pr.student_id
	JOIN users u ON u.id = pr.parent_id
	WHERE pr.status IN ($1, $2) AND pr.updated_at >= $3 AND pr.updated_at < $4
	ORDER BY pr.updated_at ASC`
	var rows []models.ActivePickup
	if err := r.db.SelectContext(ctx, &rows, query, models.StatusCompleted, models.StatusCancelled, from, to); err != nil {
		return nil, fmt.Errorf("list completed pickups: %w", err)
	}
	return rows, nil
}

// UpdateStatusParams groups the compare-and-swap transition parameters.
type UpdateStatusParams struct {
	ID         string
	Expected   models.RequestStatus
	Target     models.RequestStatus
	CalledTime *time.Time
	UpdatedAt  time.Time
}

// UpdateStatus performs the atomic conditional update: the row is modified
// only if its current status still equals Expected. Zero affected rows means
// the caller lost the race and must re-read; sql.ErrNoRows is returned so the
// service layer can decide between a no-op and a conflict.
func (r *PickupRepository) UpdateStatus(ctx context.Context, params UpdateStatusParams) error {
	setParts := []string{"status = :target", "updated_at = :updated_at"}
	if params.CalledTime != nil {
		setParts = append(setParts, "called_time = :called_time")
	}
	query := fmt.Sprintf(`UPDATE pickup_requests SET %s WHERE id = :id AND status = :expected`,
		strings.Join(setParts, ", "))
	result, err := r.db.NamedExecContext(ctx, query, map[string]interface{}{
		"id":          params.ID,
		"expected":    params.Expected,
		"target":      params.Target,
		"called_time": params.CalledTime,
		"updated_at":  params.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("update pickup status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check pickup update rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
