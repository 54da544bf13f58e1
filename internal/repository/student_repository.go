package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/schoolgate/pickup-api/internal/models"
)

// StudentRepository reads student and guardian-link data. Both tables are
// read-mostly; administrative edits happen elsewhere.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs the repository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

// GetByID fetches a student by identifier.
func (r *StudentRepository) GetByID(ctx context.Context, id string) (*models.Student, error) {
	const query = `SELECT id, full_name, class_name, active, created_at, updated_at
	FROM students WHERE id = $1`
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, id); err != nil {
		return nil, err
	}
	return &student, nil
}

// List returns all active students, ordered by class then name.
func (r *StudentRepository) List(ctx context.Context) ([]models.Student, error) {
	const query = `SELECT id, full_name, class_name, active, created_at, updated_at
	FROM students WHERE active = TRUE ORDER BY class_name, full_name`
	var students []models.Student
	if err := r.db.SelectContext(ctx, &students, query); err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	return students, nil
}

// ListByGuardian returns the students directly linked to the parent.
func (r *StudentRepository) ListByGuardian(ctx context.Context, parentID string) ([]models.Student, error) {
	const query = `SELECT s.id, s.full_name, s.class_name, s.active, s.created_at, s.updated_at
	FROM students s
	JOIN guardian_links gl ON gl.student_id = s.id
	WHERE gl.parent_id = $1 AND s.active = TRUE
	ORDER BY s.full_name`
	var students []models.Student
	if err := r.db.SelectContext(ctx, &students, query, parentID); err != nil {
		return nil, fmt.Errorf("list students by guardian: %w", err)
	}
	return students, nil
}

// GuardianLinkExists reports whether the parent is a direct guardian of the student.
func (r *StudentRepository) GuardianLinkExists(ctx context.Context, parentID, studentID string) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM guardian_links WHERE parent_id = $1 AND student_id = $2)`
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, parentID, studentID); err != nil {
		return false, fmt.Errorf("check guardian link: %w", err)
	}
	return exists, nil
}
