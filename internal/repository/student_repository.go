package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/classmark/attendance-api/internal/models"
)

// StudentRepository reads the roster-facing slice of student data.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs the repository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

// FindByID fetches a single student. sql.ErrNoRows passes through.
func (r *StudentRepository) FindByID(ctx context.Context, id string) (*models.Student, error) {
	const query = `SELECT id, full_name, class_id, section_id, active, created_at
FROM students WHERE id = $1`
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, id); err != nil {
		return nil, err
	}
	return &student, nil
}

// ListBySection returns the active roster of a class/section ordered by
// name, the unit teachers mark attendance against.
func (r *StudentRepository) ListBySection(ctx context.Context, classID, sectionID string) ([]models.Student, error) {
	const query = `SELECT id, full_name, class_id, section_id, active, created_at
FROM students
WHERE class_id = $1 AND section_id = $2 AND active = TRUE
ORDER BY full_name ASC`
	var rows []models.Student
	if err := r.db.SelectContext(ctx, &rows, query, classID, sectionID); err != nil {
		return nil, fmt.Errorf("list roster: %w", err)
	}
	return rows, nil
}
