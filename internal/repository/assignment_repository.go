package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/classmark/attendance-api/internal/models"
)

// AssignmentRepository reads teacher-to-cohort assignments. The attendance
// write path only needs a coverage answer; listings serve the teacher's
// own views.
type AssignmentRepository struct {
	db *sqlx.DB
}

// NewAssignmentRepository constructs the repository.
func NewAssignmentRepository(db *sqlx.DB) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

// Covers reports whether the teacher holds an assignment for the
// class/section.
func (r *AssignmentRepository) Covers(ctx context.Context, teacherID, classID, sectionID string) (bool, error) {
	const query = `SELECT EXISTS (
SELECT 1 FROM teacher_assignments
WHERE teacher_id = $1 AND class_id = $2 AND section_id = $3)`
	var covered bool
	if err := r.db.GetContext(ctx, &covered, query, teacherID, classID, sectionID); err != nil {
		return false, fmt.Errorf("check assignment coverage: %w", err)
	}
	return covered, nil
}

// ListByTeacher returns all assignments held by a teacher.
func (r *AssignmentRepository) ListByTeacher(ctx context.Context, teacherID string) ([]models.TeacherAssignment, error) {
	const query = `SELECT id, teacher_id, class_id, section_id, subject_id, is_class_teacher, created_at
FROM teacher_assignments
WHERE teacher_id = $1
ORDER BY class_id, section_id`
	var rows []models.TeacherAssignment
	if err := r.db.SelectContext(ctx, &rows, query, teacherID); err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	return rows, nil
}
