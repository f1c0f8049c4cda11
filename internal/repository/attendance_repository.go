package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/classmark/attendance-api/internal/models"
)

// AttendanceRepository handles persistence for attendance records.
type AttendanceRepository struct {
	db *sqlx.DB
}

// NewAttendanceRepository constructs the repository.
func NewAttendanceRepository(db *sqlx.DB) *AttendanceRepository {
	return &AttendanceRepository{db: db}
}

const upsertAttendanceQuery = `INSERT INTO attendance_records (id, student_id, date, status, remarks, marked_by, marked_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (student_id, date)
DO UPDATE SET status = EXCLUDED.status, remarks = EXCLUDED.remarks,
              marked_by = EXCLUDED.marked_by, updated_at = EXCLUDED.updated_at
RETURNING id, student_id, date, status, remarks, marked_by, marked_at, updated_at`

// UpsertBatch writes a roster's worth of records in one transaction.
// Each statement is a native insert-or-update keyed on the
// (student_id, date) uniqueness constraint, so concurrent submissions for
// the same pair cannot produce two rows; marked_at survives updates
// because the conflict branch does not touch it. All-or-nothing: any
// failure rolls the whole batch back.
func (r *AttendanceRepository) UpsertBatch(ctx context.Context, writes []models.AttendanceWrite) ([]models.AttendanceRecord, error) {
	if len(writes) == 0 {
		return nil, nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin attendance batch: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	stored := make([]models.AttendanceRecord, 0, len(writes))
	for _, w := range writes {
		var rec models.AttendanceRecord
		err := tx.GetContext(ctx, &rec, upsertAttendanceQuery,
			uuid.NewString(), w.StudentID, w.Date, w.Status, w.Remarks, w.MarkedBy, now, now)
		if err != nil {
			return nil, fmt.Errorf("upsert attendance for student %s on %s: %w",
				w.StudentID, w.Date.Format("2006-01-02"), err)
		}
		stored = append(stored, rec)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit attendance batch: %w", err)
	}
	committed = true
	return stored, nil
}

// FindByStudentAndDateRange returns a student's records ordered by date
// ascending. Each call is a fresh read; there is no cursor state.
func (r *AttendanceRepository) FindByStudentAndDateRange(ctx context.Context, studentID string, from, to time.Time) ([]models.AttendanceRecord, error) {
	const query = `SELECT id, student_id, date, status, remarks, marked_by, marked_at, updated_at
FROM attendance_records
WHERE student_id = $1 AND date >= $2 AND date <= $3
ORDER BY date ASC`
	var rows []models.AttendanceRecord
	if err := r.db.SelectContext(ctx, &rows, query, studentID, from, to); err != nil {
		return nil, fmt.Errorf("attendance history: %w", err)
	}
	return rows, nil
}

// FindByDate bulk-loads one date's records for a roster, keyed by student.
func (r *AttendanceRepository) FindByDate(ctx context.Context, date time.Time, studentIDs []string) (map[string]models.AttendanceRecord, error) {
	if len(studentIDs) == 0 {
		return map[string]models.AttendanceRecord{}, nil
	}
	query := fmt.Sprintf(`SELECT id, student_id, date, status, remarks, marked_by, marked_at, updated_at
FROM attendance_records
WHERE date = $1 AND student_id IN (%s)`, placeholders(len(studentIDs), 2))
	args := make([]interface{}, 0, len(studentIDs)+1)
	args = append(args, date)
	for _, id := range studentIDs {
		args = append(args, id)
	}
	var rows []models.AttendanceRecord
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("attendance by date: %w", err)
	}
	result := make(map[string]models.AttendanceRecord, len(rows))
	for _, row := range rows {
		result[row.StudentID] = row
	}
	return result, nil
}

// FindBySectionAndDateRange returns records for every student of a
// class/section within a range, for aggregate reporting.
func (r *AttendanceRepository) FindBySectionAndDateRange(ctx context.Context, classID, sectionID string, from, to time.Time) ([]models.AttendanceRecord, error) {
	const query = `SELECT ar.id, ar.student_id, ar.date, ar.status, ar.remarks, ar.marked_by, ar.marked_at, ar.updated_at
FROM attendance_records ar
JOIN students s ON s.id = ar.student_id
WHERE s.class_id = $1 AND s.section_id = $2 AND ar.date >= $3 AND ar.date <= $4
ORDER BY ar.student_id, ar.date ASC`
	var rows []models.AttendanceRecord
	if err := r.db.SelectContext(ctx, &rows, query, classID, sectionID, from, to); err != nil {
		return nil, fmt.Errorf("attendance by section: %w", err)
	}
	return rows, nil
}

// IsUniqueViolation reports whether err stems from a uniqueness constraint,
// the signature of a concurrent-write race surfacing through a non-atomic
// path. Callers retry the upsert exactly once on it.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func placeholders(n, start int) string {
	values := make([]string, n)
	for i := 0; i < n; i++ {
		values[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(values, ",")
}
