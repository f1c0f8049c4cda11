package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/classmark/attendance-api/internal/models"
)

// LockRepository persists explicit administrative locks on
// class/section/date triples.
type LockRepository struct {
	db *sqlx.DB
}

// NewLockRepository constructs the repository.
func NewLockRepository(db *sqlx.DB) *LockRepository {
	return &LockRepository{db: db}
}

// Create inserts a lock row. A second lock on the same triple is a no-op
// reported as sql.ErrNoRows so the caller can answer "already locked".
func (r *LockRepository) Create(ctx context.Context, lock *models.AttendanceLock) (*models.AttendanceLock, error) {
	if lock.ID == "" {
		lock.ID = uuid.NewString()
	}
	if lock.LockedAt.IsZero() {
		lock.LockedAt = time.Now().UTC()
	}
	const query = `INSERT INTO attendance_locks (id, class_id, section_id, date, locked_at, locked_by)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (class_id, section_id, date) DO NOTHING
RETURNING id, class_id, section_id, date, locked_at, locked_by`
	var stored models.AttendanceLock
	err := r.db.GetContext(ctx, &stored, query,
		lock.ID, lock.ClassID, lock.SectionID, lock.Date, lock.LockedAt, lock.LockedBy)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("create attendance lock: %w", err)
	}
	return &stored, nil
}

// Delete removes the lock for a class/section/date. Returns sql.ErrNoRows
// when no such lock exists.
func (r *LockRepository) Delete(ctx context.Context, classID, sectionID string, date time.Time) error {
	const query = `DELETE FROM attendance_locks WHERE class_id = $1 AND section_id = $2 AND date = $3`
	result, err := r.db.ExecContext(ctx, query, classID, sectionID, date)
	if err != nil {
		return fmt.Errorf("delete attendance lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete attendance lock: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Exists reports whether an administrative lock covers the triple.
func (r *LockRepository) Exists(ctx context.Context, classID, sectionID string, date time.Time) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM attendance_locks WHERE class_id = $1 AND section_id = $2 AND date = $3)`
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, classID, sectionID, date); err != nil {
		return false, fmt.Errorf("check attendance lock: %w", err)
	}
	return exists, nil
}
