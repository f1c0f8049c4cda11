package models

import "time"

// AttendanceLock is an explicit admin-created lock for one
// class/section/date, unique on the triple. It is independent of the
// time-based lock window: a date can be frozen before its window elapses.
type AttendanceLock struct {
	ID        string    `db:"id" json:"id"`
	ClassID   string    `db:"class_id" json:"class_id"`
	SectionID string    `db:"section_id" json:"section_id"`
	Date      time.Time `db:"date" json:"date"`
	LockedAt  time.Time `db:"locked_at" json:"locked_at"`
	LockedBy  string    `db:"locked_by" json:"locked_by"`
}

// LockCause identifies why a date refuses non-admin writes.
type LockCause string

const (
	LockCauseNone   LockCause = ""
	LockCauseWindow LockCause = "time_window"
	LockCauseAdmin  LockCause = "admin"
)

// LockStatus answers the combined lock probe for a class/section/date.
type LockStatus struct {
	Locked     bool       `json:"locked"`
	Cause      LockCause  `json:"cause,omitempty"`
	Boundary   *time.Time `json:"boundary,omitempty"`
	AdminLock  bool       `json:"admin_lock"`
	TimeLocked bool       `json:"time_locked"`
}
