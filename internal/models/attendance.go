package models

import "time"

// AttendanceStatus represents the status for attendance records.
type AttendanceStatus string

const (
	AttendanceStatusPresent AttendanceStatus = "present"
	AttendanceStatusAbsent  AttendanceStatus = "absent"
	AttendanceStatusLate    AttendanceStatus = "late"
)

// Valid returns true when the status is a supported value.
func (s AttendanceStatus) Valid() bool {
	switch s {
	case AttendanceStatusPresent, AttendanceStatusAbsent, AttendanceStatusLate:
		return true
	default:
		return false
	}
}

// Positive reports whether the status counts toward the attendance
// percentage numerator. Late counts the same as present; arriving late is
// still attending, a deliberate domain policy rather than a default.
func (s AttendanceStatus) Positive() bool {
	return s == AttendanceStatusPresent || s == AttendanceStatusLate
}

// AttendanceRecord is a single per-student, per-day attendance row,
// unique on (student_id, date).
type AttendanceRecord struct {
	ID        string           `db:"id" json:"id"`
	StudentID string           `db:"student_id" json:"student_id"`
	Date      time.Time        `db:"date" json:"date"`
	Status    AttendanceStatus `db:"status" json:"status"`
	Remarks   *string          `db:"remarks" json:"remarks,omitempty"`
	MarkedBy  string           `db:"marked_by" json:"marked_by"`
	MarkedAt  time.Time        `db:"marked_at" json:"marked_at"`
	UpdatedAt time.Time        `db:"updated_at" json:"updated_at"`
}

// AttendanceWrite is one entry of a roster submission before it is stored.
type AttendanceWrite struct {
	StudentID string
	Date      time.Time
	Status    AttendanceStatus
	Remarks   *string
	MarkedBy  string
}

// RosterEntry pairs a student with the status shown for a given date.
// Students without a stored record carry the display default ("present")
// and Recorded=false; the default is never persisted.
type RosterEntry struct {
	StudentID   string           `json:"student_id"`
	StudentName string           `json:"student_name"`
	Status      AttendanceStatus `json:"status"`
	Remarks     *string          `json:"remarks,omitempty"`
	Recorded    bool             `json:"recorded"`
}

// AttendanceSummary aggregates one student's records over a range.
type AttendanceSummary struct {
	StudentID   string `json:"student_id"`
	StudentName string `json:"student_name,omitempty"`
	Present     int    `json:"present"`
	Absent      int    `json:"absent"`
	Late        int    `json:"late"`
	Total       int    `json:"total"`
	Percentage  int    `json:"percentage"`
}

// CohortSummary rolls per-student summaries up to the class/section level.
type CohortSummary struct {
	AveragePercentage   int `json:"average_percentage"`
	BelowThresholdCount int `json:"below_threshold_count"`
	Threshold           int `json:"threshold"`
	StudentCount        int `json:"student_count"`
}
