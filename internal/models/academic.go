package models

import "time"

// Student is the roster-facing slice of the student table.
type Student struct {
	ID        string    `db:"id" json:"id"`
	FullName  string    `db:"full_name" json:"full_name"`
	ClassID   string    `db:"class_id" json:"class_id"`
	SectionID string    `db:"section_id" json:"section_id"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// TeacherAssignment links a teacher to a class/section, optionally for a
// subject. IsClassTeacher marks the primary teacher of the cohort.
type TeacherAssignment struct {
	ID             string    `db:"id" json:"id"`
	TeacherID      string    `db:"teacher_id" json:"teacher_id"`
	ClassID        string    `db:"class_id" json:"class_id"`
	SectionID      string    `db:"section_id" json:"section_id"`
	SubjectID      *string   `db:"subject_id" json:"subject_id,omitempty"`
	IsClassTeacher bool      `db:"is_class_teacher" json:"is_class_teacher"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}
