package models

import "time"

// SettingKeyAttendanceLockHours stores the lock window as a string-encoded
// non-negative integer number of hours.
const SettingKeyAttendanceLockHours = "attendance_lock_hours"

// Setting is a key/value configuration row. The attendance lock window is
// read through this table on every write attempt so an admin change takes
// effect for in-flight submissions without a restart.
type Setting struct {
	Key       string    `db:"key" json:"key"`
	Value     string    `db:"value" json:"value"`
	UpdatedBy *string   `db:"updated_by" json:"updated_by,omitempty"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
