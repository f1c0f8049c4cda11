// Package lockpolicy decides whether a day's attendance is still writable.
//
// Attendance for a calendar date becomes immutable to non-admin users a
// configured number of hours after that date ends. The evaluator is a pure
// function of its inputs and is re-evaluated on every write attempt; the
// window value comes from the settings store and may change at any time.
package lockpolicy

import (
	"errors"
	"time"
)

// ErrNegativeWindow rejects a negative lock window. A negative value is not
// a defined input and must fail loudly instead of producing perpetually
// locked or perpetually open records.
var ErrNegativeWindow = errors.New("lockpolicy: lock window hours must be non-negative")

// Boundary returns the instant at which recordDate locks for non-admin
// writers: end of the record's calendar day (23:59:59.999 UTC) plus
// lockWindowHours hours. A window of zero locks the record the moment its
// day ends.
func Boundary(recordDate time.Time, lockWindowHours int) (time.Time, error) {
	if lockWindowHours < 0 {
		return time.Time{}, ErrNegativeWindow
	}
	d := recordDate.UTC()
	endOfDay := time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, int(999*time.Millisecond), time.UTC)
	return endOfDay.Add(time.Duration(lockWindowHours) * time.Hour), nil
}

// Writable reports whether a write to recordDate's attendance is permitted
// at now. Admin requesters are always permitted; the bypass is absolute and
// ignores the lock state entirely. Everyone else may write strictly before
// the boundary and never at or after it.
func Writable(recordDate time.Time, lockWindowHours int, now time.Time, requesterIsAdmin bool) (bool, error) {
	if requesterIsAdmin {
		return true, nil
	}
	boundary, err := Boundary(recordDate, lockWindowHours)
	if err != nil {
		return false, err
	}
	return now.UTC().Before(boundary), nil
}
