package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classmark/attendance-api/internal/models"
	appErrors "github.com/classmark/attendance-api/pkg/errors"
)

type stubAttendanceRepo struct {
	upsertCalls int
	upsertErrs  []error
	stored      []models.AttendanceRecord
	prior       map[string]models.AttendanceRecord
	history     []models.AttendanceRecord
}

func (s *stubAttendanceRepo) UpsertBatch(ctx context.Context, writes []models.AttendanceWrite) ([]models.AttendanceRecord, error) {
	s.upsertCalls++
	if len(s.upsertErrs) > 0 {
		err := s.upsertErrs[0]
		s.upsertErrs = s.upsertErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if s.stored != nil {
		return s.stored, nil
	}
	out := make([]models.AttendanceRecord, len(writes))
	for i, w := range writes {
		out[i] = models.AttendanceRecord{
			ID:        "rec-" + w.StudentID,
			StudentID: w.StudentID,
			Date:      w.Date,
			Status:    w.Status,
			Remarks:   w.Remarks,
			MarkedBy:  w.MarkedBy,
		}
	}
	return out, nil
}

func (s *stubAttendanceRepo) FindByStudentAndDateRange(ctx context.Context, studentID string, from, to time.Time) ([]models.AttendanceRecord, error) {
	return s.history, nil
}

func (s *stubAttendanceRepo) FindByDate(ctx context.Context, date time.Time, studentIDs []string) (map[string]models.AttendanceRecord, error) {
	if s.prior == nil {
		return map[string]models.AttendanceRecord{}, nil
	}
	return s.prior, nil
}

type stubLockRepo struct {
	exists     bool
	existsErr  error
	created    *models.AttendanceLock
	createErr  error
	deleteErr  error
	existCalls int
}

func (s *stubLockRepo) Create(ctx context.Context, lock *models.AttendanceLock) (*models.AttendanceLock, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	lock.ID = "lock-1"
	s.created = lock
	return lock, nil
}

func (s *stubLockRepo) Delete(ctx context.Context, classID, sectionID string, date time.Time) error {
	return s.deleteErr
}

func (s *stubLockRepo) Exists(ctx context.Context, classID, sectionID string, date time.Time) (bool, error) {
	s.existCalls++
	return s.exists, s.existsErr
}

type stubSettingReader struct {
	value string
	err   error
	calls int
}

func (s *stubSettingReader) Get(ctx context.Context, key string) (*models.Setting, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &models.Setting{Key: key, Value: s.value}, nil
}

type stubAssignmentReader struct {
	covers bool
	err    error
}

func (s *stubAssignmentReader) Covers(ctx context.Context, teacherID, classID, sectionID string) (bool, error) {
	return s.covers, s.err
}

type stubRosterReader struct {
	students []models.Student
	byID     map[string]*models.Student
}

func (s *stubRosterReader) FindByID(ctx context.Context, id string) (*models.Student, error) {
	if st, ok := s.byID[id]; ok {
		return st, nil
	}
	return nil, sql.ErrNoRows
}

func (s *stubRosterReader) ListBySection(ctx context.Context, classID, sectionID string) ([]models.Student, error) {
	return s.students, nil
}

type stubAuditRecorder struct {
	entries []*models.AuditLog
}

func (s *stubAuditRecorder) Create(ctx context.Context, log *models.AuditLog) error {
	s.entries = append(s.entries, log)
	return nil
}

func teacherClaims() *models.JWTClaims {
	return &models.JWTClaims{UserID: "teacher-1", Role: models.RoleTeacher}
}

func adminClaims() *models.JWTClaims {
	return &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin}
}

type attendanceFixture struct {
	svc         *AttendanceService
	repo        *stubAttendanceRepo
	locks       *stubLockRepo
	settings    *stubSettingReader
	assignments *stubAssignmentReader
	audit       *stubAuditRecorder
}

func newAttendanceFixture(now time.Time) *attendanceFixture {
	repo := &stubAttendanceRepo{}
	locks := &stubLockRepo{}
	settings := &stubSettingReader{value: "24"}
	assignments := &stubAssignmentReader{covers: true}
	roster := &stubRosterReader{
		students: []models.Student{
			{ID: "student-1", FullName: "Amel", ClassID: "class-1", SectionID: "section-a", Active: true},
			{ID: "student-2", FullName: "Bima", ClassID: "class-1", SectionID: "section-a", Active: true},
		},
		byID: map[string]*models.Student{
			"student-1": {ID: "student-1", ClassID: "class-1", SectionID: "section-a"},
		},
	}
	audit := &stubAuditRecorder{}
	svc := NewAttendanceService(AttendanceServiceParams{
		Repo:        repo,
		Locks:       locks,
		Settings:    settings,
		Assignments: assignments,
		Students:    roster,
		Audit:       audit,
		Config:      AttendanceServiceConfig{DefaultLockHours: 24, MaxBatchSize: 100},
	})
	svc.now = func() time.Time { return now }
	return &attendanceFixture{svc: svc, repo: repo, locks: locks, settings: settings, assignments: assignments, audit: audit}
}

func submitRequest(date string, students ...string) SubmitAttendanceRequest {
	items := make([]SubmitAttendanceItem, len(students))
	for i, id := range students {
		items[i] = SubmitAttendanceItem{StudentID: id, Status: "present"}
	}
	return SubmitAttendanceRequest{ClassID: "class-1", SectionID: "section-a", Date: date, Items: items}
}

func TestSubmitAttendanceRequiresClaims(t *testing.T) {
	f := newAttendanceFixture(time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC))

	_, err := f.svc.SubmitAttendance(context.Background(), submitRequest("2025-01-10", "student-1"), nil)

	assertAppError(t, err, appErrors.ErrUnauthorized.Code)
	assert.Zero(t, f.repo.upsertCalls)
}

func TestSubmitAttendanceRejectsInvalidStatus(t *testing.T) {
	f := newAttendanceFixture(time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC))
	req := submitRequest("2025-01-10", "student-1")
	req.Items[0].Status = "sleeping"

	_, err := f.svc.SubmitAttendance(context.Background(), req, teacherClaims())

	assertAppError(t, err, appErrors.ErrValidation.Code)
	assert.Zero(t, f.repo.upsertCalls)
}

func TestSubmitAttendanceRejectsDuplicateStudent(t *testing.T) {
	f := newAttendanceFixture(time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC))

	// Malformed input, not a storage race: validation, not conflict.
	_, err := f.svc.SubmitAttendance(context.Background(), submitRequest("2025-01-10", "student-1", "student-1"), teacherClaims())

	assertAppError(t, err, appErrors.ErrValidation.Code)
	assert.Zero(t, f.repo.upsertCalls)
}

func TestSubmitAttendanceRejectsUncoveredTeacher(t *testing.T) {
	f := newAttendanceFixture(time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC))
	f.assignments.covers = false

	_, err := f.svc.SubmitAttendance(context.Background(), submitRequest("2025-01-10", "student-1"), teacherClaims())

	assertAppError(t, err, appErrors.ErrForbidden.Code)
	assert.Zero(t, f.repo.upsertCalls)
}

func TestSubmitAttendanceRejectsStudentOutsideRoster(t *testing.T) {
	f := newAttendanceFixture(time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC))

	_, err := f.svc.SubmitAttendance(context.Background(), submitRequest("2025-01-10", "student-99"), teacherClaims())

	assertAppError(t, err, appErrors.ErrValidation.Code)
	assert.Zero(t, f.repo.upsertCalls)
}

func TestSubmitAttendanceBlockedByTimeWindow(t *testing.T) {
	// Window for 2025-01-10 with 24h ends 2025-01-11T23:59:59.999Z.
	f := newAttendanceFixture(time.Date(2025, 1, 12, 0, 0, 0, 0, time.UTC))

	_, err := f.svc.SubmitAttendance(context.Background(), submitRequest("2025-01-10", "student-1", "student-2"), teacherClaims())

	assertAppError(t, err, appErrors.ErrTimeLocked.Code)
	assert.Zero(t, f.repo.upsertCalls, "a locked batch must leave the register untouched")
	assert.Empty(t, f.audit.entries)
}

func TestSubmitAttendanceAllowedJustBeforeBoundary(t *testing.T) {
	f := newAttendanceFixture(time.Date(2025, 1, 11, 23, 59, 59, 998*int(time.Millisecond), time.UTC))

	res, err := f.svc.SubmitAttendance(context.Background(), submitRequest("2025-01-10", "student-1"), teacherClaims())

	require.NoError(t, err)
	assert.Equal(t, 1, res.Written)
	assert.Equal(t, 1, f.repo.upsertCalls)
}

func TestSubmitAttendanceBlockedByAdminLock(t *testing.T) {
	f := newAttendanceFixture(time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC))
	f.locks.exists = true

	_, err := f.svc.SubmitAttendance(context.Background(), submitRequest("2025-01-10", "student-1"), teacherClaims())

	assertAppError(t, err, appErrors.ErrAdminLocked.Code)
	assert.Zero(t, f.repo.upsertCalls)
}

func TestSubmitAttendanceAdminBypassesBothLocks(t *testing.T) {
	// Past the time window and under an admin lock; the admin writes anyway.
	f := newAttendanceFixture(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	f.locks.exists = true

	res, err := f.svc.SubmitAttendance(context.Background(), submitRequest("2025-01-10", "student-1", "student-2"), adminClaims())

	require.NoError(t, err)
	assert.Equal(t, 2, res.Written)
	assert.Zero(t, f.settings.calls, "admin writes skip the lock evaluation entirely")
	assert.Zero(t, f.locks.existCalls)
}

func TestSubmitAttendanceReadsSettingOncePerBatch(t *testing.T) {
	f := newAttendanceFixture(time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC))

	_, err := f.svc.SubmitAttendance(context.Background(), submitRequest("2025-01-10", "student-1", "student-2"), teacherClaims())

	require.NoError(t, err)
	assert.Equal(t, 1, f.settings.calls)
}

func TestSubmitAttendanceInvalidConfiguredWindow(t *testing.T) {
	f := newAttendanceFixture(time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC))
	f.settings.value = "-3"

	_, err := f.svc.SubmitAttendance(context.Background(), submitRequest("2025-01-10", "student-1"), teacherClaims())

	assertAppError(t, err, appErrors.ErrInternal.Code)
	assert.Zero(t, f.repo.upsertCalls)
}

func TestSubmitAttendanceDefaultsWindowWhenSettingMissing(t *testing.T) {
	f := newAttendanceFixture(time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC))
	f.settings.err = sql.ErrNoRows

	_, err := f.svc.SubmitAttendance(context.Background(), submitRequest("2025-01-10", "student-1"), teacherClaims())

	require.NoError(t, err)
}

func TestSubmitAttendanceRetriesOnceOnUniqueViolation(t *testing.T) {
	f := newAttendanceFixture(time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC))
	f.repo.upsertErrs = []error{&pq.Error{Code: "23505"}}

	res, err := f.svc.SubmitAttendance(context.Background(), submitRequest("2025-01-10", "student-1"), teacherClaims())

	require.NoError(t, err)
	assert.Equal(t, 1, res.Written)
	assert.Equal(t, 2, f.repo.upsertCalls)
}

func TestSubmitAttendanceConflictAfterRetry(t *testing.T) {
	f := newAttendanceFixture(time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC))
	f.repo.upsertErrs = []error{&pq.Error{Code: "23505"}, &pq.Error{Code: "23505"}}

	_, err := f.svc.SubmitAttendance(context.Background(), submitRequest("2025-01-10", "student-1"), teacherClaims())

	assertAppError(t, err, appErrors.ErrConflict.Code)
	assert.Equal(t, 2, f.repo.upsertCalls)
}

// memoryAttendanceRepo models the register's upsert semantics across
// calls: one row per (student, date), marked_at set on first write only,
// updated_at advanced on every write.
type memoryAttendanceRepo struct {
	now  func() time.Time
	rows map[string]models.AttendanceRecord
}

func newMemoryAttendanceRepo(now func() time.Time) *memoryAttendanceRepo {
	return &memoryAttendanceRepo{now: now, rows: map[string]models.AttendanceRecord{}}
}

func (m *memoryAttendanceRepo) key(studentID string, date time.Time) string {
	return studentID + "|" + date.Format("2006-01-02")
}

func (m *memoryAttendanceRepo) UpsertBatch(ctx context.Context, writes []models.AttendanceWrite) ([]models.AttendanceRecord, error) {
	now := m.now()
	stored := make([]models.AttendanceRecord, 0, len(writes))
	for _, w := range writes {
		key := m.key(w.StudentID, w.Date)
		rec, ok := m.rows[key]
		if !ok {
			rec = models.AttendanceRecord{
				ID:        "rec-" + w.StudentID,
				StudentID: w.StudentID,
				Date:      w.Date,
				MarkedAt:  now,
			}
		}
		rec.Status = w.Status
		rec.Remarks = w.Remarks
		rec.MarkedBy = w.MarkedBy
		rec.UpdatedAt = now
		m.rows[key] = rec
		stored = append(stored, rec)
	}
	return stored, nil
}

func (m *memoryAttendanceRepo) FindByStudentAndDateRange(ctx context.Context, studentID string, from, to time.Time) ([]models.AttendanceRecord, error) {
	var out []models.AttendanceRecord
	for _, rec := range m.rows {
		if rec.StudentID == studentID && !rec.Date.Before(from) && !rec.Date.After(to) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memoryAttendanceRepo) FindByDate(ctx context.Context, date time.Time, studentIDs []string) (map[string]models.AttendanceRecord, error) {
	out := map[string]models.AttendanceRecord{}
	for _, id := range studentIDs {
		if rec, ok := m.rows[m.key(id, date)]; ok {
			out[id] = rec
		}
	}
	return out, nil
}

func TestSubmitAttendanceResubmissionKeepsMarkedAt(t *testing.T) {
	first := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	clock := first
	f := newAttendanceFixture(first)
	repo := newMemoryAttendanceRepo(func() time.Time { return clock })
	f.svc.repo = repo
	f.svc.now = func() time.Time { return clock }

	res, err := f.svc.SubmitAttendance(context.Background(), submitRequest("2025-01-10", "student-1", "student-2"), teacherClaims())
	require.NoError(t, err)
	require.Equal(t, 2, res.Written)

	// Same roster again two hours later with a corrected status.
	clock = first.Add(2 * time.Hour)
	req := submitRequest("2025-01-10", "student-1", "student-2")
	req.Items[0].Status = "late"
	res, err = f.svc.SubmitAttendance(context.Background(), req, teacherClaims())
	require.NoError(t, err)
	require.Equal(t, 2, res.Written)

	assert.Len(t, repo.rows, 2, "resubmission must update rows, never add them")
	rec := repo.rows[repo.key("student-1", time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC))]
	assert.Equal(t, models.AttendanceStatusLate, rec.Status)
	assert.Equal(t, first, rec.MarkedAt, "marked_at records first entry and survives updates")
	assert.Equal(t, clock, rec.UpdatedAt)
}

func TestSubmitAttendanceAuditsInsertVersusUpdate(t *testing.T) {
	f := newAttendanceFixture(time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC))
	f.repo.prior = map[string]models.AttendanceRecord{
		"student-1": {ID: "rec-student-1", StudentID: "student-1", Status: models.AttendanceStatusAbsent},
	}

	_, err := f.svc.SubmitAttendance(context.Background(), submitRequest("2025-01-10", "student-1", "student-2"), teacherClaims())

	require.NoError(t, err)
	require.Len(t, f.audit.entries, 2)
	actions := map[string]string{}
	for _, entry := range f.audit.entries {
		actions[*entry.ResourceID] = entry.Action
	}
	assert.Equal(t, models.AuditActionAttendanceUpdate, actions["rec-student-1"])
	assert.Equal(t, models.AuditActionAttendanceInsert, actions["rec-student-2"])
	for _, entry := range f.audit.entries {
		if entry.Action == models.AuditActionAttendanceUpdate {
			assert.NotEmpty(t, entry.OldValues)
		}
		assert.NotEmpty(t, entry.NewValues)
	}
}

func TestSubmitAttendanceRejectsMalformedDate(t *testing.T) {
	f := newAttendanceFixture(time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC))

	for _, raw := range []string{"10-01-2025", "2025-13-40", "1990-01-01", ""} {
		req := submitRequest(raw, "student-1")
		_, err := f.svc.SubmitAttendance(context.Background(), req, teacherClaims())
		assertAppError(t, err, appErrors.ErrValidation.Code)
	}
}

func TestGetAttendanceForDatePrefillsPresent(t *testing.T) {
	f := newAttendanceFixture(time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC))
	remarks := "sick"
	f.repo.prior = map[string]models.AttendanceRecord{
		"student-2": {StudentID: "student-2", Status: models.AttendanceStatusAbsent, Remarks: &remarks},
	}

	entries, err := f.svc.GetAttendanceForDate(context.Background(), "class-1", "section-a", "2025-01-10", teacherClaims())

	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.AttendanceStatusPresent, entries[0].Status)
	assert.False(t, entries[0].Recorded)
	assert.Equal(t, models.AttendanceStatusAbsent, entries[1].Status)
	assert.True(t, entries[1].Recorded)
	assert.Equal(t, "sick", *entries[1].Remarks)
}

func TestGetStudentHistoryAccessControl(t *testing.T) {
	f := newAttendanceFixture(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	f.repo.history = []models.AttendanceRecord{{StudentID: "student-1"}}

	self := &models.JWTClaims{UserID: "student-1", Role: models.RoleStudent}
	records, err := f.svc.GetStudentHistory(context.Background(), "student-1", "2025-01-01", "2025-01-31", self)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	other := &models.JWTClaims{UserID: "student-2", Role: models.RoleStudent}
	_, err = f.svc.GetStudentHistory(context.Background(), "student-1", "2025-01-01", "2025-01-31", other)
	assertAppError(t, err, appErrors.ErrForbidden.Code)

	f.assignments.covers = false
	_, err = f.svc.GetStudentHistory(context.Background(), "student-1", "2025-01-01", "2025-01-31", teacherClaims())
	assertAppError(t, err, appErrors.ErrForbidden.Code)
}

func TestLockStatusCausePrecedence(t *testing.T) {
	f := newAttendanceFixture(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	f.locks.exists = true

	status, err := f.svc.LockStatus(context.Background(), "class-1", "section-a", "2025-01-10")

	require.NoError(t, err)
	assert.True(t, status.Locked)
	assert.True(t, status.TimeLocked)
	assert.True(t, status.AdminLock)
	assert.Equal(t, models.LockCauseAdmin, status.Cause)
	require.NotNil(t, status.Boundary)
	assert.Equal(t, time.Date(2025, 1, 11, 23, 59, 59, 999*int(time.Millisecond), time.UTC), *status.Boundary)
}

func TestLockStatusOpenDate(t *testing.T) {
	f := newAttendanceFixture(time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC))

	status, err := f.svc.LockStatus(context.Background(), "class-1", "section-a", "2025-01-10")

	require.NoError(t, err)
	assert.False(t, status.Locked)
	assert.Equal(t, models.LockCauseNone, status.Cause)
}

func TestLockDateAdminOnly(t *testing.T) {
	f := newAttendanceFixture(time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC))

	_, err := f.svc.LockDate(context.Background(), LockDateRequest{ClassID: "class-1", SectionID: "section-a", Date: "2025-01-10"}, teacherClaims())
	assertAppError(t, err, appErrors.ErrForbidden.Code)

	lock, err := f.svc.LockDate(context.Background(), LockDateRequest{ClassID: "class-1", SectionID: "section-a", Date: "2025-01-10"}, adminClaims())
	require.NoError(t, err)
	assert.Equal(t, "admin-1", lock.LockedBy)
	require.Len(t, f.audit.entries, 1)
	assert.Equal(t, models.AuditActionLockCreate, f.audit.entries[0].Action)
}

func TestLockDateAlreadyLocked(t *testing.T) {
	f := newAttendanceFixture(time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC))
	f.locks.createErr = sql.ErrNoRows

	_, err := f.svc.LockDate(context.Background(), LockDateRequest{ClassID: "class-1", SectionID: "section-a", Date: "2025-01-10"}, adminClaims())

	assertAppError(t, err, appErrors.ErrConflict.Code)
}

func TestUnlockDateMissingLock(t *testing.T) {
	f := newAttendanceFixture(time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC))
	f.locks.deleteErr = sql.ErrNoRows

	err := f.svc.UnlockDate(context.Background(), "class-1", "section-a", "2025-01-10", adminClaims())

	assertAppError(t, err, appErrors.ErrNotFound.Code)
}

func assertAppError(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, code, appErr.Code)
}
