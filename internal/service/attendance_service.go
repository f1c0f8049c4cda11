package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/classmark/attendance-api/internal/lockpolicy"
	"github.com/classmark/attendance-api/internal/models"
	"github.com/classmark/attendance-api/internal/repository"
	appErrors "github.com/classmark/attendance-api/pkg/errors"
)

const attendanceDateLayout = "2006-01-02"

// Attendance dates outside this range are treated as malformed input
// rather than stored.
var attendanceEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

type attendanceRepository interface {
	UpsertBatch(ctx context.Context, writes []models.AttendanceWrite) ([]models.AttendanceRecord, error)
	FindByStudentAndDateRange(ctx context.Context, studentID string, from, to time.Time) ([]models.AttendanceRecord, error)
	FindByDate(ctx context.Context, date time.Time, studentIDs []string) (map[string]models.AttendanceRecord, error)
}

type lockRepository interface {
	Create(ctx context.Context, lock *models.AttendanceLock) (*models.AttendanceLock, error)
	Delete(ctx context.Context, classID, sectionID string, date time.Time) error
	Exists(ctx context.Context, classID, sectionID string, date time.Time) (bool, error)
}

type settingReader interface {
	Get(ctx context.Context, key string) (*models.Setting, error)
}

type assignmentReader interface {
	Covers(ctx context.Context, teacherID, classID, sectionID string) (bool, error)
}

type rosterReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
	ListBySection(ctx context.Context, classID, sectionID string) ([]models.Student, error)
}

type auditRecorder interface {
	Create(ctx context.Context, log *models.AuditLog) error
}

// AttendanceServiceConfig tunes the write path.
type AttendanceServiceConfig struct {
	DefaultLockHours int
	MaxBatchSize     int
}

// AttendanceService coordinates the roster submission workflow: validate,
// authorize, gate on the lock policy, then hand the batch to the register
// as one atomic unit.
type AttendanceService struct {
	repo        attendanceRepository
	locks       lockRepository
	settings    settingReader
	assignments assignmentReader
	students    rosterReader
	audit       auditRecorder
	validator   *validator.Validate
	logger      *zap.Logger
	now         func() time.Time
	cfg         AttendanceServiceConfig
}

// AttendanceServiceParams groups constructor dependencies.
type AttendanceServiceParams struct {
	Repo        attendanceRepository
	Locks       lockRepository
	Settings    settingReader
	Assignments assignmentReader
	Students    rosterReader
	Audit       auditRecorder
	Validator   *validator.Validate
	Logger      *zap.Logger
	Config      AttendanceServiceConfig
}

// NewAttendanceService constructs the attendance service.
func NewAttendanceService(params AttendanceServiceParams) *AttendanceService {
	validate := params.Validator
	if validate == nil {
		validate = validator.New()
	}
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := params.Config
	if cfg.DefaultLockHours < 0 {
		cfg.DefaultLockHours = 24
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	svc := &AttendanceService{
		repo:        params.Repo,
		locks:       params.Locks,
		settings:    params.Settings,
		assignments: params.Assignments,
		students:    params.Students,
		audit:       params.Audit,
		validator:   validate,
		logger:      logger,
		now:         time.Now,
		cfg:         cfg,
	}
	_ = svc.validator.RegisterValidation("attendance_status", func(fl validator.FieldLevel) bool {
		return models.AttendanceStatus(strings.ToLower(fl.Field().String())).Valid()
	})
	return svc
}

// SubmitAttendanceItem is one roster entry of a submission.
type SubmitAttendanceItem struct {
	StudentID string  `json:"student_id" validate:"required"`
	Status    string  `json:"status" validate:"required,attendance_status"`
	Remarks   *string `json:"remarks"`
}

// SubmitAttendanceRequest describes a full roster submission for one date.
type SubmitAttendanceRequest struct {
	ClassID   string                 `json:"class_id" validate:"required"`
	SectionID string                 `json:"section_id" validate:"required"`
	Date      string                 `json:"date" validate:"required"`
	Items     []SubmitAttendanceItem `json:"items" validate:"required,min=1,dive"`
}

// SubmitAttendanceResult reports a successful batch write.
type SubmitAttendanceResult struct {
	Written int       `json:"written"`
	Date    time.Time `json:"date"`
}

// SubmitAttendance performs the batch upsert. All records share the
// submission's date, so the lock policy is evaluated once per batch with a
// single snapshot of "now" and of the lock-window setting; a mid-batch
// settings change can never split one roster across two policies. Any
// rejection aborts the whole batch.
func (s *AttendanceService) SubmitAttendance(ctx context.Context, req SubmitAttendanceRequest, claims *models.JWTClaims) (*SubmitAttendanceResult, error) {
	if claims == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}
	if len(req.Items) > s.cfg.MaxBatchSize {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("batch exceeds %d records", s.cfg.MaxBatchSize))
	}
	date, err := s.parseDate(req.Date)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(req.Items))
	for _, item := range req.Items {
		if _, ok := seen[item.StudentID]; ok {
			return nil, appErrors.Clone(appErrors.ErrValidation, "duplicate student in payload")
		}
		seen[item.StudentID] = struct{}{}
	}

	isAdmin := claims.Role.IsAdmin()
	if err := s.authorizeCohortWrite(ctx, claims, req.ClassID, req.SectionID); err != nil {
		return nil, err
	}

	roster, err := s.students.ListBySection(ctx, req.ClassID, req.SectionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load roster")
	}
	enrolled := make(map[string]struct{}, len(roster))
	for _, student := range roster {
		enrolled[student.ID] = struct{}{}
	}
	for _, item := range req.Items {
		if _, ok := enrolled[item.StudentID]; !ok {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("student %s is not in class/section roster", item.StudentID))
		}
	}

	if err := s.gateWrite(ctx, req.ClassID, req.SectionID, date, isAdmin); err != nil {
		return nil, err
	}

	studentIDs := make([]string, 0, len(req.Items))
	writes := make([]models.AttendanceWrite, len(req.Items))
	for i, item := range req.Items {
		studentIDs = append(studentIDs, item.StudentID)
		writes[i] = models.AttendanceWrite{
			StudentID: item.StudentID,
			Date:      date,
			Status:    models.AttendanceStatus(strings.ToLower(item.Status)),
			Remarks:   item.Remarks,
			MarkedBy:  claims.UserID,
		}
	}

	// Prior values feed the audit trail only; the upsert itself never
	// branches on this read.
	prior, err := s.repo.FindByDate(ctx, date, studentIDs)
	if err != nil {
		s.logger.Warn("failed to load prior attendance for audit", zap.Error(err))
		prior = map[string]models.AttendanceRecord{}
	}

	stored, err := s.repo.UpsertBatch(ctx, writes)
	if err != nil && repository.IsUniqueViolation(err) {
		// A concurrent submission slipped a row in between statements.
		// The upsert is idempotent, so one retry settles the race.
		stored, err = s.repo.UpsertBatch(ctx, writes)
		if err != nil && repository.IsUniqueViolation(err) {
			return nil, appErrors.Wrap(err, appErrors.ErrConflict.Code, appErrors.ErrConflict.Status, "concurrent attendance write detected")
		}
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to write attendance")
	}

	s.emitAttendanceAudits(ctx, claims, prior, stored)

	return &SubmitAttendanceResult{Written: len(stored), Date: date}, nil
}

// GetAttendanceForDate returns a roster with each student's status for the
// date. Unmarked students show the "present" pre-fill; the default is a
// display convenience and is never written.
func (s *AttendanceService) GetAttendanceForDate(ctx context.Context, classID, sectionID, dateRaw string, claims *models.JWTClaims) ([]models.RosterEntry, error) {
	if claims == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if classID == "" || sectionID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "classId and sectionId required")
	}
	date, err := s.parseDate(dateRaw)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeCohortWrite(ctx, claims, classID, sectionID); err != nil {
		return nil, err
	}

	roster, err := s.students.ListBySection(ctx, classID, sectionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load roster")
	}
	ids := make([]string, len(roster))
	for i, student := range roster {
		ids[i] = student.ID
	}
	records, err := s.repo.FindByDate(ctx, date, ids)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load attendance")
	}

	entries := make([]models.RosterEntry, len(roster))
	for i, student := range roster {
		entry := models.RosterEntry{
			StudentID:   student.ID,
			StudentName: student.FullName,
			Status:      models.AttendanceStatusPresent,
		}
		if rec, ok := records[student.ID]; ok {
			entry.Status = rec.Status
			entry.Remarks = rec.Remarks
			entry.Recorded = true
		}
		entries[i] = entry
	}
	return entries, nil
}

// GetStudentHistory returns a student's records ordered by date ascending.
// Students may read their own history; teachers need an assignment
// covering the student's cohort; admins read anything.
func (s *AttendanceService) GetStudentHistory(ctx context.Context, studentID, fromRaw, toRaw string, claims *models.JWTClaims) ([]models.AttendanceRecord, error) {
	if claims == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if studentID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "studentId required")
	}
	from, to, err := s.parseRange(fromRaw, toRaw)
	if err != nil {
		return nil, err
	}

	switch {
	case claims.Role.IsAdmin():
	case claims.Role == models.RoleStudent:
		if claims.UserID != studentID {
			return nil, appErrors.ErrForbidden
		}
	case claims.Role == models.RoleTeacher:
		student, err := s.students.FindByID(ctx, studentID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
		}
		covered, err := s.assignments.Covers(ctx, claims.UserID, student.ClassID, student.SectionID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check assignment")
		}
		if !covered {
			return nil, appErrors.ErrForbidden
		}
	default:
		return nil, appErrors.ErrForbidden
	}

	records, err := s.repo.FindByStudentAndDateRange(ctx, studentID, from, to)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load attendance history")
	}
	return records, nil
}

// LockStatus answers the combined probe for a class/section/date from the
// non-admin perspective: locked when the time window elapsed or an
// administrative lock row exists.
func (s *AttendanceService) LockStatus(ctx context.Context, classID, sectionID, dateRaw string) (*models.LockStatus, error) {
	if classID == "" || sectionID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "classId and sectionId required")
	}
	date, err := s.parseDate(dateRaw)
	if err != nil {
		return nil, err
	}

	hours, err := s.lockWindowHours(ctx)
	if err != nil {
		return nil, err
	}
	boundary, err := lockpolicy.Boundary(date, hours)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "invalid lock window configured")
	}
	timeLocked := !s.now().UTC().Before(boundary)

	adminLocked, err := s.locks.Exists(ctx, classID, sectionID, date)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check lock")
	}

	status := &models.LockStatus{
		Locked:     timeLocked || adminLocked,
		Boundary:   &boundary,
		AdminLock:  adminLocked,
		TimeLocked: timeLocked,
	}
	switch {
	case adminLocked:
		status.Cause = models.LockCauseAdmin
	case timeLocked:
		status.Cause = models.LockCauseWindow
	}
	return status, nil
}

// LockDateRequest asks for an explicit administrative lock.
type LockDateRequest struct {
	ClassID   string `json:"class_id" validate:"required"`
	SectionID string `json:"section_id" validate:"required"`
	Date      string `json:"date" validate:"required"`
}

// LockDate places an administrative lock on a class/section/date.
func (s *AttendanceService) LockDate(ctx context.Context, req LockDateRequest, claims *models.JWTClaims) (*models.AttendanceLock, error) {
	if claims == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !claims.Role.IsAdmin() {
		return nil, appErrors.ErrForbidden
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}
	date, err := s.parseDate(req.Date)
	if err != nil {
		return nil, err
	}

	lock, err := s.locks.Create(ctx, &models.AttendanceLock{
		ClassID:   req.ClassID,
		SectionID: req.SectionID,
		Date:      date,
		LockedBy:  claims.UserID,
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "date is already locked")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create lock")
	}

	s.emitAudit(ctx, claims, models.AuditActionLockCreate, "attendance_lock", &lock.ID, nil, lock)
	return lock, nil
}

// UnlockDate removes an administrative lock. Time locks have no unlock;
// only the explicit row can be deleted.
func (s *AttendanceService) UnlockDate(ctx context.Context, classID, sectionID, dateRaw string, claims *models.JWTClaims) error {
	if claims == nil {
		return appErrors.ErrUnauthorized
	}
	if !claims.Role.IsAdmin() {
		return appErrors.ErrForbidden
	}
	if classID == "" || sectionID == "" {
		return appErrors.Clone(appErrors.ErrValidation, "classId and sectionId required")
	}
	date, err := s.parseDate(dateRaw)
	if err != nil {
		return err
	}

	if err := s.locks.Delete(ctx, classID, sectionID, date); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "no lock exists for that date")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to remove lock")
	}

	resource := fmt.Sprintf("%s/%s/%s", classID, sectionID, date.Format(attendanceDateLayout))
	s.emitAudit(ctx, claims, models.AuditActionLockDelete, "attendance_lock", &resource, nil, nil)
	return nil
}

func (s *AttendanceService) authorizeCohortWrite(ctx context.Context, claims *models.JWTClaims, classID, sectionID string) error {
	if claims.Role.IsAdmin() {
		return nil
	}
	if claims.Role != models.RoleTeacher {
		return appErrors.ErrForbidden
	}
	covered, err := s.assignments.Covers(ctx, claims.UserID, classID, sectionID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check assignment")
	}
	if !covered {
		return appErrors.Clone(appErrors.ErrForbidden, "no assignment covers this class/section")
	}
	return nil
}

// gateWrite applies both gates with one snapshot of now and of the
// setting. Admins bypass the time window and the administrative lock
// alike.
func (s *AttendanceService) gateWrite(ctx context.Context, classID, sectionID string, date time.Time, isAdmin bool) error {
	if isAdmin {
		return nil
	}

	hours, err := s.lockWindowHours(ctx)
	if err != nil {
		return err
	}
	writable, err := lockpolicy.Writable(date, hours, s.now(), false)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "invalid lock window configured")
	}
	if !writable {
		return appErrors.Clone(appErrors.ErrTimeLocked,
			fmt.Sprintf("attendance for %s is locked: edit window elapsed", date.Format(attendanceDateLayout)))
	}

	locked, err := s.locks.Exists(ctx, classID, sectionID, date)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check lock")
	}
	if locked {
		return appErrors.Clone(appErrors.ErrAdminLocked,
			fmt.Sprintf("attendance for %s is locked by an administrator", date.Format(attendanceDateLayout)))
	}
	return nil
}

// lockWindowHours reads the current setting, falling back to the
// configured default when no row exists. Read fresh on every call: an
// admin may change the window at any time and in-flight submissions must
// observe a consistent value per batch, never a cached one.
func (s *AttendanceService) lockWindowHours(ctx context.Context) (int, error) {
	setting, err := s.settings.Get(ctx, models.SettingKeyAttendanceLockHours)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s.cfg.DefaultLockHours, nil
		}
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read lock window setting")
	}
	hours, err := strconv.Atoi(strings.TrimSpace(setting.Value))
	if err != nil || hours < 0 {
		return 0, appErrors.Clone(appErrors.ErrInternal, "invalid lock window configured")
	}
	return hours, nil
}

func (s *AttendanceService) parseDate(raw string) (time.Time, error) {
	date, err := time.Parse(attendanceDateLayout, raw)
	if err != nil {
		return time.Time{}, appErrors.Clone(appErrors.ErrValidation, "invalid date format, expected YYYY-MM-DD")
	}
	if date.Before(attendanceEpoch) || date.After(s.now().UTC().AddDate(1, 0, 0)) {
		return time.Time{}, appErrors.Clone(appErrors.ErrValidation, "date outside plausible range")
	}
	return date, nil
}

func (s *AttendanceService) parseRange(fromRaw, toRaw string) (time.Time, time.Time, error) {
	if fromRaw == "" || toRaw == "" {
		return time.Time{}, time.Time{}, appErrors.Clone(appErrors.ErrValidation, "from and to dates required")
	}
	from, err := s.parseDate(fromRaw)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := s.parseDate(toRaw)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, appErrors.Clone(appErrors.ErrValidation, "to date precedes from date")
	}
	return from, to, nil
}

func (s *AttendanceService) emitAttendanceAudits(ctx context.Context, claims *models.JWTClaims, prior map[string]models.AttendanceRecord, stored []models.AttendanceRecord) {
	if s.audit == nil {
		return
	}
	for _, rec := range stored {
		action := models.AuditActionAttendanceInsert
		var oldValues []byte
		if old, ok := prior[rec.StudentID]; ok {
			action = models.AuditActionAttendanceUpdate
			oldValues, _ = json.Marshal(attendanceAuditPayload(&old))
		}
		newValues, _ := json.Marshal(attendanceAuditPayload(&rec))
		recID := rec.ID
		s.emitAuditRaw(ctx, claims, action, "attendance_record", &recID, oldValues, newValues)
	}
}

func (s *AttendanceService) emitAudit(ctx context.Context, claims *models.JWTClaims, action, resource string, resourceID *string, oldValue, newValue interface{}) {
	var oldBytes, newBytes []byte
	if oldValue != nil {
		oldBytes, _ = json.Marshal(oldValue)
	}
	if newValue != nil {
		newBytes, _ = json.Marshal(newValue)
	}
	s.emitAuditRaw(ctx, claims, action, resource, resourceID, oldBytes, newBytes)
}

func (s *AttendanceService) emitAuditRaw(ctx context.Context, claims *models.JWTClaims, action, resource string, resourceID *string, oldValues, newValues []byte) {
	if s.audit == nil {
		return
	}
	var userID *string
	if claims != nil && claims.UserID != "" {
		userID = &claims.UserID
	}
	entry := &models.AuditLog{
		UserID:     userID,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		OldValues:  oldValues,
		NewValues:  newValues,
		IPAddress:  "system",
		UserAgent:  "attendance-service",
	}
	if err := s.audit.Create(ctx, entry); err != nil {
		s.logger.Warn("failed to record attendance audit", zap.Error(err))
	}
}

func attendanceAuditPayload(rec *models.AttendanceRecord) map[string]interface{} {
	payload := map[string]interface{}{
		"student_id": rec.StudentID,
		"date":       rec.Date.Format(attendanceDateLayout),
		"status":     rec.Status,
		"marked_by":  rec.MarkedBy,
	}
	if rec.Remarks != nil {
		payload["remarks"] = *rec.Remarks
	}
	return payload
}
