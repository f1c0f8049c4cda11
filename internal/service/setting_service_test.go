package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classmark/attendance-api/internal/models"
	appErrors "github.com/classmark/attendance-api/pkg/errors"
)

type stubSettingRepo struct {
	stored map[string]*models.Setting
	getErr error
}

func (s *stubSettingRepo) Get(ctx context.Context, key string) (*models.Setting, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	if setting, ok := s.stored[key]; ok {
		return setting, nil
	}
	return nil, sql.ErrNoRows
}

func (s *stubSettingRepo) Upsert(ctx context.Context, setting *models.Setting) error {
	if s.stored == nil {
		s.stored = map[string]*models.Setting{}
	}
	s.stored[setting.Key] = setting
	return nil
}

func intPtr(v int) *int { return &v }

func TestGetLockWindowFallsBackToDefault(t *testing.T) {
	svc := NewSettingService(&stubSettingRepo{}, nil, nil, nil, 24)

	setting, err := svc.GetLockWindow(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 24, setting.Hours)
}

func TestGetLockWindowReadsStoredValue(t *testing.T) {
	repo := &stubSettingRepo{stored: map[string]*models.Setting{
		models.SettingKeyAttendanceLockHours: {Key: models.SettingKeyAttendanceLockHours, Value: "48"},
	}}
	svc := NewSettingService(repo, nil, nil, nil, 24)

	setting, err := svc.GetLockWindow(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 48, setting.Hours)
}

func TestGetLockWindowRejectsCorruptValue(t *testing.T) {
	repo := &stubSettingRepo{stored: map[string]*models.Setting{
		models.SettingKeyAttendanceLockHours: {Key: models.SettingKeyAttendanceLockHours, Value: "-5"},
	}}
	svc := NewSettingService(repo, nil, nil, nil, 24)

	_, err := svc.GetLockWindow(context.Background())

	assertAppError(t, err, appErrors.ErrInternal.Code)
}

func TestUpdateLockWindowAdminOnly(t *testing.T) {
	svc := NewSettingService(&stubSettingRepo{}, nil, nil, nil, 24)

	_, err := svc.UpdateLockWindow(context.Background(), UpdateLockWindowRequest{Hours: intPtr(48)}, teacherClaims())
	assertAppError(t, err, appErrors.ErrForbidden.Code)

	_, err = svc.UpdateLockWindow(context.Background(), UpdateLockWindowRequest{Hours: intPtr(48)}, nil)
	assertAppError(t, err, appErrors.ErrUnauthorized.Code)
}

func TestUpdateLockWindowRejectsNegative(t *testing.T) {
	svc := NewSettingService(&stubSettingRepo{}, nil, nil, nil, 24)

	_, err := svc.UpdateLockWindow(context.Background(), UpdateLockWindowRequest{Hours: intPtr(-1)}, adminClaims())

	assertAppError(t, err, appErrors.ErrValidation.Code)
}

func TestUpdateLockWindowAcceptsZero(t *testing.T) {
	repo := &stubSettingRepo{}
	svc := NewSettingService(repo, nil, nil, nil, 24)

	setting, err := svc.UpdateLockWindow(context.Background(), UpdateLockWindowRequest{Hours: intPtr(0)}, adminClaims())

	require.NoError(t, err)
	assert.Equal(t, 0, setting.Hours)
	assert.Equal(t, "0", repo.stored[models.SettingKeyAttendanceLockHours].Value)
}

func TestUpdateLockWindowAuditsOldAndNew(t *testing.T) {
	repo := &stubSettingRepo{stored: map[string]*models.Setting{
		models.SettingKeyAttendanceLockHours: {Key: models.SettingKeyAttendanceLockHours, Value: "24"},
	}}
	audit := &stubAuditRecorder{}
	svc := NewSettingService(repo, audit, nil, nil, 24)

	_, err := svc.UpdateLockWindow(context.Background(), UpdateLockWindowRequest{Hours: intPtr(72)}, adminClaims())

	require.NoError(t, err)
	require.Len(t, audit.entries, 1)
	entry := audit.entries[0]
	assert.Equal(t, models.AuditActionSettingUpdate, entry.Action)
	assert.Contains(t, string(entry.OldValues), `"24"`)
	assert.Contains(t, string(entry.NewValues), `"72"`)
}
