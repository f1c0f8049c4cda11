package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/classmark/attendance-api/internal/models"
	appErrors "github.com/classmark/attendance-api/pkg/errors"
)

type settingRepository interface {
	Get(ctx context.Context, key string) (*models.Setting, error)
	Upsert(ctx context.Context, setting *models.Setting) error
}

// SettingService manages the attendance lock window. Only the one key is
// writable through the API; unknown keys are rejected outright.
type SettingService struct {
	repo      settingRepository
	audit     auditRecorder
	validator *validator.Validate
	logger    *zap.Logger
	defaults  map[string]string
}

// NewSettingService constructs the service.
func NewSettingService(repo settingRepository, audit auditRecorder, validate *validator.Validate, logger *zap.Logger, defaultLockHours int) *SettingService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultLockHours < 0 {
		defaultLockHours = 24
	}
	return &SettingService{
		repo:      repo,
		audit:     audit,
		validator: validate,
		logger:    logger,
		defaults: map[string]string{
			models.SettingKeyAttendanceLockHours: strconv.Itoa(defaultLockHours),
		},
	}
}

// LockWindowSetting is the API shape of the lock window value.
type LockWindowSetting struct {
	Hours     int     `json:"hours"`
	UpdatedBy *string `json:"updated_by,omitempty"`
}

// UpdateLockWindowRequest carries a new lock window. Zero is legal and
// locks each day the moment it ends; negative values are rejected here so
// the evaluator never sees one.
type UpdateLockWindowRequest struct {
	Hours *int `json:"hours" validate:"required,min=0,max=8760"`
}

// GetLockWindow returns the currently configured lock window.
func (s *SettingService) GetLockWindow(ctx context.Context) (*LockWindowSetting, error) {
	setting, err := s.repo.Get(ctx, models.SettingKeyAttendanceLockHours)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			hours, _ := strconv.Atoi(s.defaults[models.SettingKeyAttendanceLockHours])
			return &LockWindowSetting{Hours: hours}, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read setting")
	}
	hours, err := strconv.Atoi(setting.Value)
	if err != nil || hours < 0 {
		return nil, appErrors.Clone(appErrors.ErrInternal, "invalid lock window configured")
	}
	return &LockWindowSetting{Hours: hours, UpdatedBy: setting.UpdatedBy}, nil
}

// UpdateLockWindow persists a new lock window. Admin only; the handler
// enforces the role, the service still refuses anonymous writes.
func (s *SettingService) UpdateLockWindow(ctx context.Context, req UpdateLockWindowRequest, claims *models.JWTClaims) (*LockWindowSetting, error) {
	if claims == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !claims.Role.IsAdmin() {
		return nil, appErrors.ErrForbidden
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "lock window must be a non-negative number of hours")
	}

	prev, err := s.repo.Get(ctx, models.SettingKeyAttendanceLockHours)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read setting")
	}

	userID := claims.UserID
	setting := &models.Setting{
		Key:       models.SettingKeyAttendanceLockHours,
		Value:     strconv.Itoa(*req.Hours),
		UpdatedBy: &userID,
	}
	if err := s.repo.Upsert(ctx, setting); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update setting")
	}

	s.emitAudit(ctx, claims, prev, setting)

	return &LockWindowSetting{Hours: *req.Hours, UpdatedBy: &userID}, nil
}

func (s *SettingService) emitAudit(ctx context.Context, claims *models.JWTClaims, prev, next *models.Setting) {
	if s.audit == nil {
		return
	}
	oldValue := ""
	if prev != nil {
		oldValue = prev.Value
	}
	oldBytes, _ := json.Marshal(map[string]string{"key": next.Key, "value": oldValue})
	newBytes, _ := json.Marshal(map[string]string{"key": next.Key, "value": next.Value})
	key := next.Key
	userID := claims.UserID
	entry := &models.AuditLog{
		UserID:     &userID,
		Action:     models.AuditActionSettingUpdate,
		Resource:   "setting",
		ResourceID: &key,
		OldValues:  oldBytes,
		NewValues:  newBytes,
		IPAddress:  "system",
		UserAgent:  "setting-service",
	}
	if err := s.audit.Create(ctx, entry); err != nil {
		s.logger.Warn("failed to record setting audit", zap.Error(err))
	}
}
