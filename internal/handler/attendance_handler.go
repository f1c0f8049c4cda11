package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/classmark/attendance-api/internal/models"
	"github.com/classmark/attendance-api/internal/service"
	appErrors "github.com/classmark/attendance-api/pkg/errors"
	"github.com/classmark/attendance-api/pkg/response"
)

// AttendanceRegistrar is the service surface the handler needs.
type AttendanceRegistrar interface {
	SubmitAttendance(ctx context.Context, req service.SubmitAttendanceRequest, claims *models.JWTClaims) (*service.SubmitAttendanceResult, error)
	GetAttendanceForDate(ctx context.Context, classID, sectionID, date string, claims *models.JWTClaims) ([]models.RosterEntry, error)
	GetStudentHistory(ctx context.Context, studentID, from, to string, claims *models.JWTClaims) ([]models.AttendanceRecord, error)
	LockStatus(ctx context.Context, classID, sectionID, date string) (*models.LockStatus, error)
	LockDate(ctx context.Context, req service.LockDateRequest, claims *models.JWTClaims) (*models.AttendanceLock, error)
	UnlockDate(ctx context.Context, classID, sectionID, date string, claims *models.JWTClaims) error
}

// AttendanceHandler exposes the attendance register endpoints.
type AttendanceHandler struct {
	service AttendanceRegistrar
	metrics *service.MetricsService
}

// NewAttendanceHandler constructs the handler. The metrics service is
// optional.
func NewAttendanceHandler(svc AttendanceRegistrar, metrics *service.MetricsService) *AttendanceHandler {
	return &AttendanceHandler{service: svc, metrics: metrics}
}

// Submit writes a full roster batch for one class/section/date.
func (h *AttendanceHandler) Submit(c *gin.Context) {
	var req service.SubmitAttendanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid attendance payload"))
		return
	}

	res, err := h.service.SubmitAttendance(c.Request.Context(), req, claimsFromContext(c))
	if err != nil {
		h.observeRejection(err)
		response.Error(c, err)
		return
	}

	if h.metrics != nil {
		h.metrics.ObserveBatchSize(res.Written)
	}
	response.JSON(c, http.StatusOK, res, nil)
}

// GetForDate returns the roster with recorded or pre-filled statuses.
func (h *AttendanceHandler) GetForDate(c *gin.Context) {
	entries, err := h.service.GetAttendanceForDate(c.Request.Context(),
		c.Query("classId"), c.Query("sectionId"), c.Query("date"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, nil)
}

// StudentHistory returns one student's records over a range.
func (h *AttendanceHandler) StudentHistory(c *gin.Context) {
	records, err := h.service.GetStudentHistory(c.Request.Context(),
		c.Param("studentId"), c.Query("from"), c.Query("to"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, records, nil)
}

// LockStatus answers whether a class/section/date currently accepts
// non-admin writes, and why not.
func (h *AttendanceHandler) LockStatus(c *gin.Context) {
	status, err := h.service.LockStatus(c.Request.Context(),
		c.Query("classId"), c.Query("sectionId"), c.Query("date"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, status, nil)
}

// Lock places an administrative lock on a class/section/date.
func (h *AttendanceHandler) Lock(c *gin.Context) {
	var req service.LockDateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid lock payload"))
		return
	}

	lock, err := h.service.LockDate(c.Request.Context(), req, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, lock)
}

// Unlock removes an administrative lock.
func (h *AttendanceHandler) Unlock(c *gin.Context) {
	err := h.service.UnlockDate(c.Request.Context(),
		c.Query("classId"), c.Query("sectionId"), c.Query("date"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

func (h *AttendanceHandler) observeRejection(err error) {
	if h.metrics == nil || !appErrors.IsLocked(err) {
		return
	}
	if appErrors.FromError(err).Code == appErrors.ErrAdminLocked.Code {
		h.metrics.ObserveLockRejection("admin")
		return
	}
	h.metrics.ObserveLockRejection("time_window")
}
