package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/classmark/attendance-api/internal/service"
	appErrors "github.com/classmark/attendance-api/pkg/errors"
	"github.com/classmark/attendance-api/pkg/response"
)

// SettingHandler exposes the attendance lock window configuration.
type SettingHandler struct {
	service *service.SettingService
}

// NewSettingHandler constructs the handler.
func NewSettingHandler(svc *service.SettingService) *SettingHandler {
	return &SettingHandler{service: svc}
}

// GetLockWindow returns the configured lock window in hours.
func (h *SettingHandler) GetLockWindow(c *gin.Context) {
	setting, err := h.service.GetLockWindow(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, setting, nil)
}

// UpdateLockWindow replaces the lock window value.
func (h *SettingHandler) UpdateLockWindow(c *gin.Context) {
	var req service.UpdateLockWindowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid setting payload"))
		return
	}

	setting, err := h.service.UpdateLockWindow(c.Request.Context(), req, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, setting, nil)
}
