package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/opencampus/registrar-api/internal/models"
	"github.com/opencampus/registrar-api/internal/service"
	appErrors "github.com/opencampus/registrar-api/pkg/errors"
	"github.com/opencampus/registrar-api/pkg/response"
)

// RegistrationHandler exposes enrollment endpoints.
type RegistrationHandler struct {
	registrations *service.RegistrationService
}

// NewRegistrationHandler constructs handler.
func NewRegistrationHandler(registrations *service.RegistrationService) *RegistrationHandler {
	return &RegistrationHandler{registrations: registrations}
}

// Admit godoc
// @Summary Register for one course
// @Tags Registrations
// @Accept json
// @Produce json
// @Param payload body service.AdmitRequest true "Registration payload"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /registrations [post]
func (h *RegistrationHandler) Admit(c *gin.Context) {
	var req service.AdmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	if claims, ok := currentClaims(c); ok && claims.Role == models.RoleStudent {
		req.StudentID = claims.StudentID
	}
	registration, err := h.registrations.Admit(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, registration)
}

// BulkAdmit godoc
// @Summary Register for several courses atomically
// @Tags Registrations
// @Accept json
// @Produce json
// @Param payload body service.BulkAdmitRequest true "Bulk registration payload"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /registrations/bulk [post]
func (h *RegistrationHandler) BulkAdmit(c *gin.Context) {
	var req service.BulkAdmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	if claims, ok := currentClaims(c); ok && claims.Role == models.RoleStudent {
		req.StudentID = claims.StudentID
	}
	registrations, err := h.registrations.BulkAdmit(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, registrations)
}

// List godoc
// @Summary List registrations
// @Tags Registrations
// @Produce json
// @Param studentId query string false "Filter by student"
// @Param courseId query string false "Filter by course"
// @Param semester query string false "Filter by semester"
// @Param year query int false "Filter by year"
// @Param dropped query bool false "Filter by dropped flag"
// @Success 200 {object} response.Envelope
// @Router /registrations [get]
func (h *RegistrationHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "20"))
	year, _ := strconv.Atoi(c.Query("year"))
	filter := models.RegistrationFilter{
		StudentID: c.Query("studentId"),
		CourseID:  c.Query("courseId"),
		Semester:  models.Semester(c.Query("semester")),
		Year:      year,
		Page:      page,
		PageSize:  pageSize,
	}
	if raw := c.Query("dropped"); raw != "" {
		dropped, err := strconv.ParseBool(raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "dropped must be a boolean"))
			return
		}
		filter.Dropped = &dropped
	}
	if claims, ok := currentClaims(c); ok && claims.Role == models.RoleStudent {
		filter.StudentID = claims.StudentID
	}
	registrations, pagination, err := h.registrations.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, registrations, pagination)
}

// Get godoc
// @Summary Get registration by id
// @Tags Registrations
// @Produce json
// @Param id path string true "Registration ID"
// @Success 200 {object} response.Envelope
// @Router /registrations/{id} [get]
func (h *RegistrationHandler) Get(c *gin.Context) {
	registration, err := h.registrations.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if claims, ok := currentClaims(c); ok && claims.Role == models.RoleStudent && registration.StudentID != claims.StudentID {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "registration not found"))
		return
	}
	response.JSON(c, http.StatusOK, registration, nil)
}

// Drop godoc
// @Summary Drop a registration
// @Tags Registrations
// @Produce json
// @Param id path string true "Registration ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /registrations/{id}/drop [post]
func (h *RegistrationHandler) Drop(c *gin.Context) {
	if claims, ok := currentClaims(c); ok && claims.Role == models.RoleStudent {
		registration, err := h.registrations.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			response.Error(c, err)
			return
		}
		if registration.StudentID != claims.StudentID {
			response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "registration not found"))
			return
		}
	}
	registration, err := h.registrations.Drop(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, registration, nil)
}

// Summary godoc
// @Summary Term summary for a student
// @Tags Registrations
// @Produce json
// @Param studentId path string true "Student ID"
// @Param semester query string true "Semester"
// @Param year query int true "Year"
// @Success 200 {object} response.Envelope
// @Router /students/{studentId}/registrations/summary [get]
func (h *RegistrationHandler) Summary(c *gin.Context) {
	studentID, ok := resolveStudentID(c, "studentId")
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	year, err := strconv.Atoi(c.Query("year"))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "year must be a number"))
		return
	}
	summary, err := h.registrations.Summary(c.Request.Context(), studentID, models.Semester(c.Query("semester")), year)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summary, nil)
}
