package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opencampus/registrar-api/internal/models"
	"github.com/opencampus/registrar-api/internal/service"
	appErrors "github.com/opencampus/registrar-api/pkg/errors"
	"github.com/opencampus/registrar-api/pkg/response"
)

// GradeHandler exposes grading and transcript endpoints.
type GradeHandler struct {
	grading *service.GradingService
}

// NewGradeHandler constructs handler.
func NewGradeHandler(grading *service.GradingService) *GradeHandler {
	return &GradeHandler{grading: grading}
}

// Assign godoc
// @Summary Assign a grade to a registration
// @Tags Grades
// @Accept json
// @Produce json
// @Param id path string true "Registration ID"
// @Param payload body service.AssignGradeRequest true "Grade payload"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /registrations/{id}/grade [post]
func (h *GradeHandler) Assign(c *gin.Context) {
	var req service.AssignGradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	registration, err := h.grading.AssignGrade(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, registration, nil)
}

// RebuildGPA godoc
// @Summary Recompute a student's GPA from registration history
// @Tags Grades
// @Produce json
// @Param studentId path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Router /students/{studentId}/gpa/rebuild [post]
func (h *GradeHandler) RebuildGPA(c *gin.Context) {
	gpa, err := h.grading.RebuildGPA(c.Request.Context(), c.Param("studentId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"gpa": gpa}, nil)
}

// Transcript godoc
// @Summary Student transcript
// @Tags Grades
// @Produce json
// @Param studentId path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Router /students/{studentId}/transcript [get]
func (h *GradeHandler) Transcript(c *gin.Context) {
	studentID, ok := resolveStudentID(c, "studentId")
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	transcript, err := h.grading.Transcript(c.Request.Context(), studentID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, transcript, nil)
}

// Export godoc
// @Summary Download a transcript as CSV or PDF
// @Tags Grades
// @Produce text/csv
// @Produce application/pdf
// @Param studentId path string true "Student ID"
// @Param format query string false "csv or pdf" default(csv)
// @Success 200 {file} binary
// @Router /students/{studentId}/transcript/export [get]
func (h *GradeHandler) Export(c *gin.Context) {
	studentID, ok := resolveStudentID(c, "studentId")
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	format := models.ExportFormat(c.DefaultQuery("format", "csv"))
	payload, contentType, err := h.grading.ExportTranscript(c.Request.Context(), studentID, format)
	if err != nil {
		response.Error(c, err)
		return
	}
	filename := fmt.Sprintf("transcript-%s.%s", studentID, format)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, contentType, payload)
}
