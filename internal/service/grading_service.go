package service

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/opencampus/registrar-api/internal/models"
	"github.com/opencampus/registrar-api/pkg/export"
	appErrors "github.com/opencampus/registrar-api/pkg/errors"
)

type gradeLedger interface {
	AssignGrade(ctx context.Context, id string, grade models.Grade, now time.Time) (*models.Registration, error)
	RebuildGPA(ctx context.Context, studentID string, now time.Time) (float64, error)
	ListCompletedByStudent(ctx context.Context, studentID string) ([]models.RegistrationDetail, error)
}

// AssignGradeRequest records a grade on a registration.
type AssignGradeRequest struct {
	Grade models.Grade `json:"grade" validate:"required"`
}

// GradingService records grades and serves transcripts. Grade writes run in
// the repository together with the GPA recompute; this layer validates the
// grade value and shapes transcript output.
type GradingService struct {
	registrations gradeLedger
	students      studentReader
	validator     *validator.Validate
	logger        *zap.Logger
	now           func() time.Time
}

// NewGradingService constructs GradingService.
func NewGradingService(registrations gradeLedger, students studentReader, validate *validator.Validate, logger *zap.Logger) *GradingService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GradingService{
		registrations: registrations,
		students:      students,
		validator:     validate,
		logger:        logger,
		now:           time.Now,
	}
}

// AssignGrade records a grade and marks the registration completed. Withdraw
// is not assignable here; it is the drop flow's outcome, not an instructor
// grade.
func (s *GradingService) AssignGrade(ctx context.Context, registrationID string, req AssignGradeRequest) (*models.Registration, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid grade payload")
	}
	if !req.Grade.Valid() || req.Grade == models.GradeWithdraw {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("grade %q cannot be assigned", req.Grade))
	}

	registration, err := s.registrations.AssignGrade(ctx, registrationID, req.Grade, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info("grade assigned",
		zap.String("registration_id", registration.ID),
		zap.String("student_id", registration.StudentID),
		zap.String("grade", string(req.Grade)),
	)
	return registration, nil
}

// RebuildGPA recomputes a student's GPA projection from registration history.
func (s *GradingService) RebuildGPA(ctx context.Context, studentID string) (float64, error) {
	if _, err := s.loadStudent(ctx, studentID); err != nil {
		return 0, err
	}
	gpa, err := s.registrations.RebuildGPA(ctx, studentID, s.now())
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to rebuild gpa")
	}
	s.logger.Info("gpa rebuilt", zap.String("student_id", studentID), zap.Float64("gpa", gpa))
	return gpa, nil
}

// Transcript assembles a student's graded history. Withdrawals appear as
// entries but contribute nothing to the GPA sums.
func (s *GradingService) Transcript(ctx context.Context, studentID string) (*models.Transcript, error) {
	student, err := s.loadStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}

	completed, err := s.registrations.ListCompletedByStudent(ctx, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load completed registrations")
	}

	transcript := &models.Transcript{
		Student: *student,
		Entries: make([]models.TranscriptEntry, 0, len(completed)),
		GPA:     student.GPA,
	}
	for _, registration := range completed {
		if registration.Grade == nil {
			continue
		}
		entry := models.TranscriptEntry{
			CourseCode:  registration.CourseCode,
			CourseName:  registration.CourseName,
			CreditHours: registration.CreditHours,
			Semester:    registration.Semester,
			Year:        registration.Year,
			Grade:       *registration.Grade,
			GradePoints: registration.GradePoints,
		}
		transcript.Entries = append(transcript.Entries, entry)
		transcript.TotalCreditHours += registration.CreditHours
		if registration.GradePoints != nil {
			transcript.QualityPoints += *registration.GradePoints * float64(registration.CreditHours)
			transcript.GPACreditHours += registration.CreditHours
		}
	}
	return transcript, nil
}

// ExportTranscript renders a transcript as CSV or PDF.
func (s *GradingService) ExportTranscript(ctx context.Context, studentID string, format models.ExportFormat) ([]byte, string, error) {
	transcript, err := s.Transcript(ctx, studentID)
	if err != nil {
		return nil, "", err
	}

	table := export.Table{
		Columns: []string{"Course Code", "Course Name", "Credit Hours", "Semester", "Year", "Grade", "Grade Points"},
		Footer:  []string{fmt.Sprintf("Cumulative GPA: %.2f", transcript.GPA)},
	}
	for _, entry := range transcript.Entries {
		points := ""
		if entry.GradePoints != nil {
			points = fmt.Sprintf("%.1f", *entry.GradePoints)
		}
		table.Rows = append(table.Rows, []string{
			entry.CourseCode,
			entry.CourseName,
			strconv.Itoa(entry.CreditHours),
			string(entry.Semester),
			strconv.Itoa(entry.Year),
			string(entry.Grade),
			points,
		})
	}

	switch format {
	case models.ExportFormatCSV:
		payload, err := export.RenderCSV(table)
		if err != nil {
			return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render transcript")
		}
		return payload, "text/csv", nil
	case models.ExportFormatPDF:
		title := fmt.Sprintf("Transcript - %s (%s)", transcript.Student.FullName, transcript.Student.StudentNumber)
		payload, err := export.RenderPDF(table, title)
		if err != nil {
			return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render transcript")
		}
		return payload, "application/pdf", nil
	default:
		return nil, "", appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported transcript format %q", format))
	}
}

func (s *GradingService) loadStudent(ctx context.Context, studentID string) (*models.Student, error) {
	student, err := s.students.FindByID(ctx, studentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	return student, nil
}
