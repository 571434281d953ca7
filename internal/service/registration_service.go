package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/opencampus/registrar-api/internal/models"
	"github.com/opencampus/registrar-api/internal/repository"
	appErrors "github.com/opencampus/registrar-api/pkg/errors"
)

type registrationLedger interface {
	FindByID(ctx context.Context, id string) (*models.Registration, error)
	FindDetailByID(ctx context.Context, id string) (*models.RegistrationDetail, error)
	List(ctx context.Context, filter models.RegistrationFilter) ([]models.RegistrationDetail, int, error)
	ListActiveByStudentTerm(ctx context.Context, studentID string, semester models.Semester, year int) ([]models.RegistrationDetail, error)
	CompletedPassingCourseIDs(ctx context.Context, studentID string) (map[string]bool, error)
	Admit(ctx context.Context, studentID string, semester models.Semester, year int, candidates []repository.AdmissionCandidate) ([]models.Registration, error)
	Drop(ctx context.Context, id string, now time.Time) (*models.Registration, error)
}

type catalogReader interface {
	Lookup(ctx context.Context, id string) (*models.Course, error)
	LookupAny(ctx context.Context, id string) (*models.Course, error)
	LookupMany(ctx context.Context, ids []string) ([]models.Course, error)
}

type studentReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
}

type admissionObserver interface {
	RecordAdmission(outcome string, courses int)
	RecordDrop(refunded bool)
}

// AdmitRequest describes a single-course registration request.
type AdmitRequest struct {
	StudentID string          `json:"student_id" validate:"required"`
	CourseID  string          `json:"course_id" validate:"required"`
	Semester  models.Semester `json:"semester" validate:"required,oneof=summer winter"`
	Year      int             `json:"year" validate:"required,min=2000,max=2100"`
}

// BulkAdmitRequest describes an all-or-nothing registration batch.
type BulkAdmitRequest struct {
	StudentID string          `json:"student_id" validate:"required"`
	CourseIDs []string        `json:"course_ids" validate:"required,min=1,dive,required"`
	Semester  models.Semester `json:"semester" validate:"required,oneof=summer winter"`
	Year      int             `json:"year" validate:"required,min=2000,max=2100"`
}

// RegistrationService is the admission side of the enrollment ledger: it
// decides whether registration requests may succeed and applies the drop
// policy. The racy checks (duplicate, credit cap) live in the repository's
// admission transaction; this layer resolves catalog state and prerequisites.
type RegistrationService struct {
	registrations registrationLedger
	catalog       catalogReader
	students      studentReader
	metrics       admissionObserver
	validator     *validator.Validate
	logger        *zap.Logger
	now           func() time.Time
}

// NewRegistrationService constructs RegistrationService.
func NewRegistrationService(registrations registrationLedger, catalog catalogReader, students studentReader, metrics admissionObserver, validate *validator.Validate, logger *zap.Logger) *RegistrationService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegistrationService{
		registrations: registrations,
		catalog:       catalog,
		students:      students,
		metrics:       metrics,
		validator:     validate,
		logger:        logger,
		now:           time.Now,
	}
}

// Admit registers a student for one course.
func (s *RegistrationService) Admit(ctx context.Context, req AdmitRequest) (*models.RegistrationDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid registration payload")
	}

	if err := s.checkStudent(ctx, req.StudentID); err != nil {
		return nil, err
	}

	course, err := s.catalog.Lookup(ctx, req.CourseID)
	if err != nil {
		s.observeAdmission("rejected", 1)
		return nil, err
	}

	passing, err := s.registrations.CompletedPassingCourseIDs(ctx, req.StudentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load completed courses")
	}
	if err := s.checkPrerequisites(ctx, course, passing); err != nil {
		s.observeAdmission("rejected", 1)
		return nil, err
	}

	candidates := []repository.AdmissionCandidate{{
		CourseID:    course.ID,
		CourseCode:  course.Code,
		CreditHours: course.CreditHours,
	}}
	admitted, err := s.registrations.Admit(ctx, req.StudentID, req.Semester, req.Year, candidates)
	if err != nil {
		s.observeAdmission("rejected", 1)
		return nil, err
	}
	s.observeAdmission("admitted", 1)

	detail, err := s.registrations.FindDetailByID(ctx, admitted[0].ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load registration detail")
	}
	return detail, nil
}

// BulkAdmit registers a student for several courses at once. Either every
// course is admitted or none are; a partially applied batch would leave the
// student in a state the client never offered.
func (s *RegistrationService) BulkAdmit(ctx context.Context, req BulkAdmitRequest) ([]models.RegistrationDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid bulk registration payload")
	}

	seen := make(map[string]bool, len(req.CourseIDs))
	for _, id := range req.CourseIDs {
		if seen[id] {
			return nil, appErrors.Clone(appErrors.ErrValidation, "duplicate course in batch")
		}
		seen[id] = true
	}

	if err := s.checkStudent(ctx, req.StudentID); err != nil {
		return nil, err
	}

	passing, err := s.registrations.CompletedPassingCourseIDs(ctx, req.StudentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load completed courses")
	}

	// Each rejected course keeps its own typed error, keyed by course code.
	// The aggregate reuses the shared code when every failure is of the same
	// kind, otherwise it falls back to a neutral validation error.
	candidates := make([]repository.AdmissionCandidate, 0, len(req.CourseIDs))
	failures := make(map[string]interface{})
	var shared *appErrors.Error
	record := func(key string, appErr *appErrors.Error) {
		entry := map[string]interface{}{"code": appErr.Code, "message": appErr.Message}
		if len(appErr.Details) > 0 {
			entry["details"] = appErr.Details
		}
		failures[key] = entry
		if len(failures) == 1 {
			shared = appErr
		} else if shared != nil && shared.Code != appErr.Code {
			shared = nil
		}
	}
	for _, courseID := range req.CourseIDs {
		course, err := s.catalog.Lookup(ctx, courseID)
		if err != nil {
			appErr := appErrors.FromError(err)
			if appErr.Status >= 500 {
				return nil, err
			}
			record(s.courseKey(ctx, courseID), appErr)
			continue
		}
		if err := s.checkPrerequisites(ctx, course, passing); err != nil {
			appErr := appErrors.FromError(err)
			if appErr.Status >= 500 {
				return nil, err
			}
			record(course.Code, appErr)
			continue
		}
		candidates = append(candidates, repository.AdmissionCandidate{
			CourseID:    course.ID,
			CourseCode:  course.Code,
			CreditHours: course.CreditHours,
		})
	}
	if len(failures) > 0 {
		s.observeAdmission("rejected", len(req.CourseIDs))
		aggregate := appErrors.ErrValidation
		if shared != nil {
			aggregate = shared
		}
		return nil, appErrors.WithDetails(aggregate, "one or more courses cannot be registered", failures)
	}

	admitted, err := s.registrations.Admit(ctx, req.StudentID, req.Semester, req.Year, candidates)
	if err != nil {
		s.observeAdmission("rejected", len(candidates))
		return nil, err
	}
	s.observeAdmission("admitted", len(candidates))

	details := make([]models.RegistrationDetail, 0, len(admitted))
	for _, registration := range admitted {
		detail, err := s.registrations.FindDetailByID(ctx, registration.ID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load registration detail")
		}
		details = append(details, *detail)
	}
	return details, nil
}

// Drop reverses a registration. The record survives with dropped=true; a
// second drop of the same row returns a stable state error and never
// refunds twice.
func (s *RegistrationService) Drop(ctx context.Context, id string) (*models.Registration, error) {
	registration, err := s.registrations.Drop(ctx, id, s.now())
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordDrop(registration.PaymentStatus == models.PaymentStatusRefunded)
	}
	s.logger.Info("registration dropped",
		zap.String("registration_id", registration.ID),
		zap.String("student_id", registration.StudentID),
		zap.Bool("refunded", registration.PaymentStatus == models.PaymentStatusRefunded),
	)
	return registration, nil
}

// Get returns a registration with course info.
func (s *RegistrationService) Get(ctx context.Context, id string) (*models.RegistrationDetail, error) {
	detail, err := s.registrations.FindDetailByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "registration not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load registration")
	}
	return detail, nil
}

// List returns registrations with pagination metadata.
func (s *RegistrationService) List(ctx context.Context, filter models.RegistrationFilter) ([]models.RegistrationDetail, *models.Pagination, error) {
	registrations, total, err := s.registrations.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list registrations")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	return registrations, pagination, nil
}

// Summary aggregates a student's non-dropped registrations for a term.
func (s *RegistrationService) Summary(ctx context.Context, studentID string, semester models.Semester, year int) (*models.RegistrationSummary, error) {
	if !semester.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "invalid semester")
	}
	registrations, err := s.registrations.ListActiveByStudentTerm(ctx, studentID, semester, year)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load registrations")
	}

	summary := &models.RegistrationSummary{
		Registrations:       registrations,
		TotalCourses:        len(registrations),
		PaymentStatusCounts: make(map[models.PaymentStatus]int),
	}
	for _, registration := range registrations {
		summary.TotalCreditHours += registration.CreditHours
		summary.TotalCost += registration.TotalCost()
		summary.PaymentStatusCounts[registration.PaymentStatus]++
	}
	return summary, nil
}

// courseKey resolves the failure map key for a course that failed catalog
// lookup: the course code when the course exists in any state, the requested
// id when it does not.
func (s *RegistrationService) courseKey(ctx context.Context, courseID string) string {
	course, err := s.catalog.LookupAny(ctx, courseID)
	if err != nil {
		return courseID
	}
	return course.Code
}

func (s *RegistrationService) checkStudent(ctx context.Context, studentID string) error {
	student, err := s.students.FindByID(ctx, studentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if !student.IsActive {
		return appErrors.Clone(appErrors.ErrForbidden, "student account inactive")
	}
	return nil
}

// checkPrerequisites rejects admission when the student is missing any of
// the course's prerequisites, reporting the missing course codes.
func (s *RegistrationService) checkPrerequisites(ctx context.Context, course *models.Course, passing map[string]bool) error {
	if len(course.PrerequisiteIDs) == 0 {
		return nil
	}
	var missingIDs []string
	for _, prerequisiteID := range course.PrerequisiteIDs {
		if !passing[prerequisiteID] {
			missingIDs = append(missingIDs, prerequisiteID)
		}
	}
	if len(missingIDs) == 0 {
		return nil
	}

	missing, err := s.catalog.LookupMany(ctx, missingIDs)
	if err != nil {
		return err
	}
	codes := make([]string, 0, len(missing))
	for _, prerequisite := range missing {
		codes = append(codes, prerequisite.Code)
	}
	sort.Strings(codes)
	return appErrors.WithDetails(appErrors.ErrPrerequisitesNotMet,
		fmt.Sprintf("missing prerequisites for %s", course.Code),
		map[string]interface{}{"course_code": course.Code, "missing": codes})
}

func (s *RegistrationService) observeAdmission(outcome string, courses int) {
	if s.metrics != nil {
		s.metrics.RecordAdmission(outcome, courses)
	}
}
