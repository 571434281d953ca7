package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/opencampus/registrar-api/internal/models"
	appErrors "github.com/opencampus/registrar-api/pkg/errors"
)

type courseRepository interface {
	FindByID(ctx context.Context, id string) (*models.Course, error)
	FindActiveByID(ctx context.Context, id string) (*models.Course, error)
	FindByCode(ctx context.Context, code string) (*models.Course, error)
	CodeExists(ctx context.Context, code string) (bool, error)
	FindByIDs(ctx context.Context, ids []string) ([]models.Course, error)
	List(ctx context.Context, filter models.CourseFilter) ([]models.Course, int, error)
	Create(ctx context.Context, course *models.Course) error
	Update(ctx context.Context, course *models.Course) error
	Deactivate(ctx context.Context, id string) error
	Statistics(ctx context.Context, id string) (*models.CourseStatistics, error)
	CountActiveRegistrations(ctx context.Context, id string) (int, error)
}

type catalogCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string)
}

type cacheObserver interface {
	RecordCacheOperation(hit bool, duration time.Duration)
}

// CreateCourseRequest describes course creation payload.
type CreateCourseRequest struct {
	Code               string          `json:"code" validate:"required"`
	Name               string          `json:"name" validate:"required"`
	Description        string          `json:"description"`
	CreditHours        int             `json:"credit_hours" validate:"required,min=1,max=6"`
	PricePerCreditHour float64         `json:"price_per_credit_hour" validate:"omitempty,gt=0"`
	Semester           models.Semester `json:"semester" validate:"required,oneof=summer winter"`
	PrerequisiteIDs    []string        `json:"prerequisite_ids"`
}

// UpdateCourseRequest describes course update payload. Nil fields are left
// untouched.
type UpdateCourseRequest struct {
	Name               *string          `json:"name"`
	Description        *string          `json:"description"`
	CreditHours        *int             `json:"credit_hours" validate:"omitempty,min=1,max=6"`
	PricePerCreditHour *float64         `json:"price_per_credit_hour" validate:"omitempty,gt=0"`
	Semester           *models.Semester `json:"semester" validate:"omitempty,oneof=summer winter"`
	PrerequisiteIDs    *[]string        `json:"prerequisite_ids"`
	IsActive           *bool            `json:"is_active"`
}

// CatalogService owns course metadata: lookups for the admission flow plus
// administrative CRUD. Lookups are read-mostly and served through Redis.
type CatalogService struct {
	courses      courseRepository
	cache        catalogCache
	metrics      cacheObserver
	cacheTTL     time.Duration
	defaultPrice float64
	validator    *validator.Validate
	logger       *zap.Logger
}

// NewCatalogService constructs CatalogService.
func NewCatalogService(courses courseRepository, cache catalogCache, metrics cacheObserver, cacheTTL time.Duration, defaultPrice float64, validate *validator.Validate, logger *zap.Logger) *CatalogService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &CatalogService{
		courses:      courses,
		cache:        cache,
		metrics:      metrics,
		cacheTTL:     cacheTTL,
		defaultPrice: defaultPrice,
		validator:    validate,
		logger:       logger,
	}
}

func courseCacheKey(id string) string {
	return fmt.Sprintf("catalog:course:%s", id)
}

// Lookup returns an active course. Missing and inactive courses are both
// reported as unavailable so new registrations cannot target them.
func (s *CatalogService) Lookup(ctx context.Context, id string) (*models.Course, error) {
	if s.cache != nil {
		start := time.Now()
		var cached models.Course
		err := s.cache.Get(ctx, courseCacheKey(id), &cached)
		if s.metrics != nil {
			s.metrics.RecordCacheOperation(err == nil, time.Since(start))
		}
		if err == nil {
			if !cached.IsActive {
				return nil, appErrors.ErrCourseUnavailable
			}
			return &cached, nil
		}
		if !appErrors.HasCode(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("course cache read failed", zap.String("course_id", id), zap.Error(err))
		}
	}

	course, err := s.courses.FindActiveByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.ErrCourseUnavailable
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, courseCacheKey(id), course, s.cacheTTL); err != nil {
			s.logger.Warn("course cache write failed", zap.String("course_id", id), zap.Error(err))
		}
	}
	return course, nil
}

// LookupAny returns a course regardless of active flag. Transcript and GPA
// reads use this so deactivated courses keep their history.
func (s *CatalogService) LookupAny(ctx context.Context, id string) (*models.Course, error) {
	course, err := s.courses.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	return course, nil
}

// LookupMany returns the courses for the given ids, active or not.
func (s *CatalogService) LookupMany(ctx context.Context, ids []string) ([]models.Course, error) {
	courses, err := s.courses.FindByIDs(ctx, ids)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load courses")
	}
	return courses, nil
}

// Prerequisites returns the prerequisite courses of a course.
func (s *CatalogService) Prerequisites(ctx context.Context, id string) ([]models.Course, error) {
	course, err := s.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(course.PrerequisiteIDs) == 0 {
		return nil, nil
	}
	prerequisites, err := s.courses.FindByIDs(ctx, course.PrerequisiteIDs)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load prerequisites")
	}
	return prerequisites, nil
}

// List returns active courses with pagination metadata.
func (s *CatalogService) List(ctx context.Context, filter models.CourseFilter) ([]models.Course, *models.Pagination, error) {
	courses, total, err := s.courses.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list courses")
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
	return courses, pagination, nil
}

// Create adds a course to the catalog.
func (s *CatalogService) Create(ctx context.Context, req CreateCourseRequest) (*models.Course, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid course payload")
	}

	exists, err := s.courses.CodeExists(ctx, req.Code)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to validate course code")
	}
	if exists {
		return nil, appErrors.Clone(appErrors.ErrConflict, "course with this code already exists")
	}

	if err := s.validatePrerequisites(ctx, "", req.PrerequisiteIDs); err != nil {
		return nil, err
	}

	price := req.PricePerCreditHour
	if price == 0 {
		price = s.defaultPrice
	}

	course := &models.Course{
		Code:               req.Code,
		Name:               req.Name,
		Description:        req.Description,
		CreditHours:        req.CreditHours,
		PricePerCreditHour: price,
		Semester:           req.Semester,
		PrerequisiteIDs:    pq.StringArray(req.PrerequisiteIDs),
	}
	if err := s.courses.Create(ctx, course); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create course")
	}
	return course, nil
}

// Update modifies an existing course and invalidates its cache entry.
func (s *CatalogService) Update(ctx context.Context, id string, req UpdateCourseRequest) (*models.Course, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid course payload")
	}

	course, err := s.LookupAny(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		course.Name = *req.Name
	}
	if req.Description != nil {
		course.Description = *req.Description
	}
	if req.CreditHours != nil {
		course.CreditHours = *req.CreditHours
	}
	if req.PricePerCreditHour != nil {
		course.PricePerCreditHour = *req.PricePerCreditHour
	}
	if req.Semester != nil {
		course.Semester = *req.Semester
	}
	if req.IsActive != nil {
		course.IsActive = *req.IsActive
	}
	if req.PrerequisiteIDs != nil {
		if err := s.validatePrerequisites(ctx, id, *req.PrerequisiteIDs); err != nil {
			return nil, err
		}
		course.PrerequisiteIDs = pq.StringArray(*req.PrerequisiteIDs)
	}

	if err := s.courses.Update(ctx, course); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update course")
	}
	if s.cache != nil {
		s.cache.Delete(ctx, courseCacheKey(id))
	}
	return course, nil
}

// Deactivate retires a course. Courses with active registrations stay in
// the catalog until those registrations resolve.
func (s *CatalogService) Deactivate(ctx context.Context, id string) error {
	if _, err := s.LookupAny(ctx, id); err != nil {
		return err
	}
	count, err := s.courses.CountActiveRegistrations(ctx, id)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count registrations")
	}
	if count > 0 {
		return appErrors.Clone(appErrors.ErrConflict, "cannot deactivate course with active registrations")
	}
	if err := s.courses.Deactivate(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to deactivate course")
	}
	if s.cache != nil {
		s.cache.Delete(ctx, courseCacheKey(id))
	}
	return nil
}

// Statistics returns registration counts for a course.
func (s *CatalogService) Statistics(ctx context.Context, id string) (*models.CourseStatistics, error) {
	if _, err := s.LookupAny(ctx, id); err != nil {
		return nil, err
	}
	stats, err := s.courses.Statistics(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course statistics")
	}
	return stats, nil
}

// validatePrerequisites checks that every prerequisite exists and that the
// resulting graph stays acyclic. A cyclic prerequisite chain would make the
// involved courses permanently unregisterable.
func (s *CatalogService) validatePrerequisites(ctx context.Context, courseID string, prerequisiteIDs []string) error {
	if len(prerequisiteIDs) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(prerequisiteIDs))
	for _, id := range prerequisiteIDs {
		if id == courseID {
			return appErrors.Clone(appErrors.ErrValidation, "course cannot be its own prerequisite")
		}
		if seen[id] {
			return appErrors.Clone(appErrors.ErrValidation, "duplicate prerequisite")
		}
		seen[id] = true
	}

	found, err := s.courses.FindByIDs(ctx, prerequisiteIDs)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load prerequisites")
	}
	if len(found) != len(prerequisiteIDs) {
		return appErrors.Clone(appErrors.ErrNotFound, "one or more prerequisite courses not found")
	}

	if courseID == "" {
		// A brand-new course is not referenced by anything yet, so it
		// cannot close a cycle.
		return nil
	}

	visited := map[string]bool{}
	frontier := append([]string(nil), prerequisiteIDs...)
	for len(frontier) > 0 {
		batch := frontier[:0:0]
		var lookup []string
		for _, id := range frontier {
			if id == courseID {
				return appErrors.Clone(appErrors.ErrValidation, "prerequisite chain would form a cycle")
			}
			if !visited[id] {
				visited[id] = true
				lookup = append(lookup, id)
			}
		}
		if len(lookup) == 0 {
			break
		}
		courses, err := s.courses.FindByIDs(ctx, lookup)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to walk prerequisites")
		}
		for _, course := range courses {
			batch = append(batch, course.PrerequisiteIDs...)
		}
		frontier = batch
	}
	return nil
}
