package repository

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/opencampus/registrar-api/internal/models"
	appErrors "github.com/opencampus/registrar-api/pkg/errors"
)

const registrationColumns = `id, student_id, course_id, semester, year, payment_status, grade, grade_points, is_completed, is_dropped, dropped_at, created_at, updated_at`

const registrationDetailColumns = `r.id, r.student_id, r.course_id, r.semester, r.year, r.payment_status, r.grade, r.grade_points, r.is_completed, r.is_dropped, r.dropped_at, r.created_at, r.updated_at,
        c.code AS course_code, c.name AS course_name, c.credit_hours, c.price_per_credit_hour`

// RegistrationRepository is the enrollment ledger. Admission, drop and grade
// writes run as single transactions so the credit cap, the non-dropped
// uniqueness rule and the GPA projection stay consistent under concurrency.
type RegistrationRepository struct {
	db *sqlx.DB
}

// NewRegistrationRepository constructs the repository.
func NewRegistrationRepository(db *sqlx.DB) *RegistrationRepository {
	return &RegistrationRepository{db: db}
}

// AdmissionCandidate is one course of an admission batch, carrying the
// credit hours resolved from the catalog at request time.
type AdmissionCandidate struct {
	CourseID    string
	CourseCode  string
	CreditHours int
}

// FindByID returns a registration by its ID.
func (r *RegistrationRepository) FindByID(ctx context.Context, id string) (*models.Registration, error) {
	query := fmt.Sprintf(`SELECT %s FROM registrations WHERE id = $1`, registrationColumns)
	var registration models.Registration
	if err := r.db.GetContext(ctx, &registration, query, id); err != nil {
		return nil, err
	}
	return &registration, nil
}

// FindDetailByID returns a registration with its course info.
func (r *RegistrationRepository) FindDetailByID(ctx context.Context, id string) (*models.RegistrationDetail, error) {
	query := fmt.Sprintf(`SELECT %s FROM registrations r JOIN courses c ON c.id = r.course_id WHERE r.id = $1`, registrationDetailColumns)
	var detail models.RegistrationDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// List returns registrations filtered by the provided criteria.
func (r *RegistrationRepository) List(ctx context.Context, filter models.RegistrationFilter) ([]models.RegistrationDetail, int, error) {
	base := `FROM registrations r JOIN courses c ON c.id = r.course_id`
	var conditions []string
	var args []interface{}

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("r.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.CourseID != "" {
		conditions = append(conditions, fmt.Sprintf("r.course_id = $%d", len(args)+1))
		args = append(args, filter.CourseID)
	}
	if filter.Semester != "" {
		conditions = append(conditions, fmt.Sprintf("r.semester = $%d", len(args)+1))
		args = append(args, filter.Semester)
	}
	if filter.Year > 0 {
		conditions = append(conditions, fmt.Sprintf("r.year = $%d", len(args)+1))
		args = append(args, filter.Year)
	}
	if filter.Dropped != nil {
		conditions = append(conditions, fmt.Sprintf("r.is_dropped = $%d", len(args)+1))
		args = append(args, *filter.Dropped)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT %s %s ORDER BY r.created_at DESC LIMIT %d OFFSET %d`,
		registrationDetailColumns, base+clause, size, offset)

	var registrations []models.RegistrationDetail
	if err := r.db.SelectContext(ctx, &registrations, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list registrations: %w", err)
	}

	countQuery := "SELECT COUNT(*) " + base + clause
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count registrations: %w", err)
	}
	return registrations, total, nil
}

// ListActiveByStudentTerm returns the non-dropped registrations of a student
// for one term, with course info.
func (r *RegistrationRepository) ListActiveByStudentTerm(ctx context.Context, studentID string, semester models.Semester, year int) ([]models.RegistrationDetail, error) {
	query := fmt.Sprintf(`SELECT %s FROM registrations r JOIN courses c ON c.id = r.course_id
        WHERE r.student_id = $1 AND r.semester = $2 AND r.year = $3 AND r.is_dropped = FALSE
        ORDER BY r.created_at DESC`, registrationDetailColumns)
	var registrations []models.RegistrationDetail
	if err := r.db.SelectContext(ctx, &registrations, query, studentID, semester, year); err != nil {
		return nil, fmt.Errorf("list term registrations: %w", err)
	}
	return registrations, nil
}

// ListCompletedByStudent returns a student's completed registrations with
// course info, newest first. Used for transcripts.
func (r *RegistrationRepository) ListCompletedByStudent(ctx context.Context, studentID string) ([]models.RegistrationDetail, error) {
	query := fmt.Sprintf(`SELECT %s FROM registrations r JOIN courses c ON c.id = r.course_id
        WHERE r.student_id = $1 AND r.is_completed = TRUE
        ORDER BY r.year DESC, r.semester DESC, c.code ASC`, registrationDetailColumns)
	var registrations []models.RegistrationDetail
	if err := r.db.SelectContext(ctx, &registrations, query, studentID); err != nil {
		return nil, fmt.Errorf("list completed registrations: %w", err)
	}
	return registrations, nil
}

// CompletedPassingCourseIDs returns the set of course ids the student has
// completed with a passing grade (A-D) across all history. F, Incomplete and
// Withdraw never satisfy a prerequisite.
func (r *RegistrationRepository) CompletedPassingCourseIDs(ctx context.Context, studentID string) (map[string]bool, error) {
	const query = `SELECT course_id FROM registrations
        WHERE student_id = $1 AND is_completed = TRUE AND grade = ANY($2)`
	passing := pq.StringArray{string(models.GradeA), string(models.GradeB), string(models.GradeC), string(models.GradeD)}
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, studentID, passing); err != nil {
		return nil, fmt.Errorf("list passing courses: %w", err)
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// Admit inserts the candidate registrations for one student and term as a
// single serialized transaction: the student row is locked, the duplicate
// and credit-hour checks run against locked state, and either every
// candidate is admitted or none are. Without the lock two concurrent admits
// could both observe a credit sum that fits and overshoot the cap together.
func (r *RegistrationRepository) Admit(ctx context.Context, studentID string, semester models.Semester, year int, candidates []AdmissionCandidate) ([]models.Registration, error) {
	if len(candidates) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "no courses to admit")
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin admission tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// Per-student serialization point. Admissions for other students never
	// contend on this lock.
	var lockedID string
	if err = tx.GetContext(ctx, &lockedID, `SELECT id FROM students WHERE id = $1 FOR UPDATE`, studentID); err != nil {
		if err == sql.ErrNoRows {
			err = appErrors.Clone(appErrors.ErrNotFound, "student not found")
			return nil, err
		}
		return nil, fmt.Errorf("lock student row: %w", err)
	}

	for _, candidate := range candidates {
		var exists int
		dupErr := tx.GetContext(ctx, &exists, `SELECT 1 FROM registrations
            WHERE student_id = $1 AND course_id = $2 AND semester = $3 AND year = $4 AND is_dropped = FALSE LIMIT 1`,
			studentID, candidate.CourseID, semester, year)
		if dupErr == nil {
			err = appErrors.WithDetails(appErrors.ErrDuplicateEnrollment,
				fmt.Sprintf("already registered for %s this term", candidate.CourseCode),
				map[string]interface{}{"course_code": candidate.CourseCode})
			return nil, err
		}
		if dupErr != sql.ErrNoRows {
			err = fmt.Errorf("check duplicate registration: %w", dupErr)
			return nil, err
		}
	}

	var current int
	if err = tx.GetContext(ctx, &current, `SELECT COALESCE(SUM(c.credit_hours), 0) FROM registrations r
        JOIN courses c ON c.id = r.course_id
        WHERE r.student_id = $1 AND r.semester = $2 AND r.year = $3 AND r.is_dropped = FALSE`,
		studentID, semester, year); err != nil {
		return nil, fmt.Errorf("sum term credit hours: %w", err)
	}

	attempted := 0
	for _, candidate := range candidates {
		attempted += candidate.CreditHours
	}
	if current+attempted > models.MaxTermCreditHours {
		err = appErrors.WithDetails(appErrors.ErrCreditLimitExceeded,
			fmt.Sprintf("cannot exceed %d credit hours per term", models.MaxTermCreditHours),
			map[string]interface{}{"current": current, "attempted": attempted, "limit": models.MaxTermCreditHours})
		return nil, err
	}

	now := time.Now().UTC()
	registrations := make([]models.Registration, 0, len(candidates))
	const insert = `INSERT INTO registrations (id, student_id, course_id, semester, year, payment_status, is_completed, is_dropped, created_at, updated_at)
        VALUES (:id, :student_id, :course_id, :semester, :year, :payment_status, :is_completed, :is_dropped, :created_at, :updated_at)`
	for _, candidate := range candidates {
		registration := models.Registration{
			ID:            uuid.NewString(),
			StudentID:     studentID,
			CourseID:      candidate.CourseID,
			Semester:      semester,
			Year:          year,
			PaymentStatus: models.PaymentStatusPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if _, err = tx.NamedExecContext(ctx, insert, registration); err != nil {
			err = fmt.Errorf("insert registration: %w", err)
			return nil, err
		}
		registrations = append(registrations, registration)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit admission tx: %w", err)
	}
	return registrations, nil
}

// Drop marks a registration dropped, refunding its payment status when the
// drop falls inside the refund window. Runs under a row lock so a concurrent
// second drop sees the final state and fails cleanly instead of refunding
// twice. The row is never deleted.
func (r *RegistrationRepository) Drop(ctx context.Context, id string, now time.Time) (*models.Registration, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin drop tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf(`SELECT %s FROM registrations WHERE id = $1 FOR UPDATE`, registrationColumns)
	var registration models.Registration
	if err = tx.GetContext(ctx, &registration, query, id); err != nil {
		if err == sql.ErrNoRows {
			err = appErrors.Clone(appErrors.ErrNotFound, "registration not found")
		}
		return nil, err
	}

	if registration.IsCompleted {
		err = appErrors.ErrCannotDropCompleted
		return nil, err
	}
	if registration.IsDropped {
		err = appErrors.Clone(appErrors.ErrInvalidState, "registration already dropped")
		return nil, err
	}

	registration.IsDropped = true
	droppedAt := now.UTC()
	registration.DroppedAt = &droppedAt
	registration.UpdatedAt = droppedAt

	refundEligible := now.Sub(registration.CreatedAt) <= models.RefundWindow
	if refundEligible && registration.PaymentStatus.CanTransitionTo(models.PaymentStatusRefunded) {
		registration.PaymentStatus = models.PaymentStatusRefunded
	}

	const update = `UPDATE registrations SET is_dropped = :is_dropped, dropped_at = :dropped_at,
        payment_status = :payment_status, updated_at = :updated_at WHERE id = :id`
	if _, err = tx.NamedExecContext(ctx, update, registration); err != nil {
		err = fmt.Errorf("drop registration: %w", err)
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit drop tx: %w", err)
	}
	return &registration, nil
}

// AssignGrade records a grade on a registration and recomputes the owning
// student's cumulative GPA from scratch inside the same transaction. The GPA
// column is a projection; recomputing it wholesale on every grading event
// keeps regrades from drifting it.
func (r *RegistrationRepository) AssignGrade(ctx context.Context, id string, grade models.Grade, now time.Time) (*models.Registration, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin grading tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf(`SELECT %s FROM registrations WHERE id = $1 FOR UPDATE`, registrationColumns)
	var registration models.Registration
	if err = tx.GetContext(ctx, &registration, query, id); err != nil {
		if err == sql.ErrNoRows {
			err = appErrors.Clone(appErrors.ErrNotFound, "registration not found")
		}
		return nil, err
	}

	if registration.IsDropped {
		err = appErrors.Clone(appErrors.ErrInvalidState, "cannot grade a dropped registration")
		return nil, err
	}

	registration.Grade = &grade
	if points, counts := grade.Points(); counts {
		p := points
		registration.GradePoints = &p
	} else {
		registration.GradePoints = nil
	}
	// Completed means the course attempt is finished, not that it passed.
	registration.IsCompleted = true
	registration.UpdatedAt = now.UTC()

	const update = `UPDATE registrations SET grade = :grade, grade_points = :grade_points,
        is_completed = :is_completed, updated_at = :updated_at WHERE id = :id`
	if _, err = tx.NamedExecContext(ctx, update, registration); err != nil {
		err = fmt.Errorf("assign grade: %w", err)
		return nil, err
	}

	if err = r.recomputeGPA(ctx, tx, registration.StudentID, now); err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit grading tx: %w", err)
	}
	return &registration, nil
}

// RebuildGPA recomputes and persists the GPA projection for a student
// outside of a grading event. Repair tooling uses this.
func (r *RegistrationRepository) RebuildGPA(ctx context.Context, studentID string, now time.Time) (float64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin gpa tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = r.recomputeGPA(ctx, tx, studentID, now); err != nil {
		return 0, err
	}

	var gpa float64
	if err = tx.GetContext(ctx, &gpa, `SELECT gpa FROM students WHERE id = $1`, studentID); err != nil {
		return 0, fmt.Errorf("read rebuilt gpa: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit gpa tx: %w", err)
	}
	return gpa, nil
}

func (r *RegistrationRepository) recomputeGPA(ctx context.Context, tx *sqlx.Tx, studentID string, now time.Time) error {
	// Withdrawals carry NULL grade_points and fall out of both sums.
	const aggregate = `SELECT COALESCE(SUM(r.grade_points * c.credit_hours), 0) AS quality_points,
        COALESCE(SUM(c.credit_hours), 0) AS credit_hours
        FROM registrations r JOIN courses c ON c.id = r.course_id
        WHERE r.student_id = $1 AND r.is_completed = TRUE AND r.grade_points IS NOT NULL`
	var row struct {
		QualityPoints float64 `db:"quality_points"`
		CreditHours   int     `db:"credit_hours"`
	}
	if err := tx.GetContext(ctx, &row, aggregate, studentID); err != nil {
		return fmt.Errorf("aggregate grade points: %w", err)
	}

	gpa := 0.0
	if row.CreditHours > 0 {
		gpa = math.Round(row.QualityPoints/float64(row.CreditHours)*100) / 100
	}

	if _, err := tx.ExecContext(ctx, `UPDATE students SET gpa = $2, updated_at = $3 WHERE id = $1`, studentID, gpa, now.UTC()); err != nil {
		return fmt.Errorf("persist gpa: %w", err)
	}
	return nil
}
