package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/opencampus/registrar-api/internal/models"
	appErrors "github.com/opencampus/registrar-api/pkg/errors"
)

func newRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func registrationRows(registration models.Registration) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "student_id", "course_id", "semester", "year", "payment_status",
		"grade", "grade_points", "is_completed", "is_dropped", "dropped_at", "created_at", "updated_at",
	}).AddRow(
		registration.ID, registration.StudentID, registration.CourseID,
		registration.Semester, registration.Year, registration.PaymentStatus,
		registration.Grade, registration.GradePoints, registration.IsCompleted,
		registration.IsDropped, registration.DroppedAt, registration.CreatedAt, registration.UpdatedAt,
	)
}

func TestRegistrationRepositoryAdmit(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM students WHERE id = $1 FOR UPDATE`)).
		WithArgs("stu-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("stu-1"))
	mock.ExpectQuery(`SELECT 1 FROM registrations`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(c\.credit_hours\), 0\) FROM registrations r`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(9))
	mock.ExpectExec(`INSERT INTO registrations`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	candidates := []AdmissionCandidate{{CourseID: "crs-1", CourseCode: "CS101", CreditHours: 3}}
	registrations, err := repo.Admit(context.Background(), "stu-1", models.SemesterWinter, 2026, candidates)
	require.NoError(t, err)
	require.Len(t, registrations, 1)
	require.Equal(t, models.PaymentStatusPending, registrations[0].PaymentStatus)
	require.False(t, registrations[0].IsCompleted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistrationRepositoryAdmitDuplicate(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM students WHERE id = $1 FOR UPDATE`)).
		WithArgs("stu-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("stu-1"))
	mock.ExpectQuery(`SELECT 1 FROM registrations`).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectRollback()

	candidates := []AdmissionCandidate{{CourseID: "crs-1", CourseCode: "CS101", CreditHours: 3}}
	_, err := repo.Admit(context.Background(), "stu-1", models.SemesterWinter, 2026, candidates)
	require.Error(t, err)
	require.True(t, appErrors.HasCode(err, appErrors.ErrDuplicateEnrollment))
	require.Equal(t, "CS101", appErrors.FromError(err).Details["course_code"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistrationRepositoryAdmitCreditLimit(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM students WHERE id = $1 FOR UPDATE`)).
		WithArgs("stu-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("stu-1"))
	mock.ExpectQuery(`SELECT 1 FROM registrations`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(c\.credit_hours\), 0\) FROM registrations r`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(16))
	mock.ExpectRollback()

	candidates := []AdmissionCandidate{{CourseID: "crs-1", CourseCode: "CS401", CreditHours: 4}}
	_, err := repo.Admit(context.Background(), "stu-1", models.SemesterWinter, 2026, candidates)
	require.Error(t, err)
	require.True(t, appErrors.HasCode(err, appErrors.ErrCreditLimitExceeded))
	details := appErrors.FromError(err).Details
	require.Equal(t, 16, details["current"])
	require.Equal(t, 4, details["attempted"])
	require.Equal(t, models.MaxTermCreditHours, details["limit"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistrationRepositoryDropInsideRefundWindow(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	now := time.Now().UTC()
	existing := models.Registration{
		ID: "reg-1", StudentID: "stu-1", CourseID: "crs-1",
		Semester: models.SemesterWinter, Year: 2026,
		PaymentStatus: models.PaymentStatusPaid,
		CreatedAt:     now.Add(-2 * 24 * time.Hour),
		UpdatedAt:     now.Add(-2 * 24 * time.Hour),
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM registrations WHERE id = \$1 FOR UPDATE`).
		WithArgs("reg-1").
		WillReturnRows(registrationRows(existing))
	mock.ExpectExec(`UPDATE registrations SET is_dropped`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	dropped, err := repo.Drop(context.Background(), "reg-1", now)
	require.NoError(t, err)
	require.True(t, dropped.IsDropped)
	require.NotNil(t, dropped.DroppedAt)
	require.Equal(t, models.PaymentStatusRefunded, dropped.PaymentStatus)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistrationRepositoryDropOutsideRefundWindow(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	now := time.Now().UTC()
	existing := models.Registration{
		ID: "reg-1", StudentID: "stu-1", CourseID: "crs-1",
		Semester: models.SemesterWinter, Year: 2026,
		PaymentStatus: models.PaymentStatusPaid,
		CreatedAt:     now.Add(-8 * 24 * time.Hour),
		UpdatedAt:     now.Add(-8 * 24 * time.Hour),
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM registrations WHERE id = \$1 FOR UPDATE`).
		WithArgs("reg-1").
		WillReturnRows(registrationRows(existing))
	mock.ExpectExec(`UPDATE registrations SET is_dropped`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	dropped, err := repo.Drop(context.Background(), "reg-1", now)
	require.NoError(t, err)
	require.True(t, dropped.IsDropped)
	require.Equal(t, models.PaymentStatusPaid, dropped.PaymentStatus)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistrationRepositoryDropAlreadyDropped(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	now := time.Now().UTC()
	droppedAt := now.Add(-time.Hour)
	existing := models.Registration{
		ID: "reg-1", StudentID: "stu-1", CourseID: "crs-1",
		Semester: models.SemesterWinter, Year: 2026,
		PaymentStatus: models.PaymentStatusRefunded,
		IsDropped:     true, DroppedAt: &droppedAt,
		CreatedAt: now.Add(-2 * 24 * time.Hour),
		UpdatedAt: droppedAt,
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM registrations WHERE id = \$1 FOR UPDATE`).
		WithArgs("reg-1").
		WillReturnRows(registrationRows(existing))
	mock.ExpectRollback()

	_, err := repo.Drop(context.Background(), "reg-1", now)
	require.Error(t, err)
	require.True(t, appErrors.HasCode(err, appErrors.ErrInvalidState))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistrationRepositoryDropCompleted(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	now := time.Now().UTC()
	grade := models.GradeA
	points := 4.0
	existing := models.Registration{
		ID: "reg-1", StudentID: "stu-1", CourseID: "crs-1",
		Semester: models.SemesterWinter, Year: 2026,
		PaymentStatus: models.PaymentStatusPaid,
		Grade:         &grade, GradePoints: &points, IsCompleted: true,
		CreatedAt: now.Add(-30 * 24 * time.Hour),
		UpdatedAt: now.Add(-time.Hour),
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM registrations WHERE id = \$1 FOR UPDATE`).
		WithArgs("reg-1").
		WillReturnRows(registrationRows(existing))
	mock.ExpectRollback()

	_, err := repo.Drop(context.Background(), "reg-1", now)
	require.Error(t, err)
	require.True(t, appErrors.HasCode(err, appErrors.ErrCannotDropCompleted))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistrationRepositoryAssignGradeRecomputesGPA(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	now := time.Now().UTC()
	existing := models.Registration{
		ID: "reg-1", StudentID: "stu-1", CourseID: "crs-1",
		Semester: models.SemesterWinter, Year: 2026,
		PaymentStatus: models.PaymentStatusPaid,
		CreatedAt:     now.Add(-60 * 24 * time.Hour),
		UpdatedAt:     now.Add(-time.Hour),
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM registrations WHERE id = \$1 FOR UPDATE`).
		WithArgs("reg-1").
		WillReturnRows(registrationRows(existing))
	mock.ExpectExec(`UPDATE registrations SET grade`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// (4*3 + 3*4 + 0*3) / 10 = 2.4
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(r\.grade_points \* c\.credit_hours\), 0\)`).
		WithArgs("stu-1").
		WillReturnRows(sqlmock.NewRows([]string{"quality_points", "credit_hours"}).AddRow(24.0, 10))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE students SET gpa = $2, updated_at = $3 WHERE id = $1`)).
		WithArgs("stu-1", 2.4, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	graded, err := repo.AssignGrade(context.Background(), "reg-1", models.GradeB, now)
	require.NoError(t, err)
	require.True(t, graded.IsCompleted)
	require.Equal(t, models.GradeB, *graded.Grade)
	require.Equal(t, 3.0, *graded.GradePoints)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistrationRepositoryAssignGradeWithdrawClearsPoints(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	now := time.Now().UTC()
	existing := models.Registration{
		ID: "reg-1", StudentID: "stu-1", CourseID: "crs-1",
		Semester: models.SemesterWinter, Year: 2026,
		PaymentStatus: models.PaymentStatusRefunded,
		CreatedAt:     now.Add(-10 * 24 * time.Hour),
		UpdatedAt:     now.Add(-time.Hour),
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM registrations WHERE id = \$1 FOR UPDATE`).
		WithArgs("reg-1").
		WillReturnRows(registrationRows(existing))
	mock.ExpectExec(`UPDATE registrations SET grade`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(r\.grade_points \* c\.credit_hours\), 0\)`).
		WithArgs("stu-1").
		WillReturnRows(sqlmock.NewRows([]string{"quality_points", "credit_hours"}).AddRow(0.0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE students SET gpa = $2, updated_at = $3 WHERE id = $1`)).
		WithArgs("stu-1", 0.0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	graded, err := repo.AssignGrade(context.Background(), "reg-1", models.GradeWithdraw, now)
	require.NoError(t, err)
	require.Nil(t, graded.GradePoints)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistrationRepositoryAssignGradeDropped(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	now := time.Now().UTC()
	droppedAt := now.Add(-time.Hour)
	existing := models.Registration{
		ID: "reg-1", StudentID: "stu-1", CourseID: "crs-1",
		Semester: models.SemesterWinter, Year: 2026,
		PaymentStatus: models.PaymentStatusRefunded,
		IsDropped:     true, DroppedAt: &droppedAt,
		CreatedAt: now.Add(-10 * 24 * time.Hour),
		UpdatedAt: droppedAt,
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM registrations WHERE id = \$1 FOR UPDATE`).
		WithArgs("reg-1").
		WillReturnRows(registrationRows(existing))
	mock.ExpectRollback()

	_, err := repo.AssignGrade(context.Background(), "reg-1", models.GradeA, now)
	require.Error(t, err)
	require.True(t, appErrors.HasCode(err, appErrors.ErrInvalidState))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistrationRepositoryCompletedPassingCourseIDs(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	mock.ExpectQuery(`SELECT course_id FROM registrations`).
		WithArgs("stu-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"course_id"}).AddRow("crs-1").AddRow("crs-2"))

	passing, err := repo.CompletedPassingCourseIDs(context.Background(), "stu-1")
	require.NoError(t, err)
	require.True(t, passing["crs-1"])
	require.True(t, passing["crs-2"])
	require.False(t, passing["crs-9"])
	require.NoError(t, mock.ExpectationsWereMet())
}
