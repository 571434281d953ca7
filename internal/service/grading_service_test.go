package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencampus/registrar-api/internal/models"
	appErrors "github.com/opencampus/registrar-api/pkg/errors"
)

type fakeGradeLedger struct {
	assigned  map[string]models.Grade
	rebuilt   float64
	completed []models.RegistrationDetail
}

func (f *fakeGradeLedger) AssignGrade(ctx context.Context, id string, grade models.Grade, now time.Time) (*models.Registration, error) {
	if f.assigned == nil {
		f.assigned = make(map[string]models.Grade)
	}
	f.assigned[id] = grade
	points, counts := grade.Points()
	registration := &models.Registration{ID: id, StudentID: "stu-1", Grade: &grade, IsCompleted: true}
	if counts {
		registration.GradePoints = &points
	}
	return registration, nil
}

func (f *fakeGradeLedger) RebuildGPA(ctx context.Context, studentID string, now time.Time) (float64, error) {
	return f.rebuilt, nil
}

func (f *fakeGradeLedger) ListCompletedByStudent(ctx context.Context, studentID string) ([]models.RegistrationDetail, error) {
	return f.completed, nil
}

func gradedDetail(code string, hours int, grade models.Grade) models.RegistrationDetail {
	detail := models.RegistrationDetail{
		Registration: models.Registration{
			StudentID: "stu-1", Semester: models.SemesterWinter, Year: 2025,
			Grade: &grade, IsCompleted: true,
		},
		CourseCode: code, CourseName: code, CreditHours: hours,
	}
	if points, counts := grade.Points(); counts {
		detail.GradePoints = &points
	}
	return detail
}

func TestGradingServiceAssignGrade(t *testing.T) {
	ledger := &fakeGradeLedger{}
	svc := NewGradingService(ledger, &fakeStudents{}, nil, nil)

	registration, err := svc.AssignGrade(context.Background(), "reg-1", AssignGradeRequest{Grade: models.GradeB})
	require.NoError(t, err)
	assert.True(t, registration.IsCompleted)
	assert.Equal(t, models.GradeB, ledger.assigned["reg-1"])
	require.NotNil(t, registration.GradePoints)
	assert.Equal(t, 3.0, *registration.GradePoints)
}

func TestGradingServiceAssignGradeRejectsWithdraw(t *testing.T) {
	ledger := &fakeGradeLedger{}
	svc := NewGradingService(ledger, &fakeStudents{}, nil, nil)

	_, err := svc.AssignGrade(context.Background(), "reg-1", AssignGradeRequest{Grade: models.GradeWithdraw})
	require.Error(t, err)
	require.True(t, appErrors.HasCode(err, appErrors.ErrValidation))
	assert.Empty(t, ledger.assigned)
}

func TestGradingServiceAssignGradeRejectsUnknownLetter(t *testing.T) {
	svc := NewGradingService(&fakeGradeLedger{}, &fakeStudents{}, nil, nil)

	_, err := svc.AssignGrade(context.Background(), "reg-1", AssignGradeRequest{Grade: "E"})
	require.Error(t, err)
	require.True(t, appErrors.HasCode(err, appErrors.ErrValidation))
}

func TestGradingServiceTranscript(t *testing.T) {
	ledger := &fakeGradeLedger{completed: []models.RegistrationDetail{
		gradedDetail("CS101", 3, models.GradeA),
		gradedDetail("MA101", 4, models.GradeB),
		gradedDetail("PH101", 3, models.GradeWithdraw),
	}}
	student := activeStudent("stu-1")
	student.GPA = 3.43
	students := &fakeStudents{students: map[string]*models.Student{"stu-1": student}}
	svc := NewGradingService(ledger, students, nil, nil)

	transcript, err := svc.Transcript(context.Background(), "stu-1")
	require.NoError(t, err)
	assert.Len(t, transcript.Entries, 3)
	assert.Equal(t, 3.43, transcript.GPA)
	// Withdrawal counts toward attempted hours but never toward the GPA sums.
	assert.Equal(t, 10, transcript.TotalCreditHours)
	assert.Equal(t, 7, transcript.GPACreditHours)
	assert.Equal(t, 24.0, transcript.QualityPoints)
	assert.Nil(t, transcript.Entries[2].GradePoints)
}

func TestGradingServiceTranscriptUnknownStudent(t *testing.T) {
	svc := NewGradingService(&fakeGradeLedger{}, &fakeStudents{}, nil, nil)

	_, err := svc.Transcript(context.Background(), "stu-9")
	require.Error(t, err)
	require.True(t, appErrors.HasCode(err, appErrors.ErrNotFound))
}

func TestGradingServiceExportTranscriptCSV(t *testing.T) {
	ledger := &fakeGradeLedger{completed: []models.RegistrationDetail{
		gradedDetail("CS101", 3, models.GradeA),
	}}
	student := activeStudent("stu-1")
	student.GPA = 4.0
	students := &fakeStudents{students: map[string]*models.Student{"stu-1": student}}
	svc := NewGradingService(ledger, students, nil, nil)

	payload, contentType, err := svc.ExportTranscript(context.Background(), "stu-1", models.ExportFormatCSV)
	require.NoError(t, err)
	assert.Equal(t, "text/csv", contentType)
	body := string(payload)
	assert.True(t, strings.HasPrefix(body, "Course Code,"))
	assert.Contains(t, body, "CS101")
	assert.Contains(t, body, "Cumulative GPA: 4.00")
}

func TestGradingServiceExportTranscriptUnsupportedFormat(t *testing.T) {
	student := activeStudent("stu-1")
	students := &fakeStudents{students: map[string]*models.Student{"stu-1": student}}
	svc := NewGradingService(&fakeGradeLedger{}, students, nil, nil)

	_, _, err := svc.ExportTranscript(context.Background(), "stu-1", models.ExportFormat("xlsx"))
	require.Error(t, err)
	require.True(t, appErrors.HasCode(err, appErrors.ErrValidation))
}

func TestGradingServiceRebuildGPA(t *testing.T) {
	ledger := &fakeGradeLedger{rebuilt: 3.25}
	student := activeStudent("stu-1")
	students := &fakeStudents{students: map[string]*models.Student{"stu-1": student}}
	svc := NewGradingService(ledger, students, nil, nil)

	gpa, err := svc.RebuildGPA(context.Background(), "stu-1")
	require.NoError(t, err)
	assert.Equal(t, 3.25, gpa)
}
