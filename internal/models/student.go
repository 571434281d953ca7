package models

import "time"

// Student is the aggregate the GPA projection is persisted on. The stored
// GPA is always recomputable from registration history alone.
type Student struct {
	ID            string    `db:"id" json:"id"`
	StudentNumber string    `db:"student_number" json:"student_number"`
	FullName      string    `db:"full_name" json:"full_name"`
	Email         string    `db:"email" json:"email"`
	GPA           float64   `db:"gpa" json:"gpa"`
	IsActive      bool      `db:"is_active" json:"is_active"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// TranscriptEntry is one completed registration on a transcript.
type TranscriptEntry struct {
	CourseCode  string   `json:"course_code"`
	CourseName  string   `json:"course_name"`
	CreditHours int      `json:"credit_hours"`
	Semester    Semester `json:"semester"`
	Year        int      `json:"year"`
	Grade       Grade    `json:"grade"`
	GradePoints *float64 `json:"grade_points,omitempty"`
}

// Transcript is a student's full graded history plus the GPA projection.
type Transcript struct {
	Student          Student           `json:"student"`
	Entries          []TranscriptEntry `json:"entries"`
	GPA              float64           `json:"gpa"`
	QualityPoints    float64           `json:"quality_points"`
	GPACreditHours   int               `json:"gpa_credit_hours"`
	TotalCreditHours int               `json:"total_credit_hours"`
}
