package models

import "time"

// MaxTermCreditHours is the system-wide ceiling on the sum of credit hours a
// student may carry in one (semester, year) term across non-dropped
// registrations.
const MaxTermCreditHours = 18

// RefundWindow is how long after admission a drop still refunds tuition.
const RefundWindow = 7 * 24 * time.Hour

// PaymentStatus is the payment lifecycle of a single registration.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusPaid      PaymentStatus = "paid"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusCancelled PaymentStatus = "cancelled"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// CanTransitionTo enforces the registration payment state machine:
// pending -> {paid, failed}; paid -> refunded; failed -> pending (retry via a
// fresh payment batch). Everything else is invalid.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	switch s {
	case PaymentStatusPending:
		return next == PaymentStatusPaid || next == PaymentStatusFailed
	case PaymentStatusPaid:
		return next == PaymentStatusRefunded
	case PaymentStatusFailed:
		return next == PaymentStatusPending
	case PaymentStatusCancelled, PaymentStatusRefunded:
		return false
	}
	return false
}

// Grade is the letter grade recorded on a completed registration.
type Grade string

const (
	GradeA          Grade = "A"
	GradeB          Grade = "B"
	GradeC          Grade = "C"
	GradeD          Grade = "D"
	GradeF          Grade = "F"
	GradeIncomplete Grade = "I"
	GradeWithdraw   Grade = "W"
)

// Valid reports whether the grade is a known letter.
func (g Grade) Valid() bool {
	switch g {
	case GradeA, GradeB, GradeC, GradeD, GradeF, GradeIncomplete, GradeWithdraw:
		return true
	}
	return false
}

// Points returns the grade point value and whether the grade counts toward
// GPA. Withdrawals carry no points; Incomplete counts as 0.0.
func (g Grade) Points() (float64, bool) {
	switch g {
	case GradeA:
		return 4.0, true
	case GradeB:
		return 3.0, true
	case GradeC:
		return 2.0, true
	case GradeD:
		return 1.0, true
	case GradeF, GradeIncomplete:
		return 0.0, true
	case GradeWithdraw:
		return 0, false
	}
	return 0, false
}

// Passing reports whether the grade satisfies a prerequisite. F, Incomplete
// and Withdraw never do.
func (g Grade) Passing() bool {
	switch g {
	case GradeA, GradeB, GradeC, GradeD:
		return true
	}
	return false
}

// Registration is one student/course attempt within a term. At most one
// non-dropped row may exist per (student, course, semester, year); dropped
// rows stay behind for audit and a re-enrollment creates a new row.
type Registration struct {
	ID            string        `db:"id" json:"id"`
	StudentID     string        `db:"student_id" json:"student_id"`
	CourseID      string        `db:"course_id" json:"course_id"`
	Semester      Semester      `db:"semester" json:"semester"`
	Year          int           `db:"year" json:"year"`
	PaymentStatus PaymentStatus `db:"payment_status" json:"payment_status"`
	Grade         *Grade        `db:"grade" json:"grade,omitempty"`
	GradePoints   *float64      `db:"grade_points" json:"grade_points,omitempty"`
	IsCompleted   bool          `db:"is_completed" json:"is_completed"`
	IsDropped     bool          `db:"is_dropped" json:"is_dropped"`
	DroppedAt     *time.Time    `db:"dropped_at" json:"dropped_at,omitempty"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updated_at"`
}

// RegistrationDetail enriches Registration with course info for listings.
type RegistrationDetail struct {
	Registration
	CourseCode         string  `db:"course_code" json:"course_code"`
	CourseName         string  `db:"course_name" json:"course_name"`
	CreditHours        int     `db:"credit_hours" json:"credit_hours"`
	PricePerCreditHour float64 `db:"price_per_credit_hour" json:"price_per_credit_hour"`
}

// TotalCost is the tuition charge for this registration.
func (d RegistrationDetail) TotalCost() float64 {
	return float64(d.CreditHours) * d.PricePerCreditHour
}

// RegistrationFilter provides filters for registration listings.
type RegistrationFilter struct {
	StudentID string
	CourseID  string
	Semester  Semester
	Year      int
	Dropped   *bool
	Page      int
	PageSize  int
}

// RegistrationSummary aggregates a student's term registrations.
type RegistrationSummary struct {
	Registrations       []RegistrationDetail  `json:"registrations"`
	TotalCourses        int                   `json:"total_courses"`
	TotalCreditHours    int                   `json:"total_credit_hours"`
	TotalCost           float64               `json:"total_cost"`
	PaymentStatusCounts map[PaymentStatus]int `json:"payment_status_counts"`
}
