package models

import (
	"time"

	"github.com/lib/pq"
)

// Credit hour bounds enforced at catalog write time.
const (
	MinCreditHours = 1
	MaxCreditHours = 6
)

// Semester identifies which half of the academic year a course runs in.
type Semester string

const (
	SemesterSummer Semester = "summer"
	SemesterWinter Semester = "winter"
)

// Valid reports whether the semester is a known value.
func (s Semester) Valid() bool {
	switch s {
	case SemesterSummer, SemesterWinter:
		return true
	}
	return false
}

// Course is catalog metadata. Once referenced by a registration a course is
// only ever deactivated, never mutated in a way that changes its cost.
type Course struct {
	ID                 string         `db:"id" json:"id"`
	Code               string         `db:"code" json:"code"`
	Name               string         `db:"name" json:"name"`
	Description        string         `db:"description" json:"description,omitempty"`
	CreditHours        int            `db:"credit_hours" json:"credit_hours"`
	PricePerCreditHour float64        `db:"price_per_credit_hour" json:"price_per_credit_hour"`
	Semester           Semester       `db:"semester" json:"semester"`
	IsActive           bool           `db:"is_active" json:"is_active"`
	PrerequisiteIDs    pq.StringArray `db:"prerequisite_ids" json:"prerequisite_ids"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at" json:"updated_at"`
}

// TotalCost is the tuition charge for one registration of this course.
func (c Course) TotalCost() float64 {
	return float64(c.CreditHours) * c.PricePerCreditHour
}

// CourseFilter provides filters for catalog listings.
type CourseFilter struct {
	Search      string
	Semester    Semester
	CreditHours int
	Page        int
	PageSize    int
	SortBy      string
	SortOrder   string
}

// CourseStatistics aggregates registration counts for a course.
type CourseStatistics struct {
	CourseID               string `json:"course_id"`
	TotalRegistrations     int    `json:"total_registrations"`
	ActiveRegistrations    int    `json:"active_registrations"`
	CompletedRegistrations int    `json:"completed_registrations"`
}
