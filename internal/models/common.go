package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Pagination describes the slice of a listing returned to clients.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}

// Role distinguishes student callers from administrative ones.
type Role string

const (
	RoleStudent Role = "STUDENT"
	RoleAdmin   Role = "ADMIN"
)

// JWTClaims is the token payload the surrounding system issues. The engine
// never authenticates; it only reads the already-verified identity.
type JWTClaims struct {
	SubjectID string `json:"subject_id"`
	StudentID string `json:"student_id,omitempty"`
	Role      Role   `json:"role"`
	jwt.RegisteredClaims
}

// SystemMetrics is a lightweight in-process snapshot served next to the
// Prometheus endpoint.
type SystemMetrics struct {
	CacheHitRatio            float64   `json:"cache_hit_ratio"`
	CacheHits                uint64    `json:"cache_hits"`
	CacheMisses              uint64    `json:"cache_misses"`
	RequestsTotal            uint64    `json:"requests_total"`
	AverageRequestDurationMs float64   `json:"average_request_duration_ms"`
	AdmissionsTotal          uint64    `json:"admissions_total"`
	SettlementsTotal         uint64    `json:"settlements_total"`
	DropsTotal               uint64    `json:"drops_total"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generated_at"`
}
