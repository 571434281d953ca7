// Command gpa_audit compares every student's stored GPA against a fresh
// recomputation from their registration history and reports drift. Exits
// non-zero when any projection disagrees with the ledger.
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/opencampus/registrar-api/pkg/config"
	"github.com/opencampus/registrar-api/pkg/database"
)

type auditRow struct {
	StudentID     string  `db:"student_id"`
	StudentNumber string  `db:"student_number"`
	StoredGPA     float64 `db:"stored_gpa"`
	QualityPoints float64 `db:"quality_points"`
	CreditHours   int     `db:"credit_hours"`
}

func main() {
	var fix bool
	flag.BoolVar(&fix, "fix", false, "rewrite drifted GPA projections")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer db.Close()

	drifted, err := audit(db, fix)
	if err != nil {
		log.Fatalf("audit failed: %v", err)
	}
	if drifted > 0 {
		fmt.Printf("GPA drift detected on %d student(s)\n", drifted)
		if !fix {
			os.Exit(1)
		}
		fmt.Println("projections rewritten")
		return
	}
	fmt.Println("all GPA projections consistent")
}

func audit(db *sqlx.DB, fix bool) (int, error) {
	const query = `SELECT s.id AS student_id, s.student_number, s.gpa AS stored_gpa,
        COALESCE(SUM(r.grade_points * c.credit_hours), 0) AS quality_points,
        COALESCE(SUM(c.credit_hours) FILTER (WHERE r.grade_points IS NOT NULL), 0) AS credit_hours
        FROM students s
        LEFT JOIN registrations r ON r.student_id = s.id AND r.is_completed = TRUE AND r.grade_points IS NOT NULL
        LEFT JOIN courses c ON c.id = r.course_id
        GROUP BY s.id, s.student_number, s.gpa
        ORDER BY s.student_number`

	var rows []auditRow
	if err := db.Select(&rows, query); err != nil {
		return 0, fmt.Errorf("load audit rows: %w", err)
	}

	drifted := 0
	for _, row := range rows {
		expected := 0.0
		if row.CreditHours > 0 {
			expected = math.Round(row.QualityPoints/float64(row.CreditHours)*100) / 100
		}
		if math.Abs(expected-row.StoredGPA) < 0.005 {
			continue
		}
		drifted++
		fmt.Printf("[DRIFT] %s stored=%.2f expected=%.2f (quality=%.1f credits=%d)\n",
			row.StudentNumber, row.StoredGPA, expected, row.QualityPoints, row.CreditHours)
		if fix {
			if _, err := db.Exec(`UPDATE students SET gpa = $2, updated_at = NOW() WHERE id = $1`,
				row.StudentID, expected); err != nil {
				return drifted, fmt.Errorf("rewrite gpa for %s: %w", row.StudentID, err)
			}
		}
	}
	return drifted, nil
}
