package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/opencampus/registrar-api/internal/models"
	appErrors "github.com/opencampus/registrar-api/pkg/errors"
)

const paymentColumns = `id, student_id, amount, type, method, status, transaction_id, description, failure_reason, original_payment_id, processed_at, created_at, updated_at`

// PaymentRepository persists payment batches and keeps them status-consistent
// with the registrations they pay for: settlement and refund run as single
// transactions serialized on the payment row.
type PaymentRepository struct {
	db *sqlx.DB
}

// NewPaymentRepository constructs the repository.
func NewPaymentRepository(db *sqlx.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// FindByID returns a payment with its referenced registration ids.
func (r *PaymentRepository) FindByID(ctx context.Context, id string) (*models.Payment, error) {
	query := fmt.Sprintf(`SELECT %s FROM payments WHERE id = $1`, paymentColumns)
	var payment models.Payment
	if err := r.db.GetContext(ctx, &payment, query, id); err != nil {
		return nil, err
	}
	ids, err := r.registrationIDs(ctx, r.db, id)
	if err != nil {
		return nil, err
	}
	payment.RegistrationIDs = ids
	return &payment, nil
}

// ListByStudent returns a student's payments, newest first.
func (r *PaymentRepository) ListByStudent(ctx context.Context, studentID string) ([]models.Payment, error) {
	query := fmt.Sprintf(`SELECT %s FROM payments WHERE student_id = $1 ORDER BY created_at DESC`, paymentColumns)
	var payments []models.Payment
	if err := r.db.SelectContext(ctx, &payments, query, studentID); err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return payments, nil
}

// CreateBatch inserts a pending payment and its registration references as
// one transaction.
func (r *PaymentRepository) CreateBatch(ctx context.Context, payment *models.Payment) error {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	payment.CreatedAt = now
	payment.UpdatedAt = now

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin payment tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const insert = `INSERT INTO payments (id, student_id, amount, type, method, status, transaction_id, description, failure_reason, original_payment_id, processed_at, created_at, updated_at)
        VALUES (:id, :student_id, :amount, :type, :method, :status, :transaction_id, :description, :failure_reason, :original_payment_id, :processed_at, :created_at, :updated_at)`
	if _, err = tx.NamedExecContext(ctx, insert, payment); err != nil {
		err = fmt.Errorf("create payment: %w", err)
		return err
	}

	if err = r.insertItems(ctx, tx, payment.ID, payment.RegistrationIDs); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit payment tx: %w", err)
	}
	return nil
}

// Settle resolves a pending payment. On success the payment completes and
// every referenced registration flips to paid in the same transaction; a
// partial flip would break payment/registration consistency, so a mismatch
// rolls the whole settlement back. On failure the registrations stay pending
// so a retry with a fresh batch remains possible.
func (r *PaymentRepository) Settle(ctx context.Context, id string, success bool, transactionID, failureReason string, now time.Time) (*models.Payment, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin settle tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	payment, err := r.lockPayment(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.BatchStatusPending {
		err = appErrors.Clone(appErrors.ErrInvalidState, "payment is not in pending status")
		return nil, err
	}

	registrationIDs, err := r.registrationIDs(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	stamp := now.UTC()
	payment.UpdatedAt = stamp
	if success {
		payment.Status = models.BatchStatusCompleted
		payment.TransactionID = &transactionID
		payment.ProcessedAt = &stamp
		// A registration dropped after the batch opened must not become
		// paid; excluding dropped rows makes the flip come up short and
		// roll the settlement back.
		if err = r.flipRegistrations(ctx, tx, registrationIDs, models.PaymentStatusPending, models.PaymentStatusPaid, stamp, true); err != nil {
			return nil, err
		}
	} else {
		payment.Status = models.BatchStatusFailed
		if failureReason == "" {
			failureReason = "payment processing failed"
		}
		payment.FailureReason = &failureReason
	}

	const update = `UPDATE payments SET status = :status, transaction_id = :transaction_id,
        failure_reason = :failure_reason, processed_at = :processed_at, updated_at = :updated_at WHERE id = :id`
	if _, err = tx.NamedExecContext(ctx, update, payment); err != nil {
		err = fmt.Errorf("settle payment: %w", err)
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit settle tx: %w", err)
	}
	payment.RegistrationIDs = registrationIDs
	return payment, nil
}

// Refund reverses a completed payment: a compensating refund row with a
// negative amount is inserted, the original flips to refunded and every
// referenced registration moves paid -> refunded, all atomically.
func (r *PaymentRepository) Refund(ctx context.Context, id, reason, transactionID string, now time.Time) (*models.Payment, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin refund tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	payment, err := r.lockPayment(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.BatchStatusCompleted {
		err = appErrors.Clone(appErrors.ErrInvalidState, "can only refund completed payments")
		return nil, err
	}

	registrationIDs, err := r.registrationIDs(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	stamp := now.UTC()
	refund := models.Payment{
		ID:                uuid.NewString(),
		StudentID:         payment.StudentID,
		Amount:            -payment.Amount,
		Type:              models.PaymentTypeRefund,
		Method:            payment.Method,
		Status:            models.BatchStatusCompleted,
		TransactionID:     &transactionID,
		Description:       fmt.Sprintf("Refund for payment %s: %s", payment.ID, reason),
		OriginalPaymentID: &payment.ID,
		ProcessedAt:       &stamp,
		CreatedAt:         stamp,
		UpdatedAt:         stamp,
	}
	const insert = `INSERT INTO payments (id, student_id, amount, type, method, status, transaction_id, description, failure_reason, original_payment_id, processed_at, created_at, updated_at)
        VALUES (:id, :student_id, :amount, :type, :method, :status, :transaction_id, :description, :failure_reason, :original_payment_id, :processed_at, :created_at, :updated_at)`
	if _, err = tx.NamedExecContext(ctx, insert, refund); err != nil {
		err = fmt.Errorf("create refund: %w", err)
		return nil, err
	}
	if err = r.insertItems(ctx, tx, refund.ID, registrationIDs); err != nil {
		return nil, err
	}

	if _, err = tx.ExecContext(ctx, `UPDATE payments SET status = $2, updated_at = $3 WHERE id = $1`,
		payment.ID, models.BatchStatusRefunded, stamp); err != nil {
		err = fmt.Errorf("mark payment refunded: %w", err)
		return nil, err
	}

	// Refunds flip dropped rows too; a registration dropped outside the
	// window keeps its money path open through an explicit refund.
	if err = r.flipRegistrations(ctx, tx, registrationIDs, models.PaymentStatusPaid, models.PaymentStatusRefunded, stamp, false); err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit refund tx: %w", err)
	}
	refund.RegistrationIDs = registrationIDs
	return &refund, nil
}

// History aggregates a student's payments.
func (r *PaymentRepository) History(ctx context.Context, studentID string) (*models.PaymentHistory, error) {
	payments, err := r.ListByStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}
	history := &models.PaymentHistory{Payments: payments, TotalPayments: len(payments)}
	for _, payment := range payments {
		switch payment.Status {
		case models.BatchStatusCompleted:
			history.TotalPaid += payment.Amount
		case models.BatchStatusPending:
			history.TotalPending += payment.Amount
		case models.BatchStatusFailed:
			history.TotalFailed++
		}
	}
	return history, nil
}

// Statistics aggregates platform-wide payment outcomes.
func (r *PaymentRepository) Statistics(ctx context.Context) (*models.PaymentStatistics, error) {
	const query = `SELECT
        COUNT(*) AS total,
        COUNT(*) FILTER (WHERE status = 'completed') AS completed,
        COUNT(*) FILTER (WHERE status = 'pending') AS pending,
        COUNT(*) FILTER (WHERE status = 'failed') AS failed,
        COALESCE(SUM(amount) FILTER (WHERE status = 'completed' AND type = 'tuition'), 0) AS revenue
        FROM payments`
	var row struct {
		Total     int     `db:"total"`
		Completed int     `db:"completed"`
		Pending   int     `db:"pending"`
		Failed    int     `db:"failed"`
		Revenue   float64 `db:"revenue"`
	}
	if err := r.db.GetContext(ctx, &row, query); err != nil {
		return nil, fmt.Errorf("payment statistics: %w", err)
	}
	stats := &models.PaymentStatistics{
		TotalPayments:     row.Total,
		CompletedPayments: row.Completed,
		PendingPayments:   row.Pending,
		FailedPayments:    row.Failed,
		TotalRevenue:      row.Revenue,
	}
	if row.Total > 0 {
		stats.SuccessRate = float64(row.Completed) / float64(row.Total) * 100
	}
	return stats, nil
}

func (r *PaymentRepository) lockPayment(ctx context.Context, tx *sqlx.Tx, id string) (*models.Payment, error) {
	query := fmt.Sprintf(`SELECT %s FROM payments WHERE id = $1 FOR UPDATE`, paymentColumns)
	var payment models.Payment
	if err := tx.GetContext(ctx, &payment, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "payment not found")
		}
		return nil, fmt.Errorf("lock payment: %w", err)
	}
	return &payment, nil
}

type queryer interface {
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

func (r *PaymentRepository) registrationIDs(ctx context.Context, q queryer, paymentID string) ([]string, error) {
	var ids []string
	if err := q.SelectContext(ctx, &ids, `SELECT registration_id FROM payment_items WHERE payment_id = $1 ORDER BY registration_id`, paymentID); err != nil {
		return nil, fmt.Errorf("list payment items: %w", err)
	}
	return ids, nil
}

func (r *PaymentRepository) insertItems(ctx context.Context, tx *sqlx.Tx, paymentID string, registrationIDs []string) error {
	if len(registrationIDs) == 0 {
		return nil
	}
	values := make([]string, len(registrationIDs))
	args := make([]interface{}, 0, len(registrationIDs)+1)
	args = append(args, paymentID)
	for i, registrationID := range registrationIDs {
		values[i] = fmt.Sprintf("($1, $%d)", i+2)
		args = append(args, registrationID)
	}
	query := fmt.Sprintf("INSERT INTO payment_items (payment_id, registration_id) VALUES %s", strings.Join(values, ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert payment items: %w", err)
	}
	return nil
}

// flipRegistrations transitions every referenced registration from one
// payment status to another and fails the transaction when any row is not in
// the expected source state. With activeOnly set, dropped registrations no
// longer count as flippable, so a batch covering one fails the same way.
func (r *PaymentRepository) flipRegistrations(ctx context.Context, tx *sqlx.Tx, registrationIDs []string, from, to models.PaymentStatus, now time.Time, activeOnly bool) error {
	if len(registrationIDs) == 0 {
		return nil
	}
	if !from.CanTransitionTo(to) {
		return appErrors.Clone(appErrors.ErrInvalidState,
			fmt.Sprintf("registration payment status cannot move from %s to %s", from, to))
	}
	query := `UPDATE registrations SET payment_status = $1, updated_at = $2
        WHERE id = ANY($3) AND payment_status = $4`
	if activeOnly {
		query += ` AND is_dropped = FALSE`
	}
	result, err := tx.ExecContext(ctx, query, to, now, pq.Array(registrationIDs), from)
	if err != nil {
		return fmt.Errorf("update registration payment status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("count updated registrations: %w", err)
	}
	if int(affected) != len(registrationIDs) {
		return appErrors.Clone(appErrors.ErrInvalidState, "one or more registrations are no longer in a payable state")
	}
	return nil
}
