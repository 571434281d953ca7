package repository

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/opencampus/registrar-api/internal/models"
	appErrors "github.com/opencampus/registrar-api/pkg/errors"
)

func paymentRows(payment models.Payment) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "student_id", "amount", "type", "method", "status", "transaction_id",
		"description", "failure_reason", "original_payment_id", "processed_at", "created_at", "updated_at",
	}).AddRow(
		payment.ID, payment.StudentID, payment.Amount, payment.Type, payment.Method,
		payment.Status, payment.TransactionID, payment.Description, payment.FailureReason,
		payment.OriginalPaymentID, payment.ProcessedAt, payment.CreatedAt, payment.UpdatedAt,
	)
}

func pendingPayment(now time.Time) models.Payment {
	return models.Payment{
		ID:          "pay-1",
		StudentID:   "stu-1",
		Amount:      3000,
		Type:        models.PaymentTypeTuition,
		Method:      models.PaymentMethodCreditCard,
		Status:      models.BatchStatusPending,
		Description: "Tuition payment for 2 course(s)",
		CreatedAt:   now.Add(-time.Hour),
		UpdatedAt:   now.Add(-time.Hour),
	}
}

func TestPaymentRepositoryCreateBatch(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewPaymentRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO payments`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO payment_items`).
		WithArgs("pay-1", "reg-1", "reg-2").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	payment := pendingPayment(time.Now().UTC())
	payment.RegistrationIDs = []string{"reg-1", "reg-2"}
	err := repo.CreateBatch(context.Background(), &payment)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepositorySettleSuccess(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewPaymentRepository(db)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM payments WHERE id = \$1 FOR UPDATE`).
		WithArgs("pay-1").
		WillReturnRows(paymentRows(pendingPayment(now)))
	mock.ExpectQuery(`SELECT registration_id FROM payment_items`).
		WithArgs("pay-1").
		WillReturnRows(sqlmock.NewRows([]string{"registration_id"}).AddRow("reg-1").AddRow("reg-2"))
	mock.ExpectExec(`UPDATE registrations SET payment_status`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`UPDATE payments SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	settled, err := repo.Settle(context.Background(), "pay-1", true, "TXN_1_abc", "", now)
	require.NoError(t, err)
	require.Equal(t, models.BatchStatusCompleted, settled.Status)
	require.NotNil(t, settled.TransactionID)
	require.NotNil(t, settled.ProcessedAt)
	require.Equal(t, []string{"reg-1", "reg-2"}, settled.RegistrationIDs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepositorySettleFailureKeepsRegistrationsPending(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewPaymentRepository(db)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM payments WHERE id = \$1 FOR UPDATE`).
		WithArgs("pay-1").
		WillReturnRows(paymentRows(pendingPayment(now)))
	mock.ExpectQuery(`SELECT registration_id FROM payment_items`).
		WithArgs("pay-1").
		WillReturnRows(sqlmock.NewRows([]string{"registration_id"}).AddRow("reg-1"))
	// No registration flip on failure.
	mock.ExpectExec(`UPDATE payments SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	settled, err := repo.Settle(context.Background(), "pay-1", false, "", "card declined", now)
	require.NoError(t, err)
	require.Equal(t, models.BatchStatusFailed, settled.Status)
	require.Nil(t, settled.TransactionID)
	require.NotNil(t, settled.FailureReason)
	require.Equal(t, "card declined", *settled.FailureReason)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepositorySettleNonPending(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewPaymentRepository(db)

	now := time.Now().UTC()
	completed := pendingPayment(now)
	completed.Status = models.BatchStatusCompleted

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM payments WHERE id = \$1 FOR UPDATE`).
		WithArgs("pay-1").
		WillReturnRows(paymentRows(completed))
	mock.ExpectRollback()

	_, err := repo.Settle(context.Background(), "pay-1", true, "TXN_1_abc", "", now)
	require.Error(t, err)
	require.True(t, appErrors.HasCode(err, appErrors.ErrInvalidState))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepositorySettleConcurrentFlipMismatch(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewPaymentRepository(db)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM payments WHERE id = \$1 FOR UPDATE`).
		WithArgs("pay-1").
		WillReturnRows(paymentRows(pendingPayment(now)))
	mock.ExpectQuery(`SELECT registration_id FROM payment_items`).
		WithArgs("pay-1").
		WillReturnRows(sqlmock.NewRows([]string{"registration_id"}).AddRow("reg-1").AddRow("reg-2"))
	// One of the two rows was already flipped elsewhere.
	mock.ExpectExec(`UPDATE registrations SET payment_status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	_, err := repo.Settle(context.Background(), "pay-1", true, "TXN_1_abc", "", now)
	require.Error(t, err)
	require.True(t, appErrors.HasCode(err, appErrors.ErrInvalidState))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepositorySettleDroppedRegistrationRollsBack(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewPaymentRepository(db)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM payments WHERE id = \$1 FOR UPDATE`).
		WithArgs("pay-1").
		WillReturnRows(paymentRows(pendingPayment(now)))
	mock.ExpectQuery(`SELECT registration_id FROM payment_items`).
		WithArgs("pay-1").
		WillReturnRows(sqlmock.NewRows([]string{"registration_id"}).AddRow("reg-1").AddRow("reg-2"))
	// One registration was dropped after the batch opened; the flip skips
	// dropped rows, comes up short and the settlement rolls back.
	mock.ExpectExec(`AND payment_status = \$4 AND is_dropped = FALSE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	_, err := repo.Settle(context.Background(), "pay-1", true, "TXN_1_abc", "", now)
	require.Error(t, err)
	require.True(t, appErrors.HasCode(err, appErrors.ErrInvalidState))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepositoryRefund(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewPaymentRepository(db)

	now := time.Now().UTC()
	txn := "TXN_1_original"
	processed := now.Add(-time.Hour)
	original := pendingPayment(now)
	original.Status = models.BatchStatusCompleted
	original.TransactionID = &txn
	original.ProcessedAt = &processed

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM payments WHERE id = \$1 FOR UPDATE`).
		WithArgs("pay-1").
		WillReturnRows(paymentRows(original))
	mock.ExpectQuery(`SELECT registration_id FROM payment_items`).
		WithArgs("pay-1").
		WillReturnRows(sqlmock.NewRows([]string{"registration_id"}).AddRow("reg-1").AddRow("reg-2"))
	mock.ExpectExec(`INSERT INTO payments`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO payment_items`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`UPDATE payments SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE registrations SET payment_status`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	refund, err := repo.Refund(context.Background(), "pay-1", "enrollment cancelled", "TXN_2_refund", now)
	require.NoError(t, err)
	require.Equal(t, -3000.0, refund.Amount)
	require.Equal(t, models.PaymentTypeRefund, refund.Type)
	require.Equal(t, models.BatchStatusCompleted, refund.Status)
	require.NotNil(t, refund.OriginalPaymentID)
	require.Equal(t, "pay-1", *refund.OriginalPaymentID)
	require.Contains(t, refund.Description, "enrollment cancelled")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepositoryRefundNonCompleted(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewPaymentRepository(db)

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM payments WHERE id = \$1 FOR UPDATE`).
		WithArgs("pay-1").
		WillReturnRows(paymentRows(pendingPayment(now)))
	mock.ExpectRollback()

	_, err := repo.Refund(context.Background(), "pay-1", "typo", "TXN_2_refund", now)
	require.Error(t, err)
	require.True(t, appErrors.HasCode(err, appErrors.ErrInvalidState))
	require.NoError(t, mock.ExpectationsWereMet())
}
