package service

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencampus/registrar-api/internal/models"
	appErrors "github.com/opencampus/registrar-api/pkg/errors"
)

type fakePaymentLedger struct {
	existing      *models.Payment
	created       *models.Payment
	settleSuccess bool
	settleTxnID   string
	settleReason  string
	refundReason  string
	refundTxnID   string
}

func (f *fakePaymentLedger) FindByID(ctx context.Context, id string) (*models.Payment, error) {
	if f.existing != nil && f.existing.ID == id {
		return f.existing, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakePaymentLedger) ListByStudent(ctx context.Context, studentID string) ([]models.Payment, error) {
	return nil, nil
}

func (f *fakePaymentLedger) CreateBatch(ctx context.Context, payment *models.Payment) error {
	payment.ID = "pay-1"
	f.created = payment
	return nil
}

func (f *fakePaymentLedger) Settle(ctx context.Context, id string, success bool, transactionID, failureReason string, now time.Time) (*models.Payment, error) {
	f.settleSuccess = success
	f.settleTxnID = transactionID
	f.settleReason = failureReason
	status := models.BatchStatusCompleted
	if !success {
		status = models.BatchStatusFailed
	}
	return &models.Payment{ID: id, Status: status, Amount: 1500}, nil
}

func (f *fakePaymentLedger) Refund(ctx context.Context, id, reason, transactionID string, now time.Time) (*models.Payment, error) {
	f.refundReason = reason
	f.refundTxnID = transactionID
	return &models.Payment{ID: "pay-2", Type: models.PaymentTypeRefund, Amount: -1500, OriginalPaymentID: &id}, nil
}

func (f *fakePaymentLedger) History(ctx context.Context, studentID string) (*models.PaymentHistory, error) {
	return &models.PaymentHistory{}, nil
}

func (f *fakePaymentLedger) Statistics(ctx context.Context) (*models.PaymentStatistics, error) {
	return &models.PaymentStatistics{}, nil
}

type fakeRegistrationReader struct {
	details map[string]*models.RegistrationDetail
}

func (f *fakeRegistrationReader) FindDetailByID(ctx context.Context, id string) (*models.RegistrationDetail, error) {
	if detail, ok := f.details[id]; ok {
		return detail, nil
	}
	return nil, sql.ErrNoRows
}

type fakeSettlementObserver struct {
	outcomes map[string]int
	amounts  map[string]float64
}

func (f *fakeSettlementObserver) RecordSettlement(outcome string, amount float64) {
	if f.outcomes == nil {
		f.outcomes = make(map[string]int)
		f.amounts = make(map[string]float64)
	}
	f.outcomes[outcome]++
	f.amounts[outcome] += amount
}

func pendingDetail(id, studentID, code string, hours int) *models.RegistrationDetail {
	return &models.RegistrationDetail{
		Registration: models.Registration{
			ID: id, StudentID: studentID, PaymentStatus: models.PaymentStatusPending,
		},
		CourseCode: code, CreditHours: hours, PricePerCreditHour: 500,
	}
}

func TestPaymentServiceCreateBatch(t *testing.T) {
	ledger := &fakePaymentLedger{}
	registrations := &fakeRegistrationReader{details: map[string]*models.RegistrationDetail{
		"reg-1": pendingDetail("reg-1", "stu-1", "CS101", 3),
		"reg-2": pendingDetail("reg-2", "stu-1", "MA101", 4),
	}}
	svc := NewPaymentService(ledger, registrations, nil, nil, nil)

	payment, err := svc.CreateBatch(context.Background(), CreateBatchRequest{
		StudentID:       "stu-1",
		RegistrationIDs: []string{"reg-1", "reg-2", "reg-1"},
		Method:          models.PaymentMethodCreditCard,
	})
	require.NoError(t, err)
	assert.Equal(t, 3500.0, payment.Amount)
	assert.Equal(t, models.BatchStatusPending, payment.Status)
	assert.Equal(t, models.PaymentTypeTuition, payment.Type)
	// The duplicated id collapses to one reference.
	assert.Equal(t, []string{"reg-1", "reg-2"}, payment.RegistrationIDs)
	assert.Equal(t, "Tuition payment for 2 course(s)", payment.Description)
}

func TestPaymentServiceCreateBatchRejectsForeignRegistration(t *testing.T) {
	registrations := &fakeRegistrationReader{details: map[string]*models.RegistrationDetail{
		"reg-1": pendingDetail("reg-1", "stu-2", "CS101", 3),
	}}
	svc := NewPaymentService(&fakePaymentLedger{}, registrations, nil, nil, nil)

	_, err := svc.CreateBatch(context.Background(), CreateBatchRequest{
		StudentID:       "stu-1",
		RegistrationIDs: []string{"reg-1"},
		Method:          models.PaymentMethodCreditCard,
	})
	require.Error(t, err)
	require.True(t, appErrors.HasCode(err, appErrors.ErrNotFound))
}

func TestPaymentServiceCreateBatchRejectsDropped(t *testing.T) {
	dropped := pendingDetail("reg-1", "stu-1", "CS101", 3)
	dropped.IsDropped = true
	registrations := &fakeRegistrationReader{details: map[string]*models.RegistrationDetail{"reg-1": dropped}}
	svc := NewPaymentService(&fakePaymentLedger{}, registrations, nil, nil, nil)

	_, err := svc.CreateBatch(context.Background(), CreateBatchRequest{
		StudentID:       "stu-1",
		RegistrationIDs: []string{"reg-1"},
		Method:          models.PaymentMethodCreditCard,
	})
	require.Error(t, err)
	require.True(t, appErrors.HasCode(err, appErrors.ErrInvalidState))
}

func TestPaymentServiceCreateBatchRejectsAlreadyPaid(t *testing.T) {
	paid := pendingDetail("reg-1", "stu-1", "CS101", 3)
	paid.PaymentStatus = models.PaymentStatusPaid
	registrations := &fakeRegistrationReader{details: map[string]*models.RegistrationDetail{"reg-1": paid}}
	svc := NewPaymentService(&fakePaymentLedger{}, registrations, nil, nil, nil)

	_, err := svc.CreateBatch(context.Background(), CreateBatchRequest{
		StudentID:       "stu-1",
		RegistrationIDs: []string{"reg-1"},
		Method:          models.PaymentMethodCreditCard,
	})
	require.Error(t, err)
	require.True(t, appErrors.HasCode(err, appErrors.ErrAlreadyPaid))
}

func TestPaymentServiceCreateBatchRejectsUnknownMethod(t *testing.T) {
	svc := NewPaymentService(&fakePaymentLedger{}, &fakeRegistrationReader{}, nil, nil, nil)

	_, err := svc.CreateBatch(context.Background(), CreateBatchRequest{
		StudentID:       "stu-1",
		RegistrationIDs: []string{"reg-1"},
		Method:          "cash",
	})
	require.Error(t, err)
	require.True(t, appErrors.HasCode(err, appErrors.ErrValidation))
}

func TestPaymentServiceSettleSuccessMintsTransactionID(t *testing.T) {
	ledger := &fakePaymentLedger{}
	metrics := &fakeSettlementObserver{}
	svc := NewPaymentService(ledger, &fakeRegistrationReader{}, metrics, nil, nil)

	payment, err := svc.Settle(context.Background(), "pay-1", "", SettleRequest{Success: true})
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, payment.Status)
	assert.True(t, strings.HasPrefix(ledger.settleTxnID, "TXN_"), "got %q", ledger.settleTxnID)
	assert.Equal(t, 1, metrics.outcomes["completed"])
}

func TestPaymentServiceSettleFailureHasNoTransactionID(t *testing.T) {
	ledger := &fakePaymentLedger{}
	metrics := &fakeSettlementObserver{}
	svc := NewPaymentService(ledger, &fakeRegistrationReader{}, metrics, nil, nil)

	payment, err := svc.Settle(context.Background(), "pay-1", "", SettleRequest{Success: false, FailureReason: "card declined"})
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusFailed, payment.Status)
	assert.Empty(t, ledger.settleTxnID)
	assert.Equal(t, "card declined", ledger.settleReason)
	assert.Equal(t, 1, metrics.outcomes["failed"])
}

func TestPaymentServiceSettleMasksForeignPayment(t *testing.T) {
	// A student settling another student's batch sees a missing payment and
	// the ledger is never touched.
	ledger := &fakePaymentLedger{existing: &models.Payment{
		ID: "pay-1", StudentID: "stu-2", Status: models.BatchStatusPending,
	}}
	svc := NewPaymentService(ledger, &fakeRegistrationReader{}, nil, nil, nil)

	_, err := svc.Settle(context.Background(), "pay-1", "stu-1", SettleRequest{Success: true})
	require.Error(t, err)
	require.True(t, appErrors.HasCode(err, appErrors.ErrNotFound))
	assert.Empty(t, ledger.settleTxnID)
}

func TestPaymentServiceSettleOnBehalfOfOwner(t *testing.T) {
	ledger := &fakePaymentLedger{existing: &models.Payment{
		ID: "pay-1", StudentID: "stu-1", Status: models.BatchStatusPending,
	}}
	svc := NewPaymentService(ledger, &fakeRegistrationReader{}, nil, nil, nil)

	payment, err := svc.Settle(context.Background(), "pay-1", "stu-1", SettleRequest{Success: true})
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, payment.Status)
}

func TestPaymentServiceRefund(t *testing.T) {
	ledger := &fakePaymentLedger{}
	metrics := &fakeSettlementObserver{}
	svc := NewPaymentService(ledger, &fakeRegistrationReader{}, metrics, nil, nil)

	refund, err := svc.Refund(context.Background(), "pay-1", RefundRequest{Reason: "enrollment cancelled"})
	require.NoError(t, err)
	assert.Equal(t, -1500.0, refund.Amount)
	assert.Equal(t, "enrollment cancelled", ledger.refundReason)
	assert.True(t, strings.HasPrefix(ledger.refundTxnID, "TXN_"))
	assert.Equal(t, 1, metrics.outcomes["refunded"])
}

func TestPaymentServiceRefundRequiresReason(t *testing.T) {
	svc := NewPaymentService(&fakePaymentLedger{}, &fakeRegistrationReader{}, nil, nil, nil)

	_, err := svc.Refund(context.Background(), "pay-1", RefundRequest{})
	require.Error(t, err)
	require.True(t, appErrors.HasCode(err, appErrors.ErrValidation))
}
