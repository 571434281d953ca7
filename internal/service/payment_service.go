package service

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opencampus/registrar-api/internal/models"
	appErrors "github.com/opencampus/registrar-api/pkg/errors"
)

type paymentLedger interface {
	FindByID(ctx context.Context, id string) (*models.Payment, error)
	ListByStudent(ctx context.Context, studentID string) ([]models.Payment, error)
	CreateBatch(ctx context.Context, payment *models.Payment) error
	Settle(ctx context.Context, id string, success bool, transactionID, failureReason string, now time.Time) (*models.Payment, error)
	Refund(ctx context.Context, id, reason, transactionID string, now time.Time) (*models.Payment, error)
	History(ctx context.Context, studentID string) (*models.PaymentHistory, error)
	Statistics(ctx context.Context) (*models.PaymentStatistics, error)
}

type registrationReader interface {
	FindDetailByID(ctx context.Context, id string) (*models.RegistrationDetail, error)
}

type settlementObserver interface {
	RecordSettlement(outcome string, amount float64)
}

// CreateBatchRequest opens a pending payment batch over one or more
// registrations of the same student.
type CreateBatchRequest struct {
	StudentID       string               `json:"student_id" validate:"required"`
	RegistrationIDs []string             `json:"registration_ids" validate:"required,min=1,dive,required"`
	Method          models.PaymentMethod `json:"method" validate:"required,oneof=credit_card debit_card bank_transfer"`
}

// SettleRequest resolves a pending batch with a gateway outcome.
type SettleRequest struct {
	Success       bool   `json:"success"`
	FailureReason string `json:"failure_reason"`
}

// RefundRequest reverses a completed batch.
type RefundRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// PaymentService owns the payment batch lifecycle. Batch creation validates
// every referenced registration up front; the repository keeps settlement and
// refund atomic with the registrations they flip.
type PaymentService struct {
	payments      paymentLedger
	registrations registrationReader
	metrics       settlementObserver
	validator     *validator.Validate
	logger        *zap.Logger
	now           func() time.Time
}

// NewPaymentService constructs PaymentService.
func NewPaymentService(payments paymentLedger, registrations registrationReader, metrics settlementObserver, validate *validator.Validate, logger *zap.Logger) *PaymentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentService{
		payments:      payments,
		registrations: registrations,
		metrics:       metrics,
		validator:     validate,
		logger:        logger,
		now:           time.Now,
	}
}

// CreateBatch opens a pending payment covering the given registrations. Every
// registration must belong to the student, be undropped and still unpaid; the
// amount is the sum of each registration's credit hours times its course
// price.
func (s *PaymentService) CreateBatch(ctx context.Context, req CreateBatchRequest) (*models.Payment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payment payload")
	}

	seen := make(map[string]bool, len(req.RegistrationIDs))
	ids := make([]string, 0, len(req.RegistrationIDs))
	for _, id := range req.RegistrationIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}

	var amount float64
	for _, id := range ids {
		detail, err := s.registrations.FindDetailByID(ctx, id)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("registration %s not found", id))
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load registration")
		}
		if detail.StudentID != req.StudentID {
			return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("registration %s not found", id))
		}
		if detail.IsDropped {
			return nil, appErrors.Clone(appErrors.ErrInvalidState, fmt.Sprintf("registration for %s was dropped", detail.CourseCode))
		}
		switch detail.PaymentStatus {
		case models.PaymentStatusPending:
		case models.PaymentStatusPaid:
			return nil, appErrors.Clone(appErrors.ErrAlreadyPaid, fmt.Sprintf("registration for %s is already paid", detail.CourseCode))
		default:
			return nil, appErrors.Clone(appErrors.ErrInvalidState,
				fmt.Sprintf("registration for %s is %s and cannot be paid", detail.CourseCode, detail.PaymentStatus))
		}
		amount += detail.TotalCost()
	}

	payment := &models.Payment{
		StudentID:       req.StudentID,
		Amount:          amount,
		Type:            models.PaymentTypeTuition,
		Method:          req.Method,
		Status:          models.BatchStatusPending,
		Description:     fmt.Sprintf("Tuition payment for %d course(s)", len(ids)),
		RegistrationIDs: ids,
	}
	if err := s.payments.CreateBatch(ctx, payment); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create payment")
	}

	s.logger.Info("payment batch created",
		zap.String("payment_id", payment.ID),
		zap.String("student_id", payment.StudentID),
		zap.Float64("amount", payment.Amount),
		zap.Int("registrations", len(ids)),
	)
	return payment, nil
}

// Settle resolves a pending payment with the gateway outcome. A successful
// settlement stamps a transaction id and flips the covered registrations to
// paid; a failed one records the reason and leaves them pending. When
// onBehalfOf names a student, batches of other students read as missing.
func (s *PaymentService) Settle(ctx context.Context, id, onBehalfOf string, req SettleRequest) (*models.Payment, error) {
	if onBehalfOf != "" {
		existing, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if existing.StudentID != onBehalfOf {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "payment not found")
		}
	}

	transactionID := ""
	if req.Success {
		transactionID = newTransactionID()
	}
	payment, err := s.payments.Settle(ctx, id, req.Success, transactionID, req.FailureReason, s.now())
	if err != nil {
		return nil, err
	}

	outcome := "completed"
	if !req.Success {
		outcome = "failed"
	}
	if s.metrics != nil {
		s.metrics.RecordSettlement(outcome, payment.Amount)
	}
	s.logger.Info("payment settled",
		zap.String("payment_id", payment.ID),
		zap.String("outcome", outcome),
		zap.Float64("amount", payment.Amount),
	)
	return payment, nil
}

// Refund reverses a completed payment with a compensating negative-amount
// row. The original batch and its registrations flip to refunded.
func (s *PaymentService) Refund(ctx context.Context, id string, req RefundRequest) (*models.Payment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid refund payload")
	}

	refund, err := s.payments.Refund(ctx, id, req.Reason, newTransactionID(), s.now())
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordSettlement("refunded", refund.Amount)
	}
	s.logger.Info("payment refunded",
		zap.String("payment_id", id),
		zap.String("refund_id", refund.ID),
		zap.Float64("amount", refund.Amount),
	)
	return refund, nil
}

// Get returns a payment by id.
func (s *PaymentService) Get(ctx context.Context, id string) (*models.Payment, error) {
	payment, err := s.payments.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "payment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load payment")
	}
	return payment, nil
}

// History returns a student's aggregated payment activity.
func (s *PaymentService) History(ctx context.Context, studentID string) (*models.PaymentHistory, error) {
	history, err := s.payments.History(ctx, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load payment history")
	}
	return history, nil
}

// Statistics returns platform-wide payment outcomes.
func (s *PaymentService) Statistics(ctx context.Context) (*models.PaymentStatistics, error) {
	stats, err := s.payments.Statistics(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load payment statistics")
	}
	return stats, nil
}

// newTransactionID mints a gateway-style transaction reference.
func newTransactionID() string {
	fragment := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("TXN_%d_%s", time.Now().Unix(), fragment)
}
