package models

import "time"

// PaymentType distinguishes tuition charges from compensating refunds.
type PaymentType string

const (
	PaymentTypeTuition PaymentType = "tuition"
	PaymentTypeRefund  PaymentType = "refund"
)

// PaymentMethod is how the student pays.
type PaymentMethod string

const (
	PaymentMethodCreditCard   PaymentMethod = "credit_card"
	PaymentMethodDebitCard    PaymentMethod = "debit_card"
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
)

// Valid reports whether the method is a known value.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCreditCard, PaymentMethodDebitCard, PaymentMethodBankTransfer:
		return true
	}
	return false
}

// BatchStatus is the lifecycle of a payment batch. It mirrors the
// registration payment status but lives on the batch independently.
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
	BatchStatusCancelled BatchStatus = "cancelled"
	BatchStatusRefunded  BatchStatus = "refunded"
)

// Payment is one batch transaction covering one or more registrations.
// Refund rows carry a negative amount and type=refund.
type Payment struct {
	ID                string        `db:"id" json:"id"`
	StudentID         string        `db:"student_id" json:"student_id"`
	Amount            float64       `db:"amount" json:"amount"`
	Type              PaymentType   `db:"type" json:"type"`
	Method            PaymentMethod `db:"method" json:"method"`
	Status            BatchStatus   `db:"status" json:"status"`
	TransactionID     *string       `db:"transaction_id" json:"transaction_id,omitempty"`
	Description       string        `db:"description" json:"description,omitempty"`
	FailureReason     *string       `db:"failure_reason" json:"failure_reason,omitempty"`
	OriginalPaymentID *string       `db:"original_payment_id" json:"original_payment_id,omitempty"`
	ProcessedAt       *time.Time    `db:"processed_at" json:"processed_at,omitempty"`
	CreatedAt         time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time     `db:"updated_at" json:"updated_at"`

	// RegistrationIDs is loaded from the payment_items join table.
	RegistrationIDs []string `db:"-" json:"registration_ids,omitempty"`
}

// PaymentHistory summarises a student's payment activity.
type PaymentHistory struct {
	Payments      []Payment `json:"payments"`
	TotalPayments int       `json:"total_payments"`
	TotalPaid     float64   `json:"total_paid"`
	TotalPending  float64   `json:"total_pending"`
	TotalFailed   int       `json:"total_failed"`
}

// PaymentStatistics aggregates platform-wide payment outcomes.
type PaymentStatistics struct {
	TotalPayments     int     `json:"total_payments"`
	CompletedPayments int     `json:"completed_payments"`
	PendingPayments   int     `json:"pending_payments"`
	FailedPayments    int     `json:"failed_payments"`
	TotalRevenue      float64 `json:"total_revenue"`
	SuccessRate       float64 `json:"success_rate"`
}
