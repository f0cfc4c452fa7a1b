package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypePaymentCompleted  = "PAYMENT_COMPLETED"
	EventTypePaymentFailed     = "PAYMENT_FAILED"
	EventTypePaymentRefunded   = "PAYMENT_REFUNDED"
	EventTypeEnrollmentGranted = "ENROLLMENT_GRANTED"
	EventTypeEnrollmentDropped = "ENROLLMENT_DROPPED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// PaymentCompletedEvent published when a payment reaches completed for the
// first time. Consumers re-drive the enrollment grant from it; the grant is
// idempotent, so duplicate delivery is harmless.
type PaymentCompletedEvent struct {
	BaseEvent
	PaymentID     int64           `json:"payment_id"`
	UserID        int64           `json:"user_id"`
	CourseID      *int64          `json:"course_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	TransactionID string          `json:"transaction_id"`
}

// PaymentFailedEvent published when a gateway declines a payment
type PaymentFailedEvent struct {
	BaseEvent
	PaymentID     int64  `json:"payment_id"`
	UserID        int64  `json:"user_id"`
	TransactionID string `json:"transaction_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// PaymentRefundedEvent published when a refund is applied
type PaymentRefundedEvent struct {
	BaseEvent
	PaymentID int64           `json:"payment_id"`
	UserID    int64           `json:"user_id"`
	CourseID  *int64          `json:"course_id,omitempty"`
	RefundID  string          `json:"refund_id"`
	Amount    decimal.Decimal `json:"amount"`
	Partial   bool            `json:"partial"`
}

// EnrollmentGrantedEvent published when an enrollment is created
type EnrollmentGrantedEvent struct {
	BaseEvent
	EnrollmentID int64  `json:"enrollment_id"`
	StudentID    int64  `json:"student_id"`
	CourseID     int64  `json:"course_id"`
	PaymentID    *int64 `json:"payment_id,omitempty"`
}

// EnrollmentDroppedEvent published when an enrollment is revoked
type EnrollmentDroppedEvent struct {
	BaseEvent
	EnrollmentID int64  `json:"enrollment_id"`
	StudentID    int64  `json:"student_id"`
	CourseID     int64  `json:"course_id"`
	Reason       string `json:"reason,omitempty"`
}
