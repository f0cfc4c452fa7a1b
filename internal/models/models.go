package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Course represents the purchasable subset of a course. Full course CRUD
// lives in the upstream platform API; this service only reads price and
// availability and owns the enrollment counter.
type Course struct {
	ID              int64           `db:"id" json:"id"`
	Title           string          `db:"title" json:"title"`
	Price           decimal.Decimal `db:"price" json:"price"`
	IsPublished     bool            `db:"is_published" json:"is_published"`
	IsActive        bool            `db:"is_active" json:"is_active"`
	EnrollmentCount int             `db:"enrollment_count" json:"enrollment_count"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// Payment represents one monetary attempt against a gateway.
// Amount is immutable after creation; TransactionID is set at most once.
type Payment struct {
	ID             int64           `db:"id" json:"id"`
	UserID         int64           `db:"user_id" json:"user_id"`
	CourseID       *int64          `db:"course_id" json:"course_id,omitempty"`
	Amount         decimal.Decimal `db:"amount" json:"amount"`
	Currency       string          `db:"currency" json:"currency"`
	PaymentMethod  string          `db:"payment_method" json:"payment_method"`
	Gateway        string          `db:"gateway" json:"gateway"`
	TransactionID  string          `db:"transaction_id" json:"transaction_id,omitempty"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotency_key,omitempty"`
	Status         string          `db:"status" json:"status"`
	Description    string          `db:"description" json:"description,omitempty"`
	CapturedAt     *time.Time      `db:"captured_at" json:"captured_at,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// Payment statuses. Legal transitions: pending -> completed,
// pending -> failed, completed -> refunded. Everything else is rejected.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
	PaymentStatusRefunded  = "refunded"
)

// IsTerminal reports whether no further gateway-driven transition is allowed
// (refund from completed being the one exception).
func (p *Payment) IsTerminal() bool {
	return p.Status == PaymentStatusCompleted ||
		p.Status == PaymentStatusFailed ||
		p.Status == PaymentStatusRefunded
}

// WebhookEvent is one entry of a payment's webhook audit trail.
type WebhookEvent struct {
	ID         int64     `db:"id" json:"id"`
	PaymentID  int64     `db:"payment_id" json:"payment_id"`
	Gateway    string    `db:"gateway" json:"gateway"`
	EventType  string    `db:"event_type" json:"event_type"`
	Status     string    `db:"status" json:"status"`
	Applied    bool      `db:"applied" json:"applied"`
	ReceivedAt time.Time `db:"received_at" json:"received_at"`
}

// Refund records the reversal of a completed payment. At most one per payment.
type Refund struct {
	ID        int64           `db:"id" json:"id"`
	PaymentID int64           `db:"payment_id" json:"payment_id"`
	RefundID  string          `db:"refund_id" json:"refund_id"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	Reason    string          `db:"reason" json:"reason,omitempty"`
	Partial   bool            `db:"partial" json:"partial"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// Enrollment represents a student's granted access to a course.
// (student_id, course_id) is unique; that constraint is the concurrency
// arbiter for the grant path.
type Enrollment struct {
	ID             int64      `db:"id" json:"id"`
	StudentID      int64      `db:"student_id" json:"student_id"`
	CourseID       int64      `db:"course_id" json:"course_id"`
	Status         string     `db:"status" json:"status"`
	Progress       int        `db:"progress" json:"progress"`
	Rating         *int       `db:"rating" json:"rating,omitempty"`
	Review         string     `db:"review" json:"review,omitempty"`
	EnrollmentDate time.Time  `db:"enrollment_date" json:"enrollment_date"`
	CompletionDate *time.Time `db:"completion_date" json:"completion_date,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// Enrollment statuses
const (
	EnrollmentStatusEnrolled   = "enrolled"
	EnrollmentStatusInProgress = "in_progress"
	EnrollmentStatusCompleted  = "completed"
	EnrollmentStatusDropped    = "dropped"
)
