package service

import (
	"context"
	"time"

	"coursepay/internal/broker"
	"coursepay/internal/models"
	"coursepay/internal/store"
)

// PaymentStore is the persistence surface the payment services need.
// *store.Store implements it; tests use an in-memory fake.
type PaymentStore interface {
	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error)
	GetPaymentByTransactionID(ctx context.Context, txID string) (*models.Payment, error)
	ClaimTransactionID(ctx context.Context, paymentID int64, txID string) (bool, error)
	SetIdempotencyKey(ctx context.Context, paymentID int64, key string) error
	TransitionPaymentStatus(ctx context.Context, paymentID int64, from []string, to string, capturedAt *time.Time) (bool, error)
	ListPayments(ctx context.Context, f store.ListPaymentsFilter, limit, offset int) ([]models.Payment, int, error)
	GetPaymentsByUserID(ctx context.Context, userID int64) ([]models.Payment, error)
	ListStuckPayments(ctx context.Context, olderThan time.Duration, limit int) ([]models.Payment, error)
	RecordWebhookEvent(ctx context.Context, event *models.WebhookEvent) error
	GetWebhookEventsByPaymentID(ctx context.Context, paymentID int64) ([]models.WebhookEvent, error)
	CreateRefund(ctx context.Context, refund *models.Refund) error
	GetRefundByPaymentID(ctx context.Context, paymentID int64) (*models.Refund, error)
}

// EnrollmentStore is the persistence surface for enrollments.
type EnrollmentStore interface {
	CreateEnrollment(ctx context.Context, enrollment *models.Enrollment) error
	GetEnrollment(ctx context.Context, studentID, courseID int64) (*models.Enrollment, error)
	GetEnrollmentByID(ctx context.Context, id int64) (*models.Enrollment, error)
	GetEnrollmentsByStudentID(ctx context.Context, studentID int64) ([]models.Enrollment, error)
	ListEnrollments(ctx context.Context, f store.ListEnrollmentsFilter, limit, offset int) ([]models.Enrollment, int, error)
	GetCourseEnrollmentStats(ctx context.Context, courseID int64) (*store.EnrollmentStats, error)
	UpdateEnrollmentStatus(ctx context.Context, enrollmentID int64, from []string, to string) (bool, error)
	CompleteEnrollment(ctx context.Context, enrollmentID int64, completedAt time.Time) (bool, error)
	UpdateEnrollmentProgress(ctx context.Context, enrollmentID int64, progress int, status string) error
	RateEnrollment(ctx context.Context, enrollmentID int64, rating int, review string) error
}

// CourseStore is the read/counter surface for courses.
type CourseStore interface {
	GetCourseByID(ctx context.Context, id int64) (*models.Course, error)
	IncrementEnrollmentCount(ctx context.Context, courseID int64) error
	DecrementEnrollmentCount(ctx context.Context, courseID int64) error
}

// Publisher fans domain events out to the broker. Best-effort everywhere.
type Publisher interface {
	PublishPaymentCompleted(ctx context.Context, event *models.PaymentCompletedEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
	PublishPaymentRefunded(ctx context.Context, event *models.PaymentRefundedEvent) error
	PublishEnrollmentGranted(ctx context.Context, event *models.EnrollmentGrantedEvent) error
	PublishEnrollmentDropped(ctx context.Context, event *models.EnrollmentDroppedEvent) error
}

var (
	_ PaymentStore    = (*store.Store)(nil)
	_ EnrollmentStore = (*store.Store)(nil)
	_ CourseStore     = (*store.Store)(nil)
	_ Publisher       = (*broker.EventPublisher)(nil)
)
