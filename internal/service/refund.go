package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coursepay/internal/gateway"
	"coursepay/internal/models"
	"coursepay/internal/store"
	"coursepay/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RefundCoordinator reverses a completed payment and the enrollment it paid
// for. Any refund, partial or full, revokes course access.
type RefundCoordinator struct {
	payments    PaymentStore
	enrollments EnrollmentStore
	courses     CourseStore
	gateways    *gateway.Registry
	publisher   Publisher
	logger      *zap.Logger
}

// NewRefundCoordinator creates a refund coordinator
func NewRefundCoordinator(payments PaymentStore, enrollments EnrollmentStore, courses CourseStore, gateways *gateway.Registry, publisher Publisher) *RefundCoordinator {
	return &RefundCoordinator{
		payments:    payments,
		enrollments: enrollments,
		courses:     courses,
		gateways:    gateways,
		publisher:   publisher,
		logger:      util.GetLogger(),
	}
}

// RefundResult is returned to the refund caller
type RefundResult struct {
	Payment *models.Payment `json:"payment"`
	Refund  *models.Refund  `json:"refund"`
}

// Refund reverses a completed payment. A nil amount means a full refund.
func (rc *RefundCoordinator) Refund(ctx context.Context, paymentID int64, amount *decimal.Decimal, reason string) (*RefundResult, error) {
	ctx, span := util.StartSpan(ctx, "RefundCoordinator.Refund")
	defer span.End()

	payment, err := rc.payments.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentStatusCompleted {
		return nil, fmt.Errorf("payment %d is %s: %w", paymentID, payment.Status, ErrNotRefundable)
	}

	refundAmount := payment.Amount
	if amount != nil {
		refundAmount = *amount
	}
	if !refundAmount.IsPositive() || refundAmount.GreaterThan(payment.Amount) {
		return nil, fmt.Errorf("refund amount %s out of range: %w",
			refundAmount.StringFixed(2), ErrInvalidAmount)
	}

	adapter, err := rc.gateways.ByName(payment.Gateway)
	if err != nil {
		return nil, fmt.Errorf("payment %d has no usable gateway: %w", paymentID, err)
	}

	start := time.Now()
	gatewayRefund, err := adapter.Refund(ctx, payment.TransactionID, refundAmount)
	util.GatewayCallLatency.WithLabelValues(adapter.Name(), "refund").
		Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("gateway refund failed: %w", err)
	}

	applied, err := rc.payments.TransitionPaymentStatus(ctx, paymentID,
		[]string{models.PaymentStatusCompleted}, models.PaymentStatusRefunded, nil)
	if err != nil {
		return nil, err
	}
	if !applied {
		// A concurrent refund won the transition.
		return nil, fmt.Errorf("payment %d already refunded: %w", paymentID, ErrNotRefundable)
	}
	payment.Status = models.PaymentStatusRefunded

	refund := &models.Refund{
		PaymentID: paymentID,
		RefundID:  gatewayRefund.RefundID,
		Amount:    refundAmount,
		Reason:    reason,
		Partial:   refundAmount.LessThan(payment.Amount),
	}
	if err := rc.payments.CreateRefund(ctx, refund); err != nil && !errors.Is(err, store.ErrDuplicate) {
		// The status transition already happened; record the failure and
		// surface it for operator follow-up.
		return nil, fmt.Errorf("failed to record refund for payment %d: %w", paymentID, err)
	}

	util.PaymentsRefundedTotal.Inc()
	rc.logger.Info("Payment refunded",
		zap.Int64("payment_id", paymentID),
		zap.String("refund_id", refund.RefundID),
		zap.Bool("partial", refund.Partial))

	rc.revokeEnrollment(ctx, payment, reason)
	rc.publishRefunded(ctx, payment, refund)

	return &RefundResult{Payment: payment, Refund: refund}, nil
}

// revokeEnrollment drops the enrollment the payment granted, if any, and
// decrements the course counter exactly once.
func (rc *RefundCoordinator) revokeEnrollment(ctx context.Context, payment *models.Payment, reason string) {
	if payment.CourseID == nil {
		return
	}

	enrollment, err := rc.enrollments.GetEnrollment(ctx, payment.UserID, *payment.CourseID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		rc.logger.Error("Failed to load enrollment for refund",
			zap.Int64("payment_id", payment.ID), zap.Error(err))
		return
	}

	active := []string{
		models.EnrollmentStatusEnrolled,
		models.EnrollmentStatusInProgress,
		models.EnrollmentStatusCompleted,
	}
	applied, err := rc.enrollments.UpdateEnrollmentStatus(ctx, enrollment.ID,
		active, models.EnrollmentStatusDropped)
	if err != nil {
		rc.logger.Error("Failed to drop enrollment on refund",
			zap.Int64("enrollment_id", enrollment.ID), zap.Error(err))
		return
	}
	if !applied {
		// Already dropped; don't decrement twice.
		return
	}

	if err := rc.courses.DecrementEnrollmentCount(ctx, enrollment.CourseID); err != nil {
		rc.logger.Error("Failed to decrement enrollment count",
			zap.Int64("course_id", enrollment.CourseID), zap.Error(err))
	}

	util.EnrollmentsDroppedTotal.Inc()
	rc.logger.Info("Enrollment dropped after refund",
		zap.Int64("enrollment_id", enrollment.ID),
		zap.Int64("payment_id", payment.ID))

	event := &models.EnrollmentDroppedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeEnrollmentDropped,
			Timestamp: time.Now(),
		},
		EnrollmentID: enrollment.ID,
		StudentID:    enrollment.StudentID,
		CourseID:     enrollment.CourseID,
		Reason:       reason,
	}
	if err := rc.publisher.PublishEnrollmentDropped(ctx, event); err != nil {
		rc.logger.Error("Failed to publish EnrollmentDropped event", zap.Error(err))
	}
}

func (rc *RefundCoordinator) publishRefunded(ctx context.Context, payment *models.Payment, refund *models.Refund) {
	event := &models.PaymentRefundedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePaymentRefunded,
			Timestamp: time.Now(),
		},
		PaymentID: payment.ID,
		UserID:    payment.UserID,
		CourseID:  payment.CourseID,
		RefundID:  refund.RefundID,
		Amount:    refund.Amount,
		Partial:   refund.Partial,
	}
	if err := rc.publisher.PublishPaymentRefunded(ctx, event); err != nil {
		rc.logger.Error("Failed to publish PaymentRefunded event", zap.Error(err))
	}
}
