package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coursepay/internal/models"
	"coursepay/internal/store"
	"coursepay/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EnrollmentGrantor turns a completed payment into course access, exactly
// once. The (student_id, course_id) unique constraint is the arbiter: the
// loser of any race observes a duplicate and treats it as success.
type EnrollmentGrantor struct {
	enrollments EnrollmentStore
	courses     CourseStore
	publisher   Publisher
	logger      *zap.Logger
}

// NewEnrollmentGrantor creates an enrollment grantor
func NewEnrollmentGrantor(enrollments EnrollmentStore, courses CourseStore, publisher Publisher) *EnrollmentGrantor {
	return &EnrollmentGrantor{
		enrollments: enrollments,
		courses:     courses,
		publisher:   publisher,
		logger:      util.GetLogger(),
	}
}

// GrantAfterPayment creates (or repairs) the enrollment for a completed
// payment. Safe to call concurrently from the checkout path, the webhook
// path and the event consumer; exactly one enrollment and one counter
// increment result.
func (g *EnrollmentGrantor) GrantAfterPayment(ctx context.Context, payment *models.Payment) (*models.Enrollment, error) {
	ctx, span := util.StartSpan(ctx, "EnrollmentGrantor.GrantAfterPayment")
	defer span.End()

	if payment.CourseID == nil {
		// Payments can exist for non-course purposes; nothing to grant.
		return nil, nil
	}
	if payment.Status != models.PaymentStatusCompleted {
		return nil, fmt.Errorf("payment %d is %s, not completed: %w",
			payment.ID, payment.Status, ErrIllegalTransition)
	}

	return g.grant(ctx, payment.UserID, *payment.CourseID, &payment.ID)
}

// Enroll grants access to a free course directly, with the same idempotent
// creation contract as the paid path.
func (g *EnrollmentGrantor) Enroll(ctx context.Context, studentID, courseID int64) (*models.Enrollment, error) {
	ctx, span := util.StartSpan(ctx, "EnrollmentGrantor.Enroll")
	defer span.End()

	course, err := g.courses.GetCourseByID(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if !course.IsPublished || !course.IsActive {
		return nil, ErrCourseUnavailable
	}
	if course.Price.IsPositive() {
		return nil, ErrPaymentRequired
	}

	return g.grant(ctx, studentID, courseID, nil)
}

func (g *EnrollmentGrantor) grant(ctx context.Context, studentID, courseID int64, paymentID *int64) (*models.Enrollment, error) {
	existing, err := g.enrollments.GetEnrollment(ctx, studentID, courseID)
	switch {
	case err == nil:
		if existing.Status != models.EnrollmentStatusDropped {
			// Already granted; AlreadyEnrolled is success, not an error.
			return existing, nil
		}
		return g.reactivate(ctx, existing, paymentID)
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	enrollment := &models.Enrollment{
		StudentID:      studentID,
		CourseID:       courseID,
		Status:         models.EnrollmentStatusEnrolled,
		EnrollmentDate: time.Now(),
	}

	err = g.enrollments.CreateEnrollment(ctx, enrollment)
	if errors.Is(err, store.ErrDuplicate) {
		// Lost the race; the winner already granted.
		g.logger.Info("Enrollment already granted by concurrent caller",
			zap.Int64("student_id", studentID),
			zap.Int64("course_id", courseID))
		return g.enrollments.GetEnrollment(ctx, studentID, courseID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create enrollment: %w", err)
	}

	g.afterGrant(ctx, enrollment, paymentID)
	return enrollment, nil
}

// reactivate reuses a dropped enrollment row instead of violating the
// uniqueness rule with a second one.
func (g *EnrollmentGrantor) reactivate(ctx context.Context, enrollment *models.Enrollment, paymentID *int64) (*models.Enrollment, error) {
	applied, err := g.enrollments.UpdateEnrollmentStatus(ctx, enrollment.ID,
		[]string{models.EnrollmentStatusDropped}, models.EnrollmentStatusEnrolled)
	if err != nil {
		return nil, err
	}
	if !applied {
		// A concurrent caller re-activated first; read their result.
		return g.enrollments.GetEnrollmentByID(ctx, enrollment.ID)
	}

	enrollment.Status = models.EnrollmentStatusEnrolled
	g.afterGrant(ctx, enrollment, paymentID)
	return enrollment, nil
}

func (g *EnrollmentGrantor) afterGrant(ctx context.Context, enrollment *models.Enrollment, paymentID *int64) {
	if err := g.courses.IncrementEnrollmentCount(ctx, enrollment.CourseID); err != nil {
		// Counter drift is repairable from enrollment rows; don't fail the
		// grant over it.
		g.logger.Error("Failed to increment enrollment count",
			zap.Int64("course_id", enrollment.CourseID),
			zap.Error(err))
	}

	util.EnrollmentsGrantedTotal.Inc()
	g.logger.Info("Enrollment granted",
		zap.Int64("enrollment_id", enrollment.ID),
		zap.Int64("student_id", enrollment.StudentID),
		zap.Int64("course_id", enrollment.CourseID))

	event := &models.EnrollmentGrantedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeEnrollmentGranted,
			Timestamp: time.Now(),
		},
		EnrollmentID: enrollment.ID,
		StudentID:    enrollment.StudentID,
		CourseID:     enrollment.CourseID,
		PaymentID:    paymentID,
	}
	if err := g.publisher.PublishEnrollmentGranted(ctx, event); err != nil {
		g.logger.Error("Failed to publish EnrollmentGranted event", zap.Error(err))
	}
}
