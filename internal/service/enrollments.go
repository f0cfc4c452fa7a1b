package service

import (
	"context"
	"fmt"
	"time"

	"coursepay/internal/models"
	"coursepay/internal/store"
	"coursepay/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EnrollmentService covers the post-grant lifecycle of an enrollment:
// progress tracking, completion, rating, and administrative drops. Granting
// itself lives in EnrollmentGrantor.
type EnrollmentService struct {
	enrollments EnrollmentStore
	courses     CourseStore
	publisher   Publisher
	logger      *zap.Logger
}

// NewEnrollmentService creates an enrollment service
func NewEnrollmentService(enrollments EnrollmentStore, courses CourseStore, publisher Publisher) *EnrollmentService {
	return &EnrollmentService{
		enrollments: enrollments,
		courses:     courses,
		publisher:   publisher,
		logger:      util.GetLogger(),
	}
}

// ListForStudent retrieves a student's enrollments
func (s *EnrollmentService) ListForStudent(ctx context.Context, studentID int64) ([]models.Enrollment, error) {
	return s.enrollments.GetEnrollmentsByStudentID(ctx, studentID)
}

// List retrieves enrollments for the admin view
func (s *EnrollmentService) List(ctx context.Context, filter store.ListEnrollmentsFilter, limit, offset int) ([]models.Enrollment, int, error) {
	return s.enrollments.ListEnrollments(ctx, filter, limit, offset)
}

// CourseStats aggregates enrollment counts, progress and rating for a course
func (s *EnrollmentService) CourseStats(ctx context.Context, courseID int64) (*store.EnrollmentStats, error) {
	if _, err := s.courses.GetCourseByID(ctx, courseID); err != nil {
		return nil, err
	}
	return s.enrollments.GetCourseEnrollmentStats(ctx, courseID)
}

// GetForStudent retrieves one enrollment, enforcing ownership
func (s *EnrollmentService) GetForStudent(ctx context.Context, studentID, enrollmentID int64) (*models.Enrollment, error) {
	enrollment, err := s.enrollments.GetEnrollmentByID(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if enrollment.StudentID != studentID {
		return nil, ErrForbidden
	}
	return enrollment, nil
}

// UpdateProgress moves a student's progress marker. Reaching 100 completes
// the enrollment and stamps the completion date once; redeliveries of the
// same progress are harmless.
func (s *EnrollmentService) UpdateProgress(ctx context.Context, studentID, enrollmentID int64, progress int) (*models.Enrollment, error) {
	ctx, span := util.StartSpan(ctx, "EnrollmentService.UpdateProgress")
	defer span.End()

	if progress < 0 || progress > 100 {
		return nil, fmt.Errorf("progress must be between 0 and 100, got %d", progress)
	}

	enrollment, err := s.GetForStudent(ctx, studentID, enrollmentID)
	if err != nil {
		return nil, err
	}
	if enrollment.Status == models.EnrollmentStatusDropped {
		return nil, fmt.Errorf("enrollment %d is dropped: %w", enrollmentID, ErrIllegalTransition)
	}
	if enrollment.Status == models.EnrollmentStatusCompleted && progress < 100 {
		// Completion is terminal; progress never rolls back below 100.
		return nil, fmt.Errorf("enrollment %d already completed: %w", enrollmentID, ErrIllegalTransition)
	}

	if progress >= 100 {
		if _, err := s.enrollments.CompleteEnrollment(ctx, enrollmentID, time.Now()); err != nil {
			return nil, err
		}
		s.logger.Info("Enrollment completed",
			zap.Int64("enrollment_id", enrollmentID),
			zap.Int64("student_id", studentID))
		return s.enrollments.GetEnrollmentByID(ctx, enrollmentID)
	}

	status := enrollment.Status
	if status == models.EnrollmentStatusEnrolled && progress > 0 {
		status = models.EnrollmentStatusInProgress
	}
	if err := s.enrollments.UpdateEnrollmentProgress(ctx, enrollmentID, progress, status); err != nil {
		return nil, err
	}
	return s.enrollments.GetEnrollmentByID(ctx, enrollmentID)
}

// Rate attaches a rating and optional review to the student's own enrollment
func (s *EnrollmentService) Rate(ctx context.Context, studentID, enrollmentID int64, rating int, review string) (*models.Enrollment, error) {
	ctx, span := util.StartSpan(ctx, "EnrollmentService.Rate")
	defer span.End()

	if rating < 1 || rating > 5 {
		return nil, fmt.Errorf("rating must be between 1 and 5, got %d", rating)
	}

	enrollment, err := s.GetForStudent(ctx, studentID, enrollmentID)
	if err != nil {
		return nil, err
	}
	if enrollment.Status == models.EnrollmentStatusDropped {
		return nil, fmt.Errorf("enrollment %d is dropped: %w", enrollmentID, ErrIllegalTransition)
	}

	if err := s.enrollments.RateEnrollment(ctx, enrollmentID, rating, review); err != nil {
		return nil, err
	}
	return s.enrollments.GetEnrollmentByID(ctx, enrollmentID)
}

// Drop revokes an enrollment administratively. Idempotent: dropping a dropped
// enrollment is a no-op and the course counter only ever decrements once.
func (s *EnrollmentService) Drop(ctx context.Context, enrollmentID int64, reason string) (*models.Enrollment, error) {
	ctx, span := util.StartSpan(ctx, "EnrollmentService.Drop")
	defer span.End()

	enrollment, err := s.enrollments.GetEnrollmentByID(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}

	active := []string{
		models.EnrollmentStatusEnrolled,
		models.EnrollmentStatusInProgress,
		models.EnrollmentStatusCompleted,
	}
	applied, err := s.enrollments.UpdateEnrollmentStatus(ctx, enrollmentID, active,
		models.EnrollmentStatusDropped)
	if err != nil {
		return nil, err
	}
	if !applied {
		return enrollment, nil
	}
	enrollment.Status = models.EnrollmentStatusDropped

	if err := s.courses.DecrementEnrollmentCount(ctx, enrollment.CourseID); err != nil {
		s.logger.Error("Failed to decrement enrollment count",
			zap.Int64("course_id", enrollment.CourseID), zap.Error(err))
	}

	util.EnrollmentsDroppedTotal.Inc()
	s.logger.Info("Enrollment dropped",
		zap.Int64("enrollment_id", enrollmentID),
		zap.String("reason", reason))

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
	if err := s.publisher.PublishEnrollmentDropped(ctx, event); err != nil {
		s.logger.Error("Failed to publish EnrollmentDropped event", zap.Error(err))
	}

	return enrollment, nil
}
