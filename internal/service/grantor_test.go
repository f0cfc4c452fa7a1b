package service

import (
	"context"
	"sync"
	"testing"

	"coursepay/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGrantor(t *testing.T, courses ...*models.Course) (*EnrollmentGrantor, *fakeEnrollmentStore, *fakeCourseStore, *fakePublisher) {
	t.Helper()
	if len(courses) == 0 {
		courses = []*models.Course{{
			ID:          1,
			Title:       "Go for Backend Engineers",
			Price:       decimal.NewFromFloat(49.99),
			IsPublished: true,
			IsActive:    true,
		}}
	}
	enrollments := newFakeEnrollmentStore()
	courseStore := newFakeCourseStore(courses...)
	publisher := &fakePublisher{}
	return NewEnrollmentGrantor(enrollments, courseStore, publisher), enrollments, courseStore, publisher
}

func completedPayment(userID, courseID int64) *models.Payment {
	return &models.Payment{
		ID:       100,
		UserID:   userID,
		CourseID: &courseID,
		Amount:   decimal.NewFromFloat(49.99),
		Status:   models.PaymentStatusCompleted,
	}
}

func TestGrantAfterPayment(t *testing.T) {
	grantor, _, courses, publisher := newTestGrantor(t)

	enrollment, err := grantor.GrantAfterPayment(context.Background(), completedPayment(42, 1))
	require.NoError(t, err)
	require.NotNil(t, enrollment)
	assert.Equal(t, models.EnrollmentStatusEnrolled, enrollment.Status)
	assert.Equal(t, int64(42), enrollment.StudentID)
	assert.Equal(t, 1, courses.count(1))
	assert.Equal(t, 1, publisher.grantedCount())
}

func TestGrantAfterPaymentRejectsNonCompleted(t *testing.T) {
	grantor, _, _, _ := newTestGrantor(t)

	payment := completedPayment(42, 1)
	payment.Status = models.PaymentStatusPending

	_, err := grantor.GrantAfterPayment(context.Background(), payment)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestGrantAfterPaymentWithoutCourseIsNoOp(t *testing.T) {
	grantor, _, _, publisher := newTestGrantor(t)

	payment := completedPayment(42, 1)
	payment.CourseID = nil

	enrollment, err := grantor.GrantAfterPayment(context.Background(), payment)
	require.NoError(t, err)
	assert.Nil(t, enrollment)
	assert.Equal(t, 0, publisher.grantedCount())
}

func TestGrantIsIdempotent(t *testing.T) {
	grantor, _, courses, publisher := newTestGrantor(t)

	first, err := grantor.GrantAfterPayment(context.Background(), completedPayment(42, 1))
	require.NoError(t, err)

	// Checkout path, webhook path and event consumer may all call this.
	second, err := grantor.GrantAfterPayment(context.Background(), completedPayment(42, 1))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, courses.count(1))
	assert.Equal(t, 1, publisher.grantedCount())
}

func TestConcurrentGrantsProduceOneEnrollment(t *testing.T) {
	grantor, enrollments, courses, _ := newTestGrantor(t)

	var wg sync.WaitGroup
	results := make([]*models.Enrollment, 10)
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = grantor.GrantAfterPayment(context.Background(), completedPayment(42, 1))
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		require.NoError(t, errs[i])
		require.NotNil(t, r)
		assert.Equal(t, results[0].ID, r.ID)
	}
	assert.Equal(t, 1, courses.count(1))
	assert.Len(t, enrollments.byID, 1)
}

func TestGrantReactivatesDroppedEnrollment(t *testing.T) {
	grantor, enrollments, courses, _ := newTestGrantor(t)

	first, err := grantor.GrantAfterPayment(context.Background(), completedPayment(42, 1))
	require.NoError(t, err)

	applied, err := enrollments.UpdateEnrollmentStatus(context.Background(), first.ID,
		[]string{models.EnrollmentStatusEnrolled}, models.EnrollmentStatusDropped)
	require.NoError(t, err)
	require.True(t, applied)
	require.NoError(t, courses.DecrementEnrollmentCount(context.Background(), 1))

	// Re-purchase reuses the dropped row rather than inserting a second one.
	second, err := grantor.GrantAfterPayment(context.Background(), completedPayment(42, 1))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.EnrollmentStatusEnrolled, second.Status)
	assert.Equal(t, 1, courses.count(1))
	assert.Len(t, enrollments.byID, 1)
}

func TestEnrollFreeCourse(t *testing.T) {
	grantor, _, courses, _ := newTestGrantor(t, &models.Course{
		ID:          2,
		Title:       "Open Intro Course",
		Price:       decimal.Zero,
		IsPublished: true,
		IsActive:    true,
	})

	enrollment, err := grantor.Enroll(context.Background(), 42, 2)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusEnrolled, enrollment.Status)
	assert.Equal(t, 1, courses.count(2))
}

func TestEnrollPaidCourseRequiresPayment(t *testing.T) {
	grantor, _, _, _ := newTestGrantor(t)

	_, err := grantor.Enroll(context.Background(), 42, 1)
	assert.ErrorIs(t, err, ErrPaymentRequired)
}

func TestEnrollUnavailableCourse(t *testing.T) {
	grantor, _, _, _ := newTestGrantor(t, &models.Course{
		ID:          3,
		Price:       decimal.Zero,
		IsPublished: true,
		IsActive:    false,
	})

	_, err := grantor.Enroll(context.Background(), 42, 3)
	assert.ErrorIs(t, err, ErrCourseUnavailable)
}
