package service

import (
	"context"
	"sync"
	"time"

	"coursepay/internal/models"
	"coursepay/internal/store"
)

// fakePaymentStore mirrors the conditional-write semantics of the SQL layer:
// transitions only apply when the current status is in the from-set, and a
// transaction id can be claimed at most once.
type fakePaymentStore struct {
	mu       sync.Mutex
	nextID   int64
	payments map[int64]*models.Payment
	webhooks []models.WebhookEvent
	refunds  map[int64]*models.Refund
}

func newFakePaymentStore() *fakePaymentStore {
	return &fakePaymentStore{
		payments: make(map[int64]*models.Payment),
		refunds:  make(map[int64]*models.Refund),
	}
}

func (f *fakePaymentStore) CreatePayment(_ context.Context, payment *models.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	payment.ID = f.nextID
	payment.CreatedAt = time.Now()
	payment.UpdatedAt = payment.CreatedAt
	cp := *payment
	f.payments[payment.ID] = &cp
	return nil
}

func (f *fakePaymentStore) GetPaymentByID(_ context.Context, id int64) (*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakePaymentStore) GetPaymentByTransactionID(_ context.Context, txID string) (*models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payments {
		if p.TransactionID == txID && txID != "" {
			cp := *p
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakePaymentStore) ClaimTransactionID(_ context.Context, paymentID int64, txID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[paymentID]
	if !ok {
		return false, store.ErrNotFound
	}
	if p.TransactionID != "" && p.TransactionID != txID {
		return false, nil
	}
	p.TransactionID = txID
	return true, nil
}

func (f *fakePaymentStore) SetIdempotencyKey(_ context.Context, paymentID int64, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[paymentID]
	if !ok {
		return store.ErrNotFound
	}
	p.IdempotencyKey = key
	return nil
}

func (f *fakePaymentStore) TransitionPaymentStatus(_ context.Context, paymentID int64, from []string, to string, capturedAt *time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[paymentID]
	if !ok {
		return false, store.ErrNotFound
	}
	for _, s := range from {
		if p.Status == s {
			p.Status = to
			if capturedAt != nil && p.CapturedAt == nil {
				p.CapturedAt = capturedAt
			}
			p.UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, nil
}

func (f *fakePaymentStore) ListPayments(_ context.Context, filter store.ListPaymentsFilter, limit, offset int) ([]models.Payment, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Payment
	for _, p := range f.payments {
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		out = append(out, *p)
	}
	return out, len(out), nil
}

func (f *fakePaymentStore) GetPaymentsByUserID(_ context.Context, userID int64) ([]models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Payment
	for _, p := range f.payments {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakePaymentStore) ListStuckPayments(_ context.Context, olderThan time.Duration, limit int) ([]models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var out []models.Payment
	for _, p := range f.payments {
		if p.Status == models.PaymentStatusPending && p.TransactionID != "" && p.UpdatedAt.Before(cutoff) {
			out = append(out, *p)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakePaymentStore) RecordWebhookEvent(_ context.Context, event *models.WebhookEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	event.ID = int64(len(f.webhooks) + 1)
	event.ReceivedAt = time.Now()
	f.webhooks = append(f.webhooks, *event)
	return nil
}

func (f *fakePaymentStore) GetWebhookEventsByPaymentID(_ context.Context, paymentID int64) ([]models.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.WebhookEvent
	for _, e := range f.webhooks {
		if e.PaymentID == paymentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakePaymentStore) CreateRefund(_ context.Context, refund *models.Refund) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.refunds[refund.PaymentID]; ok {
		return store.ErrDuplicate
	}
	refund.ID = int64(len(f.refunds) + 1)
	refund.CreatedAt = time.Now()
	cp := *refund
	f.refunds[refund.PaymentID] = &cp
	return nil
}

func (f *fakePaymentStore) GetRefundByPaymentID(_ context.Context, paymentID int64) (*models.Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.refunds[paymentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// backdate rewinds a payment's updated_at so it qualifies as stuck.
func (f *fakePaymentStore) backdate(paymentID int64, age time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.payments[paymentID]; ok {
		p.UpdatedAt = time.Now().Add(-age)
	}
}

type enrollmentKey struct {
	studentID int64
	courseID  int64
}

// fakeEnrollmentStore enforces the (student_id, course_id) uniqueness rule the
// same way the database constraint does.
type fakeEnrollmentStore struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*models.Enrollment
	byKey  map[enrollmentKey]int64
}

func newFakeEnrollmentStore() *fakeEnrollmentStore {
	return &fakeEnrollmentStore{
		byID:  make(map[int64]*models.Enrollment),
		byKey: make(map[enrollmentKey]int64),
	}
}

func (f *fakeEnrollmentStore) CreateEnrollment(_ context.Context, enrollment *models.Enrollment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := enrollmentKey{enrollment.StudentID, enrollment.CourseID}
	if _, ok := f.byKey[key]; ok {
		return store.ErrDuplicate
	}
	f.nextID++
	enrollment.ID = f.nextID
	enrollment.CreatedAt = time.Now()
	enrollment.UpdatedAt = enrollment.CreatedAt
	cp := *enrollment
	f.byID[enrollment.ID] = &cp
	f.byKey[key] = enrollment.ID
	return nil
}

func (f *fakeEnrollmentStore) GetEnrollment(_ context.Context, studentID, courseID int64) (*models.Enrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byKey[enrollmentKey{studentID, courseID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *f.byID[id]
	return &cp, nil
}

func (f *fakeEnrollmentStore) GetEnrollmentByID(_ context.Context, id int64) (*models.Enrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeEnrollmentStore) GetEnrollmentsByStudentID(_ context.Context, studentID int64) ([]models.Enrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Enrollment
	for _, e := range f.byID {
		if e.StudentID == studentID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeEnrollmentStore) ListEnrollments(_ context.Context, filter store.ListEnrollmentsFilter, limit, offset int) ([]models.Enrollment, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []models.Enrollment
	for _, e := range f.byID {
		if filter.CourseID != 0 && e.CourseID != filter.CourseID {
			continue
		}
		if filter.StudentID != 0 && e.StudentID != filter.StudentID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		matched = append(matched, *e)
	}
	total := len(matched)
	if offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func (f *fakeEnrollmentStore) GetCourseEnrollmentStats(_ context.Context, courseID int64) (*store.EnrollmentStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &store.EnrollmentStats{CourseID: courseID}
	var progressSum, ratingSum, rated int
	for _, e := range f.byID {
		if e.CourseID != courseID {
			continue
		}
		stats.Total++
		progressSum += e.Progress
		switch e.Status {
		case models.EnrollmentStatusEnrolled, models.EnrollmentStatusInProgress:
			stats.Active++
		case models.EnrollmentStatusCompleted:
			stats.Completed++
		case models.EnrollmentStatusDropped:
			stats.Dropped++
		}
		if e.Rating != nil {
			ratingSum += *e.Rating
			rated++
		}
	}
	if stats.Total > 0 {
		stats.AverageProgress = float64(progressSum) / float64(stats.Total)
	}
	if rated > 0 {
		stats.AverageRating = float64(ratingSum) / float64(rated)
	}
	return stats, nil
}

func (f *fakeEnrollmentStore) UpdateEnrollmentStatus(_ context.Context, enrollmentID int64, from []string, to string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byID[enrollmentID]
	if !ok {
		return false, store.ErrNotFound
	}
	for _, s := range from {
		if e.Status == s {
			e.Status = to
			e.UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeEnrollmentStore) CompleteEnrollment(_ context.Context, enrollmentID int64, completedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byID[enrollmentID]
	if !ok {
		return false, store.ErrNotFound
	}
	if e.Status != models.EnrollmentStatusEnrolled && e.Status != models.EnrollmentStatusInProgress {
		return false, nil
	}
	e.Status = models.EnrollmentStatusCompleted
	e.Progress = 100
	if e.CompletionDate == nil {
		e.CompletionDate = &completedAt
	}
	e.UpdatedAt = time.Now()
	return true, nil
}

func (f *fakeEnrollmentStore) UpdateEnrollmentProgress(_ context.Context, enrollmentID int64, progress int, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byID[enrollmentID]
	if !ok {
		return store.ErrNotFound
	}
	e.Progress = progress
	e.Status = status
	e.UpdatedAt = time.Now()
	return nil
}

func (f *fakeEnrollmentStore) RateEnrollment(_ context.Context, enrollmentID int64, rating int, review string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byID[enrollmentID]
	if !ok {
		return store.ErrNotFound
	}
	e.Rating = &rating
	e.Review = review
	e.UpdatedAt = time.Now()
	return nil
}

// fakeCourseStore tracks enrollment counters so tests can assert increments
// happen exactly once per grant.
type fakeCourseStore struct {
	mu      sync.Mutex
	courses map[int64]*models.Course
}

func newFakeCourseStore(courses ...*models.Course) *fakeCourseStore {
	f := &fakeCourseStore{courses: make(map[int64]*models.Course)}
	for _, c := range courses {
		cp := *c
		f.courses[c.ID] = &cp
	}
	return f
}

func (f *fakeCourseStore) GetCourseByID(_ context.Context, id int64) (*models.Course, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.courses[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCourseStore) IncrementEnrollmentCount(_ context.Context, courseID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.courses[courseID]; ok {
		c.EnrollmentCount++
	}
	return nil
}

func (f *fakeCourseStore) DecrementEnrollmentCount(_ context.Context, courseID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.courses[courseID]; ok && c.EnrollmentCount > 0 {
		c.EnrollmentCount--
	}
	return nil
}

func (f *fakeCourseStore) count(courseID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.courses[courseID]; ok {
		return c.EnrollmentCount
	}
	return 0
}

// fakePublisher records published events by type.
type fakePublisher struct {
	mu        sync.Mutex
	completed []*models.PaymentCompletedEvent
	failed    []*models.PaymentFailedEvent
	refunded  []*models.PaymentRefundedEvent
	granted   []*models.EnrollmentGrantedEvent
	dropped   []*models.EnrollmentDroppedEvent
}

func (f *fakePublisher) PublishPaymentCompleted(_ context.Context, e *models.PaymentCompletedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, e)
	return nil
}

func (f *fakePublisher) PublishPaymentFailed(_ context.Context, e *models.PaymentFailedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, e)
	return nil
}

func (f *fakePublisher) PublishPaymentRefunded(_ context.Context, e *models.PaymentRefundedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunded = append(f.refunded, e)
	return nil
}

func (f *fakePublisher) PublishEnrollmentGranted(_ context.Context, e *models.EnrollmentGrantedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.granted = append(f.granted, e)
	return nil
}

func (f *fakePublisher) PublishEnrollmentDropped(_ context.Context, e *models.EnrollmentDroppedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, e)
	return nil
}

func (f *fakePublisher) grantedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.granted)
}
