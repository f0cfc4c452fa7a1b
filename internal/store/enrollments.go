package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"coursepay/internal/models"

	"github.com/lib/pq"
)

// CreateEnrollment inserts a new enrollment. Returns ErrDuplicate when the
// (student_id, course_id) unique constraint fires; the grant path relies on
// that to arbitrate races.
func (s *Store) CreateEnrollment(ctx context.Context, enrollment *models.Enrollment) error {
	query := `
		INSERT INTO enrollments (student_id, course_id, status, progress, enrollment_date)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`

	err := s.db.GetContext(ctx, enrollment, query,
		enrollment.StudentID, enrollment.CourseID, enrollment.Status,
		enrollment.Progress, enrollment.EnrollmentDate)
	if err != nil {
		return translateErr(err)
	}
	return nil
}

// GetEnrollment retrieves the enrollment for a (student, course) pair
func (s *Store) GetEnrollment(ctx context.Context, studentID, courseID int64) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	err := s.db.GetContext(ctx, &enrollment,
		"SELECT * FROM enrollments WHERE student_id = $1 AND course_id = $2", studentID, courseID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("enrollment (%d, %d): %w", studentID, courseID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// GetEnrollmentByID retrieves an enrollment by primary key
func (s *Store) GetEnrollmentByID(ctx context.Context, id int64) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	err := s.db.GetContext(ctx, &enrollment, "SELECT * FROM enrollments WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("enrollment %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// GetEnrollmentsByStudentID retrieves a student's enrollments, newest first
func (s *Store) GetEnrollmentsByStudentID(ctx context.Context, studentID int64) ([]models.Enrollment, error) {
	var enrollments []models.Enrollment
	err := s.db.SelectContext(ctx, &enrollments,
		"SELECT * FROM enrollments WHERE student_id = $1 ORDER BY enrollment_date DESC", studentID)
	return enrollments, err
}

// ListEnrollmentsFilter narrows ListEnrollments. Zero values mean "no filter".
type ListEnrollmentsFilter struct {
	CourseID  int64
	StudentID int64
	Status    string
}

// ListEnrollments retrieves enrollments for the admin view, newest first
func (s *Store) ListEnrollments(ctx context.Context, f ListEnrollmentsFilter, limit, offset int) ([]models.Enrollment, int, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.CourseID != 0 {
		where += " AND course_id = " + arg(f.CourseID)
	}
	if f.StudentID != 0 {
		where += " AND student_id = " + arg(f.StudentID)
	}
	if f.Status != "" {
		where += " AND status = " + arg(f.Status)
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM enrollments "+where, args...); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf("SELECT * FROM enrollments %s ORDER BY enrollment_date DESC LIMIT %s OFFSET %s",
		where, arg(limit), arg(offset))

	var enrollments []models.Enrollment
	if err := s.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, 0, err
	}
	return enrollments, total, nil
}

// EnrollmentStats aggregates a course's enrollments. AverageRating covers
// rated enrollments only; zero when nobody has rated yet.
type EnrollmentStats struct {
	CourseID        int64   `db:"-" json:"course_id"`
	Total           int     `db:"total" json:"total"`
	Active          int     `db:"active" json:"active"`
	Completed       int     `db:"completed" json:"completed"`
	Dropped         int     `db:"dropped" json:"dropped"`
	AverageProgress float64 `db:"average_progress" json:"average_progress"`
	AverageRating   float64 `db:"average_rating" json:"average_rating"`
}

// GetCourseEnrollmentStats aggregates enrollment counts, progress and rating
// for one course
func (s *Store) GetCourseEnrollmentStats(ctx context.Context, courseID int64) (*EnrollmentStats, error) {
	var stats EnrollmentStats
	err := s.db.GetContext(ctx, &stats,
		`SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = ANY($2)) AS active,
			COUNT(*) FILTER (WHERE status = $3) AS completed,
			COUNT(*) FILTER (WHERE status = $4) AS dropped,
			COALESCE(AVG(progress), 0) AS average_progress,
			COALESCE(AVG(rating), 0) AS average_rating
		 FROM enrollments WHERE course_id = $1`,
		courseID,
		pq.Array([]string{models.EnrollmentStatusEnrolled, models.EnrollmentStatusInProgress}),
		models.EnrollmentStatusCompleted, models.EnrollmentStatusDropped)
	if err != nil {
		return nil, err
	}
	stats.CourseID = courseID
	return &stats, nil
}

// UpdateEnrollmentStatus moves an enrollment from one of the allowed source
// statuses to the target status. Same conditional-write discipline as
// payments: the refund path and an admin drop can race without double
// decrementing the course counter.
func (s *Store) UpdateEnrollmentStatus(ctx context.Context, enrollmentID int64, from []string, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE enrollments SET status = $1, updated_at = NOW()
		 WHERE id = $2 AND status = ANY($3)`,
		to, enrollmentID, pq.Array(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CompleteEnrollment marks an enrollment completed at full progress and
// stamps the completion date once. Replays against an already-completed
// enrollment match no row and report applied == false.
func (s *Store) CompleteEnrollment(ctx context.Context, enrollmentID int64, completedAt time.Time) (bool, error) {
	from := []string{models.EnrollmentStatusEnrolled, models.EnrollmentStatusInProgress}
	res, err := s.db.ExecContext(ctx,
		`UPDATE enrollments SET status = $1, progress = 100, completion_date = COALESCE(completion_date, $2), updated_at = NOW()
		 WHERE id = $3 AND status = ANY($4)`,
		models.EnrollmentStatusCompleted, completedAt, enrollmentID, pq.Array(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateEnrollmentProgress sets the progress percentage [0,100]
func (s *Store) UpdateEnrollmentProgress(ctx context.Context, enrollmentID int64, progress int, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE enrollments SET progress = $1, status = $2, updated_at = NOW() WHERE id = $3",
		progress, status, enrollmentID)
	return err
}

// RateEnrollment records a student's rating and review
func (s *Store) RateEnrollment(ctx context.Context, enrollmentID int64, rating int, review string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE enrollments SET rating = $1, review = $2, updated_at = NOW() WHERE id = $3",
		rating, review, enrollmentID)
	return err
}
