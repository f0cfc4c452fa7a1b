package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"coursepay/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when an insert violates a unique constraint.
	// Callers on the enrollment grant path treat it as "already granted".
	ErrDuplicate = errors.New("duplicate")
)

const uniqueViolation = "23505"

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

func translateErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return ErrDuplicate
	}
	return err
}

// GetCourseByID retrieves a course by ID
func (s *Store) GetCourseByID(ctx context.Context, id int64) (*models.Course, error) {
	var course models.Course
	err := s.db.GetContext(ctx, &course, "SELECT * FROM courses WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("course %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &course, nil
}

// IncrementEnrollmentCount bumps the denormalized counter on a course.
// Best-effort; the enrollment rows remain the source of truth.
func (s *Store) IncrementEnrollmentCount(ctx context.Context, courseID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE courses SET enrollment_count = enrollment_count + 1, updated_at = NOW() WHERE id = $1",
		courseID)
	return err
}

// DecrementEnrollmentCount lowers the counter, floored at zero.
func (s *Store) DecrementEnrollmentCount(ctx context.Context, courseID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE courses SET enrollment_count = GREATEST(enrollment_count - 1, 0), updated_at = NOW() WHERE id = $1",
		courseID)
	return err
}
