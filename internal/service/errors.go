package service

import "errors"

var (
	// ErrInvalidAmount rejects a checkout or refund amount before any
	// gateway call happens.
	ErrInvalidAmount = errors.New("invalid payment amount")

	// ErrIllegalTransition guards the payment state machine. It should not
	// occur in correct operation and is surfaced as an internal error.
	ErrIllegalTransition = errors.New("illegal payment status transition")

	// ErrNotRefundable is returned when the payment is not in completed
	// status, or a concurrent refund already won.
	ErrNotRefundable = errors.New("payment is not refundable")

	// ErrCourseUnavailable is returned for unpublished or inactive courses.
	ErrCourseUnavailable = errors.New("course is not available for enrollment")

	// ErrPaymentRequired is returned when the free-enrollment path is used
	// on a priced course.
	ErrPaymentRequired = errors.New("course requires payment")

	// ErrForbidden is returned when a caller acts on someone else's
	// payment or enrollment.
	ErrForbidden = errors.New("resource does not belong to caller")
)
