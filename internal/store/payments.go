package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"coursepay/internal/models"

	"github.com/lib/pq"
)

// CreatePayment creates a new payment row in pending status
func (s *Store) CreatePayment(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (user_id, course_id, amount, currency, payment_method, gateway, idempotency_key, status, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`

	err := s.db.GetContext(ctx, payment, query,
		payment.UserID, payment.CourseID, payment.Amount, payment.Currency,
		payment.PaymentMethod, payment.Gateway, payment.IdempotencyKey,
		payment.Status, payment.Description)
	if err != nil {
		return translateErr(err)
	}
	return nil
}

// GetPaymentByID retrieves a payment by ID
func (s *Store) GetPaymentByID(ctx context.Context, id int64) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment, "SELECT * FROM payments WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("payment %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetPaymentByTransactionID retrieves a payment by its gateway transaction id.
// Webhooks identify payments this way, never by internal id.
func (s *Store) GetPaymentByTransactionID(ctx context.Context, txID string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment, "SELECT * FROM payments WHERE transaction_id = $1", txID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("transaction %s: %w", txID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// SetIdempotencyKey records the derived idempotency key for a payment
func (s *Store) SetIdempotencyKey(ctx context.Context, paymentID int64, key string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE payments SET idempotency_key = $1, updated_at = NOW() WHERE id = $2",
		key, paymentID)
	return err
}

// ClaimTransactionID sets the gateway transaction id if it is unset, or leaves
// it untouched if already set to the same value. Returns false when another
// transaction id already owns the payment.
func (s *Store) ClaimTransactionID(ctx context.Context, paymentID int64, txID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET transaction_id = $1, updated_at = NOW()
		 WHERE id = $2 AND (transaction_id IS NULL OR transaction_id = '' OR transaction_id = $1)`,
		txID, paymentID)
	if err != nil {
		return false, translateErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TransitionPaymentStatus moves a payment from one of the allowed source
// statuses to the target status. The conditional WHERE clause is what makes
// concurrent webhook delivery and checkout completion safe: exactly one
// caller wins, the rest observe applied == false.
func (s *Store) TransitionPaymentStatus(ctx context.Context, paymentID int64, from []string, to string, capturedAt *time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET status = $1, captured_at = COALESCE($2, captured_at), updated_at = NOW()
		 WHERE id = $3 AND status = ANY($4)`,
		to, capturedAt, paymentID, pq.Array(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListPaymentsFilter narrows ListPayments. Zero values mean "no filter".
type ListPaymentsFilter struct {
	Status   string
	UserID   int64
	CourseID int64
	DateFrom *time.Time
	DateTo   *time.Time
}

// ListPayments retrieves payments for the admin view, newest first
func (s *Store) ListPayments(ctx context.Context, f ListPaymentsFilter, limit, offset int) ([]models.Payment, int, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Status != "" {
		where += " AND status = " + arg(f.Status)
	}
	if f.UserID != 0 {
		where += " AND user_id = " + arg(f.UserID)
	}
	if f.CourseID != 0 {
		where += " AND course_id = " + arg(f.CourseID)
	}
	if f.DateFrom != nil {
		where += " AND created_at >= " + arg(*f.DateFrom)
	}
	if f.DateTo != nil {
		where += " AND created_at <= " + arg(*f.DateTo)
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM payments "+where, args...); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf("SELECT * FROM payments %s ORDER BY created_at DESC LIMIT %s OFFSET %s",
		where, arg(limit), arg(offset))

	var payments []models.Payment
	if err := s.db.SelectContext(ctx, &payments, query, args...); err != nil {
		return nil, 0, err
	}
	return payments, total, nil
}

// GetPaymentsByUserID retrieves a payer's payment history, newest first
func (s *Store) GetPaymentsByUserID(ctx context.Context, userID int64) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.SelectContext(ctx, &payments,
		"SELECT * FROM payments WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return payments, err
}

// ListStuckPayments finds pending payments with a claimed transaction id that
// have not advanced within the given age. The reconciliation sweep feeds them
// back through the ledger.
func (s *Store) ListStuckPayments(ctx context.Context, olderThan time.Duration, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.SelectContext(ctx, &payments,
		`SELECT * FROM payments
		 WHERE status = $1 AND transaction_id IS NOT NULL AND transaction_id <> ''
		   AND updated_at < NOW() - ($2 * INTERVAL '1 second')
		 ORDER BY updated_at ASC LIMIT $3`,
		models.PaymentStatusPending, int(olderThan.Seconds()), limit)
	return payments, err
}

// RecordWebhookEvent appends an entry to a payment's webhook audit trail
func (s *Store) RecordWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	query := `
		INSERT INTO payment_webhook_events (payment_id, gateway, event_type, status, applied)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, received_at`

	return s.db.GetContext(ctx, event, query,
		event.PaymentID, event.Gateway, event.EventType, event.Status, event.Applied)
}

// GetWebhookEventsByPaymentID returns a payment's webhook audit trail
func (s *Store) GetWebhookEventsByPaymentID(ctx context.Context, paymentID int64) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := s.db.SelectContext(ctx, &events,
		"SELECT * FROM payment_webhook_events WHERE payment_id = $1 ORDER BY received_at ASC", paymentID)
	return events, err
}

// CreateRefund records a refund. The unique constraint on payment_id keeps
// a payment from being refunded twice.
func (s *Store) CreateRefund(ctx context.Context, refund *models.Refund) error {
	query := `
		INSERT INTO refunds (payment_id, refund_id, amount, reason, partial)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	err := s.db.GetContext(ctx, refund, query,
		refund.PaymentID, refund.RefundID, refund.Amount, refund.Reason, refund.Partial)
	if err != nil {
		return translateErr(err)
	}
	return nil
}

// GetRefundByPaymentID retrieves the refund for a payment, if any
func (s *Store) GetRefundByPaymentID(ctx context.Context, paymentID int64) (*models.Refund, error) {
	var refund models.Refund
	err := s.db.GetContext(ctx, &refund, "SELECT * FROM refunds WHERE payment_id = $1", paymentID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("refund for payment %d: %w", paymentID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &refund, nil
}
