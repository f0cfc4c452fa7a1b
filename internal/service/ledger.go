package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"coursepay/internal/models"
	"coursepay/internal/store"
	"coursepay/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CompletionHook runs when a payment reaches completed for the first time.
// Hooks must be idempotent; the same completion can also be re-driven from
// the event stream.
type CompletionHook func(ctx context.Context, payment *models.Payment)

// PaymentLedger owns Payment rows and their status transitions. It is the
// single source of truth for whether money has been captured or refunded;
// every path (checkout, webhook, reconciliation sweep, admin confirm) funnels
// through RecordGatewayResult.
type PaymentLedger struct {
	payments  PaymentStore
	courses   CourseStore
	publisher Publisher
	logger    *zap.Logger

	mu    sync.RWMutex
	hooks []CompletionHook
}

// NewPaymentLedger creates a payment ledger
func NewPaymentLedger(payments PaymentStore, courses CourseStore, publisher Publisher) *PaymentLedger {
	return &PaymentLedger{
		payments:  payments,
		courses:   courses,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// OnCompleted registers a hook invoked on first transition into completed
func (l *PaymentLedger) OnCompleted(hook CompletionHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, hook)
}

// CreatePaymentRequest carries the checkout input for a new payment
type CreatePaymentRequest struct {
	UserID        int64
	CourseID      *int64
	Amount        decimal.Decimal
	Currency      string
	PaymentMethod string
	Gateway       string
	Description   string
}

// Create opens a pending payment. The amount must be positive and, for a
// priced course, equal the course's current price; the amount is immutable
// afterwards.
func (l *PaymentLedger) Create(ctx context.Context, req CreatePaymentRequest) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentLedger.Create")
	defer span.End()

	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("amount must be greater than zero: %w", ErrInvalidAmount)
	}

	if req.CourseID != nil {
		course, err := l.courses.GetCourseByID(ctx, *req.CourseID)
		if err != nil {
			return nil, fmt.Errorf("failed to load course %d: %w", *req.CourseID, err)
		}
		if !course.IsPublished || !course.IsActive {
			return nil, ErrCourseUnavailable
		}
		if course.Price.IsPositive() && !req.Amount.Equal(course.Price) {
			return nil, fmt.Errorf("amount %s does not match course price %s: %w",
				req.Amount.StringFixed(2), course.Price.StringFixed(2), ErrInvalidAmount)
		}
	}

	payment := &models.Payment{
		UserID:        req.UserID,
		CourseID:      req.CourseID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		PaymentMethod: req.PaymentMethod,
		Gateway:       req.Gateway,
		Status:        models.PaymentStatusPending,
		Description:   req.Description,
	}

	if err := l.payments.CreatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}

	util.PaymentsCreatedTotal.Inc()
	l.logger.Info("Payment created",
		zap.Int64("payment_id", payment.ID),
		zap.Int64("user_id", payment.UserID),
		zap.String("amount", payment.Amount.StringFixed(2)))

	return payment, nil
}

// SetIdempotencyKey records the key derived for the payment's first attempt
func (l *PaymentLedger) SetIdempotencyKey(ctx context.Context, payment *models.Payment, key string) error {
	if err := l.payments.SetIdempotencyKey(ctx, payment.ID, key); err != nil {
		return fmt.Errorf("failed to record idempotency key: %w", err)
	}
	payment.IdempotencyKey = key
	return nil
}

// GetPayment retrieves a payment by ID
func (l *PaymentLedger) GetPayment(ctx context.Context, id int64) (*models.Payment, error) {
	return l.payments.GetPaymentByID(ctx, id)
}

// FindByTransactionID looks a payment up by its gateway transaction id.
// This is the webhook path's only way in.
func (l *PaymentLedger) FindByTransactionID(ctx context.Context, txID string) (*models.Payment, error) {
	return l.payments.GetPaymentByTransactionID(ctx, txID)
}

// RecordGatewayResult applies a gateway-reported outcome to the payment state
// machine. It is idempotent: replaying the same (transactionID, status) pair
// is a no-op, and a stale non-terminal status never regresses a terminal one.
// applied reports whether this call changed the persisted status.
func (l *PaymentLedger) RecordGatewayResult(ctx context.Context, paymentID int64, txID, status, reason string) (payment *models.Payment, applied bool, err error) {
	ctx, span := util.StartSpan(ctx, "PaymentLedger.RecordGatewayResult")
	defer span.End()

	payment, err = l.payments.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, false, err
	}

	if txID != "" {
		if payment.TransactionID != "" && payment.TransactionID != txID {
			return nil, false, fmt.Errorf("payment %d already bound to transaction %s: %w",
				paymentID, payment.TransactionID, ErrIllegalTransition)
		}
		claimed, err := l.payments.ClaimTransactionID(ctx, paymentID, txID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to claim transaction id: %w", err)
		}
		if !claimed {
			// Lost a race against a different transaction id.
			return nil, false, fmt.Errorf("payment %d transaction id contended: %w",
				paymentID, ErrIllegalTransition)
		}
		payment.TransactionID = txID
	}

	switch status {
	case models.PaymentStatusCompleted:
		now := time.Now()
		applied, err = l.payments.TransitionPaymentStatus(ctx, paymentID,
			[]string{models.PaymentStatusPending}, models.PaymentStatusCompleted, &now)
		if err != nil {
			return nil, false, err
		}
		if !applied {
			return l.tolerateReplay(ctx, paymentID, models.PaymentStatusCompleted)
		}

		payment.Status = models.PaymentStatusCompleted
		payment.CapturedAt = &now
		util.PaymentsCompletedTotal.Inc()
		l.logger.Info("Payment completed",
			zap.Int64("payment_id", paymentID),
			zap.String("transaction_id", txID))

		l.publishCompleted(ctx, payment)
		l.runCompletionHooks(ctx, payment)
		return payment, true, nil

	case models.PaymentStatusFailed:
		applied, err = l.payments.TransitionPaymentStatus(ctx, paymentID,
			[]string{models.PaymentStatusPending}, models.PaymentStatusFailed, nil)
		if err != nil {
			return nil, false, err
		}
		if !applied {
			return l.tolerateReplay(ctx, paymentID, models.PaymentStatusFailed)
		}

		payment.Status = models.PaymentStatusFailed
		util.PaymentsFailedTotal.WithLabelValues(failureReason(reason)).Inc()
		l.logger.Warn("Payment failed",
			zap.Int64("payment_id", paymentID),
			zap.String("reason", reason))

		l.publishFailed(ctx, payment, reason)
		return payment, true, nil

	case models.PaymentStatusPending:
		// Duplicate or stale "pending" notifications are expected noise.
		return payment, false, nil

	default:
		return nil, false, fmt.Errorf("unknown gateway status %q: %w", status, ErrIllegalTransition)
	}
}

// tolerateReplay decides whether a lost transition was a redelivery (no-op)
// or a genuinely forbidden move.
func (l *PaymentLedger) tolerateReplay(ctx context.Context, paymentID int64, wanted string) (*models.Payment, bool, error) {
	payment, err := l.payments.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, false, err
	}

	switch payment.Status {
	case wanted:
		// Same outcome applied twice; webhooks get redelivered.
		return payment, false, nil
	case models.PaymentStatusCompleted, models.PaymentStatusRefunded:
		// Stale failure or pending after capture: never regress a terminal
		// status.
		l.logger.Info("Ignoring stale gateway result",
			zap.Int64("payment_id", paymentID),
			zap.String("current", payment.Status),
			zap.String("wanted", wanted))
		return payment, false, nil
	default:
		return nil, false, fmt.Errorf("cannot move payment %d from %s to %s: %w",
			paymentID, payment.Status, wanted, ErrIllegalTransition)
	}
}

func (l *PaymentLedger) runCompletionHooks(ctx context.Context, payment *models.Payment) {
	l.mu.RLock()
	hooks := l.hooks
	l.mu.RUnlock()

	for _, hook := range hooks {
		hook(ctx, payment)
	}
}

func (l *PaymentLedger) publishCompleted(ctx context.Context, payment *models.Payment) {
	event := &models.PaymentCompletedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePaymentCompleted,
			Timestamp: time.Now(),
		},
		PaymentID:     payment.ID,
		UserID:        payment.UserID,
		CourseID:      payment.CourseID,
		Amount:        payment.Amount,
		Currency:      payment.Currency,
		TransactionID: payment.TransactionID,
	}
	if err := l.publisher.PublishPaymentCompleted(ctx, event); err != nil {
		l.logger.Error("Failed to publish PaymentCompleted event", zap.Error(err))
	}
}

func (l *PaymentLedger) publishFailed(ctx context.Context, payment *models.Payment, reason string) {
	event := &models.PaymentFailedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePaymentFailed,
			Timestamp: time.Now(),
		},
		PaymentID:     payment.ID,
		UserID:        payment.UserID,
		TransactionID: payment.TransactionID,
		Reason:        reason,
	}
	if err := l.publisher.PublishPaymentFailed(ctx, event); err != nil {
		l.logger.Error("Failed to publish PaymentFailed event", zap.Error(err))
	}
}

func failureReason(reason string) string {
	if reason == "" {
		return "declined"
	}
	return reason
}

// ListPayments retrieves payments for the admin view
func (l *PaymentLedger) ListPayments(ctx context.Context, f store.ListPaymentsFilter, limit, offset int) ([]models.Payment, int, error) {
	return l.payments.ListPayments(ctx, f, limit, offset)
}

// UserPayments retrieves a payer's history
func (l *PaymentLedger) UserPayments(ctx context.Context, userID int64) ([]models.Payment, error) {
	return l.payments.GetPaymentsByUserID(ctx, userID)
}

// Receipt is a read-only projection of a payment and its side records
type Receipt struct {
	Payment       *models.Payment       `json:"payment"`
	CourseTitle   string                `json:"course_title,omitempty"`
	Refund        *models.Refund        `json:"refund,omitempty"`
	WebhookEvents []models.WebhookEvent `json:"webhook_events,omitempty"`
}

// GetReceipt assembles the receipt projection for a payment
func (l *PaymentLedger) GetReceipt(ctx context.Context, paymentID int64) (*Receipt, error) {
	payment, err := l.payments.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	receipt := &Receipt{Payment: payment}

	if payment.CourseID != nil {
		if course, err := l.courses.GetCourseByID(ctx, *payment.CourseID); err == nil {
			receipt.CourseTitle = course.Title
		}
	}

	refund, err := l.payments.GetRefundByPaymentID(ctx, paymentID)
	switch {
	case err == nil:
		receipt.Refund = refund
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	events, err := l.payments.GetWebhookEventsByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	receipt.WebhookEvents = events

	return receipt, nil
}
