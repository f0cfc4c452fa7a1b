package service

import (
	"context"
	"errors"
	"time"

	"coursepay/internal/gateway"
	"coursepay/internal/idempotency"
	"coursepay/internal/models"
	"coursepay/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CheckoutService drives the synchronous payment flow: open a pending
// payment, execute the charge behind the idempotency guard, record the
// outcome in the ledger. The webhook path converges on the same ledger, so
// a timed-out call here is left pending, never assumed failed.
type CheckoutService struct {
	ledger         *PaymentLedger
	guard          *idempotency.Guard
	gateways       *gateway.Registry
	gatewayTimeout time.Duration
	logger         *zap.Logger
}

// NewCheckoutService creates a checkout service
func NewCheckoutService(ledger *PaymentLedger, guard *idempotency.Guard, gateways *gateway.Registry, gatewayTimeout time.Duration) *CheckoutService {
	return &CheckoutService{
		ledger:         ledger,
		guard:          guard,
		gateways:       gateways,
		gatewayTimeout: gatewayTimeout,
		logger:         util.GetLogger(),
	}
}

// ProcessPaymentRequest represents a checkout request. The payer identity
// never comes from the body; the transport layer sets it from the
// authenticated caller.
type ProcessPaymentRequest struct {
	UserID        int64             `json:"-"`
	CourseID      *int64            `json:"course_id,omitempty"`
	Amount        decimal.Decimal   `json:"amount" binding:"required"`
	Currency      string            `json:"currency" binding:"required"`
	PaymentMethod string            `json:"payment_method" binding:"required"`
	Description   string            `json:"description,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ProcessPaymentResponse is returned to the checkout caller
type ProcessPaymentResponse struct {
	Payment     *models.Payment `json:"payment"`
	RedirectURL string          `json:"redirect_url,omitempty"`
	Gateway     string          `json:"gateway"`
}

// ProcessPayment runs the checkout flow. On a gateway transport failure the
// returned error is non-nil but the response still carries the pending
// payment; a retry or the reconciliation sweep finishes the job later.
func (s *CheckoutService) ProcessPayment(ctx context.Context, req *ProcessPaymentRequest) (*ProcessPaymentResponse, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.ProcessPayment")
	defer span.End()

	adapter, err := s.gateways.ForMethod(req.PaymentMethod)
	if err != nil {
		return nil, err
	}

	payment, err := s.ledger.Create(ctx, CreatePaymentRequest{
		UserID:        req.UserID,
		CourseID:      req.CourseID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		PaymentMethod: req.PaymentMethod,
		Gateway:       adapter.Name(),
		Description:   req.Description,
	})
	if err != nil {
		return nil, err
	}

	key := idempotency.Key(payment.ID, 1)
	if err := s.ledger.SetIdempotencyKey(ctx, payment, key); err != nil {
		s.logger.Error("Failed to persist idempotency key",
			zap.Int64("payment_id", payment.ID), zap.Error(err))
	}

	return s.execute(ctx, adapter, payment, key, req.Metadata)
}

// RetryPayment re-drives a pending payment through the guard with the key
// persisted at creation. Reusing the stored key is what makes the retry
// safe: a charge that already resolved replays from the cache, a concurrent
// retry backs off, and only a genuinely unexecuted attempt reaches the
// gateway again.
func (s *CheckoutService) RetryPayment(ctx context.Context, userID, paymentID int64) (*ProcessPaymentResponse, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.RetryPayment")
	defer span.End()

	payment, err := s.ledger.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if userID != 0 && payment.UserID != userID {
		return nil, ErrForbidden
	}

	adapter, err := s.gateways.ByName(payment.Gateway)
	if err != nil {
		return nil, err
	}

	resp := &ProcessPaymentResponse{Payment: payment, Gateway: adapter.Name()}

	if payment.IsTerminal() {
		// Completed, failed and refunded are settled; report as-is.
		return resp, nil
	}
	if payment.TransactionID != "" {
		// Already submitted upstream; the webhook or the reconciliation
		// sweep settles it. Charging again would mint a second provider
		// transaction.
		return resp, nil
	}

	key := payment.IdempotencyKey
	if key == "" {
		key = idempotency.Key(payment.ID, 1)
		if err := s.ledger.SetIdempotencyKey(ctx, payment, key); err != nil {
			s.logger.Error("Failed to persist idempotency key",
				zap.Int64("payment_id", payment.ID), zap.Error(err))
		}
	}

	s.logger.Info("Retrying payment attempt",
		zap.Int64("payment_id", payment.ID),
		zap.String("idempotency_key", key))

	return s.execute(ctx, adapter, payment, key, nil)
}

// execute runs the guarded charge and records its outcome in the ledger
func (s *CheckoutService) execute(ctx context.Context, adapter gateway.Adapter, payment *models.Payment, key string, metadata map[string]string) (*ProcessPaymentResponse, error) {
	resp := &ProcessPaymentResponse{Payment: payment, Gateway: adapter.Name()}

	result, cached, err := s.guard.Do(ctx, key, func(ctx context.Context) (*gateway.Result, error) {
		return s.charge(ctx, adapter, payment, metadata)
	})
	if errors.Is(err, idempotency.ErrAttemptInProgress) {
		// Another request is executing this attempt; report the payment as
		// it stands and let that caller finish.
		s.logger.Info("Checkout attempt already in flight",
			zap.Int64("payment_id", payment.ID))
		return resp, nil
	}
	if err != nil {
		// Transport failure: the charge may or may not have happened on the
		// provider side. The payment stays pending for the webhook, a retry
		// or the reconciliation sweep to settle; no compensating action here.
		s.logger.Warn("Gateway call failed, payment left pending",
			zap.Int64("payment_id", payment.ID),
			zap.Error(err))
		return resp, err
	}

	if cached {
		s.logger.Info("Checkout replayed from idempotency cache",
			zap.Int64("payment_id", payment.ID),
			zap.String("transaction_id", result.TransactionID))
	}

	updated, _, err := s.ledger.RecordGatewayResult(ctx, payment.ID,
		result.TransactionID, result.Status, result.FailureReason)
	if err != nil {
		return resp, err
	}

	resp.Payment = updated
	resp.RedirectURL = result.RedirectURL
	return resp, nil
}

func (s *CheckoutService) charge(ctx context.Context, adapter gateway.Adapter, payment *models.Payment, metadata map[string]string) (*gateway.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		util.GatewayCallLatency.WithLabelValues(adapter.Name(), "process").
			Observe(time.Since(start).Seconds())
	}()

	return adapter.ProcessPayment(ctx, gateway.Request{
		PaymentID: payment.ID,
		Amount:    payment.Amount,
		Currency:  payment.Currency,
		Method:    payment.PaymentMethod,
		Metadata:  metadata,
	})
}
