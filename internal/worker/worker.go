package worker

import (
	"context"

	"coursepay/internal/broker"
	"coursepay/internal/models"
	"coursepay/internal/service"
	"coursepay/internal/util"

	"go.uber.org/zap"
)

// EnrollmentWorker consumes PaymentCompleted events and re-drives the
// enrollment grant. The checkout and webhook paths already grant inline; this
// consumer is the async backstop that repairs a grant lost to a crash between
// the ledger write and the hook. Granting is idempotent, so overlap is safe.
type EnrollmentWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewEnrollmentWorker creates an enrollment worker
func NewEnrollmentWorker(
	consumer *broker.Consumer,
	ledger *service.PaymentLedger,
	grantor *service.EnrollmentGrantor,
) *EnrollmentWorker {
	logger := util.GetLogger()
	eventHandler := broker.NewEventHandler()

	eventHandler.OnPaymentCompleted(func(ctx context.Context, event *models.PaymentCompletedEvent) error {
		if event.CourseID == nil {
			return nil
		}

		// Re-read the payment so the grant sees current state, not the
		// event's snapshot.
		payment, err := ledger.GetPayment(ctx, event.PaymentID)
		if err != nil {
			logger.Error("Failed to load payment for enrollment grant",
				zap.Int64("payment_id", event.PaymentID),
				zap.Error(err))
			return err
		}
		if payment.Status != models.PaymentStatusCompleted {
			// Refunded (or otherwise moved on) before we got here.
			logger.Info("Skipping enrollment grant, payment no longer completed",
				zap.Int64("payment_id", payment.ID),
				zap.String("status", payment.Status))
			return nil
		}

		_, err = grantor.GrantAfterPayment(ctx, payment)
		return err
	})

	return &EnrollmentWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       logger,
	}
}

// Start starts the worker
func (w *EnrollmentWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting enrollment worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *EnrollmentWorker) Stop() error {
	w.logger.Info("Stopping enrollment worker")
	return w.consumer.Close()
}
