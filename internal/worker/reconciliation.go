package worker

import (
	"context"
	"time"

	"coursepay/internal/gateway"
	"coursepay/internal/service"
	"coursepay/internal/util"

	"go.uber.org/zap"
)

// ReconciliationWorker periodically queries the gateways for payments that
// have a transaction id but are still pending past the stuck-age threshold.
// This catches charges whose synchronous response was lost and whose webhook
// never arrived.
type ReconciliationWorker struct {
	ledger   *service.PaymentLedger
	payments service.PaymentStore
	gateways *gateway.Registry
	interval time.Duration
	stuckAge time.Duration
	logger   *zap.Logger
	stop     chan struct{}
}

// NewReconciliationWorker creates a reconciliation worker
func NewReconciliationWorker(
	ledger *service.PaymentLedger,
	payments service.PaymentStore,
	gateways *gateway.Registry,
	interval, stuckAge time.Duration,
) *ReconciliationWorker {
	return &ReconciliationWorker{
		ledger:   ledger,
		payments: payments,
		gateways: gateways,
		interval: interval,
		stuckAge: stuckAge,
		logger:   util.GetLogger(),
		stop:     make(chan struct{}),
	}
}

// Start runs the sweep loop until the context is cancelled or Stop is called
func (w *ReconciliationWorker) Start(ctx context.Context) {
	w.logger.Info("Starting reconciliation worker",
		zap.Duration("interval", w.interval),
		zap.Duration("stuck_age", w.stuckAge))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// Stop signals the sweep loop to exit
func (w *ReconciliationWorker) Stop() {
	close(w.stop)
}

func (w *ReconciliationWorker) sweep(ctx context.Context) {
	ctx, span := util.StartSpan(ctx, "ReconciliationWorker.sweep")
	defer span.End()

	util.ReconcileSweepsTotal.Inc()

	stuck, err := w.payments.ListStuckPayments(ctx, w.stuckAge, 100)
	if err != nil {
		w.logger.Error("Failed to list stuck payments", zap.Error(err))
		return
	}
	if len(stuck) == 0 {
		return
	}

	w.logger.Info("Reconciling stuck payments", zap.Int("count", len(stuck)))

	for _, payment := range stuck {
		adapter, err := w.gateways.ByName(payment.Gateway)
		if err != nil {
			w.logger.Warn("Stuck payment references unknown gateway",
				zap.Int64("payment_id", payment.ID),
				zap.String("gateway", payment.Gateway))
			continue
		}

		checker, ok := adapter.(gateway.StatusChecker)
		if !ok {
			// Offline gateways settle through admin confirmation instead.
			continue
		}

		status, err := checker.CheckStatus(ctx, payment.TransactionID)
		if err != nil {
			w.logger.Warn("Status query failed",
				zap.Int64("payment_id", payment.ID),
				zap.Error(err))
			continue
		}

		_, applied, err := w.ledger.RecordGatewayResult(ctx,
			payment.ID, payment.TransactionID, status, "reconciliation")
		if err != nil {
			util.ReconciledPaymentsTotal.WithLabelValues("error").Inc()
			w.logger.Error("Failed to reconcile payment",
				zap.Int64("payment_id", payment.ID),
				zap.String("status", status),
				zap.Error(err))
			continue
		}
		if applied {
			util.ReconciledPaymentsTotal.WithLabelValues(status).Inc()
			w.logger.Info("Reconciled stuck payment",
				zap.Int64("payment_id", payment.ID),
				zap.String("status", status))
		} else {
			util.ReconciledPaymentsTotal.WithLabelValues("unchanged").Inc()
		}
	}
}
