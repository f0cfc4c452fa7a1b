package service

import (
	"context"
	"errors"

	"coursepay/internal/gateway"
	"coursepay/internal/models"
	"coursepay/internal/store"
	"coursepay/internal/util"

	"go.uber.org/zap"
)

// WebhookReconciler ingests asynchronous gateway notifications and feeds them
// through the ledger. Deliveries arrive duplicated, out of order, or for
// transactions we have never heard of; every early exit below is an expected
// outcome, not a failure. The HTTP layer acknowledges the sender no matter
// what this returns.
type WebhookReconciler struct {
	ledger   *PaymentLedger
	payments PaymentStore
	gateways *gateway.Registry
	logger   *zap.Logger
}

// NewWebhookReconciler creates a webhook reconciler
func NewWebhookReconciler(ledger *PaymentLedger, payments PaymentStore, gateways *gateway.Registry) *WebhookReconciler {
	return &WebhookReconciler{
		ledger:   ledger,
		payments: payments,
		gateways: gateways,
		logger:   util.GetLogger(),
	}
}

// Process runs one delivery through verify -> handle -> match -> apply.
// A non-nil error means an internal failure worth an operator's attention;
// discarded events return nil.
func (r *WebhookReconciler) Process(ctx context.Context, gatewayName string, payload []byte, signature string) error {
	ctx, span := util.StartSpan(ctx, "WebhookReconciler.Process")
	defer span.End()

	util.WebhooksReceivedTotal.WithLabelValues(gatewayName).Inc()

	adapter, err := r.gateways.ByName(gatewayName)
	if err != nil {
		util.WebhooksDiscardedTotal.WithLabelValues("unknown_gateway").Inc()
		r.logger.Warn("Webhook for unknown gateway", zap.String("gateway", gatewayName))
		return nil
	}

	event, err := adapter.VerifyWebhook(payload, signature)
	if errors.Is(err, gateway.ErrInvalidSignature) {
		// Discard, never apply. Still acknowledged upstream so a
		// misconfigured secret doesn't cause a retry storm.
		util.WebhooksDiscardedTotal.WithLabelValues("invalid_signature").Inc()
		r.logger.Warn("Webhook signature mismatch", zap.String("gateway", gatewayName))
		return nil
	}
	if err != nil {
		util.WebhooksDiscardedTotal.WithLabelValues("malformed").Inc()
		r.logger.Warn("Malformed webhook payload",
			zap.String("gateway", gatewayName), zap.Error(err))
		return nil
	}
	if event == nil {
		util.WebhooksDiscardedTotal.WithLabelValues("not_actionable").Inc()
		return nil
	}

	update := adapter.HandleWebhook(event)
	if update == nil {
		util.WebhooksDiscardedTotal.WithLabelValues("not_actionable").Inc()
		r.logger.Debug("Ignoring webhook event type",
			zap.String("gateway", gatewayName),
			zap.String("event_type", event.Type))
		return nil
	}

	payment, err := r.ledger.FindByTransactionID(ctx, update.TransactionID)
	if errors.Is(err, store.ErrNotFound) {
		// Expected for test and replayed events; log and move on.
		util.WebhooksDiscardedTotal.WithLabelValues("unknown_transaction").Inc()
		r.logger.Info("Webhook for unknown transaction",
			zap.String("gateway", gatewayName),
			zap.String("transaction_id", update.TransactionID))
		return nil
	}
	if err != nil {
		return err
	}

	_, applied, err := r.ledger.RecordGatewayResult(ctx, payment.ID,
		update.TransactionID, update.Status, update.Reason)
	if errors.Is(err, ErrIllegalTransition) {
		// Defensive: should not happen for well-formed provider streams.
		util.WebhooksDiscardedTotal.WithLabelValues("illegal_transition").Inc()
		r.logger.Error("Webhook requested an illegal transition",
			zap.Int64("payment_id", payment.ID),
			zap.String("status", update.Status),
			zap.Error(err))
		return nil
	}
	if err != nil {
		return err
	}

	if applied {
		util.WebhooksAppliedTotal.Inc()
	}

	audit := &models.WebhookEvent{
		PaymentID: payment.ID,
		Gateway:   gatewayName,
		EventType: event.Type,
		Status:    update.Status,
		Applied:   applied,
	}
	if err := r.payments.RecordWebhookEvent(ctx, audit); err != nil {
		r.logger.Error("Failed to record webhook audit entry",
			zap.Int64("payment_id", payment.ID), zap.Error(err))
	}

	return nil
}
