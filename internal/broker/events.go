package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"coursepay/internal/models"
	"coursepay/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events. Publishing is best-effort:
// the ledger is the source of truth, events only fan state changes out.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func paymentKey(paymentID int64) string {
	return fmt.Sprintf("payment-%d", paymentID)
}

// PublishPaymentCompleted publishes a PaymentCompleted event
func (ep *EventPublisher) PublishPaymentCompleted(ctx context.Context, event *models.PaymentCompletedEvent) error {
	return ep.producer.PublishEvent(ctx, paymentKey(event.PaymentID), event)
}

// PublishPaymentFailed publishes a PaymentFailed event
func (ep *EventPublisher) PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	return ep.producer.PublishEvent(ctx, paymentKey(event.PaymentID), event)
}

// PublishPaymentRefunded publishes a PaymentRefunded event
func (ep *EventPublisher) PublishPaymentRefunded(ctx context.Context, event *models.PaymentRefundedEvent) error {
	return ep.producer.PublishEvent(ctx, paymentKey(event.PaymentID), event)
}

// PublishEnrollmentGranted publishes an EnrollmentGranted event
func (ep *EventPublisher) PublishEnrollmentGranted(ctx context.Context, event *models.EnrollmentGrantedEvent) error {
	key := fmt.Sprintf("enrollment-%d", event.EnrollmentID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishEnrollmentDropped publishes an EnrollmentDropped event
func (ep *EventPublisher) PublishEnrollmentDropped(ctx context.Context, event *models.EnrollmentDroppedEvent) error {
	key := fmt.Sprintf("enrollment-%d", event.EnrollmentID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// EventHandler routes incoming events to registered handlers
type EventHandler struct {
	onPaymentCompleted func(context.Context, *models.PaymentCompletedEvent) error
	logger             *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnPaymentCompleted registers a handler for PaymentCompleted events
func (eh *EventHandler) OnPaymentCompleted(handler func(context.Context, *models.PaymentCompletedEvent) error) {
	eh.onPaymentCompleted = handler
}

// HandleMessage routes messages to the appropriate handler
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	switch baseEvent.EventType {
	case models.EventTypePaymentCompleted:
		if eh.onPaymentCompleted != nil {
			var event models.PaymentCompletedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal PaymentCompleted event: %w", err)
			}
			return eh.onPaymentCompleted(ctx, &event)
		}

	default:
		eh.logger.Debug("Ignoring event type",
			zap.String("event_type", baseEvent.EventType))
	}

	return nil
}
