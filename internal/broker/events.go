package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/shaniyakir/nekuda-agentic-wallet/internal/models"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/util"
)

// EventPublisher publishes checkout lifecycle events, keyed by checkout id.
type EventPublisher struct {
	producer *Producer
}

func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func (ep *EventPublisher) PublishCheckoutFrozen(ctx context.Context, event *models.CheckoutFrozenEvent) error {
	return ep.producer.PublishEvent(ctx, "checkout-"+event.CheckoutID, event)
}

func (ep *EventPublisher) PublishMandateApproved(ctx context.Context, event *models.MandateApprovedEvent) error {
	return ep.producer.PublishEvent(ctx, "checkout-"+event.CheckoutID, event)
}

func (ep *EventPublisher) PublishCredentialsRealized(ctx context.Context, event *models.CredentialsRealizedEvent) error {
	return ep.producer.PublishEvent(ctx, "checkout-"+event.CheckoutID, event)
}

func (ep *EventPublisher) PublishPaymentSucceeded(ctx context.Context, event *models.PaymentSucceededEvent) error {
	return ep.producer.PublishEvent(ctx, "checkout-"+event.CheckoutID, event)
}

func (ep *EventPublisher) PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	return ep.producer.PublishEvent(ctx, "checkout-"+event.CheckoutID, event)
}

// EventHandler routes incoming checkout events to registered callbacks. An
// unregistered or unknown type is committed without action, so new event
// types can be rolled out producer-first.
type EventHandler struct {
	logger *zap.Logger

	onCheckoutFrozen      func(context.Context, *models.CheckoutFrozenEvent) error
	onMandateApproved     func(context.Context, *models.MandateApprovedEvent) error
	onCredentialsRealized func(context.Context, *models.CredentialsRealizedEvent) error
	onPaymentSucceeded    func(context.Context, *models.PaymentSucceededEvent) error
	onPaymentFailed       func(context.Context, *models.PaymentFailedEvent) error
}

func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

func (eh *EventHandler) OnCheckoutFrozen(handler func(context.Context, *models.CheckoutFrozenEvent) error) {
	eh.onCheckoutFrozen = handler
}

func (eh *EventHandler) OnMandateApproved(handler func(context.Context, *models.MandateApprovedEvent) error) {
	eh.onMandateApproved = handler
}

func (eh *EventHandler) OnCredentialsRealized(handler func(context.Context, *models.CredentialsRealizedEvent) error) {
	eh.onCredentialsRealized = handler
}

func (eh *EventHandler) OnPaymentSucceeded(handler func(context.Context, *models.PaymentSucceededEvent) error) {
	eh.onPaymentSucceeded = handler
}

func (eh *EventHandler) OnPaymentFailed(handler func(context.Context, *models.PaymentFailedEvent) error) {
	eh.onPaymentFailed = handler
}

// HandleMessage decodes the envelope and dispatches on event type.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var base models.BaseEvent
	if err := json.Unmarshal(msg.Value, &base); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", base.EventType),
		zap.String("event_id", base.EventID))

	switch base.EventType {
	case models.EventTypeCheckoutFrozen:
		if eh.onCheckoutFrozen != nil {
			var event models.CheckoutFrozenEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal CheckoutFrozen event: %w", err)
			}
			return eh.onCheckoutFrozen(ctx, &event)
		}

	case models.EventTypeMandateApproved:
		if eh.onMandateApproved != nil {
			var event models.MandateApprovedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal MandateApproved event: %w", err)
			}
			return eh.onMandateApproved(ctx, &event)
		}

	case models.EventTypeCredentialsRealized:
		if eh.onCredentialsRealized != nil {
			var event models.CredentialsRealizedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal CredentialsRealized event: %w", err)
			}
			return eh.onCredentialsRealized(ctx, &event)
		}

	case models.EventTypePaymentSucceeded:
		if eh.onPaymentSucceeded != nil {
			var event models.PaymentSucceededEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal PaymentSucceeded event: %w", err)
			}
			return eh.onPaymentSucceeded(ctx, &event)
		}

	case models.EventTypePaymentFailed:
		if eh.onPaymentFailed != nil {
			var event models.PaymentFailedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal PaymentFailed event: %w", err)
			}
			return eh.onPaymentFailed(ctx, &event)
		}

	default:
		eh.logger.Warn("Unhandled event type", zap.String("event_type", base.EventType))
	}

	return nil
}
