// Package worker runs the audit consumer: a background loop that turns the
// checkout event stream into a durable audit trail, deduplicated by event id
// so redelivered messages never double-count.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/shaniyakir/nekuda-agentic-wallet/internal/broker"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/models"
	"github.com/shaniyakir/nekuda-agentic-wallet/internal/util"
)

// AuditLog is the durable record behind the dedup check.
type AuditLog interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// AuditWorker consumes every checkout event and records it. Processing is
// idempotent: an event id seen before is committed without effect. Envelope
// checks and dedup live here; per-type decoding is the event handler's job.
type AuditWorker struct {
	consumer *broker.Consumer
	log      AuditLog
	events   *broker.EventHandler
	logger   *zap.Logger
}

func NewAuditWorker(consumer *broker.Consumer, log AuditLog) *AuditWorker {
	w := &AuditWorker{
		consumer: consumer,
		log:      log,
		events:   broker.NewEventHandler(),
		logger:   util.GetLogger(),
	}
	w.events.OnCheckoutFrozen(w.auditCheckoutFrozen)
	w.events.OnMandateApproved(w.auditMandateApproved)
	w.events.OnCredentialsRealized(w.auditCredentialsRealized)
	w.events.OnPaymentSucceeded(w.auditPaymentSucceeded)
	w.events.OnPaymentFailed(w.auditPaymentFailed)
	return w
}

// Start consumes until ctx is cancelled.
func (w *AuditWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting audit worker")
	return w.consumer.StartConsuming(ctx, w.handle)
}

// Stop closes the underlying consumer.
func (w *AuditWorker) Stop() error {
	w.logger.Info("Stopping audit worker")
	return w.consumer.Close()
}

func (w *AuditWorker) handle(ctx context.Context, msg kafka.Message) error {
	var base models.BaseEvent
	if err := json.Unmarshal(msg.Value, &base); err != nil {
		// A malformed message will never become parseable; commit it
		// rather than redeliver forever.
		w.logger.Error("Dropping unparseable event", zap.Error(err))
		return nil
	}
	if base.EventID == "" {
		w.logger.Warn("Dropping event without id",
			zap.String("event_type", base.EventType))
		return nil
	}

	seen, err := w.log.IsEventProcessed(ctx, base.EventID)
	if err != nil {
		return fmt.Errorf("audit dedup check: %w", err)
	}
	if seen {
		return nil
	}

	if err := w.events.HandleMessage(ctx, msg); err != nil {
		return fmt.Errorf("audit dispatch: %w", err)
	}

	if err := w.log.MarkEventProcessed(ctx, base.EventID, base.EventType); err != nil {
		return fmt.Errorf("audit mark processed: %w", err)
	}

	util.AuditEventsTotal.WithLabelValues(base.EventType).Inc()
	return nil
}

// The per-type callbacks write one structured audit line each. Field
// selection is per type; the raw payload is never logged wholesale.

func (w *AuditWorker) auditCheckoutFrozen(ctx context.Context, e *models.CheckoutFrozenEvent) error {
	w.record(&e.BaseEvent,
		zap.String("checkout_id", e.CheckoutID),
		zap.Int64("total_minor", e.TotalMinor),
		zap.String("currency", e.Currency),
		zap.Int("item_count", e.ItemCount))
	return nil
}

func (w *AuditWorker) auditMandateApproved(ctx context.Context, e *models.MandateApprovedEvent) error {
	w.record(&e.BaseEvent,
		zap.String("checkout_id", e.CheckoutID),
		zap.String("mandate_id", e.MandateID),
		zap.Int64("amount_minor", e.AmountMinor))
	return nil
}

func (w *AuditWorker) auditCredentialsRealized(ctx context.Context, e *models.CredentialsRealizedEvent) error {
	w.record(&e.BaseEvent,
		zap.String("checkout_id", e.CheckoutID),
		zap.String("card_last4", e.CardLast4))
	return nil
}

func (w *AuditWorker) auditPaymentSucceeded(ctx context.Context, e *models.PaymentSucceededEvent) error {
	w.record(&e.BaseEvent,
		zap.String("checkout_id", e.CheckoutID),
		zap.String("order_id", e.OrderID),
		zap.String("charge_id", e.ChargeID),
		zap.Int64("amount_minor", e.AmountMinor))
	return nil
}

func (w *AuditWorker) auditPaymentFailed(ctx context.Context, e *models.PaymentFailedEvent) error {
	w.record(&e.BaseEvent,
		zap.String("checkout_id", e.CheckoutID),
		zap.String("reason", e.Reason))
	return nil
}

func (w *AuditWorker) record(base *models.BaseEvent, fields ...zap.Field) {
	all := append([]zap.Field{
		zap.String("event_id", base.EventID),
		zap.String("event_type", base.EventType),
		zap.Time("event_time", base.Timestamp),
	}, fields...)
	w.logger.Info("Checkout audit event", all...)
}
