// Package ingest feeds processor events from the message bus into the ledger.
package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"paymentledger/internal/common/api"
	"paymentledger/internal/common/events"
	"paymentledger/internal/common/middleware"
	"paymentledger/internal/ledger"
	"paymentledger/internal/ledger/domain"
)

// Applier is the part of the ledger service the consumer drives
type Applier interface {
	ApplyEvent(ctx context.Context, transactionID string, e domain.TransactionEvent) (domain.ApplyResult, error)
}

// Consumer turns payment.transaction.event envelopes into ledger updates.
// Events the ledger will never accept are reported on
// ledger.transaction.rejected and acknowledged; anything else that fails is
// handed back for redelivery.
type Consumer struct {
	applier   Applier
	publisher events.EventPublisher
	logger    *slog.Logger
}

// NewConsumer creates a consumer. publisher may be nil, in which case
// rejections are only logged.
func NewConsumer(applier Applier, publisher events.EventPublisher, logger *slog.Logger) *Consumer {
	return &Consumer{applier: applier, publisher: publisher, logger: logger}
}

// Handle processes one envelope. It matches nats.MessageHandler.
func (c *Consumer) Handle(ctx context.Context, evt *events.Event) error {
	if evt.Type != events.EventPaymentTransactionEvent {
		c.logger.Debug("ignoring event", "type", evt.Type, "event_id", evt.ID)
		return nil
	}
	ctx = middleware.WithCorrelationID(ctx, evt.CorrelationID)

	data := events.TransactionEventData{TransactionID: evt.AggregateID}
	if err := evt.DecodeData(&data); err != nil {
		return c.reject(ctx, evt, data, ledger.ReasonMalformed, fmt.Errorf("decoding payload: %w", err))
	}
	if data.TransactionID == "" {
		data.TransactionID = evt.AggregateID
	}
	if err := api.Validate.Struct(data); err != nil {
		return c.reject(ctx, evt, data, ledger.ReasonMalformed, err)
	}

	e, err := ledger.EventFromData(data)
	if err != nil {
		return c.reject(ctx, evt, data, ledger.ReasonMalformed, err)
	}

	if _, err := c.applier.ApplyEvent(ctx, data.TransactionID, e); err != nil {
		if reason := ledger.RejectionReason(err); reason != "" {
			return c.reject(ctx, evt, data, reason, err)
		}
		return err
	}
	return nil
}

func (c *Consumer) reject(ctx context.Context, evt *events.Event, data events.TransactionEventData, reason string, cause error) error {
	c.logger.Warn("event rejected",
		"event_id", evt.ID,
		"transaction_id", data.TransactionID,
		"reason", reason,
		"error", cause,
		"correlation_id", middleware.GetCorrelationID(ctx),
	)
	if c.publisher == nil {
		return nil
	}

	rejected, err := events.NewEvent(events.EventLedgerTransactionRejected, events.AggregateTransaction, data.TransactionID,
		events.LedgerTransactionRejectedData{
			TransactionID: data.TransactionID,
			EventID:       data.ID,
			Reason:        reason,
			Error:         cause.Error(),
		})
	if err != nil {
		return fmt.Errorf("building rejection: %w", err)
	}
	rejected.WithCorrelation(middleware.GetCorrelationID(ctx), evt.ID).WithSource("ledger")

	if err := c.publisher.Publish(ctx, rejected); err != nil {
		return fmt.Errorf("publishing rejection: %w", err)
	}
	return nil
}

// Publish hands an envelope straight to Handle. It lets producers such as the
// acquirer adapter feed the ledger in-process when no broker is configured.
func (c *Consumer) Publish(ctx context.Context, evt *events.Event) error {
	return c.Handle(ctx, evt)
}
