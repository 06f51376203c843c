// Package acquiring translates card acquirer notifications into ledger events.
package acquiring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"paymentledger/internal/common/events"
	"paymentledger/internal/common/middleware"
	"paymentledger/internal/common/money"
	natsclient "paymentledger/internal/common/nats"
	"paymentledger/internal/ledger/domain"
)

// Notification types, taken from the last token of the subject
const (
	TypeApproved       = "approved"
	TypeDeclined       = "declined"
	TypeCaptured       = "captured"
	TypeCaptureFailed  = "capture_failed"
	TypeRefunded       = "refunded"
	TypeRefundFailed   = "refund_failed"
	TypeRefundReversed = "refund_reversed"
	TypeVoided         = "voided"
	TypeVoidFailed     = "void_failed"
	TypeChargeback     = "chargeback"
)

var kindByType = map[string]domain.Kind{
	TypeApproved:       domain.KindAuthorizationSuccess,
	TypeDeclined:       domain.KindAuthorizationFailure,
	TypeCaptured:       domain.KindChargeSuccess,
	TypeCaptureFailed:  domain.KindChargeFailure,
	TypeRefunded:       domain.KindRefundSuccess,
	TypeRefundFailed:   domain.KindRefundFailure,
	TypeRefundReversed: domain.KindRefundReverse,
	TypeVoided:         domain.KindCancelSuccess,
	TypeVoidFailed:     domain.KindCancelFailure,
	TypeChargeback:     domain.KindChargeBack,
}

// Config holds acquirer adapter configuration
type Config struct {
	SubjectPrefix string        `envconfig:"ACQUIRING_SUBJECT_PREFIX" default:"acquiring.events.txn"`
	Queue         string        `envconfig:"ACQUIRING_QUEUE" default:"payment-ledger"`
	Timeout       time.Duration `envconfig:"ACQUIRING_TIMEOUT" default:"5s"`

	// WebhookSecret enables HMAC-SHA256 verification of webhook bodies
	WebhookSecret string `envconfig:"ACQUIRING_WEBHOOK_SECRET"`
}

// Notification is what the acquirer publishes for every transaction change.
// Amounts are in minor units.
type Notification struct {
	TransactionID       string    `json:"transactionId"`
	MerchantReference   string    `json:"merchantReference,omitempty"`
	RefundTransactionID string    `json:"refundTransactionId,omitempty"`
	ChargebackID        string    `json:"chargebackId,omitempty"`
	Amount              int64     `json:"amount"`
	Currency            string    `json:"currency"`
	ResponseCode        string    `json:"responseCode,omitempty"`
	ResponseMessage     string    `json:"responseMessage,omitempty"`
	Reason              string    `json:"reason,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
}

// pspReference is the acquirer's own identifier for the reported operation
func (n Notification) pspReference(notificationType string) string {
	switch {
	case notificationType == TypeChargeback && n.ChargebackID != "":
		return n.ChargebackID
	case strings.HasPrefix(notificationType, "refund") && n.RefundTransactionID != "":
		return n.RefundTransactionID
	default:
		return n.TransactionID
	}
}

func (n Notification) message() string {
	parts := make([]string, 0, 2)
	if n.ResponseCode != "" || n.ResponseMessage != "" {
		parts = append(parts, strings.TrimSpace(n.ResponseCode+" "+n.ResponseMessage))
	}
	if n.Reason != "" {
		parts = append(parts, n.Reason)
	}
	return strings.Join(parts, "; ")
}

// Translate maps one acquirer notification onto a ledger event payload. The
// ledger transaction is the merchant reference when the acquirer echoes one,
// otherwise the acquirer's transaction id.
func Translate(notificationType string, n Notification) (events.TransactionEventData, error) {
	kind, ok := kindByType[notificationType]
	if !ok {
		return events.TransactionEventData{}, fmt.Errorf("unknown notification type %q", notificationType)
	}
	if n.TransactionID == "" {
		return events.TransactionEventData{}, fmt.Errorf("notification without transactionId")
	}

	currency, err := money.ParseCurrency(n.Currency)
	if err != nil {
		return events.TransactionEventData{}, err
	}
	if n.Amount < 0 {
		return events.TransactionEventData{}, fmt.Errorf("negative amount %d", n.Amount)
	}

	ledgerID := n.MerchantReference
	if ledgerID == "" {
		ledgerID = n.TransactionID
	}
	psp := n.pspReference(notificationType)

	return events.TransactionEventData{
		ID:            fmt.Sprintf("acq:%s:%s", notificationType, psp),
		TransactionID: ledgerID,
		Kind:          string(kind),
		Amount:        money.NewFromMinor(n.Amount, currency).Canonical(),
		Currency:      string(currency),
		PSPReference:  psp,
		ObservedAt:    n.Timestamp,
		Message:       n.message(),
	}, nil
}

// ErrInvalidNotification marks notifications that can never be forwarded
var ErrInvalidNotification = errors.New("invalid acquirer notification")

// Adapter turns acquirer notifications into payment.transaction.event
// envelopes. They arrive on core NATS or through the webhook, and are handed
// to the publisher, which is JetStream in production or the ingest consumer
// when the service runs without a broker.
type Adapter struct {
	config    Config
	publisher events.EventPublisher
	logger    *slog.Logger
	subs      []*nats.Subscription
}

// NewAdapter creates a new acquirer adapter
func NewAdapter(cfg Config, publisher events.EventPublisher, logger *slog.Logger) *Adapter {
	return &Adapter{
		config:    cfg,
		publisher: publisher,
		logger:    logger,
	}
}

// Subscribe listens for notifications on <prefix>.* within the queue group
func (a *Adapter) Subscribe(client *natsclient.Client) error {
	sub, err := client.QueueSubscribe(a.config.SubjectPrefix+".*", a.config.Queue, a.handleMsg)
	if err != nil {
		return fmt.Errorf("subscribe to acquirer: %w", err)
	}
	a.subs = append(a.subs, sub)
	return nil
}

// Close cleans up subscriptions
func (a *Adapter) Close() {
	for _, sub := range a.subs {
		if err := sub.Unsubscribe(); err != nil {
			a.logger.Warn("unsubscribe failed", "subject", sub.Subject, "error", err)
		}
	}
}

func (a *Adapter) handleMsg(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), a.config.Timeout)
	defer cancel()

	notificationType := msg.Subject[strings.LastIndex(msg.Subject, ".")+1:]
	if err := a.Forward(ctx, notificationType, msg.Data); err != nil {
		a.logger.Error("failed to forward acquirer notification",
			"subject", msg.Subject,
			"error", err,
		)
	}
}

// Forward translates a raw notification and publishes it for the ledger
func (a *Adapter) Forward(ctx context.Context, notificationType string, raw []byte) error {
	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}

	data, err := Translate(notificationType, n)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}

	evt, err := events.NewEvent(events.EventPaymentTransactionEvent, events.AggregateTransaction, data.TransactionID, data)
	if err != nil {
		return fmt.Errorf("building event: %w", err)
	}
	evt.WithCorrelation(middleware.GetCorrelationID(ctx), "").WithSource("acquiring")

	if err := a.publisher.Publish(ctx, evt); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}

	a.logger.Info("acquirer notification forwarded",
		"type", notificationType,
		"transaction_id", data.TransactionID,
		"kind", data.Kind,
		"psp_reference", data.PSPReference,
	)
	return nil
}
