package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event is the envelope every message on the bus is wrapped in
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id,omitempty"`
	Source        string          `json:"source,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent marshals data into a fresh envelope
func NewEvent(eventType, aggregateType, aggregateID string, data any) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds correlation and causation IDs
func (e *Event) WithCorrelation(correlationID, causationID string) *Event {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

// WithSource records which component emitted the event
func (e *Event) WithSource(source string) *Event {
	e.Source = source
	return e
}

// DecodeData decodes the event data into v
func (e *Event) DecodeData(v any) error {
	return json.Unmarshal(e.Data, v)
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// AggregateTransaction is the aggregate type for ledger events
const AggregateTransaction = "payment_transaction"

// Event types
const (
	// Inbound: a processor notification already mapped to the ledger's shape.
	EventPaymentTransactionEvent = "payment.transaction.event"

	// Outbound
	EventLedgerTransactionUpdated  = "ledger.transaction.updated"
	EventLedgerTransactionRejected = "ledger.transaction.rejected"
)

// TransactionEventData is the payload of payment.transaction.event
type TransactionEventData struct {
	ID                    string    `json:"id" validate:"required"`
	TransactionID         string    `json:"transaction_id" validate:"required"`
	Kind                  string    `json:"kind" validate:"required"`
	Amount                string    `json:"amount" validate:"required,numeric"`
	Currency              string    `json:"currency" validate:"required,len=3"`
	PSPReference          string    `json:"psp_reference,omitempty"`
	IncludeInCalculations *bool     `json:"include_in_calculations,omitempty"`
	ObservedAt            time.Time `json:"observed_at"`
	Message               string    `json:"message,omitempty"`
}

// AnomalyData describes one absorbed bookkeeping disagreement
type AnomalyData struct {
	Type   string `json:"type"`
	Bucket string `json:"bucket"`
	Amount string `json:"amount"`
}

// LedgerTransactionUpdatedData is the payload of ledger.transaction.updated
type LedgerTransactionUpdatedData struct {
	TransactionID string            `json:"transaction_id"`
	EventID       string            `json:"event_id"`
	Kind          string            `json:"kind"`
	Outcome       string            `json:"outcome"`
	Version       int64             `json:"version"`
	Currency      string            `json:"currency"`
	Balances      map[string]string `json:"balances"`
	Settled       bool              `json:"settled"`
	Anomalies     []AnomalyData     `json:"anomalies,omitempty"`
}

// LedgerTransactionRejectedData is the payload of ledger.transaction.rejected
type LedgerTransactionRejectedData struct {
	TransactionID string `json:"transaction_id"`
	EventID       string `json:"event_id"`
	Reason        string `json:"reason"`
	Error         string `json:"error"`
}
