package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"paymentledger/internal/common/money"
)

// Kind identifies what a payment processor reported
type Kind string

const (
	KindAuthorizationRequest    Kind = "AUTHORIZATION_REQUEST"
	KindAuthorizationSuccess    Kind = "AUTHORIZATION_SUCCESS"
	KindAuthorizationFailure    Kind = "AUTHORIZATION_FAILURE"
	KindAuthorizationAdjustment Kind = "AUTHORIZATION_ADJUSTMENT"
	KindChargeRequest           Kind = "CHARGE_REQUEST"
	KindChargeSuccess           Kind = "CHARGE_SUCCESS"
	KindChargeFailure           Kind = "CHARGE_FAILURE"
	KindChargeBack              Kind = "CHARGE_BACK"
	KindRefundRequest           Kind = "REFUND_REQUEST"
	KindRefundSuccess           Kind = "REFUND_SUCCESS"
	KindRefundFailure           Kind = "REFUND_FAILURE"
	KindRefundReverse           Kind = "REFUND_REVERSE"
	KindCancelRequest           Kind = "CANCEL_REQUEST"
	KindCancelSuccess           Kind = "CANCEL_SUCCESS"
	KindCancelFailure           Kind = "CANCEL_FAILURE"
)

// Operation is the payment action an event kind belongs to
type Operation string

const (
	OperationAuthorization Operation = "AUTHORIZATION"
	OperationCharge        Operation = "CHARGE"
	OperationRefund        Operation = "REFUND"
	OperationCancel        Operation = "CANCEL"
)

// Status is the state an event kind reports for its operation
type Status string

const (
	StatusRequest    Status = "REQUEST"
	StatusSuccess    Status = "SUCCESS"
	StatusFailure    Status = "FAILURE"
	StatusAdjustment Status = "ADJUSTMENT"
	StatusReversal   Status = "REVERSAL"
)

type kindInfo struct {
	operation   Operation
	status      Status
	requiresPSP bool
}

var kinds = map[Kind]kindInfo{
	KindAuthorizationRequest:    {OperationAuthorization, StatusRequest, false},
	KindAuthorizationSuccess:    {OperationAuthorization, StatusSuccess, true},
	KindAuthorizationFailure:    {OperationAuthorization, StatusFailure, true},
	KindAuthorizationAdjustment: {OperationAuthorization, StatusAdjustment, false},
	KindChargeRequest:           {OperationCharge, StatusRequest, false},
	KindChargeSuccess:           {OperationCharge, StatusSuccess, true},
	KindChargeFailure:           {OperationCharge, StatusFailure, true},
	KindChargeBack:              {OperationCharge, StatusReversal, true},
	KindRefundRequest:           {OperationRefund, StatusRequest, false},
	KindRefundSuccess:           {OperationRefund, StatusSuccess, true},
	KindRefundFailure:           {OperationRefund, StatusFailure, true},
	KindRefundReverse:           {OperationRefund, StatusReversal, true},
	KindCancelRequest:           {OperationCancel, StatusRequest, false},
	KindCancelSuccess:           {OperationCancel, StatusSuccess, true},
	KindCancelFailure:           {OperationCancel, StatusFailure, true},
}

// AllKinds returns every kind in a stable order
func AllKinds() []Kind {
	return []Kind{
		KindAuthorizationRequest, KindAuthorizationSuccess, KindAuthorizationFailure, KindAuthorizationAdjustment,
		KindChargeRequest, KindChargeSuccess, KindChargeFailure, KindChargeBack,
		KindRefundRequest, KindRefundSuccess, KindRefundFailure, KindRefundReverse,
		KindCancelRequest, KindCancelSuccess, KindCancelFailure,
	}
}

// ParseKind accepts the canonical name in any case, with '-' or ' ' as
// separators, and the CamelCase form ("ChargeBack").
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(snakeCase(strings.TrimSpace(s))))
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, s)
	}
	return k, nil
}

// snakeCase turns separators into '_' and splits lower-to-upper boundaries
func snakeCase(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '-' || c == ' ':
			b.WriteByte('_')
			continue
		case c >= 'A' && c <= 'Z' && i > 0 && s[i-1] >= 'a' && s[i-1] <= 'z':
			b.WriteByte('_')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Operation returns the operation the kind belongs to
func (k Kind) Operation() Operation {
	return kinds[k].operation
}

// Status returns the status implied by the kind
func (k Kind) Status() Status {
	return kinds[k].status
}

// RequiresPSPReference reports whether the processor must have acknowledged the event
func (k Kind) RequiresPSPReference() bool {
	return kinds[k].requiresPSP
}

// TransactionEvent is one reported occurrence against a transaction
type TransactionEvent struct {
	ID                    string      `json:"id"`
	TransactionID         string      `json:"transaction_id"`
	Kind                  Kind        `json:"kind"`
	Amount                money.Money `json:"amount"`
	PSPReference          string      `json:"psp_reference,omitempty"`
	IncludeInCalculations bool        `json:"include_in_calculations"`
	ObservedAt            time.Time   `json:"observed_at"`
	Message               string      `json:"message,omitempty"`
}

// Validate rejects events that must never reach the classifier
func (e TransactionEvent) Validate() error {
	if strings.TrimSpace(e.TransactionID) == "" {
		return malformed("transaction_id", "transaction id is required")
	}
	if strings.TrimSpace(e.ID) == "" {
		return malformed("id", "event id is required")
	}
	if !e.Kind.Valid() {
		return malformed("kind", fmt.Sprintf("unknown kind %q", e.Kind))
	}
	if e.Kind.RequiresPSPReference() && strings.TrimSpace(e.PSPReference) == "" {
		return malformed("psp_reference", fmt.Sprintf("psp reference is required for %s", e.Kind))
	}
	if !money.IsValidCode(e.Amount.Currency) {
		return malformed("amount.currency", fmt.Sprintf("invalid currency %q", e.Amount.Currency))
	}
	if e.Amount.IsNegative() {
		return malformed("amount", "amount must not be negative")
	}
	if err := e.Amount.CheckPrecision(); err != nil {
		return malformed("amount", err.Error())
	}
	return nil
}

// IdempotencyKey fingerprints the event. Processor-acknowledged events are keyed
// by what the processor reported, so a redelivery under a new caller id is still
// recognised; pure requests fall back to the caller's id.
func (e TransactionEvent) IdempotencyKey() string {
	var parts []string
	if e.PSPReference != "" {
		parts = []string{"psp", e.TransactionID, string(e.Kind), e.PSPReference, e.Amount.Canonical(), string(e.Amount.Currency)}
	} else {
		parts = []string{"id", e.TransactionID, string(e.Kind), e.ID}
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// ErrMalformedEvent marks events rejected before classification
var ErrMalformedEvent = errors.New("malformed event")

// EventError describes which field made an event malformed
type EventError struct {
	Field  string
	Reason string
}

func (e *EventError) Error() string {
	return fmt.Sprintf("malformed event: %s: %s", e.Field, e.Reason)
}

func (e *EventError) Unwrap() error {
	return ErrMalformedEvent
}

func malformed(field, reason string) error {
	return &EventError{Field: field, Reason: reason}
}
