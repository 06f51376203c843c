package ledger

import (
	"time"

	"paymentledger/internal/common/events"
	"paymentledger/internal/common/money"
	"paymentledger/internal/ledger/domain"
)

// EventFromData converts a wire payload into a domain event. Parse failures
// are reported as malformed events so they get the same treatment as any
// other bad input.
func EventFromData(d events.TransactionEventData) (domain.TransactionEvent, error) {
	kind, err := domain.ParseKind(d.Kind)
	if err != nil {
		return domain.TransactionEvent{}, err
	}

	currency, err := money.ParseCurrency(d.Currency)
	if err != nil {
		return domain.TransactionEvent{}, &domain.EventError{Field: "currency", Reason: err.Error()}
	}

	amount, err := money.Parse(d.Amount, currency)
	if err != nil {
		return domain.TransactionEvent{}, &domain.EventError{Field: "amount", Reason: err.Error()}
	}

	include := true
	if d.IncludeInCalculations != nil {
		include = *d.IncludeInCalculations
	}

	observed := d.ObservedAt
	if observed.IsZero() {
		observed = time.Now().UTC()
	}

	return domain.TransactionEvent{
		ID:                    d.ID,
		TransactionID:         d.TransactionID,
		Kind:                  kind,
		Amount:                amount,
		PSPReference:          d.PSPReference,
		IncludeInCalculations: include,
		ObservedAt:            observed,
		Message:               d.Message,
	}, nil
}
