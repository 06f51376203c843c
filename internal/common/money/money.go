// Package money provides a fixed-point monetary amount bound to a currency.
package money

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrCurrencyMismatch is returned by any operation combining two currencies.
var ErrCurrencyMismatch = errors.New("currency mismatch")

// ErrPrecision is returned when an amount carries more decimal places than its
// currency allows.
var ErrPrecision = errors.New("amount exceeds currency precision")

// Money represents a decimal amount in major units (dollars, euros, ...).
type Money struct {
	Amount   decimal.Decimal
	Currency Currency
}

// New creates a new Money value
func New(amount decimal.Decimal, currency Currency) Money {
	return Money{Amount: amount, Currency: currency}
}

// NewFromMinor creates Money from minor units (cents, pence, ...)
func NewFromMinor(amountMinor int64, currency Currency) Money {
	info := Lookup(currency)
	return Money{
		Amount:   decimal.New(amountMinor, -info.MinorUnits),
		Currency: currency,
	}
}

// Parse creates Money from a decimal string such as "12.50"
func Parse(amount string, currency Currency) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("parsing amount %q: %w", amount, err)
	}
	return Money{Amount: d, Currency: currency}, nil
}

// MustParse is Parse that panics on malformed input. Intended for tests and constants.
func MustParse(amount string, currency Currency) Money {
	m, err := Parse(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Zero returns a zero amount for a currency
func Zero(currency Currency) Money {
	return Money{Amount: decimal.Zero, Currency: currency}
}

// IsZero returns true if the amount is zero
func (m Money) IsZero() bool {
	return m.Amount.IsZero()
}

// IsPositive returns true if the amount is positive
func (m Money) IsPositive() bool {
	return m.Amount.IsPositive()
}

// IsNegative returns true if the amount is negative
func (m Money) IsNegative() bool {
	return m.Amount.IsNegative()
}

// Add adds two money values (must be same currency)
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, mismatch(m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount.Add(other.Amount), Currency: m.Currency}, nil
}

// SubSaturating subtracts other from m, clamping the result at zero. The
// returned shortfall is the part of other that could not be subtracted; a
// non-zero shortfall is an underflow the caller may want to report.
func (m Money) SubSaturating(other Money) (result Money, shortfall Money, err error) {
	if m.Currency != other.Currency {
		return Money{}, Money{}, mismatch(m.Currency, other.Currency)
	}
	if other.Amount.GreaterThan(m.Amount) {
		return Zero(m.Currency), Money{Amount: other.Amount.Sub(m.Amount), Currency: m.Currency}, nil
	}
	return Money{Amount: m.Amount.Sub(other.Amount), Currency: m.Currency}, Zero(m.Currency), nil
}

// Equal checks equality. 10 and 10.00 are equal.
func (m Money) Equal(other Money) bool {
	return m.Currency == other.Currency && m.Amount.Equal(other.Amount)
}

// CheckPrecision verifies the amount has no more decimal places than the
// currency's minor units.
func (m Money) CheckPrecision() error {
	places := Lookup(m.Currency).MinorUnits
	if !m.Amount.Equal(m.Amount.Truncate(places)) {
		return fmt.Errorf("%w: %s allows %d decimal places, got %s", ErrPrecision, m.Currency, places, m.Amount.String())
	}
	return nil
}

// ToMinorUnits converts to an integer count of minor units. Fails when the
// amount is not representable exactly.
func (m Money) ToMinorUnits() (int64, error) {
	if err := m.CheckPrecision(); err != nil {
		return 0, err
	}
	shifted := m.Amount.Shift(Lookup(m.Currency).MinorUnits)
	if !shifted.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %s overflows minor units", m.Amount.String())
	}
	return shifted.IntPart(), nil
}

// Canonical returns the amount rendered with exactly the currency's minor units,
// e.g. "100.00". Equal amounts always render identically.
func (m Money) Canonical() string {
	return m.Amount.StringFixed(Lookup(m.Currency).MinorUnits)
}

// String returns a human-readable representation
func (m Money) String() string {
	if m.Currency == "" {
		return m.Canonical()
	}
	return m.Canonical() + " " + string(m.Currency)
}

// MarshalJSON implements json.Marshaler
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	}{
		Amount:   m.Canonical(),
		Currency: string(m.Currency),
	})
}

// UnmarshalJSON implements json.Unmarshaler. The amount may be a JSON string or number.
func (m *Money) UnmarshalJSON(data []byte) error {
	var v struct {
		Amount   decimal.Decimal `json:"amount"`
		Currency string          `json:"currency"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	m.Amount = v.Amount
	m.Currency = Currency(v.Currency)
	return nil
}

func mismatch(a, b Currency) error {
	return fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, a, b)
}
