package money

import (
	"fmt"
	"strings"
	"sync"
)

// Currency represents an ISO 4217 currency code
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	PLN Currency = "PLN"
	CHF Currency = "CHF"
	JPY Currency = "JPY"
	BHD Currency = "BHD"
	KWD Currency = "KWD"
)

// DefaultMinorUnits is used for well-formed codes missing from the registry.
const DefaultMinorUnits int32 = 2

// CurrencyInfo contains metadata about a currency
type CurrencyInfo struct {
	Code       Currency
	MinorUnits int32 // Number of decimal places
}

var (
	registryMu sync.RWMutex
	currencies = map[Currency]CurrencyInfo{
		USD: {Code: USD, MinorUnits: 2},
		EUR: {Code: EUR, MinorUnits: 2},
		GBP: {Code: GBP, MinorUnits: 2},
		PLN: {Code: PLN, MinorUnits: 2},
		CHF: {Code: CHF, MinorUnits: 2},
		JPY: {Code: JPY, MinorUnits: 0},
		BHD: {Code: BHD, MinorUnits: 3},
		KWD: {Code: KWD, MinorUnits: 3},
	}
)

// Register adds or replaces a currency's precision
func Register(info CurrencyInfo) error {
	if !IsValidCode(info.Code) {
		return fmt.Errorf("invalid currency code %q", info.Code)
	}
	if info.MinorUnits < 0 || info.MinorUnits > 8 {
		return fmt.Errorf("invalid minor units %d for %s", info.MinorUnits, info.Code)
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	currencies[info.Code] = info
	return nil
}

// GetCurrencyInfo returns info about a registered currency
func GetCurrencyInfo(c Currency) (CurrencyInfo, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	info, ok := currencies[c]
	return info, ok
}

// Lookup returns the registered info, falling back to DefaultMinorUnits
func Lookup(c Currency) CurrencyInfo {
	if info, ok := GetCurrencyInfo(c); ok {
		return info
	}
	return CurrencyInfo{Code: c, MinorUnits: DefaultMinorUnits}
}

// IsValidCode reports whether c is three upper-case ASCII letters
func IsValidCode(c Currency) bool {
	if len(c) != 3 {
		return false
	}
	for i := 0; i < len(c); i++ {
		if c[i] < 'A' || c[i] > 'Z' {
			return false
		}
	}
	return true
}

// ParseCurrency normalizes and validates a currency code
func ParseCurrency(s string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	if !IsValidCode(c) {
		return "", fmt.Errorf("invalid currency code %q", s)
	}
	return c, nil
}
