package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Checkout amount bounds in minor units.
const (
	MinPaymentMinor int64 = 50
	MaxPaymentMinor int64 = 999999
)

const DefaultCurrency = "eur"

// currencyExponents maps supported currencies to the number of minor-unit digits.
var currencyExponents = map[string]int32{
	"eur": 2,
	"usd": 2,
	"gbp": 2,
}

// NormalizeCurrency lowercases a currency code and applies the default when empty.
func NormalizeCurrency(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	if c == "" {
		return DefaultCurrency
	}
	return c
}

// SupportedCurrency reports whether checkouts may be created in currency c.
func SupportedCurrency(c string) bool {
	_, ok := currencyExponents[c]
	return ok
}

func exponent(currency string) int32 {
	if e, ok := currencyExponents[currency]; ok {
		return e
	}
	return 2
}

// ToMinorUnits converts a decimal amount (as stored) to integer minor units, rounding half away from zero.
func ToMinorUnits(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(exponent(currency)).Round(0).IntPart()
}

// FromMinorUnits converts integer minor units to the decimal stored in the ledger.
func FromMinorUnits(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -exponent(currency))
}
