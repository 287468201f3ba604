package gateway

import (
	"github.com/shopspring/decimal"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/domain"
)

// MajorUnits renders minor units as a decimal in major units, e.g. 1050 USD cents -> 10.50.
func MajorUnits(amount int64, currency string) decimal.Decimal {
	return decimal.New(amount, -domain.CurrencyExponent(currency))
}

// MinorUnits converts a provider-reported major amount to minor units, rounding half-up.
func MinorUnits(major decimal.Decimal, currency string) int64 {
	return major.Shift(domain.CurrencyExponent(currency)).Round(0).IntPart()
}
