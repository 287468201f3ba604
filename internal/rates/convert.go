package rates

import (
	"github.com/shopspring/decimal"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/domain"
)

var hundred = decimal.NewFromInt(100)

func toMajor(amount int64, currency string) decimal.Decimal {
	return decimal.New(amount, -domain.CurrencyExponent(currency))
}

func toMinor(major decimal.Decimal, currency string) int64 {
	return major.Shift(domain.CurrencyExponent(currency)).Round(0).IntPart()
}

// ToUSD converts minor units of the quoted currency to USD cents: amount / rate.
func ToUSD(amount int64, quote Rate) int64 {
	if !quote.Rate.IsPositive() {
		return 0
	}
	usd := toMajor(amount, quote.Currency).DivRound(quote.Rate, 12)
	return toMinor(usd, domain.WalletCurrency)
}

// FromUSD converts USD cents to minor units of the quoted currency:
// amount * rate * (1 + markup/100).
func FromUSD(amountUSD int64, quote Rate) int64 {
	factor := decimal.NewFromInt(1).Add(quote.MarkupPercent.Div(hundred))
	local := toMajor(amountUSD, domain.WalletCurrency).Mul(quote.Rate).Mul(factor)
	return toMinor(local, quote.Currency)
}

// ConvertToUSD converts a decimal amount in major units, used for provider price lists.
func ConvertToUSD(major decimal.Decimal, quote Rate) int64 {
	if !quote.Rate.IsPositive() {
		return 0
	}
	return toMinor(major.DivRound(quote.Rate, 12), domain.WalletCurrency)
}
