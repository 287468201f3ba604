/**
 * @description
 * Core domain models for the numbers-service: wallet balances, ledger entries and the
 * currency table used to move between major and minor units.
 *
 * @notes
 * - Amounts are int64 in the currency's smallest unit (cents for USD, francs for XAF),
 *   mirroring how the rest of the platform avoids floating-point money.
 */

package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// WalletCurrency is the currency every purchase is priced and debited in.
const WalletCurrency = "USD"

// Balance is one row per (user, currency). Rows are created lazily at zero.
type Balance struct {
	UserID    uuid.UUID `json:"user_id"`
	Currency  string    `json:"currency"`
	Amount    int64     `json:"amount"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntryKind classifies a ledger entry. (kind, reference) is unique, so an entry can only land once.
type EntryKind string

const (
	EntryPaymentCredit     EntryKind = "payment_credit"
	EntryOrderDebit        EntryKind = "order_debit"
	EntryOrderRefund       EntryKind = "order_refund"
	EntryOrderCancelRefund EntryKind = "order_cancel_refund"
	EntryAdjustmentCredit  EntryKind = "adjustment_credit"
	EntryAdjustmentDebit   EntryKind = "adjustment_debit"
)

// LedgerEntry is the audit record written in the same transaction as a balance mutation.
type LedgerEntry struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Currency  string    `json:"currency"`
	Delta     int64     `json:"delta"`
	Kind      EntryKind `json:"kind"`
	Reference string    `json:"reference"`
	CreatedAt time.Time `json:"created_at"`
}

// currencyExponents lists the minor-unit exponent of each supported currency.
var currencyExponents = map[string]int32{
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"NGN": 2,
	"GHS": 2,
	"KES": 2,
	"ZAR": 2,
	"RUB": 2,
	"XAF": 0,
	"XOF": 0,
}

// NormalizeCurrency upper-cases and trims an ISO code.
func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// IsSupportedCurrency reports whether the currency appears in the exponent table.
func IsSupportedCurrency(currency string) bool {
	_, ok := currencyExponents[NormalizeCurrency(currency)]
	return ok
}

// CurrencyExponent returns the number of minor-unit digits, defaulting to 2.
func CurrencyExponent(currency string) int32 {
	if exp, ok := currencyExponents[NormalizeCurrency(currency)]; ok {
		return exp
	}
	return 2
}
