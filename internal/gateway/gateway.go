/**
 * @description
 * The capability set every payment provider adapter implements. Adapters live in their own
 * packages and share nothing but this interface and the free helpers in this package.
 *
 * @dependencies
 * - internal/domain: canonical payment event and error taxonomy.
 */

package gateway

import (
	"context"
	"net/http"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/domain"
)

// InitiateRequest carries everything a provider needs to open a checkout.
type InitiateRequest struct {
	Reference   string
	Amount      int64 // minor units of Currency
	Currency    string
	Customer    domain.Customer
	Description string
	CallbackURL string
	ReturnURL   string
}

type InitiateResult struct {
	ProviderReference string
	RedirectURL       string
}

type VerifyRequest struct {
	Reference         string
	ProviderReference string
}

type VerifyResult struct {
	Status       domain.EventStatus
	ProviderTxID string
	Amount       int64 // minor units of Currency; 0 when the provider does not report it
	Currency     string
	Reason       string
}

// Gateway is one payment provider.
type Gateway interface {
	Name() string
	Currencies() []string
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error)
	// ParseWebhook authenticates and normalises a raw webhook. It must verify the provider's
	// signature before trusting any field.
	ParseWebhook(payload []byte, headers http.Header) (*domain.PaymentEvent, error)
}

// Supports reports whether g accepts currency.
func Supports(g Gateway, currency string) bool {
	currency = domain.NormalizeCurrency(currency)
	for _, c := range g.Currencies() {
		if c == currency {
			return true
		}
	}
	return false
}

// CheckCurrency returns a ValidationError when g does not accept currency.
func CheckCurrency(g Gateway, currency string) error {
	if !Supports(g, currency) {
		return domain.ValidationErrorf("%s does not accept %s (supported: %v)", g.Name(), domain.NormalizeCurrency(currency), g.Currencies())
	}
	return nil
}
