// Package notchpay adapts NotchPay collections. Webhooks carry x-notch-signature, the hex
// HMAC-SHA256 of the raw body keyed with the account's hash key.
package notchpay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/domain"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/gateway"
)

const Name = "notchpay"

const signatureHeader = "x-notch-signature"

var currencies = []string{"XAF", "XOF", "NGN", "GHS", "USD", "EUR"}

type Config struct {
	BaseURL   string
	PublicKey string
	HashKey   string
}

type Gateway struct {
	cfg    Config
	client *http.Client
	policy gateway.RetryPolicy
}

func New(cfg Config, client *http.Client, policy gateway.RetryPolicy) *Gateway {
	if client == nil {
		client = &http.Client{Timeout: policy.Timeout}
	}
	return &Gateway{cfg: cfg, client: client, policy: policy}
}

func (g *Gateway) Name() string         { return Name }
func (g *Gateway) Currencies() []string { return currencies }

func (g *Gateway) headers() map[string]string {
	return map[string]string{"Authorization": g.cfg.PublicKey}
}

type initRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Email       string          `json:"email,omitempty"`
	Phone       string          `json:"phone,omitempty"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description"`
	Reference   string          `json:"reference"`
	Callback    string          `json:"callback,omitempty"`
}

type transaction struct {
	Reference         string          `json:"reference"`
	MerchantReference string          `json:"merchant_reference"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            string          `json:"status"`
	Reason            string          `json:"reason"`
}

type initResponse struct {
	Status           string      `json:"status"`
	Message          string      `json:"message"`
	AuthorizationURL string      `json:"authorization_url"`
	Transaction      transaction `json:"transaction"`
}

func (g *Gateway) Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error) {
	if err := gateway.CheckCurrency(g, req.Currency); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, domain.ValidationErrorf("amount must be positive")
	}
	currency := domain.NormalizeCurrency(req.Currency)

	body := initRequest{
		Amount:      gateway.MajorUnits(req.Amount, currency),
		Currency:    currency,
		Email:       req.Customer.Email,
		Phone:       req.Customer.Phone,
		Name:        req.Customer.Name,
		Description: req.Description,
		Reference:   req.Reference,
		Callback:    req.ReturnURL,
	}
	var resp initResponse
	err := gateway.Retry(ctx, g.policy, func(ctx context.Context) error {
		return gateway.DoJSON(ctx, g.client, http.MethodPost, gateway.JoinURL(g.cfg.BaseURL, "/payments"), g.headers(), body, &resp)
	})
	if err != nil {
		return nil, err
	}
	if resp.AuthorizationURL == "" {
		return nil, domain.ProviderRejectedf("notchpay returned no authorization url: %s", resp.Message)
	}
	return &gateway.InitiateResult{ProviderReference: resp.Transaction.Reference, RedirectURL: resp.AuthorizationURL}, nil
}

func (g *Gateway) Verify(ctx context.Context, req gateway.VerifyRequest) (*gateway.VerifyResult, error) {
	lookup := req.ProviderReference
	if lookup == "" {
		lookup = req.Reference
	}
	var resp struct {
		Transaction transaction `json:"transaction"`
	}
	endpoint := gateway.JoinURL(g.cfg.BaseURL, "/payments/"+url.PathEscape(lookup))
	err := gateway.Retry(ctx, g.policy, func(ctx context.Context) error {
		return gateway.DoJSON(ctx, g.client, http.MethodGet, endpoint, g.headers(), nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	currency := domain.NormalizeCurrency(resp.Transaction.Currency)
	return &gateway.VerifyResult{
		Status:       mapStatus(resp.Transaction.Status),
		ProviderTxID: resp.Transaction.Reference,
		Amount:       gateway.MinorUnits(resp.Transaction.Amount, currency),
		Currency:     currency,
		Reason:       resp.Transaction.Reason,
	}, nil
}

type webhookBody struct {
	Event string      `json:"event"`
	Data  transaction `json:"data"`
}

func (g *Gateway) ParseWebhook(payload []byte, headers http.Header) (*domain.PaymentEvent, error) {
	if g.cfg.HashKey == "" {
		return nil, domain.ProviderRejectedf("notchpay hash key is not configured")
	}
	expected := gateway.HMACSHA256Hex(g.cfg.HashKey, payload)
	if !gateway.EqualSignature(expected, headers.Get(signatureHeader)) {
		return nil, domain.ProviderRejectedf("notchpay webhook signature mismatch")
	}

	var body webhookBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, domain.ProviderRejectedf("notchpay webhook: %v", err)
	}
	reference := body.Data.MerchantReference
	if reference == "" {
		return nil, domain.ProviderRejectedf("notchpay webhook missing merchant_reference")
	}
	status := mapStatus(body.Data.Status)
	if body.Data.Status == "" {
		status = mapEvent(body.Event)
	}
	currency := domain.NormalizeCurrency(body.Data.Currency)
	return &domain.PaymentEvent{
		Reference:    reference,
		Provider:     Name,
		Status:       status,
		Amount:       gateway.MinorUnits(body.Data.Amount, currency),
		Currency:     currency,
		ProviderTxID: body.Data.Reference,
		Reason:       body.Data.Reason,
	}, nil
}

func mapStatus(status string) domain.EventStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "complete", "completed", "success":
		return domain.EventSuccess
	case "failed", "canceled", "cancelled", "expired", "rejected":
		return domain.EventFailed
	default:
		return domain.EventPending
	}
}

func mapEvent(event string) domain.EventStatus {
	switch strings.ToLower(event) {
	case "payment.complete":
		return domain.EventSuccess
	case "payment.failed", "payment.canceled", "payment.expired":
		return domain.EventFailed
	default:
		return domain.EventPending
	}
}
