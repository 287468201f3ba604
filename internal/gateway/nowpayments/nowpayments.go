// Package nowpayments adapts NOWPayments crypto invoices priced in USD or EUR. IPN callbacks are
// signed with x-nowpayments-sig: the hex HMAC-SHA512 of the body re-serialised with sorted keys.
package nowpayments

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/domain"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/gateway"
)

const Name = "nowpayments"

const signatureHeader = "x-nowpayments-sig"

type Config struct {
	BaseURL   string
	APIKey    string
	IPNSecret string
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
func (g *Gateway) Currencies() []string { return []string{"USD", "EUR"} }

func (g *Gateway) headers() map[string]string {
	return map[string]string{"x-api-key": g.cfg.APIKey}
}

type invoiceRequest struct {
	PriceAmount      decimal.Decimal `json:"price_amount"`
	PriceCurrency    string          `json:"price_currency"`
	OrderID          string          `json:"order_id"`
	OrderDescription string          `json:"order_description,omitempty"`
	IPNCallbackURL   string          `json:"ipn_callback_url,omitempty"`
	SuccessURL       string          `json:"success_url,omitempty"`
	CancelURL        string          `json:"cancel_url,omitempty"`
}

type invoiceResponse struct {
	ID         json.Number `json:"id"`
	InvoiceURL string      `json:"invoice_url"`
}

func (g *Gateway) Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error) {
	if err := gateway.CheckCurrency(g, req.Currency); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, domain.ValidationErrorf("amount must be positive")
	}
	currency := domain.NormalizeCurrency(req.Currency)

	body := invoiceRequest{
		PriceAmount:      gateway.MajorUnits(req.Amount, currency),
		PriceCurrency:    strings.ToLower(currency),
		OrderID:          req.Reference,
		OrderDescription: req.Description,
		IPNCallbackURL:   req.CallbackURL,
		SuccessURL:       req.ReturnURL,
		CancelURL:        req.ReturnURL,
	}
	var resp invoiceResponse
	err := gateway.Retry(ctx, g.policy, func(ctx context.Context) error {
		return gateway.DoJSON(ctx, g.client, http.MethodPost, gateway.JoinURL(g.cfg.BaseURL, "/v1/invoice"), g.headers(), body, &resp)
	})
	if err != nil {
		return nil, err
	}
	if resp.InvoiceURL == "" {
		return nil, domain.ProviderRejectedf("nowpayments returned no invoice url")
	}
	return &gateway.InitiateResult{ProviderReference: resp.ID.String(), RedirectURL: resp.InvoiceURL}, nil
}

type paymentRecord struct {
	PaymentID     json.Number     `json:"payment_id"`
	PaymentStatus string          `json:"payment_status"`
	PriceAmount   decimal.Decimal `json:"price_amount"`
	PriceCurrency string          `json:"price_currency"`
	OrderID       string          `json:"order_id"`
	InvoiceID     json.Number     `json:"invoice_id"`
}

// Verify lists the payments attached to the invoice. One finished payment settles the invoice;
// it fails only when every attempt has reached a failed state.
func (g *Gateway) Verify(ctx context.Context, req gateway.VerifyRequest) (*gateway.VerifyResult, error) {
	if req.ProviderReference == "" {
		return &gateway.VerifyResult{Status: domain.EventPending, Reason: "no invoice id recorded"}, nil
	}
	endpoint := gateway.JoinURL(g.cfg.BaseURL, "/v1/payment/") + "?invoiceId=" + url.QueryEscape(req.ProviderReference)

	var resp struct {
		Data []paymentRecord `json:"data"`
	}
	err := gateway.Retry(ctx, g.policy, func(ctx context.Context) error {
		return gateway.DoJSON(ctx, g.client, http.MethodGet, endpoint, g.headers(), nil, &resp)
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Data) == 0 {
		return &gateway.VerifyResult{Status: domain.EventPending}, nil
	}
	allFailed := true
	for _, p := range resp.Data {
		status := mapStatus(p.PaymentStatus)
		if status == domain.EventSuccess {
			currency := domain.NormalizeCurrency(p.PriceCurrency)
			return &gateway.VerifyResult{
				Status:       domain.EventSuccess,
				ProviderTxID: p.PaymentID.String(),
				Amount:       gateway.MinorUnits(p.PriceAmount, currency),
				Currency:     currency,
			}, nil
		}
		if status != domain.EventFailed {
			allFailed = false
		}
	}
	if allFailed {
		return &gateway.VerifyResult{Status: domain.EventFailed, Reason: resp.Data[0].PaymentStatus}, nil
	}
	return &gateway.VerifyResult{Status: domain.EventPending}, nil
}

func (g *Gateway) ParseWebhook(payload []byte, headers http.Header) (*domain.PaymentEvent, error) {
	if g.cfg.IPNSecret == "" {
		return nil, domain.ProviderRejectedf("nowpayments ipn secret is not configured")
	}
	canonical, err := sortedJSON(payload)
	if err != nil {
		return nil, domain.ProviderRejectedf("nowpayments ipn: %v", err)
	}
	expected := gateway.HMACSHA512Hex(g.cfg.IPNSecret, canonical)
	if !gateway.EqualSignature(expected, headers.Get(signatureHeader)) {
		return nil, domain.ProviderRejectedf("nowpayments ipn signature mismatch")
	}

	var p paymentRecord
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, domain.ProviderRejectedf("nowpayments ipn: %v", err)
	}
	if p.OrderID == "" {
		return nil, domain.ProviderRejectedf("nowpayments ipn missing order_id")
	}
	currency := domain.NormalizeCurrency(p.PriceCurrency)
	return &domain.PaymentEvent{
		Reference:    p.OrderID,
		Provider:     Name,
		Status:       mapStatus(p.PaymentStatus),
		Amount:       gateway.MinorUnits(p.PriceAmount, currency),
		Currency:     currency,
		ProviderTxID: p.PaymentID.String(),
		Reason:       p.PaymentStatus,
	}, nil
}

// sortedJSON re-encodes payload with object keys in sorted order and numbers preserved verbatim.
func sortedJSON(payload []byte) ([]byte, error) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	var value map[string]interface{}
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(value); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func mapStatus(status string) domain.EventStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "finished":
		return domain.EventSuccess
	case "failed", "expired", "refunded":
		return domain.EventFailed
	default:
		// waiting, confirming, confirmed, sending, partially_paid
		return domain.EventPending
	}
}
