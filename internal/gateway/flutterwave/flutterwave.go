// Package flutterwave adapts Flutterwave Standard checkout. Webhooks are authenticated by the
// verif-hash header, which must equal the secret hash configured on the dashboard.
package flutterwave

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/domain"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/gateway"
)

const Name = "flutterwave"

var currencies = []string{"USD", "NGN", "GHS", "KES", "XAF", "XOF", "EUR", "GBP"}

type Config struct {
	BaseURL     string
	SecretKey   string
	WebhookHash string
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
	return map[string]string{"Authorization": "Bearer " + g.cfg.SecretKey}
}

type customer struct {
	Email       string `json:"email"`
	PhoneNumber string `json:"phonenumber,omitempty"`
	Name        string `json:"name,omitempty"`
}

type customizations struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type paymentRequest struct {
	TxRef          string            `json:"tx_ref"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	RedirectURL    string            `json:"redirect_url"`
	Customer       customer          `json:"customer"`
	Customizations customizations    `json:"customizations"`
	Meta           map[string]string `json:"meta,omitempty"`
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (g *Gateway) Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error) {
	if err := gateway.CheckCurrency(g, req.Currency); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, domain.ValidationErrorf("amount must be positive")
	}
	currency := domain.NormalizeCurrency(req.Currency)

	body := paymentRequest{
		TxRef:       req.Reference,
		Amount:      gateway.MajorUnits(req.Amount, currency),
		Currency:    currency,
		RedirectURL: req.ReturnURL,
		Customer: customer{
			Email:       req.Customer.Email,
			PhoneNumber: req.Customer.Phone,
			Name:        req.Customer.Name,
		},
		Customizations: customizations{Title: "Wallet top-up", Description: req.Description},
		Meta:           map[string]string{"user_id": req.Customer.UserID.String()},
	}

	var resp envelope
	err := gateway.Retry(ctx, g.policy, func(ctx context.Context) error {
		return gateway.DoJSON(ctx, g.client, http.MethodPost, gateway.JoinURL(g.cfg.BaseURL, "/v3/payments"), g.headers(), body, &resp)
	})
	if err != nil {
		return nil, err
	}
	if resp.Status != "success" {
		return nil, domain.ProviderRejectedf("flutterwave: %s", resp.Message)
	}
	var data struct {
		Link string `json:"link"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil || data.Link == "" {
		return nil, domain.ProviderRejectedf("flutterwave returned no checkout link")
	}
	return &gateway.InitiateResult{RedirectURL: data.Link}, nil
}

type transaction struct {
	ID             json.Number     `json:"id"`
	TxRef          string          `json:"tx_ref"`
	FlwRef         string          `json:"flw_ref"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Status         string          `json:"status"`
	ProcessorReply string          `json:"processor_response"`
}

func (g *Gateway) Verify(ctx context.Context, req gateway.VerifyRequest) (*gateway.VerifyResult, error) {
	endpoint := gateway.JoinURL(g.cfg.BaseURL, "/v3/transactions/verify_by_reference") + "?tx_ref=" + url.QueryEscape(req.Reference)

	var resp envelope
	err := gateway.Retry(ctx, g.policy, func(ctx context.Context) error {
		return gateway.DoJSON(ctx, g.client, http.MethodGet, endpoint, g.headers(), nil, &resp)
	})
	if err != nil {
		// Flutterwave answers 404 until the customer has actually attempted a charge.
		var statusErr *gateway.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return &gateway.VerifyResult{Status: domain.EventPending, Reason: "transaction not found yet"}, nil
		}
		return nil, err
	}
	var tx transaction
	if err := json.Unmarshal(resp.Data, &tx); err != nil {
		return nil, domain.ProviderRejectedf("flutterwave verify: %v", err)
	}
	currency := domain.NormalizeCurrency(tx.Currency)
	return &gateway.VerifyResult{
		Status:       mapStatus(tx.Status),
		ProviderTxID: tx.ID.String(),
		Amount:       gateway.MinorUnits(tx.Amount, currency),
		Currency:     currency,
		Reason:       tx.ProcessorReply,
	}, nil
}

type webhookBody struct {
	Event string      `json:"event"`
	Data  transaction `json:"data"`
}

func (g *Gateway) ParseWebhook(payload []byte, headers http.Header) (*domain.PaymentEvent, error) {
	if g.cfg.WebhookHash == "" {
		return nil, domain.ProviderRejectedf("flutterwave webhook hash is not configured")
	}
	if !gateway.EqualSignature(g.cfg.WebhookHash, headers.Get("verif-hash")) {
		return nil, domain.ProviderRejectedf("flutterwave webhook signature mismatch")
	}

	var body webhookBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, domain.ProviderRejectedf("flutterwave webhook: %v", err)
	}
	if body.Data.TxRef == "" {
		return nil, domain.ProviderRejectedf("flutterwave webhook missing tx_ref")
	}
	if body.Event != "" && !strings.HasPrefix(body.Event, "charge.") {
		return nil, domain.ProviderRejectedf("flutterwave webhook event %q is not a charge", body.Event)
	}
	currency := domain.NormalizeCurrency(body.Data.Currency)
	return &domain.PaymentEvent{
		Reference:    body.Data.TxRef,
		Provider:     Name,
		Status:       mapStatus(body.Data.Status),
		Amount:       gateway.MinorUnits(body.Data.Amount, currency),
		Currency:     currency,
		ProviderTxID: body.Data.ID.String(),
		Reason:       body.Data.ProcessorReply,
	}, nil
}

func mapStatus(status string) domain.EventStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "successful", "success", "completed":
		return domain.EventSuccess
	case "failed", "cancelled", "error":
		return domain.EventFailed
	default:
		return domain.EventPending
	}
}
