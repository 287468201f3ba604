/**
 * @description
 * CamPay adapter (Cameroon mobile money). Accepts XAF only. Outbound calls authenticate with a
 * short-lived token obtained from the username/password pair; inbound webhooks carry a
 * `signature` field that is an HS256 JWT signed with the webhook key.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: webhook signature verification.
 * - internal/gateway: shared transport, retry and money helpers.
 */

package campay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/domain"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/gateway"
)

const Name = "campay"

type Config struct {
	BaseURL    string
	Username   string
	Password   string
	WebhookKey string
}

type Gateway struct {
	cfg    Config
	client *http.Client
	policy gateway.RetryPolicy
	now    func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func New(cfg Config, client *http.Client, policy gateway.RetryPolicy) *Gateway {
	if client == nil {
		client = &http.Client{Timeout: policy.Timeout}
	}
	return &Gateway{cfg: cfg, client: client, policy: policy, now: time.Now}
}

func (g *Gateway) Name() string         { return Name }
func (g *Gateway) Currencies() []string { return []string{"XAF"} }

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

func (g *Gateway) authToken(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.token != "" && g.now().Before(g.tokenExpiry) {
		return g.token, nil
	}

	var resp tokenResponse
	body := map[string]string{"username": g.cfg.Username, "password": g.cfg.Password}
	if err := gateway.DoJSON(ctx, g.client, http.MethodPost, gateway.JoinURL(g.cfg.BaseURL, "/token/"), nil, body, &resp); err != nil {
		return "", fmt.Errorf("campay token: %w", err)
	}
	if resp.Token == "" {
		return "", domain.ProviderRejectedf("campay returned an empty token")
	}
	ttl := time.Duration(resp.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	g.token = resp.Token
	// Renew a minute early so an in-flight call never carries an expired token.
	g.tokenExpiry = g.now().Add(ttl - time.Minute)
	return g.token, nil
}

func (g *Gateway) authorized(ctx context.Context, method, path string, body, out interface{}) error {
	return gateway.Retry(ctx, g.policy, func(ctx context.Context) error {
		token, err := g.authToken(ctx)
		if err != nil {
			return err
		}
		err = gateway.DoJSON(ctx, g.client, method, gateway.JoinURL(g.cfg.BaseURL, path),
			map[string]string{"Authorization": "Token " + token}, body, out)
		var statusErr *gateway.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized {
			g.resetToken()
			return domain.ProviderUnavailablef("campay token rejected")
		}
		return err
	})
}

func (g *Gateway) resetToken() {
	g.mu.Lock()
	g.token = ""
	g.mu.Unlock()
}

type paymentLinkRequest struct {
	Amount             string `json:"amount"`
	Currency           string `json:"currency"`
	Description        string `json:"description"`
	ExternalReference  string `json:"external_reference"`
	RedirectURL        string `json:"redirect_url,omitempty"`
	FailureRedirectURL string `json:"failure_redirect_url,omitempty"`
	PaymentOptions     string `json:"payment_options"`
	From               string `json:"from,omitempty"`
}

type paymentLinkResponse struct {
	Link      string `json:"link"`
	Reference string `json:"reference"`
}

func (g *Gateway) Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error) {
	if err := gateway.CheckCurrency(g, req.Currency); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, domain.ValidationErrorf("amount must be positive")
	}

	body := paymentLinkRequest{
		Amount:             gateway.MajorUnits(req.Amount, "XAF").String(),
		Currency:           "XAF",
		Description:        req.Description,
		ExternalReference:  req.Reference,
		RedirectURL:        req.ReturnURL,
		FailureRedirectURL: req.ReturnURL,
		PaymentOptions:     "MOMO",
		From:               req.Customer.Phone,
	}
	var resp paymentLinkResponse
	if err := g.authorized(ctx, http.MethodPost, "/get_payment_link/", body, &resp); err != nil {
		return nil, err
	}
	if resp.Link == "" {
		return nil, domain.ProviderRejectedf("campay returned no payment link")
	}
	return &gateway.InitiateResult{ProviderReference: resp.Reference, RedirectURL: resp.Link}, nil
}

type transactionResponse struct {
	Reference         string          `json:"reference"`
	ExternalReference string          `json:"external_reference"`
	Status            string          `json:"status"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	OperatorReference string          `json:"operator_reference"`
	Reason            string          `json:"reason"`
}

func (g *Gateway) Verify(ctx context.Context, req gateway.VerifyRequest) (*gateway.VerifyResult, error) {
	if req.ProviderReference == "" {
		return &gateway.VerifyResult{Status: domain.EventPending, Reason: "no campay reference recorded"}, nil
	}
	var resp transactionResponse
	path := "/transaction/" + url.PathEscape(req.ProviderReference) + "/"
	if err := g.authorized(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &gateway.VerifyResult{
		Status:       mapStatus(resp.Status),
		ProviderTxID: firstNonEmpty(resp.OperatorReference, resp.Reference),
		Amount:       gateway.MinorUnits(resp.Amount, "XAF"),
		Currency:     "XAF",
		Reason:       resp.Reason,
	}, nil
}

type webhookPayload struct {
	Status            string      `json:"status"`
	Reference         string      `json:"reference"`
	ExternalReference string      `json:"external_reference"`
	Amount            json.Number `json:"amount"`
	Currency          string      `json:"currency"`
	OperatorReference string      `json:"operator_reference"`
	Signature         string      `json:"signature"`
	Reason            string      `json:"reason"`
}

// ParseWebhook accepts the JSON body or the form-encoded variant CamPay sends.
func (g *Gateway) ParseWebhook(payload []byte, headers http.Header) (*domain.PaymentEvent, error) {
	var p webhookPayload
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, domain.ProviderRejectedf("campay webhook: %v", err)
		}
	} else {
		values, err := url.ParseQuery(trimmed)
		if err != nil {
			return nil, domain.ProviderRejectedf("campay webhook: %v", err)
		}
		p = webhookPayload{
			Status:            values.Get("status"),
			Reference:         values.Get("reference"),
			ExternalReference: values.Get("external_reference"),
			Amount:            json.Number(values.Get("amount")),
			Currency:          values.Get("currency"),
			OperatorReference: values.Get("operator_reference"),
			Signature:         values.Get("signature"),
			Reason:            values.Get("reason"),
		}
	}

	claims, err := g.verifySignature(p.Signature)
	if err != nil {
		return nil, err
	}
	if p.ExternalReference == "" {
		return nil, domain.ProviderRejectedf("campay webhook missing external_reference")
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(p.Amount.String()))
	if err != nil {
		return nil, domain.ProviderRejectedf("campay webhook amount %q: %v", p.Amount, err)
	}
	currency := domain.NormalizeCurrency(p.Currency)
	if currency == "" {
		currency = "XAF"
	}
	bound, err := bindClaims(claims, p, amount)
	if err != nil {
		return nil, err
	}

	return &domain.PaymentEvent{
		Reference:    p.ExternalReference,
		Provider:     Name,
		Status:       mapStatus(p.Status),
		Amount:       gateway.MinorUnits(amount, currency),
		Currency:     currency,
		ProviderTxID: firstNonEmpty(p.OperatorReference, p.Reference),
		Reason:       p.Reason,

		ConfirmWithProvider: !bound,
	}, nil
}

func (g *Gateway) verifySignature(signature string) (jwt.MapClaims, error) {
	if g.cfg.WebhookKey == "" {
		return nil, domain.ProviderRejectedf("campay webhook key is not configured")
	}
	if signature == "" {
		return nil, domain.ProviderRejectedf("campay webhook is unsigned")
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(signature, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(g.cfg.WebhookKey), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, domain.ProviderRejectedf("campay webhook signature: %v", err)
	}
	return claims, nil
}

// bindClaims compares the payment fields the token carries with the body. bound is true only
// when the token pins the reference, the amount and the status, so the body cannot be swapped
// under a captured signature.
func bindClaims(claims jwt.MapClaims, p webhookPayload, amount decimal.Decimal) (bool, error) {
	pinned := 0
	for _, field := range []struct{ claim, body string }{
		{"external_reference", p.ExternalReference},
		{"reference", p.Reference},
		{"status", p.Status},
	} {
		v, ok := claims[field.claim]
		if !ok {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(fmt.Sprint(v)), strings.TrimSpace(field.body)) {
			return false, domain.ProviderRejectedf("campay webhook %s does not match its signature", field.claim)
		}
		if field.claim == "external_reference" || field.claim == "status" {
			pinned++
		}
	}
	if v, ok := claims["amount"]; ok {
		var signed decimal.Decimal
		var err error
		switch n := v.(type) {
		case float64:
			signed = decimal.NewFromFloat(n)
		default:
			signed, err = decimal.NewFromString(strings.TrimSpace(fmt.Sprint(n)))
		}
		if err != nil || !signed.Equal(amount) {
			return false, domain.ProviderRejectedf("campay webhook amount does not match its signature")
		}
		pinned++
	}
	return pinned == 3, nil
}

func mapStatus(status string) domain.EventStatus {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "SUCCESSFUL", "SUCCESS":
		return domain.EventSuccess
	case "FAILED", "CANCELLED", "EXPIRED":
		return domain.EventFailed
	default:
		return domain.EventPending
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
