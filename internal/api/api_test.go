package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/app"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/domain"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/gateway"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/ledger"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/rates"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/store"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/pkg/smsclient"
)

const testSecret = "test-secret"

type fakeGateway struct {
	parse func(payload []byte, headers http.Header) (*domain.PaymentEvent, error)
}

func (g *fakeGateway) Name() string         { return "campay" }
func (g *fakeGateway) Currencies() []string { return []string{"XAF"} }

func (g *fakeGateway) Initiate(_ context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error) {
	return &gateway.InitiateResult{ProviderReference: "cp-" + req.Reference, RedirectURL: "https://pay.example/checkout"}, nil
}

func (g *fakeGateway) Verify(context.Context, gateway.VerifyRequest) (*gateway.VerifyResult, error) {
	return &gateway.VerifyResult{Status: domain.EventPending}, nil
}

func (g *fakeGateway) ParseWebhook(payload []byte, headers http.Header) (*domain.PaymentEvent, error) {
	return g.parse(payload, headers)
}

type fakeNumbers struct{}

func (fakeNumbers) GetNumber(context.Context, string, string) (*smsclient.Number, error) {
	return &smsclient.Number{ActivationID: "act-9", PhoneNumber: "237699000000"}, nil
}

func (fakeNumbers) GetStatus(context.Context, string) (*smsclient.Status, error) {
	return &smsclient.Status{State: smsclient.StateWaitCode}, nil
}

func (fakeNumbers) SetStatus(context.Context, string, int) (string, error) {
	return "ACCESS_CANCEL", nil
}

func (fakeNumbers) GetServicesAndCost(_ context.Context, country, service string) ([]smsclient.ServicePrice, error) {
	return []smsclient.ServicePrice{{Country: country, Service: service, Cost: decimal.RequireFromString("1.00")}}, nil
}

type fakeRates struct{}

func (fakeRates) GetRate(_ context.Context, currency string) (*rates.Rate, error) {
	switch domain.NormalizeCurrency(currency) {
	case "USD":
		return &rates.Rate{Currency: "USD", Rate: decimal.NewFromInt(1)}, nil
	case "XAF":
		return &rates.Rate{Currency: "XAF", Rate: decimal.NewFromInt(605), MarkupPercent: decimal.NewFromInt(5)}, nil
	}
	return nil, domain.ValidationErrorf("unsupported currency %s", currency)
}

type recordingRelay struct {
	provider string
	payload  []byte
}

func (r *recordingRelay) Relay(_ context.Context, provider string, payload []byte, _ http.Header) error {
	r.provider, r.payload = provider, payload
	return nil
}

type testServer struct {
	repo  *store.MemoryRepository
	gw    *fakeGateway
	relay *recordingRelay
	srv   *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	repo := store.NewMemoryRepository()
	l := ledger.New(repo, nil)
	gw := &fakeGateway{parse: func([]byte, http.Header) (*domain.PaymentEvent, error) {
		return nil, domain.ProviderRejectedf("bad signature")
	}}
	registry := gateway.NewRegistry(gw)
	reconciler := app.NewReconciler(repo, l, registry, nil, app.ReconcilerConfig{}, nil)
	funding := app.NewFundingService(repo, registry, fakeRates{}, reconciler, app.FundingConfig{PublicBaseURL: "https://api.test"}, nil)
	orders := app.NewOrderManager(repo, l, fakeNumbers{}, fakeRates{}, nil, app.OrderConfig{}, nil)
	relay := &recordingRelay{}

	h := NewHandlers(l, funding, orders, reconciler, fakeRates{}, relay, nil)
	srv := httptest.NewServer(NewRouter(h, RouterConfig{Auth: AuthConfig{JWTSecret: testSecret}}))
	t.Cleanup(srv.Close)
	return &testServer{repo: repo, gw: gw, relay: relay, srv: srv}
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (s *testServer) do(t *testing.T, method, path, token, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, s.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	out := map[string]interface{}{}
	_ = json.Unmarshal(raw, &out)
	return resp, out
}

func (s *testServer) seed(t *testing.T, userID uuid.UUID, amount int64) {
	t.Helper()
	if _, err := s.repo.CreditBalance(context.Background(), userID, "USD", amount, domain.EntryAdjustmentCredit, "seed-"+userID.String()); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t)
	resp, body := s.do(t, http.MethodGet, "/health", "", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "healthy" {
		t.Fatalf("expected 200 healthy, got %d %v", resp.StatusCode, body)
	}
}

func TestAuthMiddleware(t *testing.T) {
	s := newTestServer(t)
	wrongKey, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: uuid.NewString()}).SignedString([]byte("other"))
	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   uuid.NewString(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}).SignedString([]byte(testSecret))

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic abc"},
		{"wrong key", "Bearer " + wrongKey},
		{"expired", "Bearer " + expired},
		{"subject not a uuid", "Bearer " + signToken(t, "user_2abc")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, s.srv.URL+"/account-balance", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", resp.StatusCode)
			}
		})
	}
}

func TestAccountBalance(t *testing.T) {
	s := newTestServer(t)
	userID := uuid.New()
	token := signToken(t, userID.String())

	resp, body := s.do(t, http.MethodGet, "/account-balance", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	balances, _ := body["balances"].([]interface{})
	if len(balances) != 1 {
		t.Fatalf("expected a zero USD balance for a new user, got %v", body)
	}

	s.seed(t, userID, 150)
	resp, body = s.do(t, http.MethodGet, "/account-balance?currency=usd", token, "")
	if resp.StatusCode != http.StatusOK || body["amount"] != float64(150) || body["currency"] != "USD" {
		t.Fatalf("expected 150 USD, got %d %v", resp.StatusCode, body)
	}
}

func TestGenerateNumber_InsufficientBalance(t *testing.T) {
	s := newTestServer(t)
	userID := uuid.New()
	s.seed(t, userID, 95)

	resp, body := s.do(t, http.MethodPost, "/generate-number", signToken(t, userID.String()), `{"service_id":"wa","country_id":"cm"}`)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d %v", resp.StatusCode, body)
	}
	if body["current_balance"] != float64(95) || body["required_amount"] != float64(100) || body["shortfall"] != float64(5) {
		t.Fatalf("unexpected shortfall body %v", body)
	}
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	userID := uuid.New()
	s.seed(t, userID, 100)
	token := signToken(t, userID.String())

	resp, body := s.do(t, http.MethodPost, "/generate-number", token, `{"service_id":"wa","country_id":"cm"}`)
	if resp.StatusCode != http.StatusCreated || body["status"] != "active" {
		t.Fatalf("expected 201 active, got %d %v", resp.StatusCode, body)
	}
	orderID, _ := body["id"].(string)

	resp, body = s.do(t, http.MethodGet, "/number-status/"+orderID, token, "")
	if resp.StatusCode != http.StatusOK || body["seconds_remaining"] == float64(0) {
		t.Fatalf("expected live order, got %d %v", resp.StatusCode, body)
	}

	resp, body = s.do(t, http.MethodGet, "/verification-code/"+orderID, token, "")
	if resp.StatusCode != http.StatusOK || body["state"] != string(domain.CodeWaiting) {
		t.Fatalf("expected waiting, got %d %v", resp.StatusCode, body)
	}

	other := signToken(t, uuid.NewString())
	if resp, _ := s.do(t, http.MethodGet, "/number-status/"+orderID, other, ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for another user, got %d", resp.StatusCode)
	}
	if resp, _ := s.do(t, http.MethodGet, "/number-status/not-a-uuid", token, ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad id, got %d", resp.StatusCode)
	}

	resp, body = s.do(t, http.MethodPost, "/cancel-number/"+orderID, token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on cancel, got %d %v", resp.StatusCode, body)
	}
	balance, _ := body["balance"].(map[string]interface{})
	if balance["amount"] != float64(100) {
		t.Fatalf("expected refund to 100, got %v", body)
	}
	if resp, _ := s.do(t, http.MethodPost, "/cancel-number/"+orderID, token, ""); resp.StatusCode != http.StatusGone {
		t.Fatalf("expected 410 on second cancel, got %d", resp.StatusCode)
	}
}

func TestAddFundsAndWebhook(t *testing.T) {
	s := newTestServer(t)
	userID := uuid.New()
	token := signToken(t, userID.String())

	resp, body := s.do(t, http.MethodPost, "/add-funds/campay", token, `{"amount":1000,"currency":"XAF","phone":"237650000000"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d %v", resp.StatusCode, body)
	}
	if body["redirect_url"] != "https://pay.example/checkout" || body["credit_amount"] != float64(165) {
		t.Fatalf("unexpected payment body %v", body)
	}
	reference, _ := body["reference"].(string)

	if resp, _ := s.do(t, http.MethodPost, "/webhooks/campay", "", `{"reference":"`+reference+`"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unsigned webhook, got %d", resp.StatusCode)
	}

	s.gw.parse = func([]byte, http.Header) (*domain.PaymentEvent, error) {
		return &domain.PaymentEvent{Reference: reference, Status: domain.EventSuccess, Amount: 1000, Currency: "XAF"}, nil
	}
	resp, body = s.do(t, http.MethodPost, "/webhooks/campay", "", `{}`)
	if resp.StatusCode != http.StatusOK || body["status"] != string(app.OutcomeCompleted) {
		t.Fatalf("expected completed, got %d %v", resp.StatusCode, body)
	}
	resp, body = s.do(t, http.MethodPost, "/webhooks/campay", "", `{}`)
	if resp.StatusCode != http.StatusOK || body["status"] != string(app.OutcomeDuplicate) {
		t.Fatalf("expected duplicate replay to answer 200, got %d %v", resp.StatusCode, body)
	}

	resp, body = s.do(t, http.MethodGet, "/add-funds/status/"+reference, token, "")
	if resp.StatusCode != http.StatusOK || body["status"] != string(domain.PaymentCompleted) {
		t.Fatalf("expected completed status, got %d %v", resp.StatusCode, body)
	}
	_, body = s.do(t, http.MethodGet, "/account-balance?currency=USD", token, "")
	if body["amount"] != float64(165) {
		t.Fatalf("expected balance 165, got %v", body)
	}

	if resp, _ := s.do(t, http.MethodPost, "/webhooks/paypal", "", `{}`); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown provider, got %d", resp.StatusCode)
	}
}

func TestWebhook_TransientFailureIsRelayed(t *testing.T) {
	s := newTestServer(t)
	s.gw.parse = func([]byte, http.Header) (*domain.PaymentEvent, error) {
		return nil, errors.New("connection reset")
	}
	resp, body := s.do(t, http.MethodPost, "/webhooks/campay", "", `{"ref":"x"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %v", resp.StatusCode, body)
	}
	if s.relay.provider != "campay" || string(s.relay.payload) != `{"ref":"x"}` {
		t.Fatalf("unexpected relay %q %q", s.relay.provider, s.relay.payload)
	}
}

func TestRateAndValidationErrors(t *testing.T) {
	s := newTestServer(t)
	token := signToken(t, uuid.NewString())

	resp, body := s.do(t, http.MethodGet, "/rates/xaf", token, "")
	if resp.StatusCode != http.StatusOK || body["currency"] != "XAF" || body["markup_percent"] != "5" {
		t.Fatalf("unexpected rate response %d %v", resp.StatusCode, body)
	}
	if resp, _ := s.do(t, http.MethodGet, "/rates/ABC", token, ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if resp, _ := s.do(t, http.MethodPost, "/add-funds/campay", token, `{"amount":"lots"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed body, got %d", resp.StatusCode)
	}
	if resp, _ := s.do(t, http.MethodGet, "/number-price?country_id=cm", token, ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without service_id, got %d", resp.StatusCode)
	}
	resp, body = s.do(t, http.MethodGet, "/number-price?country_id=cm&service_id=wa", token, "")
	if resp.StatusCode != http.StatusOK || body["price"] != float64(100) {
		t.Fatalf("expected price 100, got %d %v", resp.StatusCode, body)
	}
}
