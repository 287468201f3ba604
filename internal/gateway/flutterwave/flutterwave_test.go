package flutterwave

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/domain"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/gateway"
)

func testPolicy() gateway.RetryPolicy {
	return gateway.RetryPolicy{Timeout: time.Second, MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
}

func TestInitiate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/payments" || r.Header.Get("Authorization") != "Bearer sk" {
			t.Errorf("unexpected request %s %s", r.URL.Path, r.Header.Get("Authorization"))
		}
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["tx_ref"] != "ref-1" || body["currency"] != "NGN" || body["amount"] != "150.5" {
			t.Errorf("unexpected body %v", body)
		}
		_, _ = w.Write([]byte(`{"status":"success","message":"Hosted Link","data":{"link":"https://checkout.flutterwave.com/abc"}}`))
	}))
	defer server.Close()

	g := New(Config{BaseURL: server.URL, SecretKey: "sk"}, server.Client(), testPolicy())
	res, err := g.Initiate(context.Background(), gateway.InitiateRequest{Reference: "ref-1", Amount: 15050, Currency: "ngn"})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if res.RedirectURL != "https://checkout.flutterwave.com/abc" {
		t.Fatalf("unexpected link %s", res.RedirectURL)
	}
}

func TestInitiate_RetriesServerErrors(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"status":"success","data":{"link":"https://x"}}`))
	}))
	defer server.Close()

	g := New(Config{BaseURL: server.URL, SecretKey: "sk"}, server.Client(), testPolicy())
	if _, err := g.Initiate(context.Background(), gateway.InitiateRequest{Reference: "r", Amount: 100, Currency: "USD"}); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected a retry, got %d calls", calls)
	}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   domain.EventStatus
		amount int64
	}{
		{"successful", http.StatusOK, `{"status":"success","data":{"id":991,"tx_ref":"ref-1","amount":10.5,"currency":"USD","status":"successful"}}`, domain.EventSuccess, 1050},
		{"failed", http.StatusOK, `{"status":"success","data":{"id":992,"tx_ref":"ref-1","amount":10.5,"currency":"USD","status":"failed"}}`, domain.EventFailed, 1050},
		{"not found yet", http.StatusNotFound, `{"status":"error","message":"No transaction was found"}`, domain.EventPending, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Query().Get("tx_ref") != "ref-1" {
					t.Errorf("missing tx_ref")
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			g := New(Config{BaseURL: server.URL, SecretKey: "sk"}, server.Client(), testPolicy())
			res, err := g.Verify(context.Background(), gateway.VerifyRequest{Reference: "ref-1"})
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if res.Status != tt.want || res.Amount != tt.amount {
				t.Fatalf("unexpected result %+v", res)
			}
		})
	}
}

func TestParseWebhook(t *testing.T) {
	g := New(Config{WebhookHash: "my-hash"}, nil, testPolicy())
	body := []byte(`{"event":"charge.completed","data":{"id":285959875,"tx_ref":"ref-7","amount":1000,"currency":"XAF","status":"successful"}}`)

	headers := http.Header{}
	headers.Set("verif-hash", "my-hash")
	event, err := g.ParseWebhook(body, headers)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if event.Reference != "ref-7" || event.Amount != 1000 || event.Currency != "XAF" || event.Status != domain.EventSuccess || event.ProviderTxID != "285959875" {
		t.Fatalf("unexpected event %+v", event)
	}

	bad := http.Header{}
	bad.Set("verif-hash", "wrong")
	if _, err := g.ParseWebhook(body, bad); !errors.Is(err, domain.ErrProviderRejected) {
		t.Fatalf("expected rejection for wrong hash, got %v", err)
	}
	if _, err := g.ParseWebhook([]byte(`not json`), headers); !errors.Is(err, domain.ErrProviderRejected) {
		t.Fatalf("expected rejection for malformed payload, got %v", err)
	}
	if _, err := g.ParseWebhook([]byte(`{"event":"transfer.completed","data":{"tx_ref":"x"}}`), headers); !errors.Is(err, domain.ErrProviderRejected) {
		t.Fatalf("expected rejection for non-charge event, got %v", err)
	}
}

func TestInitiateRejectsUnsupportedCurrency(t *testing.T) {
	g := New(Config{}, nil, testPolicy())
	if _, err := g.Initiate(context.Background(), gateway.InitiateRequest{Reference: "r", Amount: 100, Currency: "ZAR"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
