package smsclient

import (
	"context"
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

func TestParseNumber(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		idFirst bool
		want    Number
		wantErr bool
	}{
		{"number first", "ACCESS_NUMBER:237650000001:998877", false, Number{PhoneNumber: "237650000001", ActivationID: "998877"}, false},
		{"id first", "ACCESS_NUMBER:998877:237650000001", true, Number{PhoneNumber: "237650000001", ActivationID: "998877"}, false},
		{"json", `{"activationId":998877,"phoneNumber":"237650000001","activationCost":"0.50"}`, false, Number{PhoneNumber: "237650000001", ActivationID: "998877"}, false},
		{"missing id", "ACCESS_NUMBER:237650000001", false, Number{}, true},
		{"garbage", "<html>oops</html>", false, Number{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseNumber(tt.body, tt.idFirst)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrProviderRejected) {
					t.Fatalf("expected ProviderRejected, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseNumber: %v", err)
			}
			if *got != tt.want {
				t.Fatalf("expected %+v, got %+v", tt.want, *got)
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		body  string
		state StatusState
		code  string
	}{
		{"STATUS_OK:482913", StateOK, "482913"},
		{"STATUS_WAIT_CODE", StateWaitCode, ""},
		{"STATUS_WAIT_RETRY:111222", StateWaitRetry, "111222"},
		{"STATUS_CANCEL", StateCancel, ""},
		{`{"status":"STATUS_OK","code":"5555"}`, StateOK, "5555"},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			got, err := parseStatus(tt.body)
			if err != nil {
				t.Fatalf("parseStatus: %v", err)
			}
			if got.State != tt.state || got.Code != tt.code {
				t.Fatalf("expected %s/%s, got %s/%s", tt.state, tt.code, got.State, got.Code)
			}
		})
	}

	for _, body := range []string{"STATUS_OK", "STATUS_SOMETHING_NEW", ""} {
		if _, err := parseStatus(body); !errors.Is(err, domain.ErrProviderRejected) {
			t.Fatalf("expected ProviderRejected for %q, got %v", body, err)
		}
	}
}

func TestParsePrices(t *testing.T) {
	nested := `{"cm":{"wa":{"cost":"0.45","count":120},"tg":{"cost":0.2,"count":4}}}`
	prices, err := parsePrices(nested, "")
	if err != nil {
		t.Fatalf("parsePrices nested: %v", err)
	}
	p, ok := FindPrice(prices, "cm", "wa")
	if !ok || p.Cost.String() != "0.45" || p.Count != 120 {
		t.Fatalf("unexpected nested price %+v (found=%v)", p, ok)
	}

	flat := `{"wa":{"price":1.5,"quantity":"30"}}`
	prices, err = parsePrices(flat, "cm")
	if err != nil {
		t.Fatalf("parsePrices flat: %v", err)
	}
	if p, ok := FindPrice(prices, "cm", "wa"); !ok || p.Cost.String() != "1.5" || p.Count != 30 {
		t.Fatalf("unexpected flat price %+v", p)
	}

	list := `[{"id":"wa","country":"cm","price":2,"quantity":10}]`
	prices, err = parsePrices(list, "")
	if err != nil {
		t.Fatalf("parsePrices list: %v", err)
	}
	if _, ok := FindPrice(prices, "cm", "wa"); !ok {
		t.Fatalf("expected list price for cm/wa, got %+v", prices)
	}

	if _, err := parsePrices("BAD_FORMAT", ""); !errors.Is(err, domain.ErrProviderRejected) {
		t.Fatalf("expected ProviderRejected, got %v", err)
	}
}

func TestClassifyError(t *testing.T) {
	if err := classifyError("NO_NUMBERS"); !errors.Is(err, domain.ErrProviderRejected) {
		t.Fatalf("expected NO_NUMBERS to be rejected, got %v", err)
	}
	if err := classifyError("ERROR_SQL"); !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Fatalf("expected ERROR_SQL to be unavailable, got %v", err)
	}
	if err := classifyError("BANNED:2026-01-01 10:00:00"); !errors.Is(err, domain.ErrProviderRejected) {
		t.Fatalf("expected BANNED to be rejected, got %v", err)
	}
	if err := classifyError("ACCESS_NUMBER:1:2"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestClient_GetNumberRetriesTransientErrors(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		q := r.URL.Query()
		if q.Get("action") != "getNumber" || q.Get("api_key") != "key" || q.Get("service") != "wa" || q.Get("country") != "cm" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		if calls == 1 {
			_, _ = w.Write([]byte("ERROR_SQL"))
			return
		}
		_, _ = w.Write([]byte("ACCESS_NUMBER:237650000001:42"))
	}))
	defer server.Close()

	c := NewClient(server.URL, "key", testPolicy())
	n, err := c.GetNumber(context.Background(), "wa", "cm")
	if err != nil {
		t.Fatalf("GetNumber: %v", err)
	}
	if n.ActivationID != "42" || calls != 2 {
		t.Fatalf("expected activation 42 after 2 calls, got %+v after %d", n, calls)
	}
}

func TestClient_NoNumbersIsNotRetried(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte("NO_NUMBERS"))
	}))
	defer server.Close()

	c := NewClient(server.URL, "key", testPolicy())
	_, err := c.GetNumber(context.Background(), "wa", "cm")
	var providerErr *ProviderError
	if !errors.As(err, &providerErr) || providerErr.Code != "NO_NUMBERS" {
		t.Fatalf("expected NO_NUMBERS provider error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestClient_SetStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("status") != "8" || r.URL.Query().Get("id") != "42" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte("ACCESS_CANCEL"))
	}))
	defer server.Close()

	c := NewClient(server.URL, "key", testPolicy())
	ack, err := c.SetStatus(context.Background(), "42", SetStatusCancel)
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if ack != "ACCESS_CANCEL" {
		t.Fatalf("expected ACCESS_CANCEL, got %s", ack)
	}
}
