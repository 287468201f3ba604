package app

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/domain"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/gateway"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/rates"
	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/pkg/smsclient"
)

type stubGateway struct {
	name       string
	currencies []string

	mu          sync.Mutex
	verifyCalls int
	initiate    func(req gateway.InitiateRequest) (*gateway.InitiateResult, error)
	verify      func(req gateway.VerifyRequest) (*gateway.VerifyResult, error)
	parse       func(payload []byte, headers http.Header) (*domain.PaymentEvent, error)
}

func (g *stubGateway) Name() string         { return g.name }
func (g *stubGateway) Currencies() []string { return g.currencies }

func (g *stubGateway) Initiate(_ context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error) {
	if g.initiate == nil {
		return &gateway.InitiateResult{ProviderReference: "prov-" + req.Reference, RedirectURL: "https://pay.example/" + req.Reference}, nil
	}
	return g.initiate(req)
}

func (g *stubGateway) Verify(_ context.Context, req gateway.VerifyRequest) (*gateway.VerifyResult, error) {
	g.mu.Lock()
	g.verifyCalls++
	g.mu.Unlock()
	if g.verify == nil {
		return &gateway.VerifyResult{Status: domain.EventPending}, nil
	}
	return g.verify(req)
}

func (g *stubGateway) ParseWebhook(payload []byte, headers http.Header) (*domain.PaymentEvent, error) {
	if g.parse == nil {
		return nil, domain.ProviderRejectedf("not signed")
	}
	return g.parse(payload, headers)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(_ context.Context, routingKey string, _ interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, routingKey)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) count(routingKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e == routingKey {
			n++
		}
	}
	return n
}

type stubRates map[string]string

func (s stubRates) GetRate(_ context.Context, currency string) (*rates.Rate, error) {
	currency = domain.NormalizeCurrency(currency)
	if currency == domain.WalletCurrency {
		return &rates.Rate{Currency: currency, Rate: decimal.NewFromInt(1), Source: rates.SourceLive}, nil
	}
	v, ok := s[currency]
	if !ok {
		return nil, domain.ValidationErrorf("no rate for %s", currency)
	}
	return &rates.Rate{Currency: currency, Rate: decimal.RequireFromString(v), Source: rates.SourceFallback}, nil
}

type stubNumbers struct {
	mu          sync.Mutex
	priceCalls  int
	setStatuses []int
	cost        string
	number      *smsclient.Number
	numberErr   error
	status      *smsclient.Status
	setErr      error
	// onGetNumber runs before GetNumber answers, e.g. to cancel the caller's context.
	onGetNumber func()
}

func (s *stubNumbers) GetNumber(context.Context, string, string) (*smsclient.Number, error) {
	if s.onGetNumber != nil {
		s.onGetNumber()
	}
	if s.numberErr != nil {
		return nil, s.numberErr
	}
	if s.number != nil {
		return s.number, nil
	}
	return &smsclient.Number{ActivationID: "act-1", PhoneNumber: "237650000001"}, nil
}

func (s *stubNumbers) GetStatus(context.Context, string) (*smsclient.Status, error) {
	if s.status == nil {
		return &smsclient.Status{State: smsclient.StateWaitCode}, nil
	}
	return s.status, nil
}

func (s *stubNumbers) SetStatus(_ context.Context, _ string, status int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return "", s.setErr
	}
	s.setStatuses = append(s.setStatuses, status)
	return "ACCESS_READY", nil
}

func (s *stubNumbers) GetServicesAndCost(ctx context.Context, country, service string) ([]smsclient.ServicePrice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.priceCalls++
	s.mu.Unlock()
	cost := s.cost
	if cost == "" {
		cost = "0.80"
	}
	return []smsclient.ServicePrice{{Country: country, Service: service, Cost: decimal.RequireFromString(cost), Count: 10}}, nil
}

func newPayment(userID uuid.UUID, reference, provider string, amount int64, currency string, credit int64) *domain.Payment {
	return &domain.Payment{
		ID:             uuid.New(),
		UserID:         userID,
		Reference:      reference,
		Provider:       provider,
		Amount:         amount,
		Currency:       currency,
		Status:         domain.PaymentInitiated,
		CreditCurrency: domain.WalletCurrency,
		CreditAmount:   credit,
		RateSnapshot:   decimal.NewFromInt(605),
	}
}
