package app

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/domain"
)

// loopbackProducer hands published messages straight to a consumer handler.
type loopbackProducer struct {
	exchange   string
	routingKey string
	handler    func([]byte) bool
	acked      bool
}

func (p *loopbackProducer) Publish(_ context.Context, exchange, routingKey string, body interface{}) error {
	p.exchange, p.routingKey = exchange, routingKey
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	p.acked = p.handler(raw)
	return nil
}

func TestWebhookRelay_RoundTripsThroughReconciler(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(ReconcilerConfig{})
	f.gw.parse = func(payload []byte, headers http.Header) (*domain.PaymentEvent, error) {
		if headers.Get("X-Campay-Signature") != "sig" || string(payload) != `{"reference":"ref-r"}` {
			return nil, domain.ProviderRejectedf("bad signature")
		}
		return successEvent("ref-r"), nil
	}
	userID := uuid.New()
	_ = f.repo.CreatePayment(ctx, newPayment(userID, "ref-r", "campay", 1000, "XAF", 165))

	producer := &loopbackProducer{handler: f.reconciler.HandleRelayedWebhook}
	relay := NewWebhookRelay(producer, "numbers_events")

	headers := http.Header{}
	headers.Set("X-Campay-Signature", "sig")
	if err := relay.Relay(ctx, "CamPay", []byte(`{"reference":"ref-r"}`), headers); err != nil {
		t.Fatalf("Relay: %v", err)
	}
	if producer.exchange != "numbers_events" || producer.routingKey != domain.RoutingWebhookRelayed {
		t.Fatalf("unexpected destination %s/%s", producer.exchange, producer.routingKey)
	}
	if !producer.acked {
		t.Fatalf("expected relayed webhook to be acknowledged")
	}
	if got := f.balance(t, userID); got != 165 {
		t.Fatalf("expected balance 165, got %d", got)
	}
}
