package app

import (
	"context"
	"net/http"
	"time"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/domain"
)

// RelayProducer publishes a JSON body to a broker exchange.
type RelayProducer interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// WebhookRelay parks provider webhooks on the broker when they cannot be applied inline.
// Reconciler.HandleRelayedWebhook consumes them.
type WebhookRelay struct {
	producer RelayProducer
	exchange string
}

func NewWebhookRelay(producer RelayProducer, exchange string) *WebhookRelay {
	return &WebhookRelay{producer: producer, exchange: exchange}
}

// Relay enqueues the raw webhook. Only the first value of each header is kept.
func (r *WebhookRelay) Relay(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	flat := make(map[string]string, len(headers))
	for k := range headers {
		flat[k] = headers.Get(k)
	}
	msg := domain.RelayedWebhook{
		Provider:   domain.NormalizeProvider(provider),
		Headers:    flat,
		Body:       payload,
		ReceivedAt: time.Now().UTC(),
	}
	return r.producer.Publish(ctx, r.exchange, domain.RoutingWebhookRelayed, msg)
}
