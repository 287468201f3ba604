package events

import (
	"context"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/pkg/rabbitmq"
)

type exchangePublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	Close()
}

// RabbitPublisher publishes to one topic exchange.
type RabbitPublisher struct {
	producer exchangePublisher
	exchange string
}

func NewRabbitPublisher(producer *rabbitmq.EventProducer, exchange string) *RabbitPublisher {
	return &RabbitPublisher{producer: producer, exchange: exchange}
}

func (p *RabbitPublisher) Publish(ctx context.Context, routingKey string, event interface{}) error {
	return p.producer.Publish(ctx, p.exchange, routingKey, event)
}

func (p *RabbitPublisher) Close() error {
	p.producer.Close()
	return nil
}
