package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Handler processes one delivery. Returning false requeues it.
type Handler func(body []byte) bool

type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *zap.Logger
}

func NewConsumer(amqpURL string, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, ch, err := dial(amqpURL)
	if err != nil {
		return nil, err
	}
	// One unacked delivery at a time keeps requeued webhooks from starving the queue.
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &Consumer{conn: conn, ch: ch, logger: logger}, nil
}

// ConsumeWithBindings declares a durable queue bound to exchange under each routing key and
// dispatches deliveries to the matching handler. Deliveries without a handler are dropped.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}
	if err := declareExchange(c.ch, exchange); err != nil {
		return err
	}
	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]Handler)
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			handler, ok := handlers[d.RoutingKey]
			if !ok {
				c.logger.Warn("no handler for routing key; dropping", zap.String("routing_key", d.RoutingKey))
				d.Ack(false)
				continue
			}
			if handler(d.Body) {
				d.Ack(false)
			} else {
				c.logger.Warn("handler failed; requeueing", zap.String("routing_key", d.RoutingKey))
				d.Nack(false, true)
			}
		}
		c.logger.Info("delivery channel closed", zap.String("queue", q.Name))
	}()

	return nil
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
