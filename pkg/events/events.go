/**
 * @description
 * Broker-agnostic publishing of lifecycle events. The service publishes through Publisher and the
 * bootstrap picks the driver (rabbitmq, kafka, or a logging no-op when no broker is reachable).
 * Publishing is best effort: callers log failures and never roll back a committed transition.
 *
 * @dependencies
 * - pkg/rabbitmq: topic-exchange producer.
 * - github.com/segmentio/kafka-go: Kafka writer.
 * - go.uber.org/zap: structured logging.
 */
package events

import (
	"context"

	"go.uber.org/zap"
)

// Publisher publishes event under routingKey (the Kafka message header "event" for kafka).
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event interface{}) error
	Close() error
}

// Keyed events choose their own partition key.
type Keyed interface {
	PartitionKey() string
}

func partitionKey(routingKey string, event interface{}) string {
	if k, ok := event.(Keyed); ok {
		return k.PartitionKey()
	}
	return routingKey
}

// NoopPublisher drops events. It stands in when no broker is configured or reachable at startup.
type NoopPublisher struct {
	Logger *zap.Logger
}

func (p NoopPublisher) Publish(ctx context.Context, routingKey string, event interface{}) error {
	if p.Logger != nil {
		p.Logger.Debug("publish skipped", zap.String("routing_key", routingKey))
	}
	return nil
}

func (p NoopPublisher) Close() error { return nil }
