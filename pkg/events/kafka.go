package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes every event to one topic, keyed by user so a user's events stay ordered.
type KafkaPublisher struct {
	writer       messageWriter
	writeTimeout time.Duration
	logger       *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		WriteTimeout:           10 * time.Second,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		AllowAutoTopicCreation: true,
		ErrorLogger:            kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Error(fmt.Sprintf(msg, args...)) }),
	}
	return &KafkaPublisher{writer: writer, writeTimeout: writer.WriteTimeout, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, routingKey string, event interface{}) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", routingKey, err)
	}
	msg := kafka.Message{
		Key:     []byte(partitionKey(routingKey, event)),
		Value:   value,
		Headers: []kafka.Header{{Key: "event", Value: []byte(routingKey)}},
	}

	writeCtx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(writeCtx, msg); err != nil {
		return fmt.Errorf("failed to produce %s to kafka: %w", routingKey, err)
	}
	p.logger.Debug("event produced", zap.String("event", routingKey), zap.ByteString("key", msg.Key))
	return nil
}

func (p *KafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return nil
}
