package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RabbitMQConsumer consumes one partition queue with prefetch 1, so messages
// of a partition are handled strictly one after another.
type RabbitMQConsumer struct {
	client *RabbitMQ
	logger *zap.Logger
}

func NewRabbitMQConsumer(client *RabbitMQ, logger *zap.Logger) *RabbitMQConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQConsumer{
		client: client,
		logger: logger,
	}
}

func (c *RabbitMQConsumer) Consume(ctx context.Context, topic string, partition int, handler Handler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if topic == "" {
		return fmt.Errorf("topic is required")
	}
	if partition < 0 || partition >= c.client.Partitions() {
		return fmt.Errorf("partition %d out of range [0,%d)", partition, c.client.Partitions())
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	queue := QueueName(topic, partition)
	backoff := reconnectBackoff
	for {
		err := c.consumeOnce(ctx, queue, topic, partition, handler)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff = reconnectBackoff
			continue
		}

		c.logger.Warn("consumer interrupted, reconnecting",
			zap.String("queue", queue),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, maxBackoff)
	}
}

func (c *RabbitMQConsumer) consumeOnce(ctx context.Context, queue, topic string, partition int, handler Handler) error {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		queue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}

			if err := c.handleDelivery(ctx, topic, partition, d, handler); err != nil {
				return err
			}
		}
	}
}

func (c *RabbitMQConsumer) handleDelivery(ctx context.Context, topic string, partition int, d amqp.Delivery, handler Handler) error {
	delivery := toDelivery(topic, partition, d)

	err := handler(ctx, delivery)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			return fmt.Errorf("failed to ack delivery: %w", ackErr)
		}
	case errors.Is(err, ErrInvalidMessage):
		c.logger.Warn("rejecting message",
			zap.String("topic", topic),
			zap.Int("partition", partition),
			zap.Int64("offset", delivery.Offset),
			zap.Error(err),
		)
		if rejectErr := d.Reject(false); rejectErr != nil {
			return fmt.Errorf("failed to reject invalid message: %w", rejectErr)
		}
	default:
		c.logger.Warn("handler failed, requeueing message",
			zap.String("topic", topic),
			zap.Int("partition", partition),
			zap.Int64("offset", delivery.Offset),
			zap.Error(err),
		)
		if nackErr := d.Nack(false, true); nackErr != nil {
			return fmt.Errorf("handler failed and nack failed: %w", nackErr)
		}
	}

	return nil
}

// toDelivery reads the position headers set by the publisher. A message
// published without them keeps offset 0.
func toDelivery(topic string, partition int, d amqp.Delivery) Delivery {
	out := Delivery{
		Topic:         topic,
		Partition:     partition,
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		Body:          d.Body,
	}
	if v, ok := headerInt(d.Headers, headerOffset); ok {
		out.Offset = v
	}
	if v, ok := d.Headers[headerKey].(string); ok {
		out.Key = v
	}
	return out
}

func headerInt(h amqp.Table, key string) (int64, bool) {
	switch v := h[key].(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
