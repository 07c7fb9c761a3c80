package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/doctoral-alerts/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

type RabbitMQPublisher struct {
	client    *RabbitMQ
	sequencer OffsetSequencer
	now       func() time.Time
}

func NewRabbitMQPublisher(client *RabbitMQ, sequencer OffsetSequencer) (*RabbitMQPublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("rabbitmq client is required")
	}
	if sequencer == nil {
		return nil, fmt.Errorf("offset sequencer is required")
	}
	return &RabbitMQPublisher{client: client, sequencer: sequencer, now: time.Now}, nil
}

// Publish routes msg to the partition queue for its key and returns the
// position it was assigned.
func (p *RabbitMQPublisher) Publish(ctx context.Context, msg Message) (domain.SourcePosition, error) {
	if p == nil || p.client == nil {
		return domain.SourcePosition{}, fmt.Errorf("publisher is not initialized")
	}
	if msg.Topic == "" {
		return domain.SourcePosition{}, fmt.Errorf("topic is required")
	}
	if len(msg.Body) == 0 {
		return domain.SourcePosition{}, fmt.Errorf("message body is required")
	}

	partition := PartitionFor(msg.Key, p.client.Partitions())
	offset, err := p.sequencer.Next(ctx, msg.Topic, partition)
	if err != nil {
		return domain.SourcePosition{}, err
	}
	pos := domain.SourcePosition{Topic: msg.Topic, Partition: partition, Offset: offset}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return domain.SourcePosition{}, err
	}
	defer ch.Close()

	queue := QueueName(msg.Topic, partition)
	if err := ch.PublishWithContext(ctx, "", queue, false, false, publishing(msg, pos, p.now())); err != nil {
		return domain.SourcePosition{}, fmt.Errorf("failed to publish message to queue %q: %w", queue, err)
	}

	return pos, nil
}

func publishing(msg Message, pos domain.SourcePosition, at time.Time) amqp.Publishing {
	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     at.UTC(),
		MessageId:     msg.MessageID,
		CorrelationId: msg.CorrelationID,
		Priority:      PriorityValue(msg.Priority),
		Headers: amqp.Table{
			headerPartition: int64(pos.Partition),
			headerOffset:    pos.Offset,
			headerKey:       msg.Key,
		},
		Body: msg.Body,
	}
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
