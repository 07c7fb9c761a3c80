package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/kursadbilgin/doctoral-alerts/internal/domain"
)

// Bus topics.
const (
	TopicAlerts               = "alerts"
	TopicNotificationRequests = "notification-requests"
	TopicNotifications        = "notifications"
)

// Topics lists every topic the pipeline declares.
var Topics = []string{
	TopicAlerts,
	TopicNotificationRequests,
	TopicNotifications,
}

const (
	// queueMaxPriority is the RabbitMQ x-max-priority value for partition queues.
	queueMaxPriority int32 = 3

	headerPartition = "x-partition"
	headerOffset    = "x-offset"
	headerKey       = "x-key"
)

// ErrInvalidMessage marks a delivery that can never be processed. The
// consumer routes it to the topic's dead-letter queue instead of requeueing.
var ErrInvalidMessage = errors.New("invalid message")

// Message is an outgoing bus record. Key selects the partition.
type Message struct {
	Topic         string
	Key           string
	Body          []byte
	MessageID     string
	CorrelationID string
	Priority      domain.Priority
}

// Delivery is a consumed bus record and its position.
type Delivery struct {
	Topic         string
	Partition     int
	Offset        int64
	Key           string
	MessageID     string
	CorrelationID string
	Body          []byte
}

func (d Delivery) Position() domain.SourcePosition {
	return domain.SourcePosition{Topic: d.Topic, Partition: d.Partition, Offset: d.Offset}
}

// Publisher appends messages to a partitioned topic.
type Publisher interface {
	Publish(ctx context.Context, msg Message) (domain.SourcePosition, error)
	Close() error
}

// Handler processes one delivery. A nil error acknowledges it.
type Handler func(ctx context.Context, d Delivery) error

// Consumer reads one partition of a topic, one message at a time.
type Consumer interface {
	Consume(ctx context.Context, topic string, partition int, handler Handler) error
	Close() error
}

// OffsetSequencer assigns the position of each published message.
type OffsetSequencer interface {
	Next(ctx context.Context, topic string, partition int) (int64, error)
}

// PartitionFor maps key onto one of partitions. Equal keys always share a
// partition, which is what preserves their relative order.
func PartitionFor(key string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(partitions))
}

// QueueName returns the partition queue name, e.g. alerts.p2.
func QueueName(topic string, partition int) string {
	return fmt.Sprintf("%s.p%d", topic, partition)
}

// DLQName returns the dead-letter queue for poison messages of a topic.
func DLQName(topic string) string {
	return "dlq." + topic
}

// PriorityValue maps domain priority to RabbitMQ message priority.
func PriorityValue(priority domain.Priority) uint8 {
	switch priority {
	case domain.PriorityUrgente:
		return 3
	case domain.PriorityHaute:
		return 2
	case domain.PriorityNormale:
		return 1
	default:
		return 0
	}
}
