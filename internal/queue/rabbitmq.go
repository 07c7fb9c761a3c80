package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	connectionName   = "doctoral-alerts"
	dlxExchangeName  = "doctoral-alerts.dlx"
	heartbeat        = 10 * time.Second
	connectTimeout   = 15 * time.Second
	reconnectBackoff = time.Second
	maxBackoff       = 30 * time.Second
)

// RabbitMQ owns the broker connection. Topology (one durable queue per topic
// partition plus a dead-letter queue per topic) is declared once per
// connection, so a broker restart redeclares it on reconnect.
type RabbitMQ struct {
	url        string
	partitions int

	mu       sync.Mutex
	conn     *amqp.Connection
	declared *amqp.Connection
}

func NewRabbitMQ(url string, partitions int) (*RabbitMQ, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}
	if partitions < 1 {
		return nil, fmt.Errorf("partitions must be >= 1 (got %d)", partitions)
	}

	r := &RabbitMQ{url: url, partitions: partitions}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	ch, err := r.channel(ctx)
	if err != nil {
		return nil, err
	}
	_ = ch.Close()

	return r, nil
}

// Partitions is the number of partitions per topic.
func (r *RabbitMQ) Partitions() int {
	return r.partitions
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.declared = nil
	r.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

// channel opens a channel on a live connection, reconnecting with backoff
// until ctx ends. A connection whose channel cannot be opened is dropped
// and dialled again once.
func (r *RabbitMQ) channel(ctx context.Context) (*amqp.Channel, error) {
	for attempt := 0; ; attempt++ {
		conn, err := r.connection(ctx)
		if err != nil {
			return nil, err
		}

		ch, err := conn.Channel()
		if err != nil {
			r.drop(conn)
			if attempt > 0 {
				return nil, fmt.Errorf("failed to create rabbitmq channel after reconnect: %w", err)
			}
			continue
		}

		if err := r.declareOnce(conn, ch); err != nil {
			_ = ch.Close()
			return nil, err
		}
		return ch, nil
	}
}

func (r *RabbitMQ) connection(ctx context.Context) (*amqp.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn, nil
	}

	wait := reconnectBackoff
	for {
		conn, err := amqp.DialConfig(r.url, amqp.Config{
			Heartbeat:  heartbeat,
			Properties: amqp.Table{"connection_name": connectionName},
		})
		if err == nil {
			r.conn = conn
			return conn, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("rabbitmq connect canceled: %w (last error: %v)", ctx.Err(), err)
		case <-time.After(wait):
		}
		wait = min(wait*2, maxBackoff)
	}
}

func (r *RabbitMQ) drop(conn *amqp.Connection) {
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
		r.declared = nil
	}
	r.mu.Unlock()

	if !conn.IsClosed() {
		_ = conn.Close()
	}
}

func (r *RabbitMQ) declareOnce(conn *amqp.Connection, ch *amqp.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.declared == conn {
		return nil
	}
	if err := declareTopology(ch, r.partitions); err != nil {
		return err
	}
	r.declared = conn
	return nil
}

func declareTopology(ch *amqp.Channel, partitions int) error {
	if err := ch.ExchangeDeclare(dlxExchangeName, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dlx exchange: %w", err)
	}

	for _, topic := range Topics {
		dlq := DLQName(topic)
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare dlq %q: %w", dlq, err)
		}
		if err := ch.QueueBind(dlq, topic, dlxExchangeName, false, nil); err != nil {
			return fmt.Errorf("failed to bind dlq %q: %w", dlq, err)
		}

		args := partitionQueueArgs(topic)
		for p := 0; p < partitions; p++ {
			name := QueueName(topic, p)
			if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
				return fmt.Errorf("failed to declare queue %q: %w", name, err)
			}
		}
	}

	return nil
}

// partitionQueueArgs routes rejected deliveries to the topic's DLQ.
func partitionQueueArgs(topic string) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    dlxExchangeName,
		"x-dead-letter-routing-key": topic,
		"x-max-priority":            queueMaxPriority,
	}
}
