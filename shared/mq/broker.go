// Package mq provides a shared RabbitMQ client for all codeforge services.
// Uses a topic exchange so services subscribe to routing key patterns.
package mq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/forge-ai/codeforge/shared/events"
	"github.com/forge-ai/codeforge/shared/logger"
)

const (
	Exchange     = "codeforge.events"
	ExchangeType = "topic"
)

// Broker wraps an AMQP connection with connect retries.
type Broker struct {
	url      string
	prefetch int
	conn     *amqp.Connection
	ch       *amqp.Channel
	pubMu    sync.Mutex
	log      zerolog.Logger
}

// New connects to RabbitMQ and declares the exchange. prefetch bounds how many
// unacked deliveries each durable consumer holds; values below 1 mean 1.
func New(amqpURL string, prefetch int) (*Broker, error) {
	if prefetch < 1 {
		prefetch = 1
	}
	b := &Broker{url: amqpURL, prefetch: prefetch, log: logger.New("mq")}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Broker) connect() error {
	var err error
	for attempt := 1; attempt <= 10; attempt++ {
		b.conn, err = amqp.Dial(b.url)
		if err == nil {
			break
		}
		b.log.Warn().Err(err).Int("attempt", attempt).Msg("RabbitMQ connection failed, retrying")
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	if err != nil {
		return fmt.Errorf("rabbitmq connect after 10 attempts: %w", err)
	}

	b.ch, err = b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	return b.ch.ExchangeDeclare(
		Exchange,
		ExchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
}

// Publish sends a message to the topic exchange with the given routing key.
func (b *Broker) Publish(ctx context.Context, routingKey string, body []byte) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	return b.ch.PublishWithContext(ctx,
		Exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// Emit wraps payload in an envelope and publishes it.
func (b *Broker) Emit(ctx context.Context, routingKey string, payload any) error {
	body, err := events.Wrap(routingKey, payload)
	if err != nil {
		return fmt.Errorf("wrap %s: %w", routingKey, err)
	}
	if err := b.Publish(ctx, routingKey, body); err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

// Subscribe binds a named durable queue to the exchange using a routing key
// pattern. Replicas sharing queueName compete for deliveries.
// Pattern examples: "chat.*", "codegen.#", "image.requested"
func (b *Broker) Subscribe(queueName, pattern string) (<-chan amqp.Delivery, error) {
	q, err := b.ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", queueName, err)
	}

	if err := b.ch.QueueBind(q.Name, pattern, Exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue %s to %s: %w", queueName, pattern, err)
	}

	if err := b.ch.Qos(b.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}

	return b.ch.Consume(
		q.Name,
		"",    // consumer tag, auto-generated
		false, // auto-ack, we ack manually after processing
		false, false, false, nil,
	)
}

// Broadcast binds a server-named, exclusive queue that lives as long as this
// connection, so every replica sees every matching message. Deliveries are
// auto-acked.
func (b *Broker) Broadcast(pattern string) (<-chan amqp.Delivery, error) {
	q, err := b.ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("declare broadcast queue: %w", err)
	}
	if err := b.ch.QueueBind(q.Name, pattern, Exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind broadcast queue to %s: %w", pattern, err)
	}
	return b.ch.Consume(q.Name, "", true, true, false, false, nil)
}

// Close shuts down channel and connection.
func (b *Broker) Close() {
	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		b.conn.Close()
	}
}
