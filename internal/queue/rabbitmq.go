package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"zapstream-sync/internal/config"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rabbitmq/amqp091-go"
)

// RabbitMQ publishes every event to a topic exchange with the routing key
// "kind.<kind>", so consumers bind only the kinds they care about.
type RabbitMQ struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	config  config.RabbitMQConfig
	mutex   sync.Mutex
}

func NewRabbitMQ(config config.RabbitMQConfig) (*RabbitMQ, error) {
	conn, err := amqp091.Dial(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// Declare exchange
	if err := channel.ExchangeDeclare(
		config.ExchangeName,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,   // arguments
	); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &RabbitMQ{
		conn:    conn,
		channel: channel,
		config:  config,
	}, nil
}

// RoutingKey is the topic an event is published under.
func RoutingKey(event *nostr.Event) string {
	return fmt.Sprintf("kind.%d", event.Kind)
}

func buildPublishing(event *nostr.Event, now time.Time) (amqp091.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp091.Publishing{}, fmt.Errorf("failed to marshal event: %w", err)
	}
	return amqp091.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   now,
		MessageId:   event.ID,
		Type:        RoutingKey(event),
	}, nil
}

func (r *RabbitMQ) PublishEvent(ctx context.Context, event *nostr.Event) error {
	msg, err := buildPublishing(event, time.Now())
	if err != nil {
		return err
	}

	// amqp channels are not safe for concurrent publishing
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if err := r.channel.PublishWithContext(
		ctx,
		r.config.ExchangeName,
		RoutingKey(event),
		false, // mandatory
		false, // immediate
		msg,
	); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
