// Package mrabbitmq wraps a RabbitMQ connection and channel for best-effort
// forwarding of ledger domain events onto an exchange, additive to the
// in-process event bus this core uses as its primary dispatch mechanism.
package mrabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/mlog"
)

// RabbitConnection lazily dials RabbitMQ and exposes a single shared
// channel, matching this core's connect-once convention for external
// collaborators.
type RabbitConnection struct {
	URI       string
	Exchange  string
	Connected bool

	conn    *amqp.Connection
	channel *amqp.Channel
	logger  mlog.Logger
}

// NewRabbitConnection builds an unconnected RabbitConnection.
func NewRabbitConnection(uri, exchange string, logger mlog.Logger) *RabbitConnection {
	if logger == nil {
		logger = &mlog.NoneLogger{}
	}

	return &RabbitConnection{URI: uri, Exchange: exchange, logger: logger}
}

// Connect dials the broker, opens a channel, and declares the topic
// exchange events are published to.
func (rc *RabbitConnection) Connect(_ context.Context) error {
	if rc.Connected {
		return nil
	}

	conn, err := amqp.Dial(rc.URI)
	if err != nil {
		rc.logger.Errorf("failed to connect to rabbitmq: %v", err)
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		rc.logger.Errorf("failed to open rabbitmq channel: %v", err)
		return err
	}

	if err := ch.ExchangeDeclare(rc.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		rc.logger.Errorf("failed to declare rabbitmq exchange: %v", err)
		return err
	}

	rc.conn = conn
	rc.channel = ch
	rc.Connected = true

	rc.logger.Info("connected to rabbitmq")

	return nil
}

// Close tears down the channel and connection, if open.
func (rc *RabbitConnection) Close() error {
	if !rc.Connected {
		return nil
	}

	var firstErr error
	if rc.channel != nil {
		if err := rc.channel.Close(); err != nil {
			firstErr = err
		}
	}

	if rc.conn != nil {
		if err := rc.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	rc.Connected = false

	return firstErr
}

// Publisher forwards domain events onto a RabbitMQ exchange, routed by
// event type. Failures here never block ledger operations; callers treat
// this as best-effort.
type Publisher struct {
	conn       *RabbitConnection
	logger     mlog.Logger
	publishTTL time.Duration
}

// NewPublisher builds a Publisher bound to an already-constructed
// RabbitConnection.
func NewPublisher(conn *RabbitConnection, logger mlog.Logger) *Publisher {
	if logger == nil {
		logger = &mlog.NoneLogger{}
	}

	return &Publisher{conn: conn, logger: logger, publishTTL: 30 * time.Second}
}

// Publish sends body to the connection's exchange under routingKey. Connects
// lazily if not already connected.
func (p *Publisher) Publish(ctx context.Context, routingKey string, body []byte, headers map[string]any) error {
	if err := p.conn.Connect(ctx); err != nil {
		return fmt.Errorf("publisher connect: %w", err)
	}

	publishCtx, cancel := context.WithTimeout(ctx, p.publishTTL)
	defer cancel()

	amqpHeaders := amqp.Table{}
	for k, v := range headers {
		amqpHeaders[k] = v
	}

	err := p.conn.channel.PublishWithContext(
		publishCtx,
		p.conn.Exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
			Headers:      amqpHeaders,
		},
	)
	if err != nil {
		p.logger.Errorf("failed to publish event to rabbitmq routing key %s: %v", routingKey, err)
		return fmt.Errorf("publish: %w", err)
	}

	return nil
}
