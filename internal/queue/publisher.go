package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type RabbitMQPublisher struct {
	client *RabbitMQ
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client}
}

func (p *RabbitMQPublisher) PublishEvent(ctx context.Context, msg EventMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid event message: %w", err)
	}
	return p.publish(ctx, EventsExchange, EventRoutingKey(msg.Type), msg.EventID, msg.CorrelationID, msg)
}

func (p *RabbitMQPublisher) PublishTrigger(ctx context.Context, msg TriggerMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid trigger message: %w", err)
	}
	return p.publish(ctx, "", TriggerQueue, "", msg.CorrelationID, msg)
}

func (p *RabbitMQPublisher) publish(ctx context.Context, exchange, routingKey, messageID, correlationID string, body any) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		MessageId:     messageID,
		CorrelationId: correlationID,
		Body:          payload,
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish message to %q: %w", routingKey, err)
	}

	return nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
