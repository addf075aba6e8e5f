package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/kursadbilgin/campaign-engine/internal/domain"
)

// EventPublisher publishes audit events for downstream consumers.
type EventPublisher interface {
	PublishEvent(ctx context.Context, msg EventMessage) error
}

// TriggerPublisher asks idle workers to poll now instead of waiting for the
// next tick.
type TriggerPublisher interface {
	PublishTrigger(ctx context.Context, msg TriggerMessage) error
}

// TriggerHandler handles a consumed trigger message.
type TriggerHandler func(ctx context.Context, msg TriggerMessage) error

// Consumer consumes trigger messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler TriggerHandler) error
	Close() error
}

const (
	// EventsExchange is the topic exchange audit events are published to.
	EventsExchange = "campaign.events"
	// TriggerQueue carries on-demand worker wakeups.
	TriggerQueue = "campaign.triggers"

	dlxExchangeName = "campaign.dlx"
)

// DLQName returns the dead-letter queue name for a work queue, e.g.
// dlq.campaign.triggers.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}

// EventRoutingKey maps an audit event type to its topic, e.g.
// campaign.run.completed, so consumers can bind on campaign.run.*.
func EventRoutingKey(eventType domain.AuditEventType) string {
	return "campaign." + strings.ToLower(strings.TrimSpace(eventType.String()))
}
