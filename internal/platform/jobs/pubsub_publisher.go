package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"finitefield.org/order-engine/internal/domain"
)

// EventPublisher delivers one outbox row to the event sink and returns the sink's message id.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.OutboxEvent) (string, error)
}

// PubSubPublisher publishes order events to a Pub/Sub topic.
type PubSubPublisher struct {
	topic *pubsub.Topic
}

var _ EventPublisher = (*PubSubPublisher)(nil)

// NewPubSubPublisher constructs a Pub/Sub backed event publisher.
func NewPubSubPublisher(topic *pubsub.Topic) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub publisher: topic is required")
	}
	return &PubSubPublisher{topic: topic}, nil
}

// Publish sends the event payload as-is. Routing fields travel as attributes so subscribers can filter.
func (p *PubSubPublisher) Publish(ctx context.Context, event domain.OutboxEvent) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub publisher: not initialised")
	}
	if len(event.Payload) == 0 {
		return "", fmt.Errorf("publish event %s: empty payload", event.ID)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventId", event.ID)
	setAttr(attrs, "eventType", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "tenantId", event.TenantID)
	setAttr(attrs, "storeId", event.StoreID)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       event.Payload,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish event %s: %w", event.ID, err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
