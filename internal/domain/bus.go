package domain

import "context"

// EventBus defines the interface for publishing decision events.
// Implementations: Go channels (tests/dev) or NATS.
type EventBus interface {
	// Publish sends a keyed message to a topic. Returns only after the
	// message has been handed to the broker (flush-on-publish), so a nil
	// error is the delivery acknowledgement the outbox relies on.
	Publish(ctx context.Context, topic string, key string, payload []byte) error

	// Subscribe registers a handler for a topic.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message. Key carries the partition key
// (transaction_id for decision events).
type Message struct {
	ID        string `json:"id"`
	Topic     string `json:"topic"`
	Key       string `json:"key,omitempty"`
	Payload   []byte `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}
