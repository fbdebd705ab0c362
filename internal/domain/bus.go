package domain

import (
	"context"
)

// EventBus defines the interface for message-bus communication.
// Implementations: Kafka (production), NATS, Go channels (tests).
type EventBus interface {
	// Publish sends a payload to a topic. The key drives per-key ordering;
	// headers carry the event envelope metadata.
	Publish(ctx context.Context, topic string, key string, payload []byte, headers map[string]string) error

	// Subscribe registers a handler for a topic within a consumer group.
	// A handler error means the message is not committed and will be
	// redelivered (at-least-once).
	Subscribe(ctx context.Context, topic string, group string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle. Close flushes pending publishes before returning.
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents a bus message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Key       string            `json:"key,omitempty"`
	Payload   []byte            `json:"payload"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// Standard envelope header names.
const (
	HeaderEventType     = "event-type"
	HeaderEventVersion  = "event-version"
	HeaderSourceService = "source-service"
	HeaderCorrelationID = "correlation-id"
)

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "kafka", "nats" or "channel"
	Type string `mapstructure:"type"`

	// Channel settings (tests, single-process deployments)
	ChannelBufferSize int `mapstructure:"channel_buffer"`

	// Kafka settings
	KafkaBrokers     string `mapstructure:"kafka_brokers"`
	KafkaGroupID     string `mapstructure:"kafka_group_id"`
	KafkaCompression string `mapstructure:"kafka_compression"`

	// NATS settings
	NATSUrl           string `mapstructure:"nats_url"`
	NATSToken         string `mapstructure:"nats_token"`
	NATSMaxReconnects int    `mapstructure:"nats_max_reconnects"`
	NATSReconnectWait int    `mapstructure:"nats_reconnect_wait"` // seconds
}

// TopicConfig names every topic the engine touches.
type TopicConfig struct {
	TransfersCreated string `mapstructure:"transfers_created"`
	FraudAnalysis    string `mapstructure:"fraud_analysis"`
	FraudSuspected   string `mapstructure:"fraud_suspected"`
	ManualReview     string `mapstructure:"manual_review"`
	ReviewComplete   string `mapstructure:"review_complete"`
}
