package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/google/uuid"

	"github.com/kestrelhq/kestrel/internal/domain"
)

// KafkaBus implements EventBus on Kafka. The producer is idempotent and
// compresses at the transport layer; messages are keyed so all events for
// a transaction land on one partition, preserving per-key order.
type KafkaBus struct {
	mu            sync.Mutex
	producer      *kafka.Producer
	subscriptions map[string]*kafkaSubscription
	cfg           domain.EventBusConfig
}

type kafkaSubscription struct {
	id       string
	topic    string
	consumer *kafka.Consumer
	cancel   context.CancelFunc
	done     chan struct{}
	bus      *KafkaBus
}

// NewKafkaBus creates a Kafka-based event bus.
func NewKafkaBus(cfg domain.EventBusConfig) (*KafkaBus, error) {
	if cfg.KafkaBrokers == "" {
		cfg.KafkaBrokers = "localhost:9092"
	}
	compression := cfg.KafkaCompression
	if compression == "" {
		compression = "gzip"
	}

	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.KafkaBrokers,
		"enable.idempotence": true,
		"acks":               "all",
		"compression.type":   compression,
		"linger.ms":          5,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	slog.Info("kafka producer created",
		"brokers", cfg.KafkaBrokers,
		"compression", compression,
	)

	return &KafkaBus{
		producer:      producer,
		subscriptions: make(map[string]*kafkaSubscription),
		cfg:           cfg,
	}, nil
}

// Publish produces one message and waits for broker acknowledgement.
func (b *KafkaBus) Publish(ctx context.Context, topic string, key string, payload []byte, headers map[string]string) error {
	kafkaHeaders := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		kafkaHeaders = append(kafkaHeaders, kafka.Header{Key: k, Value: []byte(v)})
	}

	deliveryChan := make(chan kafka.Event, 1)
	err := b.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          payload,
		Headers:        kafkaHeaders,
		Timestamp:      time.Now(),
	}, deliveryChan)
	if err != nil {
		return fmt.Errorf("failed to produce to %s: %w", topic, err)
	}

	select {
	case ev := <-deliveryChan:
		m, ok := ev.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event %T", ev)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("delivery to %s failed: %w", topic, m.TopicPartition.Error)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("delivery to %s not confirmed: %w", topic, ctx.Err())
	}
}

// Subscribe starts a consumer-group poll loop for a topic. The offset is
// committed only after the handler succeeds, giving at-least-once
// semantics; handler errors leave the offset uncommitted.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string, group string, handler domain.MessageHandler) (domain.Subscription, error) {
	if group == "" {
		group = b.cfg.KafkaGroupID
	}

	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  b.cfg.KafkaBrokers,
		"group.id":           group,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	if err := consumer.SubscribeTopics([]string{topic}, nil); err != nil {
		consumer.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		id:       uuid.New().String(),
		topic:    topic,
		consumer: consumer,
		cancel:   cancel,
		done:     make(chan struct{}),
		bus:      b,
	}

	go b.pollLoop(subCtx, sub, handler)

	b.mu.Lock()
	b.subscriptions[sub.id] = sub
	b.mu.Unlock()

	slog.Info("kafka consumer started", "topic", topic, "group", group)
	return sub, nil
}

// pollLoop drains the consumer until cancelled.
func (b *KafkaBus) pollLoop(ctx context.Context, sub *kafkaSubscription, handler domain.MessageHandler) {
	defer close(sub.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ev := sub.consumer.Poll(100)
		if ev == nil {
			continue
		}

		switch e := ev.(type) {
		case *kafka.Message:
			msg := &domain.Message{
				ID:        uuid.New().String(),
				Topic:     sub.topic,
				Key:       string(e.Key),
				Payload:   e.Value,
				Headers:   headerMap(e.Headers),
				Timestamp: e.Timestamp.UnixNano(),
			}

			if err := handler(ctx, msg); err != nil {
				// Leave the offset uncommitted; the message is
				// redelivered after a rebalance or restart.
				slog.Error("handler error, offset not committed",
					"topic", sub.topic,
					"key", msg.Key,
					"error", err,
				)
				continue
			}

			if _, err := sub.consumer.CommitMessage(e); err != nil {
				slog.Warn("commit failed",
					"topic", sub.topic,
					"error", err,
				)
			}

		case kafka.PartitionEOF:
			continue

		case kafka.Error:
			slog.Error("kafka consumer error",
				"topic", sub.topic,
				"code", e.Code().String(),
				"error", e.Error(),
			)
		}
	}
}

// Ping verifies broker metadata is reachable.
func (b *KafkaBus) Ping(ctx context.Context) error {
	timeout := 5000
	if deadline, ok := ctx.Deadline(); ok {
		timeout = int(time.Until(deadline).Milliseconds())
	}
	_, err := b.producer.GetMetadata(nil, false, timeout)
	return err
}

// Close stops all consumers, flushes pending produces, and releases the
// producer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	subs := b.subscriptions
	b.subscriptions = make(map[string]*kafkaSubscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
		_ = sub.consumer.Close()
	}

	if remaining := b.producer.Flush(10000); remaining > 0 {
		slog.Warn("kafka producer closed with unflushed messages", "count", remaining)
	}
	b.producer.Close()
	return nil
}

func headerMap(headers []kafka.Header) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Key] = string(h.Value)
	}
	return out
}

// Unsubscribe stops the poll loop and closes the consumer.
func (s *kafkaSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subscriptions, s.id)
	s.bus.mu.Unlock()

	s.cancel()
	<-s.done
	return s.consumer.Close()
}

// Topic returns the subscribed topic.
func (s *kafkaSubscription) Topic() string {
	return s.topic
}
