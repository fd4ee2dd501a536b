// Package bus abstracts the event log. The Kafka implementation backs
// deployments; the in-memory implementation backs tests and single-process
// runs, with the same partitioned ordering semantics.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Message is one log record. Key selects the partition: records sharing a
// key are delivered in publish order.
type Message struct {
	Topic string
	Key   string
	Value []byte
}

// Handler processes one delivered message. Returning an error leaves the
// offset uncommitted so the message is redelivered.
type Handler func(ctx context.Context, msg Message) error

// Publisher appends messages to the log.
type Publisher interface {
	Publish(ctx context.Context, msgs ...Message) error
	Close() error
}

// Subscriber delivers a topic to a consumer group. Subscribe blocks until
// ctx is cancelled; each group sees every message at least once.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, group string, h Handler) error
	Close() error
}

// ─── Kafka ──────────────────────────────────────────────────────────────────

// KafkaPublisher writes through a single shared writer with hash
// partitioning, so one entity's events land on one partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewKafkaPublisher(brokers []string, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
		logger: logger.With("component", "kafka_publisher"),
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	records := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		records[i] = kafka.Message{
			Topic: m.Topic,
			Key:   []byte(m.Key),
			Value: m.Value,
		}
	}
	if err := p.writer.WriteMessages(ctx, records...); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// KafkaSubscriber runs one reader per Subscribe call, committing offsets
// only after the handler returns nil.
type KafkaSubscriber struct {
	brokers []string
	logger  *slog.Logger
}

func NewKafkaSubscriber(brokers []string, logger *slog.Logger) *KafkaSubscriber {
	return &KafkaSubscriber{brokers: brokers, logger: logger.With("component", "kafka_subscriber")}
}

func (s *KafkaSubscriber) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        s.brokers,
		Topic:          topic,
		GroupID:        group,
		MinBytes:       1,
		MaxBytes:       10 << 20,
		CommitInterval: 0, // synchronous commits
	})
	defer reader.Close()

	s.logger.Info("subscribed", "topic", topic, "group", group)
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("kafka fetch %s: %w", topic, err)
		}
		msg := Message{Topic: m.Topic, Key: string(m.Key), Value: m.Value}
		if err := h(ctx, msg); err != nil {
			// Leave uncommitted; the handler owns retry/DLQ policy and
			// returns nil once the message is accounted for.
			s.logger.Warn("handler failed, offset not committed",
				"topic", topic, "group", group, "key", msg.Key, "error", err)
			continue
		}
		if err := reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("kafka commit %s: %w", topic, err)
		}
	}
}

func (s *KafkaSubscriber) Close() error { return nil }
