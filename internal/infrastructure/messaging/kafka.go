package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/splitlab/splitlab/internal/experiments"
)

// Config tunes the participation event writer.
type Config struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	RequiredAcks int
}

// KafkaPublisher exports participation events to a Kafka topic for
// downstream analytics pipelines. Messages are keyed by test id so one
// experiment's events stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaPublisher builds the publisher. It satisfies
// experiments.EventPublisher.
func NewKafkaPublisher(cfg Config, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Warn("kafka delivery failed",
					zap.Int("messages", len(messages)),
					zap.Error(err))
			}
		},
	}
	return &KafkaPublisher{writer: writer, logger: logger}
}

// PublishParticipation enqueues one event. The writer is async; delivery
// failures land in the completion callback, never on the request path.
func (p *KafkaPublisher) PublishParticipation(ctx context.Context, event *experiments.Participation) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode participation event: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.TestID.String()),
		Value: payload,
		Time:  event.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("enqueue participation event: %w", err)
	}
	return nil
}

// Close flushes and releases the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
