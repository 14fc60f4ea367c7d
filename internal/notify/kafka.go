package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/prokazin/telegram-trading-game/internal/model"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the sender uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSender publishes close events as JSON for downstream consumers
// (analytics, audit). Messages are keyed by user ID so one user's events
// stay ordered within a partition.
type KafkaSender struct {
	writer MessageWriter
}

// NewKafkaWriter builds a writer for brokers (comma separated) and topic.
func NewKafkaWriter(brokers, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(brokers, ",")...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
}

// NewKafkaSender creates a sender over w.
func NewKafkaSender(w MessageWriter) *KafkaSender {
	return &KafkaSender{writer: w}
}

// Send writes one message.
func (k *KafkaSender) Send(ctx context.Context, userID string, event model.CloseEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafka: marshal event: %w", err)
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(userID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "reason", Value: []byte(event.Reason)},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka: write %s: %w", event.PositionID, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (k *KafkaSender) Close() error {
	return k.writer.Close()
}

// Name returns the sender identifier.
func (k *KafkaSender) Name() string {
	return "kafka"
}
