package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"

	"ms-orders/internal/logger"
)

// Handler processes one message. A returned error is logged and the message
// is still committed; handlers decide for themselves what is worth retrying.
type Handler func(ctx context.Context, msg kafka.Message) error

type Consumer struct {
	reader *kafka.Reader
	topic  string
	log    *logger.Logger
}

// NewConsumer creates a new Kafka consumer for the given topic and group
func NewConsumer(brokers []string, topic, groupID string, log *logger.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{reader: reader, topic: topic, log: log}
}

// Run fetches and handles messages until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	c.log.LogKafka("CONSUMER_STARTED", c.topic, "waiting for messages")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			c.log.LogKafka("FETCH_FAILED", c.topic, err.Error())
			return fmt.Errorf("fetch from %s: %w", c.topic, err)
		}

		if err := handle(ctx, msg); err != nil {
			c.log.LogKafka("HANDLE_FAILED", c.topic, fmt.Sprintf("offset=%d key=%s: %v", msg.Offset, msg.Key, err))
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.log.LogKafka("COMMIT_FAILED", c.topic, err.Error())
		}
	}
}

// Close gracefully shuts down the Kafka reader
func (c *Consumer) Close() error {
	return c.reader.Close()
}
