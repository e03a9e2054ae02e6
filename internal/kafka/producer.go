package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"ms-orders/internal/logger"
)

// Producer writes keyed messages to any topic. Messages with the same key
// land on the same partition, so per-order events stay ordered.
type Producer struct {
	Writer *kafka.Writer
	log    *logger.Logger
}

func NewProducer(brokers []string, log *logger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &Producer{Writer: writer, log: log}
}

func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	err := p.Writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
	if err != nil {
		p.log.LogKafka("PUBLISH_FAILED", topic, fmt.Sprintf("key=%s: %v", key, err))
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.log.LogKafka("PUBLISHED", topic, "key="+key)
	return nil
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}
