package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/sheikh-saqib/milestone-escrow/internal/interfaces"
	"github.com/sheikh-saqib/milestone-escrow/internal/models/events"
)

// DefaultTopic receives every escrow domain event.
const DefaultTopic = "escrow-events"

type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher writes to topic on brokers. Messages are keyed by campaign id
// so one campaign's events stay ordered within a partition.
func NewPublisher(brokers []string, topic string) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *Publisher) Publish(ctx context.Context, event events.Event) error {
	msg, err := buildMessage(event)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", event.EventType(), err)
	}
	return nil
}

func buildMessage(event events.Event) (kafka.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode %s: %w", event.EventType(), err)
	}
	return kafka.Message{
		Key:   []byte(event.AggregateID()),
		Value: data,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.EventType())},
		},
	}, nil
}

// Close flushes pending messages.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

var _ interfaces.EventPublisher = (*Publisher)(nil)
