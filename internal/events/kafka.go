package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/atmx/rfq-engine/internal/fixed"
	"github.com/atmx/rfq-engine/internal/model"
)

// messageWriter is the subset of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per journal entry, keyed by party so a
// party's entries stay ordered within a partition. The amount_e18 header
// carries the amount as an integer count of 1e-18 units.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher creates a publisher writing to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: time.Second,
	}
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) Publish(ctx context.Context, entries []model.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(entries))
	for _, e := range entries {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode entry %s: %w", e.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(partitionKey(e)),
			Value: value,
			Time:  e.Timestamp,
			Headers: []kafka.Header{
				{Key: "op", Value: []byte(e.Op)},
				{Key: "amount_e18", Value: []byte(fixed.ToScaled(e.Amount).String())},
			},
		})
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

// Close flushes pending messages and shuts down the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// partitionKey is the party, or the market for operator entries that have
// none.
func partitionKey(e model.Entry) string {
	if e.Party == "" {
		return fmt.Sprintf("market:%d", e.MarketID)
	}
	return e.Party
}
