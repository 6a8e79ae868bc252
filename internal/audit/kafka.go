package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaStore publishes audit events to a Kafka topic. Produce failures are
// logged, not returned: auth must keep working when the broker is down.
type KafkaStore struct {
	client *kgo.Client
	logger *slog.Logger
}

func NewKafkaStore(brokers []string, topic string, logger *slog.Logger) (*KafkaStore, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}
	return &KafkaStore{client: client, logger: logger}, nil
}

func (s *KafkaStore) Append(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	record := &kgo.Record{
		Key:   []byte(event.Action),
		Value: value,
	}
	s.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			s.logger.Error("failed to produce audit event", "error", err, "action", event.Action)
		}
	})
	return nil
}

func (s *KafkaStore) Close() {
	s.client.Close()
}
