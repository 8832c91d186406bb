package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
)

// KafkaSink publishes jobs to one topic per kind, keyed by room so a room's
// jobs stay on one partition.
type KafkaSink struct {
	producer sarama.SyncProducer
}

func NewKafkaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 3
	return cfg
}

func NewKafkaSink(brokers []string, cfg *sarama.Config) (*KafkaSink, error) {
	if cfg == nil {
		cfg = NewKafkaConfig()
	}
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return &KafkaSink{producer: producer}, nil
}

// NewKafkaSinkWithProducer wraps an existing producer.
func NewKafkaSinkWithProducer(producer sarama.SyncProducer) *KafkaSink {
	return &KafkaSink{producer: producer}
}

// topic maps a stream name onto a Kafka-legal topic name.
func topic(k Kind) string {
	return "chat." + string(k)
}

func (s *KafkaSink) Write(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: topic(job.Kind),
		Key:   sarama.StringEncoder(job.RoomID),
		Value: sarama.ByteEncoder(body),
	}
	partition, offset, err := s.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send job to kafka: %w", err)
	}
	slog.Debug("job sent", "topic", msg.Topic, "partition", partition, "offset", offset)
	return nil
}

func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
