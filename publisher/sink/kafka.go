package sink

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/mullr/pglogical/cfg"
	"github.com/mullr/pglogical/publisher"
)

const (
	DefaultKafkaBatchSize  = 100
	DefaultKafkaBatchBytes = 1 << 20 // 1MB
)

func init() {
	publisher.RegisterSink("kafka", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		return NewKafkaSink(KafkaConfig{
			Brokers:          config.Brokers,
			BatchSize:        config.BatchSize,
			BatchBytes:       DefaultKafkaBatchBytes,
			RequiredAcks:     kafka.RequireAll,
			AutoCreateTopics: true,
		})
	})
}

// KafkaSink implements the Sink interface for Kafka publishing
type KafkaSink struct {
	writer *kafka.Writer
}

// KafkaConfig holds configuration for KafkaSink
type KafkaConfig struct {
	Brokers          []string           // Kafka broker addresses
	BatchSize        int                // Batch size for writes (default: 100)
	BatchBytes       int64              // Max batch bytes (default: 1MB)
	RequiredAcks     kafka.RequiredAcks // Ack requirement (default: RequireAll)
	AutoCreateTopics bool               // Auto-create topics if they don't exist
}

// DefaultKafkaConfig returns a KafkaConfig with sensible defaults
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		BatchSize:        DefaultKafkaBatchSize,
		BatchBytes:       DefaultKafkaBatchBytes,
		RequiredAcks:     kafka.RequireAll,
		AutoCreateTopics: true,
	}
}

// NewKafkaSink creates a new KafkaSink with the given configuration
func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}

	if config.BatchSize == 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes == 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{}, // Partition by key for consistent routing
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		RequiredAcks:           config.RequiredAcks,
		Async:                  false, // Sync writes for durability
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}

	return &KafkaSink{writer: writer}, nil
}

// Publish sends a message to Kafka
// topic: Kafka topic name
// key: Partition key (same key, same partition)
// value: Message payload (nil for tombstones)
//
// Uses context.Background() because the worker manages timeouts and retries
// at a higher level.
func (k *KafkaSink) Publish(topic, key string, value []byte) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value, // nil value = tombstone (DELETE marker)
	}

	return k.writer.WriteMessages(context.Background(), msg)
}

// Close releases resources held by the KafkaSink
func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
