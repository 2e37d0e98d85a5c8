package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/meridian/canon/pkg/tracing"
)

// Producer handles Kafka event emission
type Producer struct {
	writer *kafka.Writer
	logger ectologger.Logger
	topic  string
}

// ProducerConfig holds Kafka producer configuration
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int
	Compression  string
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg ProducerConfig, logger ectologger.Logger) *Producer {
	compression := kafka.Snappy
	switch cfg.Compression {
	case "gzip":
		compression = kafka.Gzip
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	case "none":
		compression = 0
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:            compression,
		AllowAutoTopicCreation: true,
	}

	return &Producer{
		writer: writer,
		logger: logger,
		topic:  cfg.Topic,
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// ReferenceEvent announces a canonical reference change to downstream
// consumers (search indexers, API caches).
type ReferenceEvent struct {
	EventType   string          `json:"event_type"` // reference.created, reference.updated
	Model       string          `json:"model"`
	ReferenceID string          `json:"reference_id"`
	Version     int64           `json:"version"`
	Content     json.RawMessage `json:"content,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// PublishReferenceEvent publishes a reference event to Kafka
func (p *Producer) PublishReferenceEvent(ctx context.Context, event *ReferenceEvent) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishReferenceEvent")
	defer span.End()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(event.ReferenceID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "model", Value: []byte(event.Model)},
			{Key: "schema_version", Value: []byte("1.0")},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to publish reference event")
		return err
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"event_type":   event.EventType,
		"model":        event.Model,
		"reference_id": event.ReferenceID,
		"version":      event.Version,
	}).Debug("Published reference event")

	return nil
}
