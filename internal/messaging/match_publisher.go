// Package messaging publishes matching events to Kafka.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Aidin1998/denver/pkg/models"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// PublisherConfig configures the Kafka writer.
type PublisherConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
	Compression  string
}

// NewKafkaWriter builds a synchronous writer keyed by the demand order id.
func NewKafkaWriter(cfg PublisherConfig) *kafka.Writer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.CRC32Balancer{},
		BatchSize:    1,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		Async:        false,
	}
	switch cfg.Compression {
	case "gzip":
		w.Compression = kafka.Gzip
	case "lz4":
		w.Compression = kafka.Lz4
	case "zstd":
		w.Compression = kafka.Zstd
	default:
		w.Compression = kafka.Snappy
	}
	return w
}

// MatchPublisher announces committed matches on a Kafka topic.
type MatchPublisher struct {
	writer MessageWriter
	topic  string
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewMatchPublisher wraps writer. topic is only used for logging; the writer
// carries the destination.
func NewMatchPublisher(writer MessageWriter, topic string, logger *zap.Logger) *MatchPublisher {
	return &MatchPublisher{writer: writer, topic: topic, logger: logger.Named("match_publisher")}
}

// PublishMatch writes one event. Delivery is best effort from the caller's
// point of view: the match is already on the ledger.
func (p *MatchPublisher) PublishMatch(ctx context.Context, event models.MatchEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("match publisher is closed")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal match event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.DemandOrderID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("loan.matched")},
			{Key: "mode", Value: []byte(event.Mode)},
			{Key: "settlement", Value: []byte(event.Settlement)},
		},
		Time: event.MatchedAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish match to kafka topic %s: %w", p.topic, err)
	}

	p.logger.Debug("published match event",
		zap.String("topic", p.topic),
		zap.String("proposal", event.ProposalID))
	return nil
}

// Close flushes and closes the writer.
func (p *MatchPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.writer.Close()
}

// NopPublisher drops every event. It is used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) PublishMatch(context.Context, models.MatchEvent) error { return nil }
