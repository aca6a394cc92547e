// Package kafkapub publishes ledger events to a Kafka topic.
//
// Messages are keyed by "classroom:student" so every event of one wallet
// lands on the same partition and consumers see them in commit order.
package kafkapub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/bizcoin/bizcoin/internal/domain"
)

// Config describes the Kafka writer.
type Config struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher is a domain.EventSink backed by a kafka-go writer.
type Publisher struct {
	w     messageWriter
	topic string
}

var _ domain.EventSink = (*Publisher)(nil)

// New creates a publisher with a synchronous, hash-balanced writer.
func New(cfg Config, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	klog := log.Named("kafka")
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			klog.Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			klog.Warn(fmt.Sprintf(msg, args...))
		}),
	}
	return &Publisher{w: w, topic: cfg.Topic}
}

// Name implements domain.EventSink.
func (p *Publisher) Name() string { return "kafka" }

// Topic returns the destination topic.
func (p *Publisher) Topic() string { return p.topic }

// Publish writes ev as one JSON message keyed by its wallet.
func (p *Publisher) Publish(ctx context.Context, ev domain.Event) error {
	msg, err := Message(ev)
	if err != nil {
		return err
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", ev.ID, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error { return p.w.Close() }

// Message encodes ev as a Kafka message.
func Message(ev domain.Event) (kafka.Message, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(ev.Key().String()),
		Value: payload,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_kind", Value: []byte(ev.Kind)},
			{Key: "event_id", Value: []byte(ev.ID)},
		},
	}, nil
}
