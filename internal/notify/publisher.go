// Package notify publishes committed execution transitions to observers
// such as dispatch dashboards and the driver app.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/propagation"

	"github.com/pitabwire/haulflow/internal/observability"
	"github.com/pitabwire/haulflow/model"
)

// Publisher delivers transition events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	PublishTransition(ctx context.Context, evt model.TransitionEvent) error
	Close() error
}

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one JSON message per transition, keyed by execution
// id so all events of one trip land on the same partition in order.
type KafkaPublisher struct {
	writer  messageWriter
	topic   string
	brokers []string
}

// NewKafkaPublisher creates a publisher writing to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string, writeTimeout time.Duration) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			WriteTimeout: writeTimeout,
		},
		topic:   topic,
		brokers: brokers,
	}
}

// PublishTransition encodes and writes evt.
func (p *KafkaPublisher) PublishTransition(ctx context.Context, evt model.TransitionEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal transition event: %w", err)
	}
	headers := []kafka.Header{
		{Key: "tenant_id", Value: []byte(evt.TenantID)},
		{Key: "source", Value: []byte(evt.Source)},
	}
	carrier := propagation.MapCarrier{}
	observability.InjectTraceContext(ctx, carrier)
	for _, k := range carrier.Keys() {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(carrier.Get(k))})
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   p.topic,
		Key:     []byte(evt.ExecutionID),
		Value:   payload,
		Time:    evt.Timestamp,
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("kafka write %s: %w", p.topic, err)
	}
	return nil
}

// Ping dials the first reachable broker.
func (p *KafkaPublisher) Ping(ctx context.Context) error {
	var lastErr error
	for _, broker := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	if lastErr == nil {
		return fmt.Errorf("no kafka brokers configured")
	}
	return fmt.Errorf("kafka ping: %w", lastErr)
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NopPublisher discards events.
type NopPublisher struct{}

// PublishTransition does nothing.
func (NopPublisher) PublishTransition(context.Context, model.TransitionEvent) error { return nil }

// Close does nothing.
func (NopPublisher) Close() error { return nil }

// MemoryPublisher records events in memory. For tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []model.TransitionEvent
	// Err, when set, is returned from every publish.
	Err error
}

// PublishTransition records evt.
func (p *MemoryPublisher) PublishTransition(_ context.Context, evt model.TransitionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.events = append(p.events, evt)
	return nil
}

// Close does nothing.
func (p *MemoryPublisher) Close() error { return nil }

// Events returns a copy of the recorded events.
func (p *MemoryPublisher) Events() []model.TransitionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.TransitionEvent(nil), p.events...)
}
