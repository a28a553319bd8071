package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
)

const publishTimeout = 2 * time.Second

// messageWriter is the part of *kafka.Writer the producers use.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes driver location samples keyed by driver id so a
// driver's samples stay ordered within a partition.
type KafkaProducer struct {
	writer messageWriter
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, s models.LocationSample) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode sample: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(s.DriverID), Value: b})
}

// RecordSample lets the producer act as a tracking sample sink.
func (k *KafkaProducer) RecordSample(ctx context.Context, s models.LocationSample) error {
	return k.PublishLocation(ctx, s)
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// EventPublisher mirrors dispatch and ride events onto a Kafka topic for
// downstream analytics. Events are keyed by request id.
type EventPublisher struct {
	writer messageWriter
}

func NewEventPublisher(brokers []string, topic string) *EventPublisher {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &EventPublisher{writer: w}
}

func (p *EventPublisher) Notify(ctx context.Context, ev notify.Event) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	b, err := json.Marshal(redact(ev))
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	key := ev.RequestID
	if key == "" {
		key = ev.DriverID
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   b,
		Headers: []kafka.Header{{Key: "kind", Value: []byte(ev.Kind)}},
	})
}

func (p *EventPublisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// redact drops the pickup code so it never leaves the rider's own channels.
func redact(ev notify.Event) notify.Event {
	if _, ok := ev.Payload["code"]; !ok {
		return ev
	}
	p := make(map[string]any, len(ev.Payload))
	for k, v := range ev.Payload {
		if k != "code" {
			p[k] = v
		}
	}
	ev.Payload = p
	return ev
}
