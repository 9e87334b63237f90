package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
	"github.com/xtrntr/escrow/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes ledger events to one topic and transfer
// instructions to another, where the payment collaborator consumes them.
type KafkaPublisher struct {
	writer         messageWriter
	eventsTopic    string
	transfersTopic string
	publishTotal   *prometheus.CounterVec
}

func NewKafkaPublisher(brokers []string, eventsTopic, transfersTopic string, registry *prometheus.Registry) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newKafkaPublisher(w, eventsTopic, transfersTopic, registry), nil
}

func newKafkaPublisher(w messageWriter, eventsTopic, transfersTopic string, registry *prometheus.Registry) *KafkaPublisher {
	p := &KafkaPublisher{
		writer:         w,
		eventsTopic:    eventsTopic,
		transfersTopic: transfersTopic,
		publishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_kafka_publish_total",
				Help: "Total Kafka publish attempts.",
			},
			[]string{"topic", "status"},
		),
	}
	if registry != nil {
		registry.MustRegister(p.publishTotal)
	}
	return p
}

func (p *KafkaPublisher) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", e.EventType, err)
		}
		topic, key := p.eventsTopic, string(e.Caller)
		if e.EventType == TypeTransfer {
			topic = p.transfersTopic
			if t, ok := e.Payload.(models.Transfer); ok {
				key = string(t.Receiver)
			}
		}
		msgs = append(msgs, kafka.Message{
			Topic: topic,
			Key:   []byte(key),
			Value: value,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(e.EventType)},
				{Key: "event_id", Value: []byte(e.EventID)},
			},
		})
	}

	err := p.writer.WriteMessages(ctx, msgs...)
	status := "success"
	if err != nil {
		status = "error"
	}
	for _, m := range msgs {
		p.publishTotal.WithLabelValues(m.Topic, status).Inc()
	}
	if err != nil {
		return fmt.Errorf("kafka publish failed: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
