package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Publisher is what the dispatcher needs from an event stream. Calls must
// not block on the network.
type Publisher interface {
	PublishLocation(ev models.DriverLocationEvent)
	PublishRide(ev models.RideEvent)
}

// Nop discards everything; used when no brokers are configured.
type Nop struct{}

func (Nop) PublishLocation(models.DriverLocationEvent) {}
func (Nop) PublishRide(models.RideEvent)               {}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer writes location and ride events to their topics. The
// underlying writer runs in async mode, so errors surface through the
// completion callback rather than the caller.
type KafkaProducer struct {
	writer        messageWriter
	locationTopic string
	rideTopic     string
	logger        *slog.Logger
}

func NewKafkaProducer(brokers []string, locationTopic, rideTopic string, logger *slog.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
	}
	w.Completion = func(msgs []kafka.Message, err error) {
		if err == nil {
			return
		}
		for _, m := range msgs {
			observability.PublishErrors.WithLabelValues(m.Topic).Inc()
		}
		logger.Warn("kafka write failed", "messages", len(msgs), "error", err)
	}
	return &KafkaProducer{writer: w, locationTopic: locationTopic, rideTopic: rideTopic, logger: logger}
}

func (k *KafkaProducer) PublishLocation(ev models.DriverLocationEvent) {
	k.publish(k.locationTopic, ev.DriverID, ev)
}

// PublishRide keys by ride id so one ride's events stay ordered on a partition.
func (k *KafkaProducer) PublishRide(ev models.RideEvent) {
	k.publish(k.rideTopic, ev.RideID, ev)
}

func (k *KafkaProducer) publish(topic, key string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		k.logger.Error("encode event", "topic", topic, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(key), Value: b}); err != nil {
		observability.PublishErrors.WithLabelValues(topic).Inc()
		k.logger.Warn("kafka enqueue failed", "topic", topic, "key", key, "error", err)
	}
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
