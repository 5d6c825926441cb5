package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

const DefaultTopic = "ride-events"

// batchTimeout caps how long Publish waits for a partial batch. kafka-go
// defaults to one second, which every ride transition would otherwise pay.
const batchTimeout = 10 * time.Millisecond

// KafkaPublisher writes ride events keyed by session key, so every event of
// one ride lands on the same partition in order.
type KafkaPublisher struct {
	writer  *kafka.Writer
	timeout time.Duration
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: batchTimeout,
	}
	return &KafkaPublisher{writer: w, timeout: 2 * time.Second}
}

func (k *KafkaPublisher) Publish(ctx context.Context, ev RideEvent) error {
	msg, err := encode(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, msg)
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

func encode(ev RideEvent) (kafka.Message, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(ev.SessionKey), Value: b, Time: ev.At}, nil
}

// Decode parses a message value written by KafkaPublisher.
func Decode(value []byte) (RideEvent, error) {
	var ev RideEvent
	err := json.Unmarshal(value, &ev)
	return ev, err
}
