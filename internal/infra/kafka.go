package infra

import (
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// NewKafkaWriter builds a writer that waits for all in-sync replicas and
// partitions by message key.
func NewKafkaWriter(brokers []string, topic string) (*kafka.Writer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka writer requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka writer requires a topic")
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
	}, nil
}

// NewKafkaReader builds a consumer-group reader. Offsets are committed
// explicitly by the caller.
func NewKafkaReader(brokers []string, groupID, topic string) (*kafka.Reader, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka reader requires at least one broker")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka reader requires group id")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka reader requires a topic")
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	}), nil
}
