package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/IBM/sarama"
)

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
	Username string
	Password string
	UseTLS   bool
}

// NewSaramaConfig returns a producer config suited for ordered, durable lifecycle events:
// acks from all in-sync replicas, idempotent retries and hash partitioning by conversation id.
func NewSaramaConfig(cfg KafkaConfig) *sarama.Config {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_8_0_0
	sc.ClientID = "helpdesk"
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}

	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 3
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1

	if cfg.Username != "" && cfg.Password != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		sc.Net.SASL.User = cfg.Username
		sc.Net.SASL.Password = cfg.Password
		sc.Net.SASL.Handshake = true
	}
	if cfg.UseTLS {
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return sc
}

// KafkaPublisher publishes events as JSON, keyed by conversation id so that all events of one
// conversation land in one partition in order.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	log      *slog.Logger
}

// NewKafkaPublisher dials the brokers and returns a publisher.
func NewKafkaPublisher(cfg KafkaConfig, logger *slog.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("events: no kafka brokers")
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("events: kafka producer: %w", err)
	}
	return NewKafkaPublisherWithProducer(producer, cfg.Topic, logger), nil
}

// NewKafkaPublisherWithProducer wraps an existing producer (tests use sarama/mocks).
func NewKafkaPublisherWithProducer(p sarama.SyncProducer, topic string, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = "helpdesk.conversations"
	}
	return &KafkaPublisher{producer: p, topic: topic, log: logger.With("component", "events.kafka")}
}

// Publish sends ev synchronously. ctx is checked before the send; sarama's own timeouts bound the call.
func (k *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(ev.ConversationID),
		Value: sarama.ByteEncoder(b),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(ev.Type)},
			{Key: []byte("event_id"), Value: []byte(ev.ID)},
		},
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("events: kafka send: %w", err)
	}
	k.log.Debug("events.published", "type", ev.Type, "conversation_id", ev.ConversationID, "partition", partition, "offset", offset)
	return nil
}

// Close closes the producer.
func (k *KafkaPublisher) Close() error { return k.producer.Close() }
