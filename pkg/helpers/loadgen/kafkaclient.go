package loadgen

import (
	"context"
	"errors"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/illmade-knight/go-otlp-ingest/pkg/consumers"
	"github.com/illmade-knight/go-otlp-ingest/pkg/secrets"
	"github.com/rs/zerolog"
)

// producer is the part of *kafka.Producer the client uses.
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

// KafkaClientConfig points the client at the source topic.
type KafkaClientConfig struct {
	BootstrapServers string
	Topic            string
	SecurityProtocol string
}

// KafkaClient implements Client by producing each payload to the topic,
// keyed by device ID so a device's bundles stay on one partition.
type KafkaClient struct {
	cfg         KafkaClientConfig
	cred        *secrets.ClientCredential
	logger      zerolog.Logger
	producer    producer
	newProducer func(*kafka.ConfigMap) (producer, error)
}

// NewKafkaClient creates a client. cred may be nil for PLAINTEXT brokers.
func NewKafkaClient(cfg KafkaClientConfig, cred *secrets.ClientCredential, logger zerolog.Logger) (*KafkaClient, error) {
	if cfg.BootstrapServers == "" || cfg.Topic == "" {
		return nil, errors.New("bootstrap servers and topic are required")
	}
	return &KafkaClient{
		cfg:    cfg,
		cred:   cred,
		logger: logger.With().Str("component", "KafkaLoadClient").Str("topic", cfg.Topic).Logger(),
		newProducer: func(cm *kafka.ConfigMap) (producer, error) {
			p, err := kafka.NewProducer(cm)
			if err != nil {
				return nil, err
			}
			return p, nil
		},
	}, nil
}

// Connect creates the producer.
func (c *KafkaClient) Connect() error {
	cm := consumers.ClientConfigMap(c.cfg.BootstrapServers, c.cfg.SecurityProtocol, c.cred)
	cm["acks"] = "all"
	p, err := c.newProducer(&cm)
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	c.producer = p
	c.logger.Info().Str("bootstrap", c.cfg.BootstrapServers).Msg("Kafka producer ready")
	return nil
}

// Disconnect flushes outstanding messages and closes the producer.
func (c *KafkaClient) Disconnect() {
	if c.producer == nil {
		return
	}
	if remaining := c.producer.Flush(5000); remaining > 0 {
		c.logger.Warn().Int("unflushed", remaining).Msg("Messages left unflushed at disconnect")
	}
	c.producer.Close()
	c.producer = nil
	c.logger.Info().Msg("Kafka producer closed")
}

// Publish generates a bundle for the device and waits for its delivery report.
func (c *KafkaClient) Publish(ctx context.Context, device *Device) error {
	if c.producer == nil {
		return errors.New("client is not connected")
	}
	payload, err := device.PayloadGenerator.GeneratePayload(device)
	if err != nil {
		return fmt.Errorf("failed to generate payload for device %s: %w", device.ID, err)
	}

	delivery := make(chan kafka.Event, 1)
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &c.cfg.Topic, Partition: kafka.PartitionAny},
		Key:            []byte(device.ID),
		Value:          payload,
	}
	if err := c.producer.Produce(msg, delivery); err != nil {
		return fmt.Errorf("kafka produce error for device %s: %w", device.ID, err)
	}

	select {
	case ev := <-delivery:
		m, ok := ev.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event %T", ev)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("delivery failed for device %s: %w", device.ID, m.TopicPartition.Error)
		}
		c.logger.Debug().Str("device_id", device.ID).Int32("partition", m.TopicPartition.Partition).Msg("Message published")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while publishing for device %s: %w", device.ID, ctx.Err())
	}
}
