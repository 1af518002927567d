package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/illmade-knight/go-otlp-ingest/pkg/secrets"
	"github.com/rs/zerolog"
)

// producer is the part of *kafka.Producer the publisher uses.
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	Close()
}

// CredentialProvider supplies the client credential the producer
// authenticates with. A nil credential means no client certificate.
type CredentialProvider interface {
	Current(ctx context.Context) (*secrets.ClientCredential, error)
}

// KafkaConfig configures a KafkaPublisher.
type KafkaConfig struct {
	Topic string
	// ConfigMap builds the client settings for a credential. acks=all and
	// idempotence are always added.
	ConfigMap func(cred *secrets.ClientCredential) kafka.ConfigMap
}

// KafkaPublisher writes records to a Kafka dead-letter topic, keyed by the
// source message key, and waits for a delivery report per record. The
// producer is rebuilt whenever the client credential changes.
type KafkaPublisher struct {
	depth
	cfg         KafkaConfig
	creds       CredentialProvider
	newProducer func(cm *kafka.ConfigMap) (producer, error)
	logger      zerolog.Logger

	mu          sync.Mutex
	producer    producer
	fingerprint string
}

// NewKafkaPublisher creates the publisher and its first producer from the
// current credential.
func NewKafkaPublisher(ctx context.Context, cfg KafkaConfig, creds CredentialProvider, logger zerolog.Logger) (*KafkaPublisher, error) {
	return newKafkaPublisher(ctx, cfg, creds, func(cm *kafka.ConfigMap) (producer, error) {
		return kafka.NewProducer(cm)
	}, logger)
}

func newKafkaPublisher(ctx context.Context, cfg KafkaConfig, creds CredentialProvider, newProducer func(cm *kafka.ConfigMap) (producer, error), logger zerolog.Logger) (*KafkaPublisher, error) {
	if cfg.Topic == "" {
		return nil, errors.New("dead-letter topic is required")
	}
	if cfg.ConfigMap == nil || creds == nil {
		return nil, errors.New("dead-letter producer needs a config builder and a credential provider")
	}
	p := &KafkaPublisher{
		cfg:         cfg,
		creds:       creds,
		newProducer: newProducer,
		logger:      logger.With().Str("component", "KafkaDeadLetter").Str("topic", cfg.Topic).Logger(),
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.producerLocked(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func fingerprint(cred *secrets.ClientCredential) string {
	if cred == nil {
		return ""
	}
	return cred.Fingerprint()
}

// producerLocked returns a producer built with the current credential,
// replacing the previous one after a rotation.
func (p *KafkaPublisher) producerLocked(ctx context.Context) (producer, error) {
	cred, err := p.creds.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("load client credential for dead-letter producer: %w", err)
	}
	fp := fingerprint(cred)
	if p.producer != nil && fp == p.fingerprint {
		return p.producer, nil
	}

	configMap := kafka.ConfigMap{}
	for k, v := range p.cfg.ConfigMap(cred) {
		configMap[k] = v
	}
	configMap["acks"] = "all"
	configMap["enable.idempotence"] = true
	next, err := p.newProducer(&configMap)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	if p.producer != nil {
		p.logger.Info().Msg("Client credential changed, rebuilding dead-letter producer.")
		p.closeProducer(p.producer)
	}
	p.producer = next
	p.fingerprint = fp
	return next, nil
}

func (p *KafkaPublisher) closeProducer(old producer) {
	if remaining := old.Flush(10_000); remaining > 0 {
		p.logger.Warn().Int("remaining", remaining).Msg("Dead-letter producer closed with undelivered messages")
	}
	old.Close()
}

// Publish produces every record and waits for all delivery reports.
func (p *KafkaPublisher) Publish(ctx context.Context, records []Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	prod, err := p.producerLocked(ctx)
	if err != nil {
		return err
	}

	deliveries := make(chan kafka.Event, len(records))
	produced := 0
	var errs []error
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal record %s/%d/%d: %w", r.Topic, r.Partition, r.Offset, err))
			continue
		}
		msg := &kafka.Message{
			TopicPartition: kafka.TopicPartition{Topic: &p.cfg.Topic, Partition: kafka.PartitionAny},
			Key:            r.Key,
			Value:          data,
		}
		for k, v := range r.Attributes() {
			msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
		}
		if err := prod.Produce(msg, deliveries); err != nil {
			errs = append(errs, fmt.Errorf("kafka produce error: %w", err))
			continue
		}
		produced++
	}

	confirmed := 0
	for i := 0; i < produced; i++ {
		select {
		case <-ctx.Done():
			p.add(confirmed)
			return fmt.Errorf("dead-letter publish: waiting for %d delivery reports: %w", produced-i, ctx.Err())
		case ev := <-deliveries:
			m, ok := ev.(*kafka.Message)
			if !ok {
				errs = append(errs, fmt.Errorf("unexpected delivery event %v", ev))
				continue
			}
			if m.TopicPartition.Error != nil {
				errs = append(errs, fmt.Errorf("kafka delivery failed: %w", m.TopicPartition.Error))
				continue
			}
			confirmed++
		}
	}
	p.add(confirmed)
	if len(errs) > 0 {
		p.logger.Error().Int("failed", len(errs)).Int("total", len(records)).Msg("Failed to publish dead-letter messages")
		return fmt.Errorf("dead-letter publish: %w", errors.Join(errs...))
	}
	p.logger.Info().Int("count", confirmed).Msg("Messages sent to dead-letter topic.")
	return nil
}

// Close flushes outstanding messages and closes the producer.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.producer != nil {
		p.closeProducer(p.producer)
		p.producer = nil
	}
	return nil
}
