package consumers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/illmade-knight/go-otlp-ingest/pkg/secrets"
	"github.com/illmade-knight/go-otlp-ingest/pkg/types"
	"github.com/rs/zerolog"
)

// readSlice bounds a single blocking read so a cancelled context is noticed
// promptly inside a long poll window.
const readSlice = 250 * time.Millisecond

// KafkaSourceConfig names the topic and consumer group to read.
type KafkaSourceConfig struct {
	BootstrapServers string
	Topic            string
	GroupID          string
	// SecurityProtocol is "SSL" unless set to "PLAINTEXT".
	SecurityProtocol string
	SessionTimeout   time.Duration
}

// ClientConfigMap builds the librdkafka settings shared by every client that
// talks to the cluster: bootstrap servers and, for SSL, the PEM credential.
func ClientConfigMap(bootstrap, securityProtocol string, cred *secrets.ClientCredential) kafka.ConfigMap {
	cm := kafka.ConfigMap{"bootstrap.servers": bootstrap}
	if securityProtocol == "PLAINTEXT" {
		cm["security.protocol"] = "PLAINTEXT"
		return cm
	}
	cm["security.protocol"] = "SSL"
	if cred != nil {
		cm["ssl.certificate.pem"] = string(cred.CertPEM)
		cm["ssl.key.pem"] = string(cred.KeyPEM)
		if len(cred.CAPEM) > 0 {
			cm["ssl.ca.pem"] = string(cred.CAPEM)
		}
	}
	return cm
}

// kafkaConsumer is the part of *kafka.Consumer a session uses.
type kafkaConsumer interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	CommitOffsets(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error)
	Seek(partition kafka.TopicPartition, ignoredTimeoutMs int) error
	Close() error
}

// KafkaConnector opens authenticated sessions on the source topic.
type KafkaConnector struct {
	cfg         KafkaSourceConfig
	logger      zerolog.Logger
	now         func() time.Time
	newConsumer func(*kafka.ConfigMap) (kafkaConsumer, error)
}

func NewKafkaConnector(cfg KafkaSourceConfig, logger zerolog.Logger) (*KafkaConnector, error) {
	if cfg.BootstrapServers == "" {
		return nil, errors.New("kafka bootstrap servers not set")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic not set")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("kafka group id not set")
	}
	return &KafkaConnector{
		cfg:    cfg,
		logger: logger.With().Str("component", "KafkaConnector").Str("topic", cfg.Topic).Str("group_id", cfg.GroupID).Logger(),
		now:    time.Now,
		newConsumer: func(cm *kafka.ConfigMap) (kafkaConsumer, error) {
			c, err := kafka.NewConsumer(cm)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
	}, nil
}

// Connect validates the credential and joins the consumer group. An
// expired or unparseable credential fails with AuthError before any network
// traffic.
func (c *KafkaConnector) Connect(_ context.Context, cred *secrets.ClientCredential) (*KafkaSession, error) {
	if c.cfg.SecurityProtocol != "PLAINTEXT" {
		if cred == nil {
			return nil, &AuthError{Err: errors.New("no client credential")}
		}
		if err := cred.Validate(c.now()); err != nil {
			return nil, &AuthError{Err: err}
		}
	}

	cm := ClientConfigMap(c.cfg.BootstrapServers, c.cfg.SecurityProtocol, cred)
	cm["group.id"] = c.cfg.GroupID
	cm["auto.offset.reset"] = "earliest"
	cm["enable.auto.commit"] = false
	if c.cfg.SessionTimeout > 0 {
		cm["session.timeout.ms"] = int(c.cfg.SessionTimeout / time.Millisecond)
	}

	consumer, err := c.newConsumer(&cm)
	if err != nil {
		return nil, classifyKafkaError(fmt.Errorf("create consumer: %w", err))
	}
	if err := consumer.SubscribeTopics([]string{c.cfg.Topic}, nil); err != nil {
		_ = consumer.Close()
		return nil, classifyKafkaError(fmt.Errorf("subscribe to %s: %w", c.cfg.Topic, err))
	}
	c.logger.Info().Str("security_protocol", cm["security.protocol"].(string)).Msg("Kafka session connected.")
	return &KafkaSession{consumer: consumer, logger: c.logger}, nil
}

// KafkaSession is one consumer-group membership. It is used by a single
// goroutine.
type KafkaSession struct {
	consumer kafkaConsumer
	logger   zerolog.Logger
}

// Poll reads up to batchSize messages, waiting at most maxWait. Messages
// already read are returned alongside any error.
func (s *KafkaSession) Poll(ctx context.Context, batchSize int, maxWait time.Duration) ([]types.ConsumedMessage, error) {
	deadline := time.Now().Add(maxWait)
	out := make([]types.ConsumedMessage, 0, batchSize)
	for len(out) < batchSize {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		msg, err := s.consumer.ReadMessage(min(remaining, readSlice))
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
				continue
			}
			return out, classifyKafkaError(err)
		}
		out = append(out, toConsumedMessage(msg))
	}
	return out, nil
}

func toConsumedMessage(msg *kafka.Message) types.ConsumedMessage {
	var topic string
	if msg.TopicPartition.Topic != nil {
		topic = *msg.TopicPartition.Topic
	}
	pos := types.Offset{Topic: topic, Partition: msg.TopicPartition.Partition, Offset: int64(msg.TopicPartition.Offset)}
	return types.ConsumedMessage{
		ID:          pos.String(),
		Position:    pos,
		Key:         msg.Key,
		Payload:     msg.Value,
		PublishTime: msg.Timestamp,
	}
}

// Commit stores offset+1 for each given last-handled offset.
func (s *KafkaSession) Commit(offsets []types.Offset) error {
	if len(offsets) == 0 {
		return nil
	}
	tps := make([]kafka.TopicPartition, len(offsets))
	for i, o := range offsets {
		topic := o.Topic
		tps[i] = kafka.TopicPartition{Topic: &topic, Partition: o.Partition, Offset: kafka.Offset(o.Offset + 1)}
	}
	committed, err := s.consumer.CommitOffsets(tps)
	if err != nil {
		return classifyKafkaError(fmt.Errorf("commit offsets: %w", err))
	}
	for _, tp := range committed {
		if tp.Error != nil {
			return classifyKafkaError(fmt.Errorf("commit %s[%d]: %w", *tp.Topic, tp.Partition, tp.Error))
		}
	}
	s.logger.Debug().Int("partitions", len(offsets)).Msg("Committed offsets.")
	return nil
}

// Rewind seeks each partition back to the given offset so the next polls
// deliver it again.
func (s *KafkaSession) Rewind(offsets []types.Offset) error {
	var errs []error
	for _, o := range offsets {
		topic := o.Topic
		tp := kafka.TopicPartition{Topic: &topic, Partition: o.Partition, Offset: kafka.Offset(o.Offset)}
		if err := s.consumer.Seek(tp, 0); err != nil {
			errs = append(errs, fmt.Errorf("seek %s: %w", o, err))
		}
	}
	if len(errs) > 0 {
		return classifyKafkaError(errors.Join(errs...))
	}
	s.logger.Warn().Int("partitions", len(offsets)).Msg("Rewound partitions to redeliver uncommitted messages.")
	return nil
}

// Close leaves the consumer group.
func (s *KafkaSession) Close() error {
	s.logger.Info().Msg("Closing Kafka session...")
	return s.consumer.Close()
}

var authErrorCodes = map[kafka.ErrorCode]bool{
	kafka.ErrAuthentication:             true,
	kafka.ErrSsl:                        true,
	kafka.ErrSaslAuthenticationFailed:   true,
	kafka.ErrTopicAuthorizationFailed:   true,
	kafka.ErrGroupAuthorizationFailed:   true,
	kafka.ErrClusterAuthorizationFailed: true,
}

// classifyKafkaError maps a client error to AuthError or TransientSourceError.
func classifyKafkaError(err error) error {
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		if authErrorCodes[kerr.Code()] {
			return &AuthError{Err: err}
		}
		msg := strings.ToLower(kerr.Error())
		if strings.Contains(msg, "ssl handshake failed") || strings.Contains(msg, "certificate") {
			return &AuthError{Err: err}
		}
	}
	return &TransientSourceError{Err: err}
}
