package consumers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/illmade-knight/go-otlp-ingest/pkg/secrets"
	"github.com/illmade-knight/go-otlp-ingest/pkg/secrets/secretstest"
	"github.com/illmade-knight/go-otlp-ingest/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTopic = "lm.metrics.otlp"

// mockKafkaConsumer replays queued messages and errors and records commits
// and seeks.
type mockKafkaConsumer struct {
	mu         sync.Mutex
	queue      []any // *kafka.Message or error
	subscribed []string
	commits    [][]kafka.TopicPartition
	seeks      []kafka.TopicPartition
	commitErr  error
	closed     bool
}

func (m *mockKafkaConsumer) SubscribeTopics(topics []string, _ kafka.RebalanceCb) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed = topics
	return nil
}

func (m *mockKafkaConsumer) ReadMessage(timeout time.Duration) (*kafka.Message, error) {
	m.mu.Lock()
	if len(m.queue) == 0 {
		m.mu.Unlock()
		time.Sleep(timeout)
		return nil, kafka.NewError(kafka.ErrTimedOut, "timed out", false)
	}
	next := m.queue[0]
	m.queue = m.queue[1:]
	m.mu.Unlock()
	if err, ok := next.(error); ok {
		return nil, err
	}
	return next.(*kafka.Message), nil
}

func (m *mockKafkaConsumer) CommitOffsets(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return nil, m.commitErr
	}
	m.commits = append(m.commits, offsets)
	return offsets, nil
}

func (m *mockKafkaConsumer) Seek(tp kafka.TopicPartition, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seeks = append(m.seeks, tp)
	return nil
}

func (m *mockKafkaConsumer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func kafkaMessage(partition int32, offset int64, value string) *kafka.Message {
	topic := testTopic
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: partition, Offset: kafka.Offset(offset)},
		Key:            []byte("org-1"),
		Value:          []byte(value),
		Timestamp:      time.Date(2026, 1, 17, 10, 40, 0, 0, time.UTC),
	}
}

func newTestConnector(t *testing.T, mock *mockKafkaConsumer) (*KafkaConnector, *kafka.ConfigMap) {
	t.Helper()
	c, err := NewKafkaConnector(KafkaSourceConfig{
		BootstrapServers: "broker-1:9094",
		Topic:            testTopic,
		GroupID:          "otlp-ingest",
		SessionTimeout:   45 * time.Second,
	}, zerolog.Nop())
	require.NoError(t, err)
	captured := &kafka.ConfigMap{}
	c.newConsumer = func(cm *kafka.ConfigMap) (kafkaConsumer, error) {
		*captured = *cm
		return mock, nil
	}
	return c, captured
}

func validCredential(t *testing.T) *secrets.ClientCredential {
	cert, key := secretstest.ValidCertificate(t, "otlp-ingest")
	return &secrets.ClientCredential{CertPEM: cert, KeyPEM: key, CAPEM: cert}
}

func TestKafkaConnector_ConnectBuildsTLSConfig(t *testing.T) {
	mock := &mockKafkaConsumer{}
	c, cm := newTestConnector(t, mock)
	cred := validCredential(t)

	s, err := c.Connect(context.Background(), cred)
	require.NoError(t, err)
	require.NotNil(t, s)

	assert.Equal(t, []string{testTopic}, mock.subscribed)
	assert.Equal(t, "SSL", (*cm)["security.protocol"])
	assert.Equal(t, string(cred.CertPEM), (*cm)["ssl.certificate.pem"])
	assert.Equal(t, string(cred.KeyPEM), (*cm)["ssl.key.pem"])
	assert.Equal(t, string(cred.CAPEM), (*cm)["ssl.ca.pem"])
	assert.Equal(t, "earliest", (*cm)["auto.offset.reset"])
	assert.Equal(t, false, (*cm)["enable.auto.commit"])
	assert.Equal(t, 45000, (*cm)["session.timeout.ms"])
}

func TestKafkaConnector_ExpiredCredentialIsAuthError(t *testing.T) {
	mock := &mockKafkaConsumer{}
	c, _ := newTestConnector(t, mock)
	cert, key := secretstest.ExpiredCertificate(t, "otlp-ingest")

	_, err := c.Connect(context.Background(), &secrets.ClientCredential{CertPEM: cert, KeyPEM: key})
	require.Error(t, err)
	assert.True(t, IsAuth(err))
	assert.Nil(t, mock.subscribed, "no connection attempt with an expired certificate")

	_, err = c.Connect(context.Background(), nil)
	assert.True(t, IsAuth(err))
}

func TestKafkaSession_PollReturnsUpToBatchSize(t *testing.T) {
	mock := &mockKafkaConsumer{queue: []any{
		kafkaMessage(0, 10, "a"), kafkaMessage(0, 11, "b"), kafkaMessage(1, 3, "c"),
	}}
	c, _ := newTestConnector(t, mock)
	s, err := c.Connect(context.Background(), validCredential(t))
	require.NoError(t, err)

	msgs, err := s.Poll(context.Background(), 2, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, types.Offset{Topic: testTopic, Partition: 0, Offset: 10}, msgs[0].Position)
	assert.Equal(t, "lm.metrics.otlp/0/10", msgs[0].ID)
	assert.Equal(t, []byte("a"), msgs[0].Payload)
	assert.Equal(t, []byte("org-1"), msgs[0].Key)

	start := time.Now()
	msgs, err = s.Poll(context.Background(), 10, 300*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond, "waits out maxWait for a partial batch")
}

func TestKafkaSession_PollReturnsReadMessagesWithError(t *testing.T) {
	mock := &mockKafkaConsumer{queue: []any{
		kafkaMessage(0, 1, "a"),
		kafka.NewError(kafka.ErrTransport, "broker transport failure", false),
	}}
	c, _ := newTestConnector(t, mock)
	s, err := c.Connect(context.Background(), validCredential(t))
	require.NoError(t, err)

	msgs, err := s.Poll(context.Background(), 10, time.Second)
	assert.Len(t, msgs, 1)
	var transient *TransientSourceError
	assert.ErrorAs(t, err, &transient)
}

func TestKafkaSession_PollAuthFailure(t *testing.T) {
	mock := &mockKafkaConsumer{queue: []any{
		kafka.NewError(kafka.ErrSsl, "SSL handshake failed", false),
	}}
	c, _ := newTestConnector(t, mock)
	s, err := c.Connect(context.Background(), validCredential(t))
	require.NoError(t, err)

	_, err = s.Poll(context.Background(), 10, time.Second)
	assert.True(t, IsAuth(err))
}

func TestKafkaSession_CommitAndRewind(t *testing.T) {
	mock := &mockKafkaConsumer{}
	c, _ := newTestConnector(t, mock)
	s, err := c.Connect(context.Background(), validCredential(t))
	require.NoError(t, err)

	require.NoError(t, s.Commit([]types.Offset{{Topic: testTopic, Partition: 0, Offset: 41}}))
	require.Len(t, mock.commits, 1)
	assert.Equal(t, kafka.Offset(42), mock.commits[0][0].Offset, "commits the next offset to read")

	require.NoError(t, s.Rewind([]types.Offset{{Topic: testTopic, Partition: 2, Offset: 7}}))
	require.Len(t, mock.seeks, 1)
	assert.Equal(t, int32(2), mock.seeks[0].Partition)
	assert.Equal(t, kafka.Offset(7), mock.seeks[0].Offset)

	mock.commitErr = kafka.NewError(kafka.ErrGroupAuthorizationFailed, "group authorization failed", false)
	assert.True(t, IsAuth(s.Commit([]types.Offset{{Topic: testTopic, Partition: 0, Offset: 42}})))

	require.NoError(t, s.Close())
	assert.True(t, mock.closed)
}

func TestClassifyKafkaError(t *testing.T) {
	assert.True(t, IsAuth(classifyKafkaError(kafka.NewError(kafka.ErrAuthentication, "auth", false))))
	assert.True(t, IsAuth(classifyKafkaError(kafka.NewError(kafka.ErrAllBrokersDown, "ssl://b:9094: SSL handshake failed: certificate expired", false))))
	assert.False(t, IsAuth(classifyKafkaError(kafka.NewError(kafka.ErrAllBrokersDown, "1/1 brokers are down", false))))
	assert.False(t, IsAuth(classifyKafkaError(errors.New("boom"))))
}

func TestClientConfigMap_Plaintext(t *testing.T) {
	cm := ClientConfigMap("localhost:9092", "PLAINTEXT", nil)
	assert.Equal(t, "PLAINTEXT", cm["security.protocol"])
	_, hasCert := cm["ssl.certificate.pem"]
	assert.False(t, hasCert)
}
