package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/illmade-knight/go-otlp-ingest/pkg/secrets"
	"github.com/illmade-knight/go-otlp-ingest/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var failedAt = time.Date(2026, 1, 17, 10, 45, 0, 0, time.UTC)

func testMessage(offset int64) *types.ConsumedMessage {
	return &types.ConsumedMessage{
		Position: types.Offset{Topic: "lm.metrics.otlp", Partition: 3, Offset: offset},
		Key:      []byte("org-7f3a"),
		Payload:  []byte(`{"resourceMetrics":[`),
	}
}

func TestNewRecord(t *testing.T) {
	r := NewRecord(testMessage(7), ReasonProcessingFailed, errors.New("unexpected end of JSON input"), failedAt)
	assert.Equal(t, "lm.metrics.otlp", r.Topic)
	assert.Equal(t, int32(3), r.Partition)
	assert.Equal(t, int64(7), r.Offset)
	assert.Equal(t, "unexpected end of JSON input", r.Error)
	assert.Equal(t, []byte(`{"resourceMetrics":[`), r.Payload)

	attrs := r.Attributes()
	assert.Equal(t, "3", attrs["source_partition"])
	assert.Equal(t, "7", attrs["source_offset"])
	assert.Equal(t, "processing_failed", attrs["reason"])

	assert.Empty(t, NewRecord(testMessage(1), ReasonSourcePollFailed, nil, failedAt).Error)
}

func setupPubsub(t *testing.T, topicID string) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { srv.Close() })

	opts := []option.ClientOption{
		option.WithEndpoint(srv.Addr),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		option.WithoutAuthentication(),
	}
	client, err := pubsub.NewClient(ctx, "dlq-test-project", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	if topicID != "" {
		_, err = client.CreateTopic(ctx, topicID)
		require.NoError(t, err)
	}
	return srv, client
}

func TestPubSubPublisher_Publish(t *testing.T) {
	ctx := context.Background()
	srv, client := setupPubsub(t, "otlp-dlq")

	p, err := NewPubSubPublisher(ctx, client, "otlp-dlq", zerolog.Nop())
	require.NoError(t, err)
	defer p.Close()

	records := []Record{
		NewRecord(testMessage(1), ReasonDeliveryFailed, errors.New("backup write failed"), failedAt),
		NewRecord(testMessage(2), ReasonDeliveryFailed, errors.New("backup write failed"), failedAt),
	}
	require.NoError(t, p.Publish(ctx, records))
	assert.Equal(t, int64(2), p.Depth())

	msgs := srv.Messages()
	require.Len(t, msgs, 2)
	byOffset := map[string]*pstest.Message{}
	for _, m := range msgs {
		byOffset[m.Attributes["source_offset"]] = m
	}
	require.Contains(t, byOffset, "2")
	assert.Equal(t, "delivery_failed", byOffset["2"].Attributes["reason"])

	var got Record
	require.NoError(t, json.Unmarshal(byOffset["2"].Data, &got))
	assert.Equal(t, records[1], got)
}

func TestNewPubSubPublisher_MissingTopic(t *testing.T) {
	_, client := setupPubsub(t, "")
	_, err := NewPubSubPublisher(context.Background(), client, "absent", zerolog.Nop())
	assert.ErrorContains(t, err, "does not exist")
}

// fakeProducer acknowledges each produced message on the delivery channel.
type fakeProducer struct {
	mu         sync.Mutex
	messages   []*kafka.Message
	produceErr error
	deliverErr error
	silent     bool
	closed     bool
}

func (f *fakeProducer) Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.produceErr != nil {
		return f.produceErr
	}
	f.messages = append(f.messages, msg)
	if !f.silent {
		report := *msg
		report.TopicPartition.Error = f.deliverErr
		deliveryChan <- &report
	}
	return nil
}

func (f *fakeProducer) Flush(int) int { return 0 }

func (f *fakeProducer) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

// rotatingCreds returns whichever credential was set last.
type rotatingCreds struct {
	mu   sync.Mutex
	cred *secrets.ClientCredential
}

func (r *rotatingCreds) Current(context.Context) (*secrets.ClientCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cred, nil
}

func (r *rotatingCreds) set(cert string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cred = &secrets.ClientCredential{CertPEM: []byte(cert), KeyPEM: []byte("key-" + cert)}
}

// producerFactory hands out the given producers in order and records the
// config each was built with.
type producerFactory struct {
	producers []*fakeProducer
	configs   []kafka.ConfigMap
}

func (f *producerFactory) build(cm *kafka.ConfigMap) (producer, error) {
	f.configs = append(f.configs, *cm)
	if len(f.producers) == 0 {
		return nil, errors.New("no producer left")
	}
	p := f.producers[0]
	f.producers = f.producers[1:]
	return p, nil
}

func sslConfig(cred *secrets.ClientCredential) kafka.ConfigMap {
	cm := kafka.ConfigMap{"bootstrap.servers": "broker:9094", "security.protocol": "SSL"}
	if cred != nil {
		cm["ssl.certificate.pem"] = string(cred.CertPEM)
	}
	return cm
}

func newTestKafkaPublisher(t *testing.T, producers ...*fakeProducer) (*KafkaPublisher, *rotatingCreds, *producerFactory) {
	t.Helper()
	creds := &rotatingCreds{}
	creds.set("cert-1")
	factory := &producerFactory{producers: producers}
	p, err := newKafkaPublisher(context.Background(), KafkaConfig{Topic: "otlp-dlq", ConfigMap: sslConfig}, creds, factory.build, zerolog.Nop())
	require.NoError(t, err)
	return p, creds, factory
}

func TestKafkaPublisher_Publish(t *testing.T) {
	fp := &fakeProducer{}
	p, _, factory := newTestKafkaPublisher(t, fp)

	require.Len(t, factory.configs, 1)
	assert.Equal(t, "all", factory.configs[0]["acks"])
	assert.Equal(t, true, factory.configs[0]["enable.idempotence"])
	assert.Equal(t, "cert-1", factory.configs[0]["ssl.certificate.pem"])

	records := []Record{NewRecord(testMessage(4), ReasonSourcePollFailed, errors.New("broker down"), failedAt)}
	require.NoError(t, p.Publish(context.Background(), records))
	assert.Equal(t, int64(1), p.Depth())

	require.Len(t, fp.messages, 1)
	msg := fp.messages[0]
	assert.Equal(t, "otlp-dlq", *msg.TopicPartition.Topic)
	assert.Equal(t, []byte("org-7f3a"), msg.Key)
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "source_poll_failed", headers["reason"])
	assert.Equal(t, "4", headers["source_offset"])

	require.NoError(t, p.Close())
	assert.True(t, fp.closed)
}

func TestKafkaPublisher_RebuildsProducerAfterRotation(t *testing.T) {
	first, second := &fakeProducer{}, &fakeProducer{}
	p, creds, factory := newTestKafkaPublisher(t, first, second)
	record := []Record{NewRecord(testMessage(1), ReasonDeliveryFailed, nil, failedAt)}

	require.NoError(t, p.Publish(context.Background(), record))
	require.NoError(t, p.Publish(context.Background(), record))
	assert.Len(t, factory.configs, 1, "same credential reuses the producer")

	creds.set("cert-2")
	require.NoError(t, p.Publish(context.Background(), record))

	require.Len(t, factory.configs, 2)
	assert.Equal(t, "cert-2", factory.configs[1]["ssl.certificate.pem"])
	assert.True(t, first.closed)
	assert.Len(t, first.messages, 2)
	assert.Len(t, second.messages, 1)
	assert.Equal(t, int64(3), p.Depth())
}

func TestKafkaPublisher_RebuildFailureKeepsPublishFailing(t *testing.T) {
	p, creds, _ := newTestKafkaPublisher(t, &fakeProducer{})

	creds.set("cert-2")
	err := p.Publish(context.Background(), []Record{NewRecord(testMessage(1), ReasonDeliveryFailed, nil, failedAt)})
	assert.ErrorContains(t, err, "no producer left")
}

func TestKafkaPublisher_DeliveryFailure(t *testing.T) {
	p, _, _ := newTestKafkaPublisher(t, &fakeProducer{deliverErr: kafka.NewError(kafka.ErrMsgTimedOut, "message timed out", false)})

	err := p.Publish(context.Background(), []Record{NewRecord(testMessage(1), ReasonDeliveryFailed, nil, failedAt)})
	assert.ErrorContains(t, err, "delivery failed")
	assert.Equal(t, int64(0), p.Depth())
}

func TestKafkaPublisher_ProduceError(t *testing.T) {
	p, _, _ := newTestKafkaPublisher(t, &fakeProducer{produceErr: errors.New("queue full")})

	err := p.Publish(context.Background(), []Record{NewRecord(testMessage(1), ReasonDeliveryFailed, nil, failedAt)})
	assert.ErrorContains(t, err, "queue full")
}

func TestKafkaPublisher_ContextExpiresWaitingForReports(t *testing.T) {
	p, _, _ := newTestKafkaPublisher(t, &fakeProducer{silent: true})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Publish(ctx, []Record{NewRecord(testMessage(1), ReasonDeliveryFailed, nil, failedAt)})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewKafkaPublisher_Validation(t *testing.T) {
	factory := &producerFactory{}
	_, err := newKafkaPublisher(context.Background(), KafkaConfig{ConfigMap: sslConfig}, &rotatingCreds{}, factory.build, zerolog.Nop())
	assert.ErrorContains(t, err, "topic")
	_, err = newKafkaPublisher(context.Background(), KafkaConfig{Topic: "otlp-dlq"}, &rotatingCreds{}, factory.build, zerolog.Nop())
	assert.Error(t, err)
}
