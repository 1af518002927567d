package loadgen

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProducer struct {
	mu          sync.Mutex
	sent        []*kafka.Message
	deliveryErr error
	produceErr  error
	silent      bool
	closed      bool
}

func (f *fakeProducer) Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.produceErr != nil {
		return f.produceErr
	}
	f.sent = append(f.sent, msg)
	if !f.silent {
		report := *msg
		report.TopicPartition.Error = f.deliveryErr
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

type staticPayload []byte

func (s staticPayload) GeneratePayload(*Device) ([]byte, error) { return s, nil }

func newTestClient(t *testing.T, fp *fakeProducer) *KafkaClient {
	t.Helper()
	c, err := NewKafkaClient(KafkaClientConfig{BootstrapServers: "localhost:9092", Topic: "otlp-metrics", SecurityProtocol: "PLAINTEXT"}, nil, zerolog.Nop())
	require.NoError(t, err)
	c.newProducer = func(cm *kafka.ConfigMap) (producer, error) {
		v, _ := cm.Get("security.protocol", "")
		assert.Equal(t, "PLAINTEXT", v)
		return fp, nil
	}
	require.NoError(t, c.Connect())
	return c
}

func TestKafkaClient_Publish(t *testing.T) {
	fp := &fakeProducer{}
	c := newTestClient(t, fp)
	device := &Device{ID: "dev-1", PayloadGenerator: staticPayload(`{"resourceMetrics":[]}`)}

	require.NoError(t, c.Publish(context.Background(), device))
	require.Len(t, fp.sent, 1)
	assert.Equal(t, []byte("dev-1"), fp.sent[0].Key)
	assert.Equal(t, "otlp-metrics", *fp.sent[0].TopicPartition.Topic)
	assert.JSONEq(t, `{"resourceMetrics":[]}`, string(fp.sent[0].Value))

	c.Disconnect()
	assert.True(t, fp.closed)
}

func TestKafkaClient_PublishErrors(t *testing.T) {
	device := &Device{ID: "dev-1", PayloadGenerator: staticPayload(`{}`)}

	t.Run("delivery failure", func(t *testing.T) {
		c := newTestClient(t, &fakeProducer{deliveryErr: kafka.NewError(kafka.ErrMsgTimedOut, "timed out", false)})
		assert.Error(t, c.Publish(context.Background(), device))
	})

	t.Run("produce failure", func(t *testing.T) {
		c := newTestClient(t, &fakeProducer{produceErr: errors.New("queue full")})
		assert.ErrorContains(t, c.Publish(context.Background(), device), "queue full")
	})

	t.Run("context expires before delivery", func(t *testing.T) {
		c := newTestClient(t, &fakeProducer{silent: true})
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, c.Publish(ctx, device), context.DeadlineExceeded)
	})

	t.Run("not connected", func(t *testing.T) {
		c, err := NewKafkaClient(KafkaClientConfig{BootstrapServers: "b", Topic: "t"}, nil, zerolog.Nop())
		require.NoError(t, err)
		assert.Error(t, c.Publish(context.Background(), device))
	})
}
