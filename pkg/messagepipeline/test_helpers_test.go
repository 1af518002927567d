package messagepipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/illmade-knight/go-otlp-ingest/pkg/deadletter"
	"github.com/illmade-knight/go-otlp-ingest/pkg/secrets"
	"github.com/illmade-knight/go-otlp-ingest/pkg/types"
)

const testTopic = "otlp-metrics"

func msgAt(partition int32, offset int64, payload string) types.ConsumedMessage {
	pos := types.Offset{Topic: testTopic, Partition: partition, Offset: offset}
	return types.ConsumedMessage{ID: pos.String(), Position: pos, Payload: []byte(payload)}
}

// byteTransformer yields one row per payload byte and fails on "bad".
func byteTransformer(msg types.ConsumedMessage) ([]*string, error) {
	if string(msg.Payload) == "bad" {
		return nil, errors.New("unparseable bundle")
	}
	out := make([]*string, len(msg.Payload))
	for i := range msg.Payload {
		s := string(msg.Payload[i])
		out[i] = &s
	}
	return out, nil
}

// --- Mock Source ---

type pollResult struct {
	msgs []types.ConsumedMessage
	err  error
}

type mockSession struct {
	mu        sync.Mutex
	polls     []pollResult
	commits   [][]types.Offset
	rewinds   [][]types.Offset
	commitErr error
	closed    bool
	pollCalls int
}

func newMockSession(polls ...pollResult) *mockSession {
	return &mockSession{polls: polls}
}

func (m *mockSession) Poll(ctx context.Context, _ int, maxWait time.Duration) ([]types.ConsumedMessage, error) {
	m.mu.Lock()
	m.pollCalls++
	if len(m.polls) > 0 {
		r := m.polls[0]
		m.polls = m.polls[1:]
		m.mu.Unlock()
		return r.msgs, r.err
	}
	m.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(maxWait):
		return nil, nil
	}
}

func (m *mockSession) Commit(offsets []types.Offset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	m.commits = append(m.commits, append([]types.Offset(nil), offsets...))
	return nil
}

func (m *mockSession) Rewind(offsets []types.Offset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rewinds = append(m.rewinds, append([]types.Offset(nil), offsets...))
	return nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// lastCommitted returns the highest offset committed on the partition, or -1.
func (m *mockSession) lastCommitted(partition int32) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := int64(-1)
	for _, batch := range m.commits {
		for _, o := range batch {
			if o.Partition == partition && o.Offset > last {
				last = o.Offset
			}
		}
	}
	return last
}

func (m *mockSession) commitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.commits)
}

func (m *mockSession) getRewinds() [][]types.Offset {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]types.Offset(nil), m.rewinds...)
}

func (m *mockSession) pollCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pollCalls
}

func (m *mockSession) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type mockConnector struct {
	mu       sync.Mutex
	sessions []*mockSession
	errs     []error
	connects int
}

func (m *mockConnector) Connect(_ context.Context, _ *secrets.ClientCredential) (SourceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(m.sessions) == 0 {
		return newMockSession(), nil
	}
	s := m.sessions[0]
	m.sessions = m.sessions[1:]
	return s, nil
}

func (m *mockConnector) connectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

type mockCreds struct {
	changes chan struct{}
}

func newMockCreds() *mockCreds {
	return &mockCreds{changes: make(chan struct{}, 1)}
}

func (m *mockCreds) Current(context.Context) (*secrets.ClientCredential, error) {
	return &secrets.ClientCredential{CertPEM: []byte("cert"), KeyPEM: []byte("key")}, nil
}

func (m *mockCreds) Changes() <-chan struct{} { return m.changes }

// --- Mock Processor ---

// mockProcessor settles items as they arrive according to ack, or holds
// them when ack is nil. Held items are acked on Stop.
type mockProcessor struct {
	mu        sync.Mutex
	ack       func(item *types.BatchedMessage[string]) bool
	items     []*types.BatchedMessage[string]
	held      []*types.BatchedMessage[string]
	started   bool
	stopped   bool
	saturated bool
}

func (m *mockProcessor) Add(items ...*types.BatchedMessage[string]) {
	m.mu.Lock()
	m.items = append(m.items, items...)
	ack := m.ack
	if ack == nil {
		m.held = append(m.held, items...)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	for _, item := range items {
		if ack(item) {
			item.OriginalMessage.Ack()
		} else {
			item.OriginalMessage.Nack()
		}
	}
}

func (m *mockProcessor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
}

func (m *mockProcessor) Stop(context.Context) error {
	m.mu.Lock()
	held := m.held
	m.held = nil
	m.stopped = true
	m.mu.Unlock()
	for _, item := range held {
		item.OriginalMessage.Ack()
	}
	return nil
}

// release acks the held items whose payload matches.
func (m *mockProcessor) release(payload string) {
	m.mu.Lock()
	var keep, settle []*types.BatchedMessage[string]
	for _, item := range m.held {
		if *item.Payload == payload {
			settle = append(settle, item)
		} else {
			keep = append(keep, item)
		}
	}
	m.held = keep
	m.mu.Unlock()
	for _, item := range settle {
		item.OriginalMessage.Ack()
	}
}

func (m *mockProcessor) Saturated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saturated
}

func (m *mockProcessor) setSaturated(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saturated = v
}

func (m *mockProcessor) itemCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *mockProcessor) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func ackAll(*types.BatchedMessage[string]) bool { return true }

// --- Mock Dead-letter Queue ---

type mockDLQ struct {
	mu       sync.Mutex
	records  []deadletter.Record
	attempts int
	err      error
}

func (m *mockDLQ) Publish(_ context.Context, records []deadletter.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, records...)
	return nil
}

func (m *mockDLQ) Close() error { return nil }

func (m *mockDLQ) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *mockDLQ) getRecords() []deadletter.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]deadletter.Record(nil), m.records...)
}

func (m *mockDLQ) attemptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}
