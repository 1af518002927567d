package icestore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// --- Mock GCS Client Components ---

// mockGCSWriter writes to an in-memory buffer. Like the real writer, a
// Close after its context is cancelled aborts instead of finalizing.
type mockGCSWriter struct {
	ctx       context.Context
	buf       bytes.Buffer
	closed    bool
	finalized bool
	closeErr  error
}

func (m *mockGCSWriter) Write(p []byte) (n int, err error) {
	if m.closed {
		return 0, errors.New("write on closed writer")
	}
	return m.buf.Write(p)
}

func (m *mockGCSWriter) Close() error {
	if m.closed {
		return errors.New("already closed")
	}
	m.closed = true
	if m.ctx != nil && m.ctx.Err() != nil {
		return m.ctx.Err()
	}
	if m.closeErr != nil {
		return m.closeErr
	}
	m.finalized = true
	return nil
}

type mockGCSObjectHandle struct {
	writer *mockGCSWriter
	meta   ObjectMeta
}

func (m *mockGCSObjectHandle) NewWriter(ctx context.Context, meta ObjectMeta) GCSWriter {
	m.meta = meta
	m.writer.ctx = ctx
	return m.writer
}

// mockGCSBucketHandle stores created objects in a map.
type mockGCSBucketHandle struct {
	sync.Mutex
	objects  map[string]*mockGCSObjectHandle
	closeErr error
}

func (m *mockGCSBucketHandle) Object(name string) GCSObjectHandle {
	m.Lock()
	defer m.Unlock()
	if m.objects == nil {
		m.objects = make(map[string]*mockGCSObjectHandle)
	}
	if _, ok := m.objects[name]; !ok {
		m.objects[name] = &mockGCSObjectHandle{writer: &mockGCSWriter{closeErr: m.closeErr}}
	}
	return m.objects[name]
}

type mockGCSClient struct {
	bucket *mockGCSBucketHandle
	names  []string
}

func newMockGCSClient() *mockGCSClient {
	return &mockGCSClient{bucket: &mockGCSBucketHandle{}}
}

func (m *mockGCSClient) Bucket(name string) GCSBucketHandle {
	m.names = append(m.names, name)
	return m.bucket
}

// --- Mock S3 Client ---

type mockS3 struct {
	mu     sync.Mutex
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (m *mockS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.inputs = append(m.inputs, in)
	m.bodies = append(m.bodies, body)
	return &s3.PutObjectOutput{}, nil
}
