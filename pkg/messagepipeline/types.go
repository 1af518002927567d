package messagepipeline

import (
	"context"
	"time"

	"github.com/illmade-knight/go-otlp-ingest/pkg/secrets"
	"github.com/illmade-knight/go-otlp-ingest/pkg/types"
)

// SourceSession is one authenticated session on the source broker. It is
// used only by the poll goroutine.
type SourceSession interface {
	// Poll returns up to batchSize messages within maxWait. Messages already
	// read are returned alongside any error.
	Poll(ctx context.Context, batchSize int, maxWait time.Duration) ([]types.ConsumedMessage, error)
	// Commit records each offset as the last one durably handled on its
	// partition.
	Commit(offsets []types.Offset) error
	// Rewind seeks partitions back so the given offsets are read again.
	Rewind(offsets []types.Offset) error
	Close() error
}

// SourceConnector opens sessions with a client credential.
type SourceConnector interface {
	Connect(ctx context.Context, cred *secrets.ClientCredential) (SourceSession, error)
}

// ConnectorFunc adapts a function to SourceConnector.
type ConnectorFunc func(ctx context.Context, cred *secrets.ClientCredential) (SourceSession, error)

func (f ConnectorFunc) Connect(ctx context.Context, cred *secrets.ClientCredential) (SourceSession, error) {
	return f(ctx, cred)
}

// CredentialSource provides the current client credential and signals when
// it has been rotated.
type CredentialSource interface {
	Current(ctx context.Context) (*secrets.ClientCredential, error)
	Changes() <-chan struct{}
}

// MessageProcessor receives transformed payloads. It settles every item by
// calling the Ack or Nack of its OriginalMessage exactly once.
type MessageProcessor[T any] interface {
	// Add hands over items without waiting for them to be persisted.
	Add(items ...*types.BatchedMessage[T])
	// Start begins the processor's background work.
	Start()
	// Stop settles everything already added, giving up at ctx's deadline.
	Stop(ctx context.Context) error
	// Saturated reports that no more items should be read until some of
	// those already added have been settled.
	Saturated() bool
}

// MessageTransformer turns one consumed message into zero or more payloads.
// An error means the message as a whole cannot be processed.
type MessageTransformer[T any] func(msg types.ConsumedMessage) ([]*T, error)
