// Package deadletter publishes source messages that could not be turned into
// rows, or whose rows could be neither delivered nor backed up.
package deadletter

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-otlp-ingest/pkg/types"
)

// Reason records why a message was dead-lettered.
type Reason string

const (
	ReasonSourcePollFailed Reason = "source_poll_failed"
	ReasonProcessingFailed Reason = "processing_failed"
	ReasonDeliveryFailed   Reason = "delivery_failed"
)

// Record is one dead-lettered source message with its origin and failure.
type Record struct {
	Topic     string    `json:"topic"`
	Partition int32     `json:"partition"`
	Offset    int64     `json:"offset"`
	Key       []byte    `json:"key,omitempty"`
	Payload   []byte    `json:"payload"`
	Reason    Reason    `json:"reason"`
	Error     string    `json:"error,omitempty"`
	FailedAt  time.Time `json:"failedAt"`
}

// NewRecord builds a Record from a consumed message.
func NewRecord(msg *types.ConsumedMessage, reason Reason, cause error, now time.Time) Record {
	r := Record{
		Topic:     msg.Position.Topic,
		Partition: msg.Position.Partition,
		Offset:    msg.Position.Offset,
		Key:       msg.Key,
		Payload:   msg.Payload,
		Reason:    reason,
		FailedAt:  now.UTC(),
	}
	if cause != nil {
		r.Error = cause.Error()
	}
	return r
}

// Attributes are the record's routing fields as string pairs, used as
// Pub/Sub attributes and Kafka headers.
func (r Record) Attributes() map[string]string {
	return map[string]string{
		"source_topic":     r.Topic,
		"source_partition": strconv.FormatInt(int64(r.Partition), 10),
		"source_offset":    strconv.FormatInt(r.Offset, 10),
		"reason":           string(r.Reason),
		"failed_at":        r.FailedAt.Format(time.RFC3339Nano),
	}
}

// Publisher durably writes records. Publish returns only after the broker
// has confirmed every record, or with an error if any was not confirmed.
type Publisher interface {
	Publish(ctx context.Context, records []Record) error
	Close() error
}

// depth counts records confirmed by the broker over the process lifetime.
// The DLQ is never drained automatically, so this is its growth since start.
type depth struct {
	n atomic.Int64
}

func (d *depth) add(n int) { d.n.Add(int64(n)) }

// Depth returns the number of records this publisher has confirmed.
func (d *depth) Depth() int64 { return d.n.Load() }
