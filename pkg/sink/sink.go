// Package sink defines the contract between the delivery buffer and the
// warehouse and backup writers.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/illmade-knight/go-otlp-ingest/pkg/types"
)

// Reason classifies why the destination refused a write.
type Reason string

const (
	ReasonAuth        Reason = "auth"
	ReasonThrottled   Reason = "throttled"
	ReasonMalformed   Reason = "malformed"
	ReasonUnavailable Reason = "unavailable"
)

// Retryable reports whether a write refused for this reason may succeed
// if attempted again later.
func (r Reason) Retryable() bool {
	return r != ReasonMalformed
}

// NackError is the refusal of a write by the destination.
type NackError struct {
	Reason Reason
	Err    error
}

func (e *NackError) Error() string {
	return fmt.Sprintf("sink nack (%s): %v", e.Reason, e.Err)
}

func (e *NackError) Unwrap() error { return e.Err }

// Nack wraps err as a NackError with the given reason.
func Nack(reason Reason, err error) error {
	return &NackError{Reason: reason, Err: err}
}

// ReasonOf extracts the Nack reason from err. Errors that carry no reason
// are treated as the destination being unavailable.
func ReasonOf(err error) Reason {
	var nack *NackError
	if errors.As(err, &nack) {
		return nack.Reason
	}
	return ReasonUnavailable
}

// Writer delivers rows to the destination table. A nil error means the rows
// are committed at the destination.
type Writer interface {
	Write(ctx context.Context, rows []*types.RowEvent) error
	Close() error
}

// BackupWriter persists rows the destination refused, grouped by errorType.
// It returns the location of the object it wrote.
type BackupWriter interface {
	WriteBackup(ctx context.Context, errorType string, rows []*types.RowEvent) (string, error)
	Close() error
}

// BackupWriteError means rows could be neither delivered nor backed up.
type BackupWriteError struct {
	ErrorType string
	Rows      int
	Err       error
}

func (e *BackupWriteError) Error() string {
	return fmt.Sprintf("backup write of %d %s rows failed: %v", e.Rows, e.ErrorType, e.Err)
}

func (e *BackupWriteError) Unwrap() error { return e.Err }
