package icestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/illmade-knight/go-otlp-ingest/pkg/types"
	"github.com/rs/zerolog"
)

// GCSBackupConfig holds configuration specific to the GCS backup writer.
type GCSBackupConfig struct {
	BucketName   string
	ObjectPrefix string
}

// GCSBackupWriter writes refused batches to GCS as compressed NDJSON. It
// implements sink.BackupWriter.
type GCSBackupWriter struct {
	client GCSClient
	config GCSBackupConfig
	logger zerolog.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

// NewGCSBackupWriter creates a backup writer for a GCS bucket.
func NewGCSBackupWriter(gcsClient GCSClient, config GCSBackupConfig, logger zerolog.Logger) (*GCSBackupWriter, error) {
	if gcsClient == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if config.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &GCSBackupWriter{
		client: gcsClient,
		config: config,
		logger: logger.With().Str("component", "GCSBackupWriter").Str("bucket", config.BucketName).Logger(),
		now:    time.Now,
	}, nil
}

// WriteBackup streams rows into one new object under errorType and returns
// its gs:// location. It does not retry.
func (u *GCSBackupWriter) WriteBackup(ctx context.Context, errorType string, rows []*types.RowEvent) (string, error) {
	if len(rows) == 0 {
		return "", nil
	}
	u.wg.Add(1)
	defer u.wg.Done()

	objectName := newObjectPath(u.config.ObjectPrefix, errorType, u.now())
	u.logger.Info().Str("object_name", objectName).Int("row_count", len(rows)).Msg("Starting backup upload")

	// Cancelling the writer's context before Close aborts the upload, so a
	// failed encode leaves no partial object behind.
	uploadCtx, abort := context.WithCancel(ctx)
	defer abort()
	gcsWriter := u.client.Bucket(u.config.BucketName).Object(objectName).NewWriter(uploadCtx, objectMeta(errorType, len(rows)))
	pr, pw := io.Pipe()

	go func() {
		pw.CloseWithError(EncodeRows(pw, rows))
	}()

	bytesWritten, pipeReadErr := io.Copy(gcsWriter, pr)
	if pipeReadErr != nil {
		// Drain the encoder so its goroutine exits.
		_ = pr.CloseWithError(pipeReadErr)
		abort()
	}
	closeErr := gcsWriter.Close()

	if pipeReadErr != nil {
		return "", fmt.Errorf("failed to stream data for GCS object %s: %w", objectName, pipeReadErr)
	}
	if closeErr != nil {
		return "", fmt.Errorf("failed to close GCS object writer for %s: %w", objectName, closeErr)
	}

	location := fmt.Sprintf("gs://%s/%s", u.config.BucketName, objectName)
	u.logger.Info().Str("object_name", objectName).Int64("bytes_written", bytesWritten).Msg("Backup object written")
	return location, nil
}

// Close waits for in-flight uploads to complete.
func (u *GCSBackupWriter) Close() error {
	u.logger.Info().Msg("Waiting for pending backup uploads to complete...")
	u.wg.Wait()
	return nil
}
