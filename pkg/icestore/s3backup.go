package icestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/illmade-knight/go-otlp-ingest/pkg/types"
	"github.com/rs/zerolog"
)

// S3API is the part of *s3.Client the backup writer uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3BackupConfig holds configuration specific to the S3 backup writer.
type S3BackupConfig struct {
	Bucket       string
	ObjectPrefix string
	Region       string
	// Endpoint overrides the AWS endpoint, e.g. for MinIO.
	Endpoint     string
	UsePathStyle bool
}

// NewS3Client builds an S3 client from the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg S3BackupConfig) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// S3BackupWriter writes refused batches to S3 as compressed NDJSON. It
// implements sink.BackupWriter.
type S3BackupWriter struct {
	client S3API
	config S3BackupConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewS3BackupWriter creates a backup writer for an S3 bucket.
func NewS3BackupWriter(client S3API, config S3BackupConfig, logger zerolog.Logger) (*S3BackupWriter, error) {
	if client == nil {
		return nil, errors.New("S3 client cannot be nil")
	}
	if config.Bucket == "" {
		return nil, errors.New("S3 bucket name is required")
	}
	return &S3BackupWriter{
		client: client,
		config: config,
		logger: logger.With().Str("component", "S3BackupWriter").Str("bucket", config.Bucket).Logger(),
		now:    time.Now,
	}, nil
}

// WriteBackup uploads rows as one new object under errorType and returns its
// s3:// location. It does not retry beyond the SDK's own request retries.
func (w *S3BackupWriter) WriteBackup(ctx context.Context, errorType string, rows []*types.RowEvent) (string, error) {
	if len(rows) == 0 {
		return "", nil
	}
	key := newObjectPath(w.config.ObjectPrefix, errorType, w.now())

	var buf bytes.Buffer
	if err := EncodeRows(&buf, rows); err != nil {
		return "", fmt.Errorf("failed to encode backup object %s: %w", key, err)
	}
	meta := objectMeta(errorType, len(rows))
	_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(w.config.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(int64(buf.Len())),
		ContentType:   aws.String(meta.ContentType),
		Metadata:      meta.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("failed to put S3 object %s: %w", key, err)
	}

	location := fmt.Sprintf("s3://%s/%s", w.config.Bucket, key)
	w.logger.Info().Str("object_key", key).Int("row_count", len(rows)).Int("bytes_written", buf.Len()).Msg("Backup object written")
	return location, nil
}

// Close is a no-op; S3 uploads complete synchronously.
func (w *S3BackupWriter) Close() error {
	return nil
}
