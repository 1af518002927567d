package bqstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/bigquery"
	"github.com/illmade-knight/go-otlp-ingest/pkg/sink"
	"github.com/illmade-knight/go-otlp-ingest/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Config names the destination table.
type Config struct {
	ProjectID       string
	DatasetID       string
	TableID         string
	CredentialsFile string // Optional: ADC is used when empty.
}

// NewClient creates a BigQuery client, from a credentials file when one is
// configured and from Application Default Credentials otherwise.
func NewClient(ctx context.Context, cfg Config, logger zerolog.Logger, opts ...option.ClientOption) (*bigquery.Client, error) {
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		logger.Info().Str("credentials_file", cfg.CredentialsFile).Msg("Using specified credentials file for BigQuery client")
	}
	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	return client, nil
}

// putter is the part of *bigquery.Inserter the writer uses.
type putter interface {
	Put(ctx context.Context, src interface{}) error
}

// Writer streams row batches into a BigQuery table. It implements
// sink.Writer.
type Writer struct {
	inserter putter
	logger   zerolog.Logger
}

// NewWriter connects to the table, creating it from the Row schema with
// daily partitioning on ts if it does not exist.
func NewWriter(ctx context.Context, client *bigquery.Client, cfg Config, logger zerolog.Logger) (*Writer, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	logger = logger.With().Str("component", "BigQueryWriter").
		Str("dataset_id", cfg.DatasetID).Str("table_id", cfg.TableID).Logger()

	table := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	if _, err := table.Metadata(ctx); err != nil {
		var apiErr *googleapi.Error
		if !errors.As(err, &apiErr) || apiErr.Code != http.StatusNotFound {
			return nil, fmt.Errorf("failed to get BigQuery table metadata: %w", err)
		}
		logger.Warn().Msg("BigQuery table not found. Creating it from the row schema.")
		if err := table.Create(ctx, TableMetadata()); err != nil {
			return nil, fmt.Errorf("failed to create BigQuery table %s.%s: %w", cfg.DatasetID, cfg.TableID, err)
		}
	}
	logger.Info().Msg("BigQuery writer ready.")
	return &Writer{inserter: table.Inserter(), logger: logger}, nil
}

// TableMetadata is the schema inferred from Row, partitioned by day on ts.
func TableMetadata() *bigquery.TableMetadata {
	schema, err := bigquery.InferSchema(Row{})
	if err != nil {
		// Row is a fixed type; inference cannot fail at run time.
		panic(err)
	}
	return &bigquery.TableMetadata{
		Schema: schema,
		TimePartitioning: &bigquery.TimePartitioning{
			Type:  bigquery.DayPartitioningType,
			Field: partitionField,
		},
	}
}

// Write streams rows with one Put call.
func (w *Writer) Write(ctx context.Context, rows []*types.RowEvent) error {
	if len(rows) == 0 {
		return nil
	}
	bqRows := make([]*Row, len(rows))
	for i, r := range rows {
		row, err := FromRowEvent(r)
		if err != nil {
			return sink.Nack(sink.ReasonMalformed, fmt.Errorf("row %d: %w", i, err))
		}
		bqRows[i] = row
	}

	if err := w.inserter.Put(ctx, bqRows); err != nil {
		var multiErr bigquery.PutMultiError
		if errors.As(err, &multiErr) {
			for _, rowErr := range multiErr {
				w.logger.Error().Int("row_index", rowErr.RowIndex).Msgf("BigQuery insert error for row: %v", rowErr.Errors)
			}
		}
		nack := classify(err)
		w.logger.Error().Err(err).Int("batch_size", len(rows)).Str("reason", string(sink.ReasonOf(nack))).Msg("Failed to insert rows into BigQuery")
		return nack
	}
	w.logger.Info().Int("batch_size", len(rows)).Msg("Successfully inserted batch into BigQuery")
	return nil
}

// Close is a no-op; the client's lifecycle is managed by the caller.
func (w *Writer) Close() error {
	return nil
}

func classify(err error) error {
	var multiErr bigquery.PutMultiError
	if errors.As(err, &multiErr) {
		return sink.Nack(sink.ReasonMalformed, err)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case rateLimited(apiErr):
			return sink.Nack(sink.ReasonThrottled, err)
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			return sink.Nack(sink.ReasonAuth, err)
		case apiErr.Code == http.StatusTooManyRequests:
			return sink.Nack(sink.ReasonThrottled, err)
		case apiErr.Code == http.StatusBadRequest || apiErr.Code == http.StatusNotFound:
			return sink.Nack(sink.ReasonMalformed, err)
		}
	}
	return sink.Nack(sink.ReasonUnavailable, err)
}

// rateLimited reports quota errors, which BigQuery returns as 403.
func rateLimited(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "quotaExceeded" {
			return true
		}
	}
	return false
}
