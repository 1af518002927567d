package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const envPrefix = "OTLP_INGEST_"

// applyEnv overlays OTLP_INGEST_* variables on top of the file values.
func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"LOG_LEVEL":               &c.LogLevel,
		"KAFKA_BOOTSTRAP_SERVERS": &c.Kafka.BootstrapServers,
		"KAFKA_TOPIC":             &c.Kafka.Topic,
		"KAFKA_GROUP_ID":          &c.Kafka.GroupID,
		"KAFKA_SECURITY_PROTOCOL": &c.Kafka.SecurityProtocol,
		"CREDENTIALS_SOURCE":      &c.Credentials.Source,
		"TLS_CERT_FILE":           &c.Credentials.CertFile,
		"TLS_KEY_FILE":            &c.Credentials.KeyFile,
		"TLS_CA_FILE":             &c.Credentials.CAFile,
		"GCP_PROJECT_ID":          &c.Credentials.ProjectID,
		"TLS_CERT_SECRET":         &c.Credentials.CertSecret,
		"TLS_KEY_SECRET":          &c.Credentials.KeySecret,
		"TLS_CA_SECRET":           &c.Credentials.CASecret,
		"SINK_TYPE":               &c.Sink.Type,
		"SNOWFLAKE_ACCOUNT":       &c.Sink.Snowflake.Account,
		"SNOWFLAKE_DATABASE":      &c.Sink.Snowflake.Database,
		"SNOWFLAKE_SCHEMA":        &c.Sink.Snowflake.Schema,
		"SNOWFLAKE_TABLE":         &c.Sink.Snowflake.Table,
		"SNOWFLAKE_WAREHOUSE":     &c.Sink.Snowflake.Warehouse,
		"SNOWFLAKE_ROLE":          &c.Sink.Snowflake.Role,
		"SNOWFLAKE_SECRET_FILE":   &c.Sink.Snowflake.SecretFile,
		"SNOWFLAKE_SECRET_NAME":   &c.Sink.Snowflake.SecretName,
		"BQ_PROJECT_ID":           &c.Sink.BigQuery.ProjectID,
		"BQ_DATASET_ID":           &c.Sink.BigQuery.DatasetID,
		"BQ_TABLE_ID":             &c.Sink.BigQuery.TableID,
		"BQ_CREDENTIALS_FILE":     &c.Sink.BigQuery.CredentialsFile,
		"BACKUP_TYPE":             &c.Backup.Type,
		"BACKUP_BUCKET":           &c.Backup.Bucket,
		"BACKUP_PREFIX":           &c.Backup.Prefix,
		"BACKUP_PROJECT_ID":       &c.Backup.ProjectID,
		"BACKUP_REGION":           &c.Backup.Region,
		"BACKUP_ENDPOINT":         &c.Backup.Endpoint,
		"DEAD_LETTER_TYPE":        &c.DeadLetter.Type,
		"DEAD_LETTER_PROJECT_ID":  &c.DeadLetter.ProjectID,
		"DEAD_LETTER_TOPIC_ID":    &c.DeadLetter.TopicID,
		"METRICS_ADDR":            &c.Metrics.Addr,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"KAFKA_BATCH_SIZE":            &c.Kafka.BatchSize,
		"PIPELINE_NUM_WORKERS":        &c.Pipeline.NumWorkers,
		"PIPELINE_MAX_POLL_FAILURES":  &c.Pipeline.MaxPollFailures,
		"DELIVERY_MAX_BYTES":          &c.Delivery.MaxBytes,
		"DELIVERY_MAX_BUFFERED_BYTES": &c.Delivery.MaxBufferedBytes,
		"SNOWFLAKE_INSERT_CHUNK_SIZE": &c.Sink.Snowflake.InsertChunkSize,
	}
	for name, dst := range ints {
		v, ok := os.LookupEnv(envPrefix + name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"KAFKA_MAX_WAIT":            &c.Kafka.MaxWait,
		"CREDENTIALS_POLL_INTERVAL": &c.Credentials.PollInterval,
		"PIPELINE_BACKOFF_INITIAL":  &c.Pipeline.BackoffInitial,
		"PIPELINE_BACKOFF_MAX":      &c.Pipeline.BackoffMax,
		"DELIVERY_MAX_INTERVAL":     &c.Delivery.MaxInterval,
		"DELIVERY_RETRY_WINDOW":     &c.Delivery.RetryWindow,
		"DELIVERY_DRAIN_TIMEOUT":    &c.Delivery.DrainTimeout,
	}
	for name, dst := range durations {
		v, ok := os.LookupEnv(envPrefix + name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = d
	}

	bools := map[string]*bool{
		"SNOWFLAKE_ENSURE_SCHEMA": &c.Sink.Snowflake.EnsureSchema,
		"BACKUP_USE_PATH_STYLE":   &c.Backup.UsePathStyle,
	}
	for name, dst := range bools {
		v, ok := os.LookupEnv(envPrefix + name)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = b
	}
	return nil
}
