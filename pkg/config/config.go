package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the service configuration. It is read from an optional YAML file
// and then overridden from OTLP_INGEST_* environment variables.
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Delivery    DeliveryConfig    `yaml:"delivery"`
	Sink        SinkConfig        `yaml:"sink"`
	Backup      BackupConfig      `yaml:"backup"`
	DeadLetter  DeadLetterConfig  `yaml:"dead_letter"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type KafkaConfig struct {
	BootstrapServers string `yaml:"bootstrap_servers"`
	Topic            string `yaml:"topic"`
	GroupID          string `yaml:"group_id"`
	// SecurityProtocol is "SSL" (mutual TLS) or "PLAINTEXT" for local brokers.
	SecurityProtocol string        `yaml:"security_protocol"`
	BatchSize        int           `yaml:"batch_size"`
	MaxWait          time.Duration `yaml:"max_wait"`
	SessionTimeout   time.Duration `yaml:"session_timeout"`
}

// CredentialsConfig locates the mTLS client certificate used for Kafka.
type CredentialsConfig struct {
	// Source is "file" or "secretmanager".
	Source       string        `yaml:"source"`
	CertFile     string        `yaml:"cert_file"`
	KeyFile      string        `yaml:"key_file"`
	CAFile       string        `yaml:"ca_file"`
	ProjectID    string        `yaml:"project_id"`
	CertSecret   string        `yaml:"cert_secret"`
	KeySecret    string        `yaml:"key_secret"`
	CASecret     string        `yaml:"ca_secret"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type PipelineConfig struct {
	NumWorkers      int           `yaml:"num_workers"`
	MaxPollFailures int           `yaml:"max_poll_failures"`
	BackoffInitial  time.Duration `yaml:"backoff_initial"`
	BackoffMax      time.Duration `yaml:"backoff_max"`
}

type DeliveryConfig struct {
	MaxBytes int `yaml:"max_bytes"`
	// MaxBufferedBytes pauses polling while this much is sealed or open and
	// not yet delivered.
	MaxBufferedBytes int           `yaml:"max_buffered_bytes"`
	MaxInterval      time.Duration `yaml:"max_interval"`
	RetryWindow      time.Duration `yaml:"retry_window"`
	RetryInitial     time.Duration `yaml:"retry_initial"`
	RetryMax         time.Duration `yaml:"retry_max"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	BackupTimeout    time.Duration `yaml:"backup_timeout"`
	DrainTimeout     time.Duration `yaml:"drain_timeout"`
}

type SinkConfig struct {
	// Type is "snowflake" or "bigquery".
	Type      string          `yaml:"type"`
	Snowflake SnowflakeConfig `yaml:"snowflake"`
	BigQuery  BigQueryConfig  `yaml:"bigquery"`
}

type SnowflakeConfig struct {
	Account   string `yaml:"account"`
	Database  string `yaml:"database"`
	Schema    string `yaml:"schema"`
	Table     string `yaml:"table"`
	Warehouse string `yaml:"warehouse"`
	Role      string `yaml:"role"`
	// SecretFile or SecretName (a Secret Manager secret id) holds the
	// {user, privateKey} document.
	SecretFile      string `yaml:"secret_file"`
	SecretName      string `yaml:"secret_name"`
	InsertChunkSize int    `yaml:"insert_chunk_size"`
	EnsureSchema    bool   `yaml:"ensure_schema"`
}

type BigQueryConfig struct {
	ProjectID       string `yaml:"project_id"`
	DatasetID       string `yaml:"dataset_id"`
	TableID         string `yaml:"table_id"`
	CredentialsFile string `yaml:"credentials_file"`
}

type BackupConfig struct {
	// Type is "gcs" or "s3".
	Type         string `yaml:"type"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	ProjectID    string `yaml:"project_id"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

type DeadLetterConfig struct {
	// Type is "pubsub" or "kafka".
	Type      string `yaml:"type"`
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads the YAML file at path (skipped when path is empty), applies
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Kafka.SecurityProtocol == "" {
		c.Kafka.SecurityProtocol = "SSL"
	}
	if c.Kafka.BatchSize == 0 {
		c.Kafka.BatchSize = 10
	}
	if c.Kafka.MaxWait == 0 {
		c.Kafka.MaxWait = 5 * time.Second
	}
	if c.Kafka.SessionTimeout == 0 {
		c.Kafka.SessionTimeout = 45 * time.Second
	}
	if c.Credentials.Source == "" {
		c.Credentials.Source = "file"
	}
	if c.Credentials.PollInterval == 0 {
		c.Credentials.PollInterval = time.Minute
	}
	if c.Pipeline.NumWorkers == 0 {
		c.Pipeline.NumWorkers = 4
	}
	if c.Pipeline.MaxPollFailures == 0 {
		c.Pipeline.MaxPollFailures = 5
	}
	if c.Pipeline.BackoffInitial == 0 {
		c.Pipeline.BackoffInitial = time.Second
	}
	if c.Pipeline.BackoffMax == 0 {
		c.Pipeline.BackoffMax = 30 * time.Second
	}
	if c.Delivery.MaxBytes == 0 {
		c.Delivery.MaxBytes = 128 << 20
	}
	if c.Delivery.MaxBufferedBytes == 0 {
		c.Delivery.MaxBufferedBytes = 4 * c.Delivery.MaxBytes
	}
	if c.Delivery.MaxInterval == 0 {
		c.Delivery.MaxInterval = 60 * time.Second
	}
	if c.Delivery.RetryWindow == 0 {
		c.Delivery.RetryWindow = 60 * time.Second
	}
	if c.Delivery.RetryInitial == 0 {
		c.Delivery.RetryInitial = 500 * time.Millisecond
	}
	if c.Delivery.RetryMax == 0 {
		c.Delivery.RetryMax = 10 * time.Second
	}
	if c.Delivery.WriteTimeout == 0 {
		c.Delivery.WriteTimeout = 30 * time.Second
	}
	if c.Delivery.BackupTimeout == 0 {
		c.Delivery.BackupTimeout = 2 * time.Minute
	}
	if c.Delivery.DrainTimeout == 0 {
		c.Delivery.DrainTimeout = 90 * time.Second
	}
	if c.Sink.Type == "" {
		c.Sink.Type = "snowflake"
	}
	if c.Sink.Snowflake.Table == "" {
		c.Sink.Snowflake.Table = "ROW_EVENTS"
	}
	if c.Sink.Snowflake.InsertChunkSize == 0 {
		c.Sink.Snowflake.InsertChunkSize = 500
	}
	if c.Backup.Type == "" {
		c.Backup.Type = "gcs"
	}
	if c.DeadLetter.Type == "" {
		c.DeadLetter.Type = "pubsub"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.Kafka.BootstrapServers == "" {
		errs = append(errs, errors.New("kafka.bootstrap_servers is required"))
	}
	if c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required"))
	}
	if c.Kafka.GroupID == "" {
		errs = append(errs, errors.New("kafka.group_id is required"))
	}
	if c.Kafka.SecurityProtocol != "SSL" && c.Kafka.SecurityProtocol != "PLAINTEXT" {
		errs = append(errs, fmt.Errorf("kafka.security_protocol %q is not one of SSL, PLAINTEXT", c.Kafka.SecurityProtocol))
	}

	switch c.Credentials.Source {
	case "file":
		if c.Credentials.CertFile == "" || c.Credentials.KeyFile == "" {
			errs = append(errs, errors.New("credentials.cert_file and credentials.key_file are required for file credentials"))
		}
	case "secretmanager":
		if c.Credentials.ProjectID == "" || c.Credentials.CertSecret == "" || c.Credentials.KeySecret == "" {
			errs = append(errs, errors.New("credentials.project_id, cert_secret and key_secret are required for secretmanager credentials"))
		}
	default:
		errs = append(errs, fmt.Errorf("credentials.source %q is not one of file, secretmanager", c.Credentials.Source))
	}

	switch c.Sink.Type {
	case "snowflake":
		sf := c.Sink.Snowflake
		if sf.Account == "" || sf.Database == "" || sf.Schema == "" || sf.Warehouse == "" {
			errs = append(errs, errors.New("sink.snowflake account, database, schema and warehouse are required"))
		}
		if sf.SecretFile == "" && sf.SecretName == "" {
			errs = append(errs, errors.New("sink.snowflake.secret_file or sink.snowflake.secret_name is required"))
		}
		if sf.SecretName != "" && c.Credentials.ProjectID == "" {
			errs = append(errs, errors.New("credentials.project_id is required to read sink.snowflake.secret_name"))
		}
	case "bigquery":
		bq := c.Sink.BigQuery
		if bq.ProjectID == "" || bq.DatasetID == "" || bq.TableID == "" {
			errs = append(errs, errors.New("sink.bigquery project_id, dataset_id and table_id are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("sink.type %q is not one of snowflake, bigquery", c.Sink.Type))
	}

	if c.Backup.Bucket == "" {
		errs = append(errs, errors.New("backup.bucket is required"))
	}
	switch c.Backup.Type {
	case "gcs", "s3":
	default:
		errs = append(errs, fmt.Errorf("backup.type %q is not one of gcs, s3", c.Backup.Type))
	}

	if c.DeadLetter.TopicID == "" {
		errs = append(errs, errors.New("dead_letter.topic_id is required"))
	}
	switch c.DeadLetter.Type {
	case "pubsub":
		if c.DeadLetter.ProjectID == "" {
			errs = append(errs, errors.New("dead_letter.project_id is required for a pubsub dead-letter topic"))
		}
	case "kafka":
	default:
		errs = append(errs, fmt.Errorf("dead_letter.type %q is not one of pubsub, kafka", c.DeadLetter.Type))
	}

	if c.Delivery.MaxBytes < 0 || c.Delivery.MaxInterval < 0 || c.Delivery.RetryWindow < 0 {
		errs = append(errs, errors.New("delivery limits must not be negative"))
	}
	if c.Delivery.MaxBufferedBytes < c.Delivery.MaxBytes {
		errs = append(errs, errors.New("delivery.max_buffered_bytes must be at least delivery.max_bytes"))
	}
	if c.Kafka.BatchSize < 0 || c.Pipeline.NumWorkers < 0 || c.Pipeline.MaxPollFailures < 0 {
		errs = append(errs, errors.New("kafka.batch_size, pipeline.num_workers and pipeline.max_poll_failures must not be negative"))
	}
	return errors.Join(errs...)
}
