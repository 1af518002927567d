package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/illmade-knight/go-otlp-ingest/pkg/bqstore"
	"github.com/illmade-knight/go-otlp-ingest/pkg/config"
	"github.com/illmade-knight/go-otlp-ingest/pkg/consumers"
	"github.com/illmade-knight/go-otlp-ingest/pkg/deadletter"
	"github.com/illmade-knight/go-otlp-ingest/pkg/icestore"
	"github.com/illmade-knight/go-otlp-ingest/pkg/messagepipeline"
	"github.com/illmade-knight/go-otlp-ingest/pkg/metrics"
	"github.com/illmade-knight/go-otlp-ingest/pkg/secrets"
	"github.com/illmade-knight/go-otlp-ingest/pkg/sink"
	"github.com/illmade-knight/go-otlp-ingest/pkg/snowflake"
	"github.com/rs/zerolog"
)

type credentials struct {
	watcher *secrets.Watcher
	sink    secrets.SinkSource
	closers []func() error
}

func (c *credentials) close() {
	for _, fn := range c.closers {
		_ = fn()
	}
}

// ownedClosers closes everything added to it unless ownership has been
// released to a component that closes them itself.
type ownedClosers struct {
	mu       sync.Mutex
	closers  []io.Closer
	released bool
	logger   zerolog.Logger
}

func newOwnedClosers(logger zerolog.Logger) *ownedClosers {
	return &ownedClosers{logger: logger}
}

func (o *ownedClosers) add(c io.Closer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closers = append(o.closers, c)
}

func (o *ownedClosers) release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.released = true
}

func (o *ownedClosers) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released {
		return
	}
	for i := len(o.closers) - 1; i >= 0; i-- {
		if err := o.closers[i].Close(); err != nil {
			o.logger.Warn().Err(err).Msg("Error closing writer")
		}
	}
	o.closers = nil
}

// newCredentials builds the rotating client credential watcher and the
// warehouse secret source.
func newCredentials(ctx context.Context, cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics) (*credentials, error) {
	cc := cfg.Credentials
	creds := &credentials{}

	var sm *secrets.SecretManagerSource
	switch cc.Source {
	case "file":
		fs := &secrets.FileSource{CertFile: cc.CertFile, KeyFile: cc.KeyFile, CAFile: cc.CAFile}
		creds.watcher = secrets.NewWatcher(fs, cc.PollInterval, logger, m, fs.WatchedFiles()...)
	case "secretmanager":
		var err error
		sm, err = secrets.NewSecretManagerSource(ctx, cc.ProjectID, secrets.SecretNames{
			Cert: cc.CertSecret,
			Key:  cc.KeySecret,
			CA:   cc.CASecret,
			Sink: cfg.Sink.Snowflake.SecretName,
		})
		if err != nil {
			return nil, err
		}
		creds.closers = append(creds.closers, sm.Close)
		creds.watcher = secrets.NewWatcher(sm, cc.PollInterval, logger, m)
	default:
		return nil, fmt.Errorf("unknown credentials source %q", cc.Source)
	}

	if cfg.Sink.Type != "snowflake" {
		return creds, nil
	}
	sf := cfg.Sink.Snowflake
	switch {
	case sf.SecretFile != "":
		creds.sink = &secrets.FileSource{SinkFile: sf.SecretFile}
	case sm != nil:
		creds.sink = sm
	default:
		sinkSM, err := secrets.NewSecretManagerSource(ctx, cc.ProjectID, secrets.SecretNames{Sink: sf.SecretName})
		if err != nil {
			creds.close()
			return nil, err
		}
		creds.closers = append(creds.closers, sinkSM.Close)
		creds.sink = sinkSM
	}
	return creds, nil
}

func newSinkWriter(ctx context.Context, cfg *config.Config, creds *credentials, logger zerolog.Logger) (sink.Writer, error) {
	switch cfg.Sink.Type {
	case "snowflake":
		sf := cfg.Sink.Snowflake
		sfCfg := snowflake.Config{
			Account:         sf.Account,
			Database:        sf.Database,
			Schema:          sf.Schema,
			Table:           sf.Table,
			Warehouse:       sf.Warehouse,
			Role:            sf.Role,
			InsertChunkSize: sf.InsertChunkSize,
		}
		w, err := snowflake.NewWriter(ctx, sfCfg, creds.sink, logger)
		if err != nil {
			return nil, err
		}
		if sf.EnsureSchema {
			db, err := w.DB(ctx)
			if err == nil {
				err = snowflake.EnsureSchema(ctx, db, sfCfg, logger)
			}
			if err != nil {
				_ = w.Close()
				return nil, err
			}
		}
		return w, nil
	case "bigquery":
		bq := cfg.Sink.BigQuery
		bqCfg := bqstore.Config{ProjectID: bq.ProjectID, DatasetID: bq.DatasetID, TableID: bq.TableID, CredentialsFile: bq.CredentialsFile}
		client, err := bqstore.NewClient(ctx, bqCfg, logger)
		if err != nil {
			return nil, err
		}
		return bqstore.NewWriter(ctx, client, bqCfg, logger)
	}
	return nil, fmt.Errorf("unknown sink type %q", cfg.Sink.Type)
}

func newBackupWriter(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (sink.BackupWriter, error) {
	b := cfg.Backup
	switch b.Type {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage.NewClient: %w", err)
		}
		return icestore.NewGCSBackupWriter(icestore.NewGCSClientAdapter(client), icestore.GCSBackupConfig{
			BucketName:   b.Bucket,
			ObjectPrefix: b.Prefix,
		}, logger)
	case "s3":
		s3Cfg := icestore.S3BackupConfig{
			Bucket:       b.Bucket,
			ObjectPrefix: b.Prefix,
			Region:       b.Region,
			Endpoint:     b.Endpoint,
			UsePathStyle: b.UsePathStyle,
		}
		client, err := icestore.NewS3Client(ctx, s3Cfg)
		if err != nil {
			return nil, err
		}
		return icestore.NewS3BackupWriter(client, s3Cfg, logger)
	}
	return nil, fmt.Errorf("unknown backup type %q", b.Type)
}

func newDeadLetter(ctx context.Context, cfg *config.Config, creds *credentials, logger zerolog.Logger) (deadletter.Publisher, error) {
	dl := cfg.DeadLetter
	switch dl.Type {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, dl.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub.NewClient: %w", err)
		}
		return deadletter.NewPubSubPublisher(ctx, client, dl.TopicID, logger)
	case "kafka":
		return deadletter.NewKafkaPublisher(ctx, deadletter.KafkaConfig{
			Topic: dl.TopicID,
			ConfigMap: func(cred *secrets.ClientCredential) kafka.ConfigMap {
				return consumers.ClientConfigMap(cfg.Kafka.BootstrapServers, cfg.Kafka.SecurityProtocol, cred)
			},
		}, creds.watcher, logger)
	}
	return nil, fmt.Errorf("unknown dead-letter type %q", dl.Type)
}

func newConnector(cfg *config.Config, logger zerolog.Logger) (messagepipeline.SourceConnector, error) {
	kc, err := consumers.NewKafkaConnector(consumers.KafkaSourceConfig{
		BootstrapServers: cfg.Kafka.BootstrapServers,
		Topic:            cfg.Kafka.Topic,
		GroupID:          cfg.Kafka.GroupID,
		SecurityProtocol: cfg.Kafka.SecurityProtocol,
		SessionTimeout:   cfg.Kafka.SessionTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	return messagepipeline.ConnectorFunc(func(ctx context.Context, cred *secrets.ClientCredential) (messagepipeline.SourceSession, error) {
		session, err := kc.Connect(ctx, cred)
		if err != nil {
			return nil, err
		}
		return session, nil
	}), nil
}
