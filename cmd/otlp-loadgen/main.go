// Command otlp-loadgen publishes synthetic OTLP metric bundles to the source
// topic, one simulated host per device.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/illmade-knight/go-otlp-ingest/pkg/helpers/loadgen"
	"github.com/illmade-knight/go-otlp-ingest/pkg/secrets"
	"github.com/rs/zerolog"
)

func main() {
	bootstrap := flag.String("bootstrap", "localhost:9092", "Kafka bootstrap servers")
	topic := flag.String("topic", "otlp-metrics", "topic to publish to")
	protocol := flag.String("security-protocol", "SSL", "SSL or PLAINTEXT")
	certFile := flag.String("cert", "", "client certificate PEM (SSL only)")
	keyFile := flag.String("key", "", "client key PEM (SSL only)")
	caFile := flag.String("ca", "", "CA bundle PEM (optional)")
	orgID := flag.String("org", "org-loadgen", "orgId resource attribute")
	metricNames := flag.String("metrics", "cpu.utilization,memory.usage", "comma-separated metric names")
	points := flag.Int("points", 1, "data points per gauge and sum")
	numDevices := flag.Int("devices", 10, "number of simulated hosts")
	rate := flag.Float64("rate", 1, "bundles per second per host")
	duration := flag.Duration("duration", time.Minute, "how long to run")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cred *secrets.ClientCredential
	if *protocol != "PLAINTEXT" {
		fs := &secrets.FileSource{CertFile: *certFile, KeyFile: *keyFile, CAFile: *caFile}
		var err error
		cred, err = fs.ClientCredential(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to load client credential")
		}
		if err := cred.Validate(time.Now()); err != nil {
			logger.Fatal().Err(err).Msg("Client credential is not usable")
		}
	}

	client, err := loadgen.NewKafkaClient(loadgen.KafkaClientConfig{
		BootstrapServers: *bootstrap,
		Topic:            *topic,
		SecurityProtocol: *protocol,
	}, cred, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Kafka client")
	}

	gen := loadgen.NewOTLPGenerator(*orgID, "loadgen", strings.Split(*metricNames, ",")...)
	gen.PointsPerMetric = *points

	devices := make([]*loadgen.Device, *numDevices)
	for i := range devices {
		devices[i] = &loadgen.Device{
			ID:               fmt.Sprintf("loadgen-host-%03d", i),
			MessageRate:      *rate,
			PayloadGenerator: gen,
		}
	}

	logger.Info().Int("rows_per_bundle", gen.RowsPerBundle()).Msg("Generating OTLP bundles")
	if err := loadgen.NewLoadGenerator(client, devices, logger).Run(ctx, *duration); err != nil {
		logger.Fatal().Err(err).Msg("Load generation failed")
	}
}
