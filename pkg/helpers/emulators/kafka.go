package emulators

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testKafkaImage = "apache/kafka:3.9.0"
	testKafkaPort  = "9092"
)

type KafkaConfig struct {
	ImageContainer
}

func GetDefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{ImageContainer: ImageContainer{EmulatorImage: testKafkaImage, EmulatorHTTPPort: testKafkaPort}}
}

// SetupKafkaBroker starts a single-node KRaft broker with a PLAINTEXT
// listener bound to a fixed host port, and returns its bootstrap address.
func SetupKafkaBroker(t *testing.T, ctx context.Context, cfg KafkaConfig) (bootstrap string, cleanupFunc func()) {
	t.Helper()
	port := tcp(cfg.EmulatorHTTPPort)
	container := startContainer(t, ctx, testcontainers.ContainerRequest{
		Image:        cfg.EmulatorImage,
		ExposedPorts: []string{fmt.Sprintf("%s:%s", cfg.EmulatorHTTPPort, port)},
		Env: map[string]string{
			"KAFKA_NODE_ID":                                  "1",
			"KAFKA_PROCESS_ROLES":                            "broker,controller",
			"KAFKA_LISTENERS":                                "PLAINTEXT://:9092,CONTROLLER://:9093",
			"KAFKA_ADVERTISED_LISTENERS":                     fmt.Sprintf("PLAINTEXT://localhost:%s", cfg.EmulatorHTTPPort),
			"KAFKA_CONTROLLER_LISTENER_NAMES":                "CONTROLLER",
			"KAFKA_CONTROLLER_QUORUM_VOTERS":                 "1@localhost:9093",
			"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR":         "1",
			"KAFKA_TRANSACTION_STATE_LOG_REPLICATION_FACTOR": "1",
			"KAFKA_TRANSACTION_STATE_LOG_MIN_ISR":            "1",
			"KAFKA_AUTO_CREATE_TOPICS_ENABLE":                "true",
		},
		WaitingFor: wait.ForListeningPort(port).WithStartupTimeout(60 * time.Second),
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	t.Logf("Kafka broker started, listening on: %s:%s", host, cfg.EmulatorHTTPPort)

	return fmt.Sprintf("%s:%s", host, cfg.EmulatorHTTPPort), terminate(t, ctx, container)
}
