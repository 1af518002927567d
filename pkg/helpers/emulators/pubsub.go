package emulators

import (
	"context"
	"fmt"
	"testing"

	"cloud.google.com/go/pubsub"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"google.golang.org/api/option"
)

const (
	testPubsubEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"
	testPubsubEmulatorPort  = "8085"
)

// TopicSpec is a topic to create, with an optional subscription on it.
type TopicSpec struct {
	Topic        string
	Subscription string
}

type PubsubConfig struct {
	GCImageContainer
	Topics []TopicSpec
}

func GetDefaultPubsubConfig(projectID string, topics ...TopicSpec) PubsubConfig {
	return PubsubConfig{
		GCImageContainer: GCImageContainer{
			ImageContainer: ImageContainer{
				EmulatorImage:    testPubsubEmulatorImage,
				EmulatorHTTPPort: testPubsubEmulatorPort,
			},
			ProjectID:       projectID,
			SetEnvVariables: true,
		},
		Topics: topics,
	}
}

// SetupPubsubEmulator starts the emulator, creates the topics and returns
// client options pointing at it.
func SetupPubsubEmulator(t *testing.T, ctx context.Context, cfg PubsubConfig) (clientOptions []option.ClientOption, cleanupFunc func()) {
	t.Helper()
	container := startContainer(t, ctx, testcontainers.ContainerRequest{
		Image:        cfg.EmulatorImage,
		ExposedPorts: []string{string(tcp(cfg.EmulatorHTTPPort))},
		Cmd: []string{"gcloud", "beta", "emulators", "pubsub", "start",
			fmt.Sprintf("--project=%s", cfg.ProjectID),
			fmt.Sprintf("--host-port=0.0.0.0:%s", cfg.EmulatorHTTPPort)},
		WaitingFor: wait.ForListeningPort(tcp(cfg.EmulatorHTTPPort)),
	})
	emulatorHost := hostPort(t, ctx, container, cfg.EmulatorHTTPPort)
	t.Logf("Pub/Sub emulator listening on: %s", emulatorHost)
	if cfg.SetEnvVariables {
		t.Setenv("PUBSUB_EMULATOR_HOST", emulatorHost)
	}
	clientOptions = []option.ClientOption{option.WithEndpoint(emulatorHost), option.WithoutAuthentication()}

	admin, err := pubsub.NewClient(ctx, cfg.ProjectID, clientOptions...)
	require.NoError(t, err)
	defer admin.Close()

	for _, spec := range cfg.Topics {
		topic, err := admin.CreateTopic(ctx, spec.Topic)
		require.NoError(t, err, "create topic %s", spec.Topic)
		if spec.Subscription == "" {
			continue
		}
		_, err = admin.CreateSubscription(ctx, spec.Subscription, pubsub.SubscriptionConfig{Topic: topic})
		require.NoError(t, err, "create subscription %s", spec.Subscription)
	}
	return clientOptions, terminate(t, ctx, container)
}
