package emulators

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"google.golang.org/api/option"
)

const (
	testGCSEmulatorImage = "fsouza/fake-gcs-server:1.52"
	testGCSEmulatorPort  = "4443"
)

type GCSConfig struct {
	GCImageContainer
	BaseBucket  string
	BaseStorage string
}

// GetDefaultGCSConfig runs fake-gcs-server over plain HTTP with one bucket.
func GetDefaultGCSConfig(projectID, bucket string) GCSConfig {
	return GCSConfig{
		GCImageContainer: GCImageContainer{
			ImageContainer: ImageContainer{
				EmulatorImage:    testGCSEmulatorImage,
				EmulatorHTTPPort: testGCSEmulatorPort,
			},
			ProjectID: projectID,
		},
		BaseBucket:  bucket,
		BaseStorage: "/storage/v1/b",
	}
}

// SetupGCSEmulator starts fake-gcs-server, creates the bucket and returns a
// client for it.
func SetupGCSEmulator(t *testing.T, ctx context.Context, cfg GCSConfig) (*storage.Client, func()) {
	t.Helper()
	port := tcp(cfg.EmulatorHTTPPort)
	container := startContainer(t, ctx, testcontainers.ContainerRequest{
		Image:        cfg.EmulatorImage,
		ExposedPorts: []string{string(port)},
		Cmd:          []string{"-scheme", "http"},
		WaitingFor: wait.ForHTTP(cfg.BaseStorage).WithPort(port).WithStatusCodeMatcher(
			func(status int) bool {
				return status > 0
			}).WithStartupTimeout(20 * time.Second),
	})
	endpoint, err := container.PortEndpoint(ctx, port, "http")
	require.NoError(t, err)
	t.Setenv("STORAGE_EMULATOR_HOST", endpoint)

	gcsClient, err := storage.NewClient(ctx, option.WithoutAuthentication(), option.WithEndpoint(endpoint+"/storage/v1/"))
	require.NoError(t, err)
	require.NoError(t, gcsClient.Bucket(cfg.BaseBucket).Create(ctx, cfg.ProjectID, nil))

	stop := terminate(t, ctx, container)
	return gcsClient, func() {
		_ = gcsClient.Close()
		stop()
	}
}
