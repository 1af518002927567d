// Package emulators starts containerised stand-ins for the brokers and cloud
// services the pipeline talks to, for use in integration tests.
package emulators

import (
	"context"
	"fmt"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
)

type ImageContainer struct {
	EmulatorImage    string
	EmulatorHTTPPort string
	EmulatorGRPCPort string
}

type GCImageContainer struct {
	ImageContainer
	ProjectID       string
	SetEnvVariables bool
}

// startContainer runs req and registers nothing for cleanup; callers return
// their own cleanup so tests control the teardown order.
func startContainer(t *testing.T, ctx context.Context, req testcontainers.ContainerRequest) testcontainers.Container {
	t.Helper()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	return container
}

// hostPort returns host:mappedPort for a container port such as "8085".
func hostPort(t *testing.T, ctx context.Context, container testcontainers.Container, port string) string {
	t.Helper()
	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, tcp(port))
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, mapped.Port())
}

func tcp(port string) nat.Port {
	return nat.Port(port + "/tcp")
}

func terminate(t *testing.T, ctx context.Context, container testcontainers.Container) func() {
	return func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate %s container: %v", container.GetContainerID(), err)
		}
	}
}
