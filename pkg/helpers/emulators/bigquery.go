package emulators

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"google.golang.org/api/option"
)

const (
	testBigQueryEmulatorImage = "ghcr.io/goccy/bigquery-emulator:0.6.6"
	testBigQueryGRPCPort      = "9060"
	testBigQueryRestPort      = "9050"
)

// TableSpec is a dataset to create and, when Schema is set, a table in it
// with the schema inferred from Schema's type.
type TableSpec struct {
	Dataset string
	Table   string
	Schema  any
}

type BigQueryConfig struct {
	GCImageContainer
	Tables []TableSpec
}

func GetDefaultBigQueryConfig(projectID string, tables ...TableSpec) BigQueryConfig {
	return BigQueryConfig{
		GCImageContainer: GCImageContainer{
			ImageContainer: ImageContainer{
				EmulatorImage:    testBigQueryEmulatorImage,
				EmulatorHTTPPort: testBigQueryRestPort,
				EmulatorGRPCPort: testBigQueryGRPCPort,
			},
			ProjectID: projectID,
		},
		Tables: tables,
	}
}

// SetupBigQueryEmulator starts goccy/bigquery-emulator, creates the datasets
// and tables, and returns client options pointing at its REST port.
func SetupBigQueryEmulator(t *testing.T, ctx context.Context, cfg BigQueryConfig) (opts []option.ClientOption, cleanupFunc func()) {
	t.Helper()
	container := startContainer(t, ctx, testcontainers.ContainerRequest{
		Image:        cfg.EmulatorImage,
		ExposedPorts: []string{string(tcp(cfg.EmulatorHTTPPort)), string(tcp(cfg.EmulatorGRPCPort))},
		Cmd: []string{
			"--project=" + cfg.ProjectID,
			"--port=" + cfg.EmulatorHTTPPort,
			"--grpc-port=" + cfg.EmulatorGRPCPort,
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort(tcp(cfg.EmulatorHTTPPort)).WithStartupTimeout(60*time.Second),
			wait.ForListeningPort(tcp(cfg.EmulatorGRPCPort)).WithStartupTimeout(60*time.Second),
		),
	})

	endpoint := "http://" + hostPort(t, ctx, container, cfg.EmulatorHTTPPort)
	opts = []option.ClientOption{option.WithEndpoint(endpoint), option.WithoutAuthentication(), option.WithHTTPClient(&http.Client{})}
	if cfg.SetEnvVariables {
		t.Setenv("BIGQUERY_EMULATOR_HOST", hostPort(t, ctx, container, cfg.EmulatorGRPCPort))
		t.Setenv("BIGQUERY_API_ENDPOINT", endpoint)
	}

	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	require.NoError(t, err)
	defer client.Close()

	for _, spec := range cfg.Tables {
		err := client.Dataset(spec.Dataset).Create(ctx, &bigquery.DatasetMetadata{Name: spec.Dataset})
		if err != nil && !strings.Contains(err.Error(), "Already Exists") {
			require.NoError(t, err)
		}
		if spec.Schema == nil {
			continue
		}
		schema, err := bigquery.InferSchema(spec.Schema)
		require.NoError(t, err)
		err = client.Dataset(spec.Dataset).Table(spec.Table).Create(ctx, &bigquery.TableMetadata{Name: spec.Table, Schema: schema})
		require.NoError(t, err, fmt.Sprintf("create table %s.%s", spec.Dataset, spec.Table))
	}
	return opts, terminate(t, ctx, container)
}
