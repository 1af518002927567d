package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"
)

// ClientSource supplies the current mTLS credential.
type ClientSource interface {
	ClientCredential(ctx context.Context) (*ClientCredential, error)
}

// SinkSource supplies the current warehouse key-pair secret.
type SinkSource interface {
	SinkCredential(ctx context.Context) (*SinkCredential, error)
}

// FileSource reads credentials from mounted files. Files are re-read on
// every call so rotated material is picked up.
type FileSource struct {
	CertFile string
	KeyFile  string
	CAFile   string
	SinkFile string
}

func (f *FileSource) ClientCredential(_ context.Context) (*ClientCredential, error) {
	if f.CertFile == "" || f.KeyFile == "" {
		return nil, errors.New("file source has no certificate or key path")
	}
	cert, err := os.ReadFile(f.CertFile)
	if err != nil {
		return nil, fmt.Errorf("read client certificate: %w", err)
	}
	key, err := os.ReadFile(f.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read client key: %w", err)
	}
	cc := &ClientCredential{CertPEM: cert, KeyPEM: key}
	if f.CAFile != "" {
		if cc.CAPEM, err = os.ReadFile(f.CAFile); err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
	}
	return cc, nil
}

func (f *FileSource) SinkCredential(_ context.Context) (*SinkCredential, error) {
	raw, err := os.ReadFile(f.SinkFile)
	if err != nil {
		return nil, fmt.Errorf("read sink secret: %w", err)
	}
	return ParseSinkCredential(raw)
}

// WatchedFiles lists the client credential files, for the Watcher.
func (f *FileSource) WatchedFiles() []string {
	var files []string
	for _, p := range []string{f.CertFile, f.KeyFile, f.CAFile} {
		if p != "" {
			files = append(files, p)
		}
	}
	return files
}

// SecretNames are Secret Manager secret ids within one project.
type SecretNames struct {
	Cert string
	Key  string
	CA   string
	Sink string
}

type accessFunc func(ctx context.Context, name string) ([]byte, error)

// SecretManagerSource reads the latest versions of secrets from Google Secret
// Manager.
type SecretManagerSource struct {
	projectID string
	names     SecretNames
	access    accessFunc
	closer    func() error
}

// NewSecretManagerSource opens a Secret Manager client.
func NewSecretManagerSource(ctx context.Context, projectID string, names SecretNames, opts ...option.ClientOption) (*SecretManagerSource, error) {
	if projectID == "" {
		return nil, errors.New("secret manager source requires a project id")
	}
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("secretmanager.NewClient: %w", err)
	}
	access := func(ctx context.Context, name string) ([]byte, error) {
		resp, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
		if err != nil {
			return nil, err
		}
		return resp.GetPayload().GetData(), nil
	}
	return &SecretManagerSource{projectID: projectID, names: names, access: access, closer: client.Close}, nil
}

func (s *SecretManagerSource) versionName(secret string) string {
	if strings.HasPrefix(secret, "projects/") {
		return secret
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/latest", s.projectID, secret)
}

func (s *SecretManagerSource) read(ctx context.Context, secret string) ([]byte, error) {
	data, err := s.access(ctx, s.versionName(secret))
	if err != nil {
		return nil, fmt.Errorf("access secret %s: %w", secret, err)
	}
	return data, nil
}

func (s *SecretManagerSource) ClientCredential(ctx context.Context) (*ClientCredential, error) {
	if s.names.Cert == "" || s.names.Key == "" {
		return nil, errors.New("secret manager source has no certificate or key secret")
	}
	cert, err := s.read(ctx, s.names.Cert)
	if err != nil {
		return nil, err
	}
	key, err := s.read(ctx, s.names.Key)
	if err != nil {
		return nil, err
	}
	cc := &ClientCredential{CertPEM: cert, KeyPEM: key}
	if s.names.CA != "" {
		if cc.CAPEM, err = s.read(ctx, s.names.CA); err != nil {
			return nil, err
		}
	}
	return cc, nil
}

func (s *SecretManagerSource) SinkCredential(ctx context.Context) (*SinkCredential, error) {
	if s.names.Sink == "" {
		return nil, errors.New("secret manager source has no sink secret")
	}
	raw, err := s.read(ctx, s.names.Sink)
	if err != nil {
		return nil, err
	}
	return ParseSinkCredential(raw)
}

func (s *SecretManagerSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
