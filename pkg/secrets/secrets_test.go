package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-otlp-ingest/pkg/secrets/secretstest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientCredential_Validate(t *testing.T) {
	cert, key := secretstest.ValidCertificate(t, "ingest")
	cc := &ClientCredential{CertPEM: cert, KeyPEM: key}
	require.NoError(t, cc.Validate(time.Now()))

	expCert, expKey := secretstest.ExpiredCertificate(t, "ingest")
	expired := &ClientCredential{CertPEM: expCert, KeyPEM: expKey}
	assert.ErrorIs(t, expired.Validate(time.Now()), ErrCredentialExpired)

	mismatched := &ClientCredential{CertPEM: cert, KeyPEM: expKey}
	assert.ErrorIs(t, mismatched.Validate(time.Now()), ErrCredentialInvalid)

	garbage := &ClientCredential{CertPEM: []byte("nope"), KeyPEM: []byte("nope")}
	assert.ErrorIs(t, garbage.Validate(time.Now()), ErrCredentialInvalid)
}

func TestClientCredential_Fingerprint(t *testing.T) {
	cert, key := secretstest.ValidCertificate(t, "a")
	a := &ClientCredential{CertPEM: cert, KeyPEM: key}
	b := &ClientCredential{CertPEM: cert, KeyPEM: key}
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	b.CAPEM = []byte("ca")
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestSinkCredential(t *testing.T) {
	keyPEM := secretstest.PKCS8Key(t)

	t.Run("user shape", func(t *testing.T) {
		raw, _ := json.Marshal(map[string]string{"user": "INGEST_SVC", "privateKey": string(keyPEM)})
		sc, err := ParseSinkCredential(raw)
		require.NoError(t, err)
		user, err := sc.Username()
		require.NoError(t, err)
		assert.Equal(t, "INGEST_SVC", user)
		k, err := sc.RSAPrivateKey()
		require.NoError(t, err)
		assert.NotNil(t, k)
	})

	t.Run("certificate shape", func(t *testing.T) {
		cert, pkcs1 := secretstest.ValidCertificate(t, "CERT_USER")
		raw, _ := json.Marshal(map[string]string{"certificate": string(cert), "privateKey": string(pkcs1)})
		sc, err := ParseSinkCredential(raw)
		require.NoError(t, err)
		user, err := sc.Username()
		require.NoError(t, err)
		assert.Equal(t, "CERT_USER", user)
		_, err = sc.RSAPrivateKey()
		require.NoError(t, err)
	})

	t.Run("invalid documents", func(t *testing.T) {
		for _, doc := range []string{`nope`, `{"user":"u"}`, `{"privateKey":"k"}`} {
			_, err := ParseSinkCredential([]byte(doc))
			assert.ErrorIs(t, err, ErrCredentialInvalid, doc)
		}
		sc := &SinkCredential{User: "u", PrivateKey: "!!!"}
		_, err := sc.RSAPrivateKey()
		assert.ErrorIs(t, err, ErrCredentialInvalid)
	})
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	cert, key := secretstest.ValidCertificate(t, "ingest")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tls.crt"), cert, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tls.key"), key, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sink.json"),
		[]byte(`{"user":"u","privateKey":"k"}`), 0o600))

	fs := &FileSource{
		CertFile: filepath.Join(dir, "tls.crt"),
		KeyFile:  filepath.Join(dir, "tls.key"),
		SinkFile: filepath.Join(dir, "sink.json"),
	}
	cc, err := fs.ClientCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cert, cc.CertPEM)
	assert.Empty(t, cc.CAPEM)

	sc, err := fs.SinkCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u", sc.User)

	assert.Len(t, fs.WatchedFiles(), 2)

	fs.CAFile = filepath.Join(dir, "missing.pem")
	_, err = fs.ClientCredential(context.Background())
	assert.Error(t, err)
}

func TestSecretManagerSource(t *testing.T) {
	cert, key := secretstest.ValidCertificate(t, "ingest")
	store := map[string][]byte{
		"projects/p/secrets/kafka-cert/versions/latest": cert,
		"projects/p/secrets/kafka-key/versions/latest":  key,
		"projects/p/secrets/sf/versions/latest":         []byte(`{"user":"u","privateKey":"k"}`),
	}
	var requested []string
	src := &SecretManagerSource{
		projectID: "p",
		names:     SecretNames{Cert: "kafka-cert", Key: "kafka-key", Sink: "sf"},
		access: func(_ context.Context, name string) ([]byte, error) {
			requested = append(requested, name)
			v, ok := store[name]
			if !ok {
				return nil, errors.New("NotFound")
			}
			return v, nil
		},
	}

	cc, err := src.ClientCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, key, cc.KeyPEM)

	sc, err := src.SinkCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u", sc.User)
	assert.Contains(t, requested, "projects/p/secrets/sf/versions/latest")

	src.names.CA = "missing-ca"
	_, err = src.ClientCredential(context.Background())
	assert.ErrorContains(t, err, "missing-ca")
	assert.NoError(t, src.Close())
}

type stubClientSource struct {
	mu   sync.Mutex
	cred *ClientCredential
	err  error
}

func (s *stubClientSource) ClientCredential(context.Context) (*ClientCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred, s.err
}

func (s *stubClientSource) set(c *ClientCredential, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred, s.err = c, err
}

func TestWatcher_PollingDetectsRotation(t *testing.T) {
	cert1, key1 := secretstest.ValidCertificate(t, "one")
	src := &stubClientSource{cred: &ClientCredential{CertPEM: cert1, KeyPEM: key1}}

	w := NewWatcher(src, 20*time.Millisecond, zerolog.Nop(), nil)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)

	cur, err := w.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cert1, cur.CertPEM)

	select {
	case <-w.Changes():
		t.Fatal("initial load must not signal a change")
	case <-time.After(60 * time.Millisecond):
	}

	src.set(nil, errors.New("mid-rotation"))
	time.Sleep(50 * time.Millisecond)
	cur, _ = w.Current(context.Background())
	assert.Equal(t, cert1, cur.CertPEM, "a failed reload keeps the previous credential")

	cert2, key2 := secretstest.ValidCertificate(t, "two")
	src.set(&ClientCredential{CertPEM: cert2, KeyPEM: key2}, nil)

	select {
	case <-w.Changes():
	case <-time.After(2 * time.Second):
		t.Fatal("rotation was not signalled")
	}
	cur, _ = w.Current(context.Background())
	assert.Equal(t, cert2, cur.CertPEM)
}

func TestWatcher_FileEventDetectsRotation(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := filepath.Join(dir, "tls.crt"), filepath.Join(dir, "tls.key")
	cert1, key1 := secretstest.ValidCertificate(t, "one")
	require.NoError(t, os.WriteFile(certPath, cert1, 0o600))
	require.NoError(t, os.WriteFile(keyPath, key1, 0o600))

	fs := &FileSource{CertFile: certPath, KeyFile: keyPath}
	w := NewWatcher(fs, time.Hour, zerolog.Nop(), nil, fs.WatchedFiles()...)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)

	cert2, key2 := secretstest.ValidCertificate(t, "two")
	require.NoError(t, os.WriteFile(keyPath, key2, 0o600))
	require.NoError(t, os.WriteFile(certPath, cert2, 0o600))

	require.Eventually(t, func() bool {
		cur, err := w.Current(context.Background())
		return err == nil && string(cur.CertPEM) == string(cert2) && string(cur.KeyPEM) == string(key2)
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatcher_StartFailsWithoutCredential(t *testing.T) {
	w := NewWatcher(&stubClientSource{err: errors.New("no secret")}, time.Second, zerolog.Nop(), nil)
	assert.Error(t, w.Start(context.Background()))
}
