package secrets

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrCredentialExpired = errors.New("client certificate has expired")
	ErrCredentialInvalid = errors.New("client credential is invalid")
)

// ClientCredential is the PEM material for the mTLS session with the broker.
type ClientCredential struct {
	CertPEM []byte
	KeyPEM  []byte
	// CAPEM is optional; the system roots are used when it is empty.
	CAPEM []byte
}

// Leaf parses the first certificate of CertPEM.
func (c *ClientCredential) Leaf() (*x509.Certificate, error) {
	block, _ := pem.Decode(c.CertPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%w: no PEM certificate block", ErrCredentialInvalid)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
	}
	return cert, nil
}

// Validate checks that certificate and key pair up and that the certificate
// is inside its validity window at now.
func (c *ClientCredential) Validate(now time.Time) error {
	if _, err := tls.X509KeyPair(c.CertPEM, c.KeyPEM); err != nil {
		return fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
	}
	leaf, err := c.Leaf()
	if err != nil {
		return err
	}
	if now.After(leaf.NotAfter) {
		return fmt.Errorf("%w: not after %s", ErrCredentialExpired, leaf.NotAfter.UTC().Format(time.RFC3339))
	}
	if now.Before(leaf.NotBefore) {
		return fmt.Errorf("%w: not valid before %s", ErrCredentialInvalid, leaf.NotBefore.UTC().Format(time.RFC3339))
	}
	return nil
}

// Fingerprint identifies the credential material; it changes on rotation.
func (c *ClientCredential) Fingerprint() string {
	h := sha256.New()
	h.Write(c.CertPEM)
	h.Write(c.KeyPEM)
	h.Write(c.CAPEM)
	return hex.EncodeToString(h.Sum(nil))
}

// SinkCredential is the warehouse key-pair secret. It is stored as JSON in
// one of two shapes: {user, privateKey} or {certificate, privateKey}.
type SinkCredential struct {
	User        string `json:"user,omitempty"`
	Certificate string `json:"certificate,omitempty"`
	PrivateKey  string `json:"privateKey"`
}

// ParseSinkCredential decodes and checks a sink secret document.
func ParseSinkCredential(raw []byte) (*SinkCredential, error) {
	var sc SinkCredential
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("%w: sink secret is not JSON: %v", ErrCredentialInvalid, err)
	}
	if sc.PrivateKey == "" {
		return nil, fmt.Errorf("%w: sink secret has no privateKey", ErrCredentialInvalid)
	}
	if sc.User == "" && sc.Certificate == "" {
		return nil, fmt.Errorf("%w: sink secret needs user or certificate", ErrCredentialInvalid)
	}
	return &sc, nil
}

// Username is the explicit user or, for the certificate shape, the
// certificate's common name.
func (s *SinkCredential) Username() (string, error) {
	if s.User != "" {
		return s.User, nil
	}
	cc := &ClientCredential{CertPEM: []byte(s.Certificate)}
	leaf, err := cc.Leaf()
	if err != nil {
		return "", err
	}
	if leaf.Subject.CommonName == "" {
		return "", fmt.Errorf("%w: certificate has no common name", ErrCredentialInvalid)
	}
	return leaf.Subject.CommonName, nil
}

// RSAPrivateKey decodes the private key. PEM (PKCS#8 or PKCS#1) and bare
// base64 DER are accepted.
func (s *SinkCredential) RSAPrivateKey() (*rsa.PrivateKey, error) {
	var der []byte
	if block, _ := pem.Decode([]byte(s.PrivateKey)); block != nil {
		der = block.Bytes
	} else {
		b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("%w: private key is neither PEM nor base64", ErrCredentialInvalid)
		}
		der = b
	}

	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: private key is %T, want RSA", ErrCredentialInvalid, key)
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
	}
	return key, nil
}
