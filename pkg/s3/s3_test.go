package s3

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "bare host", cfg: Config{Endpoint: "minio:9000"}, want: "https://minio:9000"},
		{name: "bare host without tls", cfg: Config{Endpoint: "minio:9000", DisableTLS: true}, want: "http://minio:9000"},
		{name: "explicit scheme", cfg: Config{Endpoint: "http://s3.local", DisableTLS: false}, want: "http://s3.local"},
		{name: "trimmed", cfg: Config{Endpoint: "  https://s3.example.com "}, want: "https://s3.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.EndpointURL(); got != tt.want {
				t.Fatalf("EndpointURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(context.Background(), Config{AccessKey: "a", SecretKey: "b"}); err == nil || !strings.Contains(err.Error(), "S3_ENDPOINT") {
		t.Fatalf("New() without endpoint error = %v", err)
	}
	if _, err := New(context.Background(), Config{Endpoint: "minio:9000"}); err == nil {
		t.Fatalf("New() without credentials expected error")
	}
	c, err := New(context.Background(), Config{Endpoint: "minio:9000", AccessKey: "a", SecretKey: "b", Region: "us-east-1"})
	if err != nil || c == nil {
		t.Fatalf("New() error = %v", err)
	}
}

func writeCABundle(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "ledger test ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}
	path := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	return path
}

func TestNewWithCABundle(t *testing.T) {
	t.Setenv("AWS_CA_BUNDLE", writeCABundle(t))
	c, err := New(context.Background(), Config{Endpoint: "minio:9000", AccessKey: "a", SecretKey: "b", Region: "us-east-1"})
	if err != nil || c == nil {
		t.Fatalf("New() with AWS_CA_BUNDLE error = %v", err)
	}
}

func TestEncodeSHA256(t *testing.T) {
	const digest = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	got, err := encodeSHA256(digest)
	if err != nil {
		t.Fatalf("encodeSHA256() error = %v", err)
	}
	if got != "47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=" {
		t.Fatalf("encodeSHA256() = %q", got)
	}
	for _, bad := range []string{"", "zz", "abcd"} {
		if _, err := encodeSHA256(bad); err == nil {
			t.Fatalf("encodeSHA256(%q) expected error", bad)
		}
	}
}
