package tls

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeCert writes a self-signed key pair valid in [notBefore, notAfter]
// and returns the file paths.
func writeCert(t *testing.T, dir, cn string, notBefore, notAfter time.Time) (string, string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		DNSNames:     []string{"localhost"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	certFile := filepath.Join(dir, "server.crt")
	keyFile := filepath.Join(dir, "server.key")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

func commonName(t *testing.T, cert *tls.Certificate) string {
	t.Helper()
	leaf, err := leafOf(cert)
	if err != nil {
		t.Fatalf("failed to parse leaf: %v", err)
	}
	return leaf.Subject.CommonName
}

func TestCertificateReloader_Start(t *testing.T) {
	now := time.Now()
	certFile, keyFile := writeCert(t, t.TempDir(), "spendgate", now.Add(-time.Hour), now.Add(90*24*time.Hour))

	r := NewCertificateReloader(certFile, keyFile, time.Hour)
	if r.Certificate() != nil {
		t.Error("Expected no certificate before Start")
	}
	if _, err := r.GetCertificateFunc()(nil); err == nil {
		t.Error("Expected an error before Start")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	cert, err := r.GetCertificateFunc()(&tls.ClientHelloInfo{ServerName: "localhost"})
	if err != nil {
		t.Fatalf("GetCertificate failed: %v", err)
	}
	if cn := commonName(t, cert); cn != "spendgate" {
		t.Errorf("Expected CN spendgate, got %q", cn)
	}
	if err := r.CheckExpiry(ctx); err != nil {
		t.Errorf("Expected a valid certificate, got %v", err)
	}
}

func TestCertificateReloader_StartErrors(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name  string
		setup func(t *testing.T, dir string) (string, string)
	}{
		{
			name: "missing files",
			setup: func(t *testing.T, dir string) (string, string) {
				return filepath.Join(dir, "none.crt"), filepath.Join(dir, "none.key")
			},
		},
		{
			name: "expired",
			setup: func(t *testing.T, dir string) (string, string) {
				return writeCert(t, dir, "old", now.Add(-48*time.Hour), now.Add(-24*time.Hour))
			},
		},
		{
			name: "not yet valid",
			setup: func(t *testing.T, dir string) (string, string) {
				return writeCert(t, dir, "future", now.Add(24*time.Hour), now.Add(48*time.Hour))
			},
		},
		{
			name: "garbage",
			setup: func(t *testing.T, dir string) (string, string) {
				certFile, keyFile := filepath.Join(dir, "a.crt"), filepath.Join(dir, "a.key")
				os.WriteFile(certFile, []byte("not a cert"), 0o600)
				os.WriteFile(keyFile, []byte("not a key"), 0o600)
				return certFile, keyFile
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			certFile, keyFile := tt.setup(t, t.TempDir())
			r := NewCertificateReloader(certFile, keyFile, time.Hour)
			if err := r.Start(context.Background()); err == nil {
				t.Error("Expected Start to fail")
			}
		})
	}
}

func TestCertificateReloader_Reload(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	certFile, keyFile := writeCert(t, dir, "first", now.Add(-time.Hour), now.Add(24*time.Hour))

	r := NewCertificateReloader(certFile, keyFile, time.Hour)
	if err := r.reload(); err != nil {
		t.Fatalf("initial reload failed: %v", err)
	}
	if r.needsReload() {
		t.Error("Expected no reload right after loading")
	}

	writeCert(t, dir, "second", now.Add(-time.Hour), now.Add(24*time.Hour))
	later := now.Add(time.Minute)
	os.Chtimes(certFile, later, later)
	os.Chtimes(keyFile, later, later)

	if !r.needsReload() {
		t.Fatal("Expected a reload after the files changed")
	}
	if err := r.reload(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if cn := commonName(t, r.Certificate()); cn != "second" {
		t.Errorf("Expected CN second, got %q", cn)
	}

	// A broken replacement keeps serving the previous pair.
	os.WriteFile(certFile, []byte("broken"), 0o600)
	if err := r.reload(); err == nil {
		t.Error("Expected reload of a broken file to fail")
	}
	if cn := commonName(t, r.Certificate()); cn != "second" {
		t.Errorf("Expected CN second to be kept, got %q", cn)
	}
}

func TestCertificateReloader_CheckExpiry(t *testing.T) {
	now := time.Now()
	certFile, keyFile := writeCert(t, t.TempDir(), "spendgate", now.Add(-time.Hour), now.Add(time.Hour))

	r := NewCertificateReloader(certFile, keyFile, time.Hour)
	if err := r.CheckExpiry(context.Background()); err == nil {
		t.Error("Expected an error without a certificate")
	}
	if err := r.reload(); err != nil {
		t.Fatal(err)
	}

	r.now = func() time.Time { return now.Add(2 * time.Hour) }
	if err := r.CheckExpiry(context.Background()); err == nil {
		t.Error("Expected an expired certificate to fail the check")
	}
}

func TestServerConfig(t *testing.T) {
	now := time.Now()
	certFile, keyFile := writeCert(t, t.TempDir(), "spendgate", now.Add(-time.Hour), now.Add(24*time.Hour))
	r := NewCertificateReloader(certFile, keyFile, time.Hour)
	if err := r.reload(); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name        string
		cfg         Config
		wantVersion uint16
		wantSuites  int
		wantErr     bool
	}{
		{name: "defaults", cfg: Config{}, wantVersion: tls.VersionTLS12},
		{name: "tls 1.3", cfg: Config{MinVersion: "1.3"}, wantVersion: tls.VersionTLS13},
		{
			name:        "cipher suites",
			cfg:         Config{CipherSuites: []string{"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256"}},
			wantVersion: tls.VersionTLS12,
			wantSuites:  1,
		},
		{name: "bad version", cfg: Config{MinVersion: "1.0"}, wantErr: true},
		{name: "insecure suite", cfg: Config{CipherSuites: []string{"TLS_RSA_WITH_RC4_128_SHA"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ServerConfig(tt.cfg, r)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ServerConfig failed: %v", err)
			}
			if got.MinVersion != tt.wantVersion {
				t.Errorf("Expected min version %x, got %x", tt.wantVersion, got.MinVersion)
			}
			if len(got.CipherSuites) != tt.wantSuites {
				t.Errorf("Expected %d cipher suites, got %d", tt.wantSuites, len(got.CipherSuites))
			}
			if got.GetCertificate == nil {
				t.Error("Expected GetCertificate to be set")
			}
		})
	}

	if _, err := ServerConfig(Config{}, nil); err == nil {
		t.Error("Expected an error without a reloader")
	}
}
