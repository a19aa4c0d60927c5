package tls

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// CertificateReloader serves a key pair from disk and reloads it when the
// files change. A failed reload keeps the previous certificate.
type CertificateReloader struct {
	certFile string
	keyFile  string
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu       sync.RWMutex
	cert     *tls.Certificate
	certTime time.Time
	keyTime  time.Time
}

// NewCertificateReloader creates a reloader that checks the files every
// interval.
func NewCertificateReloader(certFile, keyFile string, interval time.Duration) *CertificateReloader {
	if interval <= 0 {
		interval = time.Minute
	}
	return &CertificateReloader{
		certFile: certFile,
		keyFile:  keyFile,
		interval: interval,
		now:      time.Now,
		logger:   slog.Default().With("component", "tls.reloader", "cert_file", certFile),
	}
}

// Start loads the key pair and polls for changes until ctx is cancelled.
func (r *CertificateReloader) Start(ctx context.Context) error {
	if err := r.reload(); err != nil {
		return err
	}
	r.logExpiry()

	go r.reloadLoop(ctx)
	return nil
}

func (r *CertificateReloader) reloadLoop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !r.needsReload() {
				continue
			}
			if err := r.reload(); err != nil {
				r.logger.Error("failed to reload certificate", "error", err)
				continue
			}
			r.logger.Info("certificate reloaded")
			r.logExpiry()

		case <-ctx.Done():
			return
		}
	}
}

func (r *CertificateReloader) needsReload() bool {
	certInfo, err := os.Stat(r.certFile)
	if err != nil {
		return false
	}
	keyInfo, err := os.Stat(r.keyFile)
	if err != nil {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return certInfo.ModTime().After(r.certTime) || keyInfo.ModTime().After(r.keyTime)
}

func (r *CertificateReloader) reload() error {
	certInfo, err := os.Stat(r.certFile)
	if err != nil {
		return fmt.Errorf("certificate file: %w", err)
	}
	keyInfo, err := os.Stat(r.keyFile)
	if err != nil {
		return fmt.Errorf("key file: %w", err)
	}

	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("failed to load key pair: %w", err)
	}
	if err := ValidateCertificate(&cert, r.now()); err != nil {
		return err
	}

	r.mu.Lock()
	r.cert = &cert
	r.certTime = certInfo.ModTime()
	r.keyTime = keyInfo.ModTime()
	r.mu.Unlock()
	return nil
}

// Certificate returns the current certificate, or nil before Start.
func (r *CertificateReloader) Certificate() *tls.Certificate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert
}

// GetCertificateFunc adapts the reloader to tls.Config.GetCertificate.
func (r *CertificateReloader) GetCertificateFunc() func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		cert := r.Certificate()
		if cert == nil {
			return nil, fmt.Errorf("no certificate loaded")
		}
		return cert, nil
	}
}

// CheckExpiry fails if the served certificate is missing or no longer
// valid. It has the health check signature.
func (r *CertificateReloader) CheckExpiry(context.Context) error {
	return ValidateCertificate(r.Certificate(), r.now())
}

func (r *CertificateReloader) logExpiry() {
	leaf, err := leafOf(r.Certificate())
	if err != nil {
		return
	}

	remaining := leaf.NotAfter.Sub(r.now())
	attrs := []any{
		"subject", leaf.Subject.CommonName,
		"expires_at", leaf.NotAfter.Format(time.RFC3339),
		"expires_in_days", int(remaining.Hours() / 24),
	}
	if remaining < expiryWarning {
		r.logger.Warn("certificate expiring soon", attrs...)
		return
	}
	r.logger.Info("certificate loaded", attrs...)
}
