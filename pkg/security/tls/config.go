package tls

import (
	"crypto/tls"
	"fmt"
)

// Config configures the server side of TLS.
type Config struct {
	// MinVersion is "1.2" or "1.3".
	// Default: "1.2"
	MinVersion string

	// CipherSuites restricts TLS 1.2 suites by name. Empty uses Go's
	// defaults. TLS 1.3 suites are not configurable.
	CipherSuites []string
}

// ServerConfig builds a *tls.Config that serves the reloader's current
// certificate.
func ServerConfig(cfg Config, reloader *CertificateReloader) (*tls.Config, error) {
	if reloader == nil {
		return nil, fmt.Errorf("certificate reloader is required")
	}
	version, err := ParseVersion(cfg.MinVersion)
	if err != nil {
		return nil, err
	}
	suites, err := parseCipherSuites(cfg.CipherSuites)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		MinVersion:     version,
		CipherSuites:   suites,
		GetCertificate: reloader.GetCertificateFunc(),
	}, nil
}

// ParseVersion maps "1.2" and "1.3" to their protocol constants. An empty
// string selects TLS 1.2.
func ParseVersion(v string) (uint16, error) {
	switch v {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q (expected 1.2 or 1.3)", v)
	}
}

func parseCipherSuites(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}

	known := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		known[s.Name] = s.ID
	}

	suites := make([]uint16, 0, len(names))
	for _, name := range names {
		id, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("unknown or insecure cipher suite %q", name)
		}
		suites = append(suites, id)
	}
	return suites, nil
}
