/*
Package tls serves the Spendgate HTTP API over TLS.

Certificates are loaded through a CertificateReloader, which re-reads the key
pair whenever either file changes on disk, so rotated certificates are picked
up without a restart:

	reloader := tls.NewCertificateReloader(certFile, keyFile, time.Minute)
	if err := reloader.Start(ctx); err != nil {
		log.Fatal(err)
	}

	tlsConfig, err := tls.ServerConfig(tls.Config{MinVersion: "1.2"}, reloader)
	if err != nil {
		log.Fatal(err)
	}

CheckExpiry can be registered as a readiness check. It fails once the served
certificate has expired and logs a warning while it is within 30 days of
expiry.
*/
package tls
