package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"mercator-hq/spendgate/pkg/budget"
)

// SignaturePrefix prefixes the hex digest in the signature header.
const SignaturePrefix = "sha256="

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the HMAC-SHA256 of body using a
// constant-time comparison. Any mismatch, including a missing or garbled
// header, wraps budget.ErrAuthenticationFailed.
func VerifySignature(secret, body []byte, header string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return fmt.Errorf("%w: missing signature", budget.ErrAuthenticationFailed)
	}
	if !strings.HasPrefix(header, SignaturePrefix) {
		return fmt.Errorf("%w: unsupported signature scheme", budget.ErrAuthenticationFailed)
	}

	got, err := hex.DecodeString(strings.TrimPrefix(header, SignaturePrefix))
	if err != nil {
		return fmt.Errorf("%w: malformed signature", budget.ErrAuthenticationFailed)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return fmt.Errorf("%w: signature mismatch", budget.ErrAuthenticationFailed)
	}
	return nil
}
