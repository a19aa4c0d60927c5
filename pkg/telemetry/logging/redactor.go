package logging

import (
	"log/slog"
	"strings"
)

// sensitiveKeys are substrings of attribute keys whose values are never
// written.
var sensitiveKeys = []string{
	"password", "passwd",
	"secret", "token", "api_key", "apikey",
	"authorization", "signature",
	"private_key",
}

// IsSensitiveKey reports whether an attribute key names secret material.
func IsSensitiveKey(key string) bool {
	lowerKey := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(lowerKey, sensitive) {
			return true
		}
	}
	return false
}

// redactAttr is a slog ReplaceAttr hook masking sensitive values.
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup || !IsSensitiveKey(a.Key) {
		return a
	}
	return slog.String(a.Key, RedactValue(a.Value.String()))
}

// RedactValue masks a secret, keeping a short prefix for correlation.
func RedactValue(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 8 {
		return "***"
	}
	return v[:4] + "***"
}
