package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// APIKeySource defines where to extract API keys from
type APIKeySource struct {
	Type   string // header, query
	Name   string // Header name or query param
	Scheme string // "Bearer", etc. (optional)
}

// DefaultSources reads the key from X-API-Key, then from a Bearer token.
func DefaultSources() []APIKeySource {
	return []APIKeySource{
		{Type: "header", Name: "X-API-Key"},
		{Type: "header", Name: "Authorization", Scheme: "Bearer"},
	}
}

// ErrorWriter writes an authentication failure response.
type ErrorWriter func(w http.ResponseWriter, status int, message string)

func plainError(w http.ResponseWriter, status int, message string) {
	http.Error(w, message, status)
}

// APIKeyMiddleware is HTTP middleware for API key authentication
type APIKeyMiddleware struct {
	validator APIKeyStore
	sources   []APIKeySource
	writeErr  ErrorWriter
	logger    *slog.Logger
}

// NewAPIKeyMiddleware creates a new API key authentication middleware.
// A nil errWriter writes plain-text errors.
func NewAPIKeyMiddleware(validator APIKeyStore, sources []APIKeySource, errWriter ErrorWriter) *APIKeyMiddleware {
	if len(sources) == 0 {
		sources = DefaultSources()
	}
	if errWriter == nil {
		errWriter = plainError
	}
	return &APIKeyMiddleware{
		validator: validator,
		sources:   sources,
		writeErr:  errWriter,
		logger:    slog.Default().With("component", "auth"),
	}
}

// Handle wraps an HTTP handler with API key authentication
func (m *APIKeyMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey, err := m.extractAPIKey(r)
		if err != nil {
			m.logger.Warn("missing API key",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			m.writeErr(w, http.StatusUnauthorized, "Missing or invalid API key")
			return
		}

		keyInfo, err := m.validator.Validate(apiKey)
		if err != nil {
			m.logger.Warn("invalid API key",
				"error", err,
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			m.writeErr(w, http.StatusUnauthorized, "Invalid API key")
			return
		}

		m.logger.Debug("API key authenticated",
			"actor", keyInfo.Actor,
			"path", r.URL.Path,
		)

		ctx := context.WithValue(r.Context(), apiKeyInfoKey, keyInfo)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractAPIKey extracts the API key from the request using configured sources
func (m *APIKeyMiddleware) extractAPIKey(r *http.Request) (string, error) {
	for _, source := range m.sources {
		switch source.Type {
		case "header":
			value := r.Header.Get(source.Name)
			if value != "" {
				if source.Scheme != "" {
					prefix := source.Scheme + " "
					if strings.HasPrefix(value, prefix) {
						return strings.TrimPrefix(value, prefix), nil
					}
				} else {
					return value, nil
				}
			}

		case "query":
			value := r.URL.Query().Get(source.Name)
			if value != "" {
				return value, nil
			}
		}
	}

	return "", fmt.Errorf("no API key found")
}

// Context key for API key info
type contextKey string

// #nosec G101 - This is a context key constant, not a credential
const apiKeyInfoKey contextKey = "api_key_info"

// GetAPIKeyInfo retrieves API key info from request context
func GetAPIKeyInfo(ctx context.Context) (*APIKeyInfo, bool) {
	info, ok := ctx.Value(apiKeyInfoKey).(*APIKeyInfo)
	return info, ok
}

// ActorFromContext returns the authenticated actor, or "" if the request
// was not authenticated.
func ActorFromContext(ctx context.Context) string {
	if info, ok := GetAPIKeyInfo(ctx); ok {
		return info.Actor
	}
	return ""
}
