package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAPIKeyMiddleware_Handle(t *testing.T) {
	v := NewAPIKeyValidator(testKeys())

	tests := []struct {
		name           string
		sources        []APIKeySource
		setupRequest   func(*http.Request)
		expectedStatus int
		expectedActor  string
	}{
		{
			name:           "custom header",
			setupRequest:   func(r *http.Request) { r.Header.Set("X-API-Key", "sk-admin") },
			expectedStatus: http.StatusOK,
			expectedActor:  "alice",
		},
		{
			name:           "bearer token",
			setupRequest:   func(r *http.Request) { r.Header.Set("Authorization", "Bearer sk-viewer") },
			expectedStatus: http.StatusOK,
			expectedActor:  "dashboard",
		},
		{
			name:           "bearer without scheme ignored",
			setupRequest:   func(r *http.Request) { r.Header.Set("Authorization", "sk-viewer") },
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "query parameter",
			sources:        []APIKeySource{{Type: "query", Name: "api_key"}},
			setupRequest:   func(r *http.Request) { r.URL.RawQuery = "api_key=sk-admin" },
			expectedStatus: http.StatusOK,
			expectedActor:  "alice",
		},
		{
			name:           "missing key",
			setupRequest:   func(*http.Request) {},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "unknown key",
			setupRequest:   func(r *http.Request) { r.Header.Set("X-API-Key", "sk-nope") },
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "disabled key",
			setupRequest:   func(r *http.Request) { r.Header.Set("X-API-Key", "sk-retired") },
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotActor string
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotActor = ActorFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			mw := NewAPIKeyMiddleware(v, tt.sources, nil)
			req := httptest.NewRequest(http.MethodGet, "/v1/tenants/acme", nil)
			tt.setupRequest(req)
			rec := httptest.NewRecorder()

			mw.Handle(next).ServeHTTP(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			if gotActor != tt.expectedActor {
				t.Errorf("Expected actor %q, got %q", tt.expectedActor, gotActor)
			}
		})
	}
}

func TestAPIKeyMiddleware_CustomErrorWriter(t *testing.T) {
	called := false
	writer := func(w http.ResponseWriter, status int, message string) {
		called = true
		w.WriteHeader(status)
	}

	mw := NewAPIKeyMiddleware(NewAPIKeyValidator(nil), nil, writer)
	rec := httptest.NewRecorder()
	mw.Handle(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if !called {
		t.Error("Expected custom error writer to be used")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", rec.Code)
	}
}

func TestActorFromContext_Unauthenticated(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if actor := ActorFromContext(req.Context()); actor != "" {
		t.Errorf("Expected empty actor, got %q", actor)
	}
}
