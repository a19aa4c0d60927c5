package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInstrument(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	handler := c.Instrument("POST /budget-events", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Signature") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"status":"accepted"}`)
	}))

	for _, sig := range []string{"", "sha256=00", "sha256=01"} {
		req := httptest.NewRequest(http.MethodPost, "/budget-events", nil)
		if sig != "" {
			req.Header.Set("X-Signature", sig)
		}
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	if got := testutil.ToFloat64(c.requests.WithLabelValues("POST /budget-events", "POST", "200")); got != 2 {
		t.Errorf("Expected 2 accepted requests, got %v", got)
	}
	if got := testutil.ToFloat64(c.requests.WithLabelValues("POST /budget-events", "POST", "401")); got != 1 {
		t.Errorf("Expected 1 rejected request, got %v", got)
	}
	if got := testutil.ToFloat64(c.inFlight); got != 0 {
		t.Errorf("Expected no requests in flight, got %v", got)
	}
}

func TestHandler(t *testing.T) {
	c := NewCollector(nil)
	c.Instrument("GET /health", http.NotFoundHandler()).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "spendgate_http_requests_total") {
		t.Errorf("Expected request metric in scrape output")
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Errorf("Expected runtime metrics in scrape output")
	}
}
