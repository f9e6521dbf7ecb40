package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// Model lookups are labelled by the chi pattern, never by the model id.
func TestMetricsLabelModelRouteByPattern(t *testing.T) {
	h := newHarness(t)
	if w := h.do(http.MethodGet, "/api/v1/models/w1", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	mrr := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(mrr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := mrr.Body.Bytes()
	if !bytes.Contains(body, []byte(`path="/api/v1/models/{id}"`)) {
		t.Fatalf("expected route pattern label in metrics")
	}
	if bytes.Contains(body, []byte(`path="/api/v1/models/w1"`)) {
		t.Fatalf("raw path leaked into labels")
	}
}

func TestForwardCounterByBackend(t *testing.T) {
	h := newHarness(t)
	c := forwardsTotal.WithLabelValues("chat/completions", "llamacpp", "buffered", "200")
	before := testutil.ToFloat64(c)
	if w := h.do(http.MethodPost, "/v1/chat/completions", `{"model":"m1"}`); w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if got := testutil.ToFloat64(c); got != before+1 {
		t.Fatalf("forward counter=%v want %v", got, before+1)
	}
}
