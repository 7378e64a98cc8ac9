package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	jobmetrics "github.com/kloudtech/ktl-billing/internal/jobs"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	return rr.Body.String()
}

func TestMetricsHandlerExposesJobMetrics(t *testing.T) {
	metrics := NewMetrics()
	jobs := jobmetrics.NewMetrics(metrics.Registerer())
	_ = jobs.Track("roles:expire").End(nil)

	body := scrape(t, metrics)
	if !strings.Contains(body, `ktl_jobs_total{job="roles:expire",status="success"} 1`) {
		t.Fatalf("expected body to contain ktl_jobs_total, got: %s", body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("expected runtime collectors, got: %s", body)
	}
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	body := scrape(t, metrics)
	if !strings.Contains(body, "ktl_http_requests_total{code=\"418\",route=\"/test\"} 1") {
		t.Fatalf("expected metrics to record request, got: %s", body)
	}
	if !strings.Contains(body, "ktl_http_request_duration_seconds_bucket{route=\"/test\"") {
		t.Fatalf("expected duration histogram to be present, got: %s", body)
	}
}

func TestDecisionAndLoginCounters(t *testing.T) {
	metrics := NewMetrics()
	metrics.RecordAuthzDecision("any", "deny")
	metrics.RecordAuthzDecision("any", "deny")
	metrics.RecordLogin("locked")

	body := scrape(t, metrics)
	if !strings.Contains(body, `ktl_authz_decisions_total{check="any",outcome="deny"} 2`) {
		t.Fatalf("expected authz counter, got: %s", body)
	}
	if !strings.Contains(body, `ktl_auth_logins_total{outcome="locked"} 1`) {
		t.Fatalf("expected login counter, got: %s", body)
	}

	var nilMetrics *Metrics
	nilMetrics.RecordAuthzDecision("any", "allow")
	nilMetrics.RecordLogin("ok")
}
