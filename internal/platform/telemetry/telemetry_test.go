package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestConfig_Defaults(t *testing.T) {
	p := NewProvider(Config{})
	if p.cfg.ServiceName != "clinic-server" {
		t.Errorf("expected default service name clinic-server, got %s", p.cfg.ServiceName)
	}
	if p.cfg.ServiceVersion != "0.0.0" {
		t.Errorf("expected default version 0.0.0, got %s", p.cfg.ServiceVersion)
	}
	if p.cfg.Environment != "development" {
		t.Errorf("expected default environment development, got %s", p.cfg.Environment)
	}
	if !p.cfg.metricsOn() {
		t.Error("expected metrics enabled by default")
	}
}

func TestShutdown_Clean(t *testing.T) {
	p := NewProvider(Config{})
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Idempotent
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected error on second shutdown: %v", err)
	}
}

func runRequest(t *testing.T, p *Provider, method, path string) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	mw := p.MetricsMiddleware()
	err := mw(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	p := NewProvider(Config{})
	runRequest(t, p, http.MethodGet, "/invoices")

	p.histMu.RLock()
	h := p.histograms["http.server.request.duration"]
	p.histMu.RUnlock()
	if h == nil {
		t.Fatal("expected duration histogram to exist")
	}
	if h.Count() != 1 {
		t.Errorf("expected 1 observation, got %d", h.Count())
	}
}

func TestMetricsMiddleware_ActiveRequestsReturnsToZero(t *testing.T) {
	p := NewProvider(Config{})
	runRequest(t, p, http.MethodGet, "/invoices")

	if got := p.GetGauge("http.server.active_requests"); got != 0 {
		t.Errorf("expected active requests back at 0, got %d", got)
	}
}

func TestMetricsMiddleware_Disabled(t *testing.T) {
	p := NewProvider(Config{MetricsEnabled: BoolPtr(false)})
	runRequest(t, p, http.MethodGet, "/invoices")

	p.histMu.RLock()
	h := p.histograms["http.server.request.duration"]
	p.histMu.RUnlock()
	if h != nil {
		t.Error("expected no histogram when metrics disabled")
	}
}

func TestLedgerOperationCounter_Increments(t *testing.T) {
	p := NewProvider(Config{})
	p.LedgerOperationCounter("invoice", "bill")
	p.LedgerOperationCounter("invoice", "bill")
	p.LedgerOperationCounter("session", "create")

	if got := p.GetCounter("ledger.operation.count", "invoice", "bill"); got != 2 {
		t.Errorf("expected 2, got %d", got)
	}
	if got := p.GetCounter("ledger.operation.count", "session", "create"); got != 1 {
		t.Errorf("expected 1, got %d", got)
	}
	if got := p.GetCounter("ledger.operation.count", "invoice", "delete"); got != 0 {
		t.Errorf("expected 0 for unseen labels, got %d", got)
	}
}

func TestPrometheusHandler_ValidFormat(t *testing.T) {
	p := NewProvider(Config{})
	runRequest(t, p, http.MethodGet, "/invoices")
	p.LedgerOperationCounter("invoice", "bill")
	p.SetDBPoolActive(3)
	p.SetDBPoolIdle(7)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := p.PrometheusHandler()(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"# TYPE http_server_request_duration_seconds histogram",
		"http_server_request_duration_seconds_count 1",
		"http_server_active_requests 0",
		`ledger_operation_count{entity="invoice",operation="bill"} 1`,
		"db_pool_active_connections 3",
		"db_pool_idle_connections 7",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected output to contain %q", want)
		}
	}
}

func TestHistogram_Observation(t *testing.T) {
	h := newHistogram([]float64{0.5, 1.0, 10.0})
	h.Observe(0.25)
	h.Observe(0.75)
	h.Observe(5.0)
	h.Observe(50.0) // beyond all boundaries

	if h.Count() != 4 {
		t.Errorf("expected count 4, got %d", h.Count())
	}
	if h.Sum() != 56.0 {
		t.Errorf("expected sum 56, got %g", h.Sum())
	}

	cum := h.cumulativeBuckets()
	want := []int64{1, 2, 3}
	for i, w := range want {
		if cum[i] != w {
			t.Errorf("bucket %d: expected %d, got %d", i, w, cum[i])
		}
	}
}

func TestMetrics_ConcurrentSafe(t *testing.T) {
	p := NewProvider(Config{})
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				p.LedgerOperationCounter("invoice", "bill")
				p.gauges.add("http.server.active_requests", 1)
				p.gauges.add("http.server.active_requests", -1)
				h := p.getOrCreateHistogram("http.server.request.duration", defaultDurationBuckets)
				h.Observe(0.01)
			}
		}()
	}
	wg.Wait()

	if got := p.GetCounter("ledger.operation.count", "invoice", "bill"); got != 1000 {
		t.Errorf("expected 1000 increments, got %d", got)
	}
	if got := p.GetGauge("http.server.active_requests"); got != 0 {
		t.Errorf("expected gauge at 0, got %d", got)
	}
}

func TestDBPoolGauges(t *testing.T) {
	p := NewProvider(Config{})
	p.SetDBPoolActive(5)
	p.SetDBPoolIdle(2)

	if got := p.GetGauge("db.pool.active_connections"); got != 5 {
		t.Errorf("expected 5, got %d", got)
	}
	if got := p.GetGauge("db.pool.idle_connections"); got != 2 {
		t.Errorf("expected 2, got %d", got)
	}
}
