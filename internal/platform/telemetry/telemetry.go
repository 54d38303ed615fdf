// Package telemetry provides metrics for the billing ledger service using
// only standard library constructs: counters, gauges, histograms, and a
// Prometheus text exposition endpoint, without importing a metrics SDK.
package telemetry

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// Config holds configuration for the telemetry provider.
type Config struct {
	ServiceName    string `json:"service_name"`
	ServiceVersion string `json:"service_version"`
	Environment    string `json:"environment"`
	MetricsEnabled *bool  `json:"metrics_enabled"` // nil = true
}

func (c *Config) metricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "clinic-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// BoolPtr is a helper to create a *bool for Config fields.
func BoolPtr(b bool) *bool {
	return &b
}

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram is a thread-safe histogram with configurable bucket boundaries.
// Bucket counts are non-cumulative in storage; cumulative counts are computed
// at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64     // math.Float64bits for atomic add
	mu           sync.Mutex // protects bucketCounts
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			h.mu.Unlock()
			return
		}
	}
	// Beyond all boundaries, counted in +Inf at export.
	h.mu.Unlock()
}

func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	cum := make([]int64, len(raw))
	var running int64
	for i, c := range raw {
		running += c
		cum[i] = running
	}
	return cum
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		newVal := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(newVal)) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Counter and gauge stores
// ---------------------------------------------------------------------------

type counterStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newCounterStore() *counterStore {
	return &counterStore{items: make(map[string]*int64)}
}

func (s *counterStore) inc(key string) {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		atomic.AddInt64(p, 1)
		return
	}
	s.mu.Lock()
	p, ok = s.items[key]
	if !ok {
		v := int64(1)
		s.items[key] = &v
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	atomic.AddInt64(p, 1)
}

func (s *counterStore) get(key string) int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

func (s *counterStore) snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]int64, len(s.items))
	for k, p := range s.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

type gaugeStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newGaugeStore() *gaugeStore {
	return &gaugeStore{items: make(map[string]*int64)}
}

func (s *gaugeStore) set(name string, val int64) {
	s.mu.RLock()
	p, ok := s.items[name]
	s.mu.RUnlock()
	if ok {
		atomic.StoreInt64(p, val)
		return
	}
	s.mu.Lock()
	p, ok = s.items[name]
	if !ok {
		v := val
		s.items[name] = &v
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	atomic.StoreInt64(p, val)
}

func (s *gaugeStore) add(name string, delta int64) {
	s.mu.RLock()
	p, ok := s.items[name]
	s.mu.RUnlock()
	if ok {
		atomic.AddInt64(p, delta)
		return
	}
	s.mu.Lock()
	p, ok = s.items[name]
	if !ok {
		v := delta
		s.items[name] = &v
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	atomic.AddInt64(p, delta)
}

func (s *gaugeStore) get(name string) int64 {
	s.mu.RLock()
	p, ok := s.items[name]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// defaultDurationBuckets are the histogram boundaries (seconds) for HTTP
// request duration.
var defaultDurationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// Provider manages all metric state.
type Provider struct {
	cfg Config

	histograms map[string]*histogram
	histMu     sync.RWMutex

	counters *counterStore
	gauges   *gaugeStore

	shutdownOnce sync.Once
	done         chan struct{}
}

// NewProvider creates and initialises the telemetry provider.
func NewProvider(cfg Config) *Provider {
	cfg.applyDefaults()
	return &Provider{
		cfg:        cfg,
		histograms: make(map[string]*histogram),
		counters:   newCounterStore(),
		gauges:     newGaugeStore(),
		done:       make(chan struct{}),
	}
}

// Shutdown gracefully shuts down the provider.
func (p *Provider) Shutdown(_ context.Context) error {
	p.shutdownOnce.Do(func() {
		close(p.done)
	})
	return nil
}

func (p *Provider) getOrCreateHistogram(name string, boundaries []float64) *histogram {
	p.histMu.RLock()
	h, ok := p.histograms[name]
	p.histMu.RUnlock()
	if ok {
		return h
	}
	p.histMu.Lock()
	h, ok = p.histograms[name]
	if !ok {
		h = newHistogram(boundaries)
		p.histograms[name] = h
	}
	p.histMu.Unlock()
	return h
}

// GetGauge returns the current value of the named gauge.
func (p *Provider) GetGauge(name string) int64 {
	return p.gauges.get(name)
}

// GetCounter returns the value of a ledger operation counter for the given
// entity and operation label values.
func (p *Provider) GetCounter(name, entity, operation string) int64 {
	return p.counters.get(name + "|" + entity + "|" + operation)
}

// LedgerOperationCounter increments the ledger.operation.count metric,
// labeled by entity (session, invoice) and operation (create, bill, ...).
func (p *Provider) LedgerOperationCounter(entity, operation string) {
	p.counters.inc("ledger.operation.count|" + entity + "|" + operation)
}

// SetDBPoolActive sets the db.pool.active_connections gauge.
func (p *Provider) SetDBPoolActive(n int64) {
	p.gauges.set("db.pool.active_connections", n)
}

// SetDBPoolIdle sets the db.pool.idle_connections gauge.
func (p *Provider) SetDBPoolIdle(n int64) {
	p.gauges.set("db.pool.idle_connections", n)
}

// ---------------------------------------------------------------------------
// Middleware and exposition
// ---------------------------------------------------------------------------

// MetricsMiddleware returns an Echo middleware that records HTTP server
// metrics for every request.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.metricsOn() {
				return next(c)
			}

			p.gauges.add("http.server.active_requests", 1)
			start := time.Now()

			err := next(c)

			p.gauges.add("http.server.active_requests", -1)
			duration := time.Since(start).Seconds()

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}

			hist := p.getOrCreateHistogram("http.server.request.duration", defaultDurationBuckets)
			hist.Observe(duration)

			p.counters.inc(fmt.Sprintf("http.server.request.count|%s %s|%d",
				c.Request().Method, route, c.Response().Status))

			return err
		}
	}
}

// PrometheusHandler returns an Echo handler that serves metrics in
// Prometheus text exposition format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		p.histMu.RLock()
		durationHist := p.histograms["http.server.request.duration"]
		p.histMu.RUnlock()

		b.WriteString("# HELP http_server_request_duration_seconds Duration of HTTP requests in seconds.\n")
		b.WriteString("# TYPE http_server_request_duration_seconds histogram\n")
		if durationHist != nil {
			writeHistogram(&b, "http_server_request_duration_seconds", durationHist, defaultDurationBuckets)
		}
		b.WriteByte('\n')

		b.WriteString("# HELP http_server_active_requests Number of active HTTP requests.\n")
		b.WriteString("# TYPE http_server_active_requests gauge\n")
		fmt.Fprintf(&b, "http_server_active_requests %d\n", p.gauges.get("http.server.active_requests"))
		b.WriteByte('\n')

		counters := p.counters.snapshot()
		b.WriteString("# HELP ledger_operation_count Total ledger operations by entity and operation.\n")
		b.WriteString("# TYPE ledger_operation_count counter\n")
		for key, val := range counters {
			parts := strings.SplitN(key, "|", 3)
			if len(parts) == 3 && parts[0] == "ledger.operation.count" {
				fmt.Fprintf(&b, "ledger_operation_count{entity=%q,operation=%q} %d\n",
					parts[1], parts[2], val)
			}
		}
		b.WriteByte('\n')

		poolGauges := []struct {
			promName string
			name     string
			help     string
		}{
			{"db_pool_active_connections", "db.pool.active_connections", "Number of active database pool connections."},
			{"db_pool_idle_connections", "db.pool.idle_connections", "Number of idle database pool connections."},
		}
		for _, g := range poolGauges {
			fmt.Fprintf(&b, "# HELP %s %s\n", g.promName, g.help)
			fmt.Fprintf(&b, "# TYPE %s gauge\n", g.promName)
			fmt.Fprintf(&b, "%s %d\n", g.promName, p.gauges.get(g.name))
			b.WriteByte('\n')
		}

		return c.String(http.StatusOK, b.String())
	}
}

func writeHistogram(b *strings.Builder, name string, h *histogram, boundaries []float64) {
	cum := h.cumulativeBuckets()
	total := h.Count()

	for i, boundary := range boundaries {
		fmt.Fprintf(b, "%s_bucket{le=\"%g\"} %d\n", name, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{le=\"+Inf\"} %d\n", name, total)
	fmt.Fprintf(b, "%s_sum %g\n", name, h.Sum())
	fmt.Fprintf(b, "%s_count %d\n", name, total)
}
