// Package metrics wires the bridge's counters, gauges, and histograms to a
// prometheus/client_golang registry and exposes them (plus liveness and a
// combined JSON status document) over HTTP via gorilla/mux. Mirrors
// atlas_meshtastic_bridge/metrics.py's registry facade and endpoint set.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// DefaultLatencyBuckets mirrors the reference's histogram bucket scheme,
// tuned for sub-minute request/response latencies.
var DefaultLatencyBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0}

// Registry is a thin facade over a prometheus.Registry that lazily creates
// counters/gauges/histograms by name and exposes the Inc/SetGauge/Observe
// convenience methods the rest of the bridge calls into.
type Registry struct {
	reg *prometheus.Registry

	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewRegistry constructs an empty metrics registry.
func NewRegistry() *Registry {
	return &Registry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (r *Registry) counter(name, help string, labels []string) *prometheus.CounterVec {
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	r.reg.MustRegister(c)
	r.counters[name] = c
	return c
}

func (r *Registry) gauge(name, help string, labels []string) *prometheus.GaugeVec {
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	r.reg.MustRegister(g)
	r.gauges[name] = g
	return g
}

func (r *Registry) histogram(name, help string, labels []string) *prometheus.HistogramVec {
	if h, ok := r.histograms[name]; ok {
		return h
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: DefaultLatencyBuckets}, labels)
	r.reg.MustRegister(h)
	r.histograms[name] = h
	return h
}

// Inc increments a counter (creating it on first use) by 1.
func (r *Registry) Inc(name, help string, labelValues map[string]string) {
	keys, vals := splitLabels(labelValues)
	r.counter(name, help, keys).WithLabelValues(vals...).Inc()
}

// SetGauge sets a gauge's current value (creating it on first use).
func (r *Registry) SetGauge(name, help string, value float64, labelValues map[string]string) {
	keys, vals := splitLabels(labelValues)
	r.gauge(name, help, keys).WithLabelValues(vals...).Set(value)
}

// Observe records a value into a histogram (creating it on first use).
func (r *Registry) Observe(name, help string, value float64, labelValues map[string]string) {
	keys, vals := splitLabels(labelValues)
	r.histogram(name, help, keys).WithLabelValues(vals...).Observe(value)
}

// Snapshot gathers every counter, gauge, and histogram currently held by
// the registry into a plain map suitable for embedding in the /status
// JSON document per spec.md §6's "counters/gauges/histograms snapshot"
// requirement. A metric with no labels collapses to a bare scalar value;
// a labeled metric becomes a list of {label: value, ..., "value": n}
// samples.
func (r *Registry) Snapshot() map[string]any {
	families, err := r.reg.Gather()
	if err != nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(families))
	for _, mf := range families {
		metrics := mf.GetMetric()
		if len(metrics) == 1 && len(metrics[0].GetLabel()) == 0 {
			out[mf.GetName()] = metricValue(mf.GetType(), metrics[0])
			continue
		}
		samples := make([]map[string]any, 0, len(metrics))
		for _, m := range metrics {
			sample := map[string]any{"value": metricValue(mf.GetType(), m)}
			for _, lp := range m.GetLabel() {
				sample[lp.GetName()] = lp.GetValue()
			}
			samples = append(samples, sample)
		}
		out[mf.GetName()] = samples
	}
	return out
}

func metricValue(t dto.MetricType, m *dto.Metric) any {
	switch t {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	case dto.MetricType_HISTOGRAM:
		h := m.GetHistogram()
		return map[string]any{"sum": h.GetSampleSum(), "count": h.GetSampleCount()}
	default:
		return nil
	}
}

func splitLabels(labelValues map[string]string) ([]string, []string) {
	keys := make([]string, 0, len(labelValues))
	for k := range labelValues {
		keys = append(keys, k)
	}
	vals := make([]string, len(keys))
	for i, k := range keys {
		vals[i] = labelValues[k]
	}
	return keys, vals
}

// StatusFunc supplies the extra fields merged into the /status JSON
// document alongside the registry's own snapshot (e.g. spool depth,
// dedupe ledger sizes).
type StatusFunc func() map[string]any

// ReadinessFunc decides whether /ready reports healthy; a false return
// yields HTTP 503.
type ReadinessFunc func() bool

// Server hosts the /health, /ready, /status, and /metrics endpoints.
type Server struct {
	registry  *Registry
	status    StatusFunc
	readiness ReadinessFunc
	httpSrv   *http.Server
}

// NewServer builds an HTTP server bound to addr, routed with gorilla/mux.
func NewServer(addr string, registry *Registry, status StatusFunc, readiness ReadinessFunc) *Server {
	s := &Server{registry: registry, status: status, readiness: readiness}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(registry.reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	s.httpSrv = &http.Server{Addr: addr, Handler: router}
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.readiness != nil && !s.readiness() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	doc := map[string]any{}
	if s.registry != nil {
		for k, v := range s.registry.Snapshot() {
			doc[k] = v
		}
	}
	if s.status != nil {
		for k, v := range s.status() {
			doc[k] = v
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

// ListenAndServe starts serving until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		return s.httpSrv.Close()
	case err := <-errCh:
		return err
	}
}
