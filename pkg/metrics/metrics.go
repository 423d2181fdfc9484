package metrics

import (
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

// Registry implements Collector on top of a prometheus registry. A vector
// is created on first use of a name; its label names are fixed by that
// first call.
type Registry struct {
	reg *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

var _ Collector = (*Registry)(nil)

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	return &Registry{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// register adds c to the registry, false if the name is taken by another
// kind of metric.
func (r *Registry) register(name string, c prometheus.Collector) bool {
	if err := r.reg.Register(c); err != nil {
		slog.Warn("metric not registered", "name", name, "error", err)
		return false
	}
	return true
}

func (r *Registry) counter(name string, labels map[string]string) prometheus.Counter {
	r.mu.Lock()
	vec, ok := r.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, labelNames(labels))
		if !r.register(name, vec) {
			r.mu.Unlock()
			return nil
		}
		r.counters[name] = vec
	}
	r.mu.Unlock()

	c, err := vec.GetMetricWith(labels)
	if err != nil {
		slog.Warn("bad metric labels", "name", name, "error", err)
		return nil
	}
	return c
}

func (r *Registry) gauge(name string, labels map[string]string) prometheus.Gauge {
	r.mu.Lock()
	vec, ok := r.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, labelNames(labels))
		if !r.register(name, vec) {
			r.mu.Unlock()
			return nil
		}
		r.gauges[name] = vec
	}
	r.mu.Unlock()

	g, err := vec.GetMetricWith(labels)
	if err != nil {
		slog.Warn("bad metric labels", "name", name, "error", err)
		return nil
	}
	return g
}

func (r *Registry) histogram(name string, labels map[string]string) prometheus.Observer {
	r.mu.Lock()
	vec, ok := r.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    name,
			Buckets: prometheus.DefBuckets,
		}, labelNames(labels))
		if !r.register(name, vec) {
			r.mu.Unlock()
			return nil
		}
		r.histograms[name] = vec
	}
	r.mu.Unlock()

	h, err := vec.GetMetricWith(labels)
	if err != nil {
		slog.Warn("bad metric labels", "name", name, "error", err)
		return nil
	}
	return h
}

// IncCounter ignores negative deltas, prometheus counters only go up.
func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	if delta < 0 {
		return
	}
	if c := r.counter(name, labels); c != nil {
		c.Add(delta)
	}
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	if g := r.gauge(name, labels); g != nil {
		g.Set(value)
	}
}

func (r *Registry) ObserveHistogram(name string, labels map[string]string, value float64) {
	if h := r.histogram(name, labels); h != nil {
		h.Observe(value)
	}
}

// Value returns the current value of a counter or gauge, or the sample sum
// of a histogram. A label set not seen yet reads as zero.
func (r *Registry) Value(name string, labels map[string]string) (float64, bool) {
	r.mu.Lock()
	var m prometheus.Metric
	if vec, ok := r.counters[name]; ok {
		m, _ = vec.GetMetricWith(labels)
	} else if vec, ok := r.gauges[name]; ok {
		m, _ = vec.GetMetricWith(labels)
	} else if vec, ok := r.histograms[name]; ok {
		if o, err := vec.GetMetricWith(labels); err == nil {
			m, _ = o.(prometheus.Metric)
		}
	}
	r.mu.Unlock()
	if m == nil {
		return 0, false
	}

	var out dto.Metric
	if err := m.Write(&out); err != nil {
		return 0, false
	}
	switch {
	case out.Counter != nil:
		return out.Counter.GetValue(), true
	case out.Gauge != nil:
		return out.Gauge.GetValue(), true
	case out.Histogram != nil:
		return out.Histogram.GetSampleSum(), true
	}
	return 0, false
}
