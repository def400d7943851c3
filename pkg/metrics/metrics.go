// Package metrics exposes the counters, gauges, and histograms the platform
// records, backed by github.com/prometheus/client_golang.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the interface components use to record measurements. It never
// returns an error: a collector the underlying Prometheus registry refuses to
// register is dropped without notice, and reusing a name with a different
// number of labels than its first use panics.
type Metrics interface {
	Inc(name string, labelPairs ...string)
	Add(name string, value float64, labelPairs ...string)
	Set(name string, value float64, labelPairs ...string)
	Observe(name string, value float64, labelPairs ...string)
	Time(name string, labelPairs ...string) Timer

	WithPrefix(prefix string) Metrics
}

// Timer tracks the duration of an in-flight operation.
type Timer interface {
	Stop() time.Duration
}

// Registry wraps a prometheus.Registerer and lazily creates metric vectors by
// name, the first time a given name is observed (the label names of that
// first call fix the vector's labels), giving callers a dynamic "record whatever name you call Inc with"
// ergonomics while being backed by real Prometheus collectors.
type Registry struct {
	reg        prometheus.Registerer
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewRegistry creates a Registry bound to reg. Pass prometheus.DefaultRegisterer
// to expose metrics on the default /metrics handler.
func NewRegistry(reg prometheus.Registerer) *Registry {
	return &Registry{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// prefixed scopes a Registry under a name prefix, e.g. "plugin_manager_".
type prefixed struct {
	root   *Registry
	prefix string
}

// Root returns a Metrics view with no prefix.
func (r *Registry) Root() Metrics {
	return &prefixed{root: r}
}

func (p *prefixed) WithPrefix(prefix string) Metrics {
	full := prefix
	if p.prefix != "" {
		full = p.prefix + "_" + prefix
	}
	return &prefixed{root: p.root, prefix: full}
}

func (p *prefixed) name(n string) string {
	if p.prefix == "" {
		return n
	}
	return p.prefix + "_" + n
}

func labelNames(pairs []string) ([]string, []string) {
	names := make([]string, 0, len(pairs)/2)
	values := make([]string, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		names = append(names, pairs[i])
		values = append(values, pairs[i+1])
	}
	return names, values
}

func (p *prefixed) counter(name string, labelNames []string) *prometheus.CounterVec {
	r := p.root
	if existing, ok := r.counters[name]; ok {
		return existing
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: sanitize(name),
		Help: "auto-registered counter " + name,
	}, labelNames)
	_ = r.reg.Register(vec)
	r.counters[name] = vec
	return vec
}

func (p *prefixed) gauge(name string, labelNames []string) *prometheus.GaugeVec {
	r := p.root
	if existing, ok := r.gauges[name]; ok {
		return existing
	}
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: sanitize(name),
		Help: "auto-registered gauge " + name,
	}, labelNames)
	_ = r.reg.Register(vec)
	r.gauges[name] = vec
	return vec
}

func (p *prefixed) histogram(name string, labelNames []string) *prometheus.HistogramVec {
	r := p.root
	if existing, ok := r.histograms[name]; ok {
		return existing
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    sanitize(name),
		Help:    "auto-registered histogram " + name,
		Buckets: prometheus.DefBuckets,
	}, labelNames)
	_ = r.reg.Register(vec)
	r.histograms[name] = vec
	return vec
}

func (p *prefixed) Inc(name string, labelPairs ...string) {
	names, values := labelNames(labelPairs)
	p.counter(p.name(name), names).WithLabelValues(values...).Inc()
}

func (p *prefixed) Add(name string, value float64, labelPairs ...string) {
	names, values := labelNames(labelPairs)
	p.counter(p.name(name), names).WithLabelValues(values...).Add(value)
}

func (p *prefixed) Set(name string, value float64, labelPairs ...string) {
	names, values := labelNames(labelPairs)
	p.gauge(p.name(name), names).WithLabelValues(values...).Set(value)
}

func (p *prefixed) Observe(name string, value float64, labelPairs ...string) {
	names, values := labelNames(labelPairs)
	p.histogram(p.name(name), names).WithLabelValues(values...).Observe(value)
}

type timer struct {
	start    time.Time
	observer prometheus.Observer
}

func (t *timer) Stop() time.Duration {
	d := time.Since(t.start)
	if t.observer != nil {
		t.observer.Observe(d.Seconds())
	}
	return d
}

func (p *prefixed) Time(name string, labelPairs ...string) Timer {
	names, values := labelNames(labelPairs)
	hist := p.histogram(p.name(name), names)
	return &timer{start: time.Now(), observer: hist.WithLabelValues(values...)}
}

func sanitize(name string) string {
	replacer := strings.NewReplacer("-", "_", ".", "_", " ", "_")
	return replacer.Replace(name)
}

// Noop returns a Metrics implementation that records nothing; used in tests.
func Noop() Metrics {
	return &prefixed{root: NewRegistry(prometheus.NewRegistry())}
}
