// Package metrics is the engine's metrics service: a scoped prometheus
// registry with bounded label cardinality and text exposition. There is
// no process-global state; tests create their own Service.
package metrics

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// overflowLabel absorbs label values beyond the cardinality bound so a
// runaway label (per-entity ids, say) cannot grow the registry without
// limit.
const overflowLabel = "other"

// Options configures the service.
type Options struct {
	// Namespace prefixes every metric name (default "parquedb").
	Namespace string
	// MaxLabelValues bounds distinct values per label per metric.
	MaxLabelValues int
}

func (o Options) withDefaults() Options {
	if o.Namespace == "" {
		o.Namespace = "parquedb"
	}
	if o.MaxLabelValues <= 0 {
		o.MaxLabelValues = 64
	}
	return o
}

// Service owns one registry and the vectors created through it.
type Service struct {
	opts     Options
	registry *prometheus.Registry

	mu   sync.Mutex
	seen map[string]map[string]int // metric -> label -> distinct count
	vals map[string]map[string]map[string]bool
}

// New creates an empty metrics service.
func New(opts Options) *Service {
	return &Service{
		opts:     opts.withDefaults(),
		registry: prometheus.NewRegistry(),
		seen:     map[string]map[string]int{},
		vals:     map[string]map[string]map[string]bool{},
	}
}

// Registry exposes the underlying registry for handlers.
func (s *Service) Registry() *prometheus.Registry { return s.registry }

// Counter registers a counter vector.
func (s *Service) Counter(name, help string, labels ...string) *CounterVec {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: s.opts.Namespace, Name: name, Help: help,
	}, labels)
	s.registry.MustRegister(vec)
	return &CounterVec{svc: s, name: name, labels: labels, vec: vec}
}

// Gauge registers a gauge vector.
func (s *Service) Gauge(name, help string, labels ...string) *GaugeVec {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: s.opts.Namespace, Name: name, Help: help,
	}, labels)
	s.registry.MustRegister(vec)
	return &GaugeVec{svc: s, name: name, labels: labels, vec: vec}
}

// Histogram registers a histogram vector.
func (s *Service) Histogram(name, help string, buckets []float64, labels ...string) *HistogramVec {
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: s.opts.Namespace, Name: name, Help: help, Buckets: buckets,
	}, labels)
	s.registry.MustRegister(vec)
	return &HistogramVec{svc: s, name: name, labels: labels, vec: vec}
}

// bound folds label values beyond the cardinality cap into "other".
func (s *Service) bound(metric string, labels []string, values []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	byLabel, ok := s.vals[metric]
	if !ok {
		byLabel = map[string]map[string]bool{}
		s.vals[metric] = byLabel
	}
	out := make([]string, len(values))
	for i, value := range values {
		label := labels[i]
		set, ok := byLabel[label]
		if !ok {
			set = map[string]bool{}
			byLabel[label] = set
		}
		if set[value] {
			out[i] = value
			continue
		}
		if len(set) >= s.opts.MaxLabelValues {
			out[i] = overflowLabel
			continue
		}
		set[value] = true
		out[i] = value
	}
	return out
}

// Expose renders the registry in the prometheus text format.
func (s *Service) Expose() ([]byte, error) {
	families, err := s.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, fam := range families {
		if err := enc.Encode(fam); err != nil {
			return nil, fmt.Errorf("encode metrics: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// CounterVec is a cardinality-bounded counter.
type CounterVec struct {
	svc    *Service
	name   string
	labels []string
	vec    *prometheus.CounterVec
}

// Inc increments the counter for the given label values.
func (c *CounterVec) Inc(values ...string) { c.Add(1, values...) }

// Add adds v to the counter for the given label values.
func (c *CounterVec) Add(v float64, values ...string) {
	c.vec.WithLabelValues(c.svc.bound(c.name, c.labels, values)...).Add(v)
}

// GaugeVec is a cardinality-bounded gauge.
type GaugeVec struct {
	svc    *Service
	name   string
	labels []string
	vec    *prometheus.GaugeVec
}

// Set sets the gauge for the given label values.
func (g *GaugeVec) Set(v float64, values ...string) {
	g.vec.WithLabelValues(g.svc.bound(g.name, g.labels, values)...).Set(v)
}

// HistogramVec is a cardinality-bounded histogram.
type HistogramVec struct {
	svc    *Service
	name   string
	labels []string
	vec    *prometheus.HistogramVec
}

// Observe records one sample for the given label values.
func (h *HistogramVec) Observe(v float64, values ...string) {
	h.vec.WithLabelValues(h.svc.bound(h.name, h.labels, values)...).Observe(v)
}
