package observability

import (
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/cyrillknecht/smartpatch-basestation-software/internal/ports"
)

// PromObs implements ports.Observability with a private prometheus registry
// and a slog logger, so several gateways can live in one process.
type PromObs struct {
	log      *slog.Logger
	registry *prometheus.Registry

	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	histos   map[string]prometheus.Observer
}

type Option func(*PromObs)

func WithLogger(l *slog.Logger) Option {
	return func(p *PromObs) {
		if l != nil {
			p.log = l
		}
	}
}

// WithProcessCollectors adds the Go runtime and process collectors.
func WithProcessCollectors() Option {
	return func(p *PromObs) {
		p.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
}

func NewPromObs(opts ...Option) *PromObs {
	p := &PromObs{
		log:      slog.New(slog.NewJSONHandler(os.Stderr, nil)),
		registry: prometheus.NewRegistry(),
		counters: make(map[string]*prometheus.CounterVec),
		gauges:   make(map[string]*prometheus.GaugeVec),
		histos:   make(map[string]prometheus.Observer),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	p.counter(ports.MetricSamplesDecoded, "Samples decoded from patch notifications.", "peripheral")
	p.counter(ports.MetricFramesMalformed, "Frames dropped because they failed length, marker or checksum checks.", "peripheral")
	p.counter(ports.MetricFramesUnsupported, "Frames dropped because of an unknown version or kind.", "peripheral")
	p.counter(ports.MetricNotificationsOverrun, "Notifications dropped because the session inbox was full.", "peripheral")
	p.counter(ports.MetricSessionTransitions, "Session state transitions by target state.", "peripheral", "state")
	p.counter(ports.MetricSessionsAbandoned, "Sessions abandoned on operator request or shutdown timeout.", "peripheral")
	p.counter(ports.MetricBufferEvictions, "Samples evicted from a full per-peripheral queue.", "peripheral")
	p.counter(ports.MetricSamplesDelivered, "Samples acknowledged by the uplink.")
	p.counter(ports.MetricBatchesRejected, "Batches the remote server refused.")
	p.counter(ports.MetricDeliveryRetries, "Delivery attempts that failed transiently and were requeued.")

	p.gauge(ports.MetricBufferLength, "Samples currently buffered across all peripherals.")
	p.gauge(ports.MetricRecorderBytes, "Size of the raw frame recording on disk.")

	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    ports.MetricDeliveryLatency,
		Help:    "Duration of successful uplink deliveries.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})
	p.registry.MustRegister(latency)
	p.histos[ports.MetricDeliveryLatency] = latency

	return p
}

// Registry exposes the gatherer for the /metrics handler.
func (p *PromObs) Registry() *prometheus.Registry { return p.registry }

func (p *PromObs) Logger() *slog.Logger { return p.log }

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.log.Info(msg, attrs(nil, fields)...)
}

func (p *PromObs) LogWarn(msg string, fields ...ports.Field) {
	p.log.Warn(msg, attrs(nil, fields)...)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.log.Error(msg, attrs(err, fields)...)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	p.log.Error(msg, append(attrs(err, fields), slog.Bool("critical", true))...)
}

func (p *PromObs) IncCounter(name string, v float64, labels ...string) {
	if c, ok := p.counters[name]; ok {
		if m, err := c.GetMetricWithLabelValues(labels...); err == nil {
			m.Add(v)
		}
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64, labels ...string) {
	if g, ok := p.gauges[name]; ok {
		if m, err := g.GetMetricWithLabelValues(labels...); err == nil {
			m.Set(v)
		}
	}
}

func (p *PromObs) counter(name, help string, labels ...string) {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	p.registry.MustRegister(c)
	p.counters[name] = c
}

func (p *PromObs) gauge(name, help string, labels ...string) {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	p.registry.MustRegister(g)
	p.gauges[name] = g
}

func attrs(err error, fields []ports.Field) []any {
	out := make([]any, 0, len(fields)+1)
	if err != nil {
		out = append(out, slog.String("error", err.Error()))
	}
	for _, f := range fields {
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}

var _ ports.Observability = (*PromObs)(nil)
