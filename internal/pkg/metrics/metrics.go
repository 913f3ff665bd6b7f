package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector receives refresh events from the coordinators.
type Collector interface {
	ObserveFetch(postcode, channel, result string, took time.Duration)
	SetConsecutiveFailures(postcode, channel string, failures int)
	SetNextRefresh(postcode, channel string, at time.Time)
	IncSkippedTick(postcode string)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) ObserveFetch(string, string, string, time.Duration) {}
func (noopCollector) SetConsecutiveFailures(string, string, int)         {}
func (noopCollector) SetNextRefresh(string, string, time.Time)           {}
func (noopCollector) IncSkippedTick(string)                              {}

// PrometheusCollector exposes refresh metrics via Prometheus.
type PrometheusCollector struct {
	fetches      *prometheus.CounterVec
	fetchSeconds *prometheus.HistogramVec
	failures     *prometheus.GaugeVec
	nextRefresh  *prometheus.GaugeVec
	skippedTicks *prometheus.CounterVec
}

// NewPrometheusCollector registers the refresh metrics with reg.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &PrometheusCollector{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amber_price_fetch_total",
			Help: "Number of price fetches per postcode, channel and result.",
		}, []string{"postcode", "channel", "result"}),
		fetchSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "amber_price_fetch_duration_seconds",
			Help:    "Latency of price fetches.",
			Buckets: prometheus.DefBuckets,
		}, []string{"postcode", "channel"}),
		failures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "amber_price_consecutive_failures",
			Help: "Consecutive failed refreshes of a channel.",
		}, []string{"postcode", "channel"}),
		nextRefresh: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "amber_price_next_refresh_timestamp_seconds",
			Help: "Unix time of the next scheduled refresh of a channel.",
		}, []string{"postcode", "channel"}),
		skippedTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amber_price_skipped_refresh_total",
			Help: "Refreshes skipped because one was already running.",
		}, []string{"postcode"}),
	}

	var err error
	p.fetches, err = register(reg, p.fetches)
	if err != nil {
		return nil, err
	}
	p.fetchSeconds, err = register(reg, p.fetchSeconds)
	if err != nil {
		return nil, err
	}
	p.failures, err = register(reg, p.failures)
	if err != nil {
		return nil, err
	}
	p.nextRefresh, err = register(reg, p.nextRefresh)
	if err != nil {
		return nil, err
	}
	p.skippedTicks, err = register(reg, p.skippedTicks)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// register returns the already registered collector when one with the same descriptor exists.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (p *PrometheusCollector) ObserveFetch(postcode, channel, result string, took time.Duration) {
	if p == nil {
		return
	}
	p.fetches.WithLabelValues(postcode, channel, result).Inc()
	p.fetchSeconds.WithLabelValues(postcode, channel).Observe(took.Seconds())
}

func (p *PrometheusCollector) SetConsecutiveFailures(postcode, channel string, failures int) {
	if p == nil {
		return
	}
	p.failures.WithLabelValues(postcode, channel).Set(float64(failures))
}

func (p *PrometheusCollector) SetNextRefresh(postcode, channel string, at time.Time) {
	if p == nil {
		return
	}
	p.nextRefresh.WithLabelValues(postcode, channel).Set(float64(at.Unix()))
}

func (p *PrometheusCollector) IncSkippedTick(postcode string) {
	if p == nil {
		return
	}
	p.skippedTicks.WithLabelValues(postcode).Inc()
}
