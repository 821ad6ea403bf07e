// Package metrics holds the per-run Prometheus metrics. A harvest is a batch
// job, so metrics are written once per run to a node-exporter textfile
// instead of being scraped.
//
//	epg_harvest_channels_total{outcome}         channels by outcome (ok, empty, failed, retried)
//	epg_harvest_programmes_total                programmes written to the guide
//	epg_harvest_fetch_responses_total{status,via}
//	epg_harvest_resolve_source{source}          1 for the strategy that produced the session
//	epg_harvest_last_run_timestamp_seconds
//	epg_harvest_last_run_duration_seconds
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/snapetech/epgharvest/internal/catalog"
)

// Channel outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeEmpty   = "empty"
	OutcomeFailed  = "failed"
	OutcomeRetried = "retried"
)

type Metrics struct {
	reg *prometheus.Registry

	channels    *prometheus.CounterVec
	programmes  prometheus.Counter
	responses   *prometheus.CounterVec
	source      *prometheus.GaugeVec
	lastRun     prometheus.Gauge
	runDuration prometheus.Gauge
}

// New registers the harvest metrics on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		channels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epg_harvest_channels_total",
			Help: "Channels processed, by outcome.",
		}, []string{"outcome"}),
		programmes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "epg_harvest_programmes_total",
			Help: "Programmes written to the guide.",
		}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "epg_harvest_fetch_responses_total",
			Help: "Backend responses, by HTTP status and transport.",
		}, []string{"status", "via"}),
		source: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "epg_harvest_resolve_source",
			Help: "Credential strategy that produced the session (1 = used).",
		}, []string{"source"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "epg_harvest_last_run_timestamp_seconds",
			Help: "Unix time the last run finished.",
		}),
		runDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "epg_harvest_last_run_duration_seconds",
			Help: "Wall time of the last run.",
		}),
	}
	m.reg.MustRegister(m.channels, m.programmes, m.responses, m.source, m.lastRun, m.runDuration)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Channel(outcome string) { m.channels.WithLabelValues(outcome).Inc() }

func (m *Metrics) Programmes(n int) { m.programmes.Add(float64(n)) }

// Response counts one backend response. Network failures have status 0.
func (m *Metrics) Response(p catalog.RawPayload) {
	via := p.Via
	if via == "" {
		via = "http"
	}
	m.responses.WithLabelValues(strconv.Itoa(p.Status), via).Inc()
}

func (m *Metrics) ResolvedBy(source string) {
	m.source.Reset()
	m.source.WithLabelValues(source).Set(1)
}

// Finish stamps the run end time and duration.
func (m *Metrics) Finish(started, finished time.Time) {
	m.lastRun.Set(float64(finished.Unix()))
	m.runDuration.Set(finished.Sub(started).Seconds())
}

// WriteTextfile writes the registry in text exposition format. An empty path
// is a no-op.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.reg)
}
