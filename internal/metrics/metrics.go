// Package metrics exposes scrape-loop and ingestion instrumentation on an
// internal listen address.
package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	Requests  *prometheus.CounterVec // command, outcome labels
	Latency   *prometheus.HistogramVec
	Flushes   prometheus.Counter
	FlushErrs prometheus.Counter

	ObservationsInserted prometheus.Counter
	ObservationsDuped    prometheus.Counter
	SeriesAppends        prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	PendingBundleEntries prometheus.Gauge
	EstimateDuration     prometheus.Histogram
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_upstream_requests_total",
			Help: "Upstream requests by command and classified outcome.",
		}, []string{"command", "outcome"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tracker_upstream_latency_seconds",
			Help:    "Upstream request latency by command.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"command"}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_bundle_flushes_total",
			Help: "Total raw-bundle flushes.",
		}),
		FlushErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_bundle_flush_errors_total",
			Help: "Total failed raw-bundle flushes.",
		}),
		ObservationsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_observations_inserted_total",
			Help: "Observation rows written.",
		}),
		ObservationsDuped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_observations_duplicate_total",
			Help: "Observation rows rejected as duplicates.",
		}),
		SeriesAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_series_appends_total",
			Help: "Time-series points appended.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Raw exchanges published to NATS.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if the NATS connection is established.",
		}),
		PendingBundleEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_pending_bundle_entries",
			Help: "Unflushed raw-bundle entries across commands.",
		}),
		EstimateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_estimate_duration_seconds",
			Help:    "Duration of one estimation query.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}

	reg.MustRegister(
		c.Requests, c.Latency, c.Flushes, c.FlushErrs,
		c.ObservationsInserted, c.ObservationsDuped, c.SeriesAppends,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.PendingBundleEntries, c.EstimateDuration,
	)
	return c
}

// PublishedInc, PublishErrInc, and SetConnected satisfy pubsub.Metrics.
func (c *Collector) PublishedInc()  { c.NATSPublished.Inc() }
func (c *Collector) PublishErrInc() { c.NATSPublishErrs.Inc() }
func (c *Collector) SetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

// ObserveRequest records one classified upstream exchange.
func (c *Collector) ObserveRequest(command, outcome string, latency time.Duration) {
	c.Requests.WithLabelValues(command, outcome).Inc()
	c.Latency.WithLabelValues(command).Observe(latency.Seconds())
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr in a background goroutine.
func (c *Collector) Serve(addr string, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", "err", err)
		}
	}()
	log.Info("metrics listening", "addr", addr)
	return srv
}
