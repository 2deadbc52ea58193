// Package metrics exports a Prometheus view of a pioneeravr session's
// cached properties. It is a pure observer: it registers itself with
// Properties' per-zone callback and never touches the command path, so a
// panicking or slow scrape never affects the AVR connection (the facade's
// observer dispatch already recovers and logs, per the core's §7
// contract).
//
// Grounded on the teacher's prometheus.go (promauto-registered GaugeVecs
// labeled by band/mode) and PrometheusMetrics struct shape, generalized
// from "one label set per SDR measurement kind" to "one label set per AVR
// zone".
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pioneeravr/pioneeravr"
)

// Exporter holds the gauge vectors published for a session.
type Exporter struct {
	power       *prometheus.GaugeVec
	volume      *prometheus.GaugeVec
	maxVolume   *prometheus.GaugeVec
	mute        *prometheus.GaugeVec
	connection  prometheus.Gauge
}

// NewExporter registers its gauges against reg (use prometheus.DefaultRegisterer
// for the global registry) and returns the Exporter.
func NewExporter(reg prometheus.Registerer) *Exporter {
	factory := promauto.With(reg)
	return &Exporter{
		power: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pioneeravr",
			Name:      "zone_power",
			Help:      "Zone power state (1 = on, 0 = off).",
		}, []string{"zone"}),
		volume: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pioneeravr",
			Name:      "zone_volume",
			Help:      "Zone volume level, in wire units.",
		}, []string{"zone"}),
		maxVolume: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pioneeravr",
			Name:      "zone_max_volume",
			Help:      "Effective max_volume ceiling for the zone.",
		}, []string{"zone"}),
		mute: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pioneeravr",
			Name:      "zone_mute",
			Help:      "Zone mute state (1 = muted, 0 = unmuted).",
		}, []string{"zone"}),
		connection: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pioneeravr",
			Name:      "connection_up",
			Help:      "Whether the AVR TCP connection is currently up.",
		}),
	}
}

// Attach registers the exporter's observer on every real zone of sess, so
// each zone's gauges update whenever Properties.Flush fires for it.
func Attach(sess *pioneeravr.Session, e *Exporter) {
	for _, zone := range pioneeravr.AllZones() {
		sess.RegisterZoneObserver(zone, e.observe)
	}
}

// SetConnectionUp sets the connection_up gauge; wire this to
// Session/Connection connect/disconnect listeners.
func (e *Exporter) SetConnectionUp(up bool) {
	if up {
		e.connection.Set(1)
	} else {
		e.connection.Set(0)
	}
}

func (e *Exporter) observe(snap pioneeravr.Snapshot) {
	label := prometheus.Labels{"zone": snap.Zone.String()}
	e.power.With(label).Set(boolToFloat(snap.Power))
	e.volume.With(label).Set(float64(snap.Volume))
	e.maxVolume.With(label).Set(float64(snap.MaxVolume))
	e.mute.With(label).Set(boolToFloat(snap.Mute))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Config mirrors the listen-address half of what a real deployment would
// load alongside MQTTConfig (spec.md's configuration surface, [ADDED] in
// SPEC_FULL.md §6): whether to expose a scrape endpoint, and where.
type Config struct {
	Enabled    bool
	ListenAddr string
}

// Serve starts a /metrics HTTP server against reg's registry and blocks
// until ctx is cancelled, then shuts the server down. Intended to be run
// in its own goroutine by a caller that also constructs the Exporter
// against the same registry.
func Serve(ctx context.Context, cfg Config, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return server.Close()
	case err := <-errCh:
		return err
	}
}
