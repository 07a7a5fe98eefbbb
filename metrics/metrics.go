// Package metrics exposes Prometheus instrumentation for the voicewire
// pipeline. Counters mirror the per-component atomic statistics so a
// monitoring layer can scrape them without polling stats snapshots.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once

	// Transmit metrics
	PacketsSent   prometheus.Counter
	BytesSent     prometheus.Counter
	ChunksDropped prometheus.Counter
	SendErrors    prometheus.Counter

	// Receive metrics
	PacketsReceived prometheus.Counter
	BytesReceived   prometheus.Counter
	PacketsLost     prometheus.Counter
	DecodeFailures  prometheus.Counter
	FramesComplete  prometheus.Counter
	FramesExpired   prometheus.Counter
	QueueDropped    prometheus.Counter
	Underruns       prometheus.Counter

	// Synchronizer metrics
	BufferDepth       prometheus.Gauge
	BufferAdjustments prometheus.Counter
	QualityScore      prometheus.Gauge
)

// Init builds the registry and registers all pipeline metrics. Safe to
// call more than once; only the first call takes effect.
func Init() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		PacketsSent = newCounter("voicewire_packets_sent_total", "Total datagrams sent by the transmitter")
		BytesSent = newCounter("voicewire_bytes_sent_total", "Total payload and header bytes sent")
		ChunksDropped = newCounter("voicewire_chunks_dropped_total", "Audio chunks dropped because the send queue was full")
		SendErrors = newCounter("voicewire_send_errors_total", "Datagram send failures")

		PacketsReceived = newCounter("voicewire_packets_received_total", "Total datagrams received")
		BytesReceived = newCounter("voicewire_bytes_received_total", "Total bytes received")
		PacketsLost = newCounter("voicewire_packets_lost_total", "Frames counted as lost from sequence gaps and expired reassembly entries")
		DecodeFailures = newCounter("voicewire_decode_failures_total", "Datagrams dropped because the header failed to decode")
		FramesComplete = newCounter("voicewire_frames_complete_total", "Audio chunks fully reassembled")
		FramesExpired = newCounter("voicewire_frames_expired_total", "Incomplete reassembly entries evicted on timeout")
		QueueDropped = newCounter("voicewire_playback_queue_dropped_total", "Chunks evicted from a full playback queue")
		Underruns = newCounter("voicewire_playback_underruns_total", "Playback polls that found the queue empty")

		BufferDepth = newGauge("voicewire_buffer_depth", "Current playback queue capacity in chunks")
		BufferAdjustments = newCounter("voicewire_buffer_adjustments_total", "Buffer depth changes applied by the synchronizer")
		QualityScore = newGauge("voicewire_quality_score", "Blended session quality score (0-100)")

		logrus.WithFields(logrus.Fields{
			"function": "Init",
		}).Debug("Prometheus metrics registered")
	})
}

func newCounter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	registry.MustRegister(c)
	return c
}

func newGauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	registry.MustRegister(g)
	return g
}

// Handler returns an HTTP handler serving the voicewire registry in
// Prometheus exposition format. The caller decides where to mount it;
// this package never starts a server.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// AddCounter increments a counter when metrics are initialized, and is
// a no-op otherwise. Components use it so metrics stay optional.
func AddCounter(c prometheus.Counter, delta float64) {
	if c != nil && delta > 0 {
		c.Add(delta)
	}
}

// SetGauge sets a gauge when metrics are initialized, no-op otherwise.
func SetGauge(g prometheus.Gauge, value float64) {
	if g != nil {
		g.Set(value)
	}
}
