// Package metrics exposes Prometheus metrics for the frame streamer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "formcoach"

type Metrics struct {
	registry *prometheus.Registry

	// Capture loop
	FramesCaptured prometheus.Counter
	FramesSent     prometheus.Counter
	FramesDropped  *prometheus.CounterVec
	EncodeErrors   prometheus.Counter
	EncodeDuration prometheus.Histogram
	FrameBytes     prometheus.Histogram
	QueueDepth     prometheus.Gauge

	// Stream sessions
	Streaming      prometheus.Gauge
	StreamsStarted prometheus.Counter
	CameraErrors   *prometheus.CounterVec

	// Backend connection
	SocketConnected   prometheus.Gauge
	SocketConnects    prometheus.Counter
	SocketDisconnects prometheus.Counter

	// Feedback
	FeedbackUpdates prometheus.Counter
	RepCount        prometheus.Gauge
}

// New registers all metrics on a fresh registry, so several instances (as in
// tests) never collide.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		FramesCaptured: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_captured_total",
			Help:      "Frames drawn from the camera and encoded",
		}),
		FramesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames handed to the backend connection",
		}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames discarded before reaching the backend",
		}, []string{"reason"}), // reason: queue_full, disconnected, stale
		EncodeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_encode_errors_total",
			Help:      "Frames that failed to capture or encode",
		}),
		EncodeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_encode_duration_seconds",
			Help:      "Time to draw and JPEG-encode one frame",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1},
		}),
		FrameBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_payload_bytes",
			Help:      "Size of encoded frame payloads",
			Buckets:   prometheus.ExponentialBuckets(4096, 2, 8),
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frame_queue_depth",
			Help:      "Frames waiting to be sent",
		}),

		Streaming: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streaming",
			Help:      "1 while a stream session is active",
		}),
		StreamsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_started_total",
			Help:      "Stream sessions started",
		}),
		CameraErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "camera_errors_total",
			Help:      "Failed camera acquisitions",
		}, []string{"reason"}), // reason: permission, device, other

		SocketConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_connected",
			Help:      "1 while the backend connection is up",
		}),
		SocketConnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_connects_total",
			Help:      "Successful backend connections",
		}),
		SocketDisconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_disconnects_total",
			Help:      "Backend connections lost or closed",
		}),

		FeedbackUpdates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_updates_total",
			Help:      "Feedback state changes received from the backend",
		}),
		RepCount: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rep_count",
			Help:      "Latest rep count reported by the backend",
		}),
	}
}

func (m *Metrics) ObserveEncode(start time.Time, size int) {
	m.EncodeDuration.Observe(time.Since(start).Seconds())
	m.FrameBytes.Observe(float64(size))
	m.FramesCaptured.Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
