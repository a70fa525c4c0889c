package hal

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const metricsNamespace = "camhal"

// Metrics are the counters a Hardware instance keeps. They survive instance
// replacement when the same registerer is reused.
type Metrics struct {
	FramesReceived  prometheus.Counter
	FramesDropped   *prometheus.CounterVec
	FramesDelivered *prometheus.CounterVec
	FramesReleased  prometheus.Counter
	ZoomBlits       *prometheus.CounterVec
	DriverCommands  *prometheus.CounterVec
	Snapshots       *prometheus.CounterVec
	AutoFocus       *prometheus.CounterVec
	Timeouts        prometheus.Counter
	RecordWait      prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_received_total",
			Help:      "Frames handed over by the frame pump.",
		}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped before delivery.",
		}, []string{"reason"}),
		FramesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_delivered_total",
			Help:      "Frames delivered to a consumer.",
		}, []string{"consumer"}),
		FramesReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "recording_frames_released_total",
			Help:      "Recording frames acknowledged by the consumer.",
		}),
		ZoomBlits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "zoom_blits_total",
			Help:      "Zoomed preview frames scaled into a spare region.",
		}, []string{"result"}),
		DriverCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "driver_commands_total",
			Help:      "Control commands sent to the driver.",
		}, []string{"command", "result"}),
		Snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "snapshots_total",
			Help:      "Snapshots taken.",
		}, []string{"result"}),
		AutoFocus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "autofocus_total",
			Help:      "Auto focus requests by outcome.",
		}, []string{"result"}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frame_timeouts_total",
			Help:      "Frame timeouts reported by the vendor library.",
		}),
		RecordWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "recording_release_wait_seconds",
			Help:      "Time the frame pump waited for a recording frame to be released.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
	if reg == nil {
		return m
	}
	m.FramesReceived = register(reg, m.FramesReceived)
	m.FramesDropped = register(reg, m.FramesDropped)
	m.FramesDelivered = register(reg, m.FramesDelivered)
	m.FramesReleased = register(reg, m.FramesReleased)
	m.ZoomBlits = register(reg, m.ZoomBlits)
	m.DriverCommands = register(reg, m.DriverCommands)
	m.Snapshots = register(reg, m.Snapshots)
	m.AutoFocus = register(reg, m.AutoFocus)
	m.Timeouts = register(reg, m.Timeouts)
	m.RecordWait = register(reg, m.RecordWait)
	return m
}

// register returns the collector already registered under the same
// descriptor, if any, so a replacement instance keeps counting.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		log.Warnf("metrics: %v", err)
	}
	return c
}

// counterValue reads the current value of a counter.
func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
