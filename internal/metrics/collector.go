package metrics

import (
	"net/http"

	"github.com/eleven-am/call-relay/internal/backpressure"
	"github.com/eleven-am/call-relay/internal/callsession"
	"github.com/eleven-am/call-relay/internal/frame"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "call_relay"

// Collector turns session and frame notifications into prometheus series.
// It owns its registry so several collectors can coexist in tests.
type Collector struct {
	registry *prometheus.Registry

	active        prometheus.Gauge
	started       prometheus.Counter
	closed        *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	frames        *prometheus.CounterVec
	bytes         *prometheus.CounterVec
	frameErrors   *prometheus.CounterVec
	backpressure  *prometheus.CounterVec
	discarded     prometheus.Counter
	sessionLength prometheus.Histogram
}

func NewCollector(ctrl *backpressure.Controller) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently registered.",
		}),
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions created by a start event.",
		}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Sessions closed, by close reason.",
		}, []string{"reason"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Session state transitions.",
		}, []string{"from", "to"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames relayed, by direction and type.",
		}, []string{"direction", "type"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio payload bytes relayed, by direction.",
		}, []string{"direction"}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_errors_total",
			Help:      "Inbound frames that were not applied, by reason.",
		}, []string{"reason"}),
		backpressure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backpressure_events_total",
			Help:      "Synthesis stream pause and resume notifications.",
		}, []string{"state"}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discarded_audio_bytes_total",
			Help:      "Caller audio accepted by a text-only synthesis stream and dropped.",
		}),
		sessionLength: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Wall time from start event to close.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
	}

	c.registry.MustRegister(
		c.active, c.started, c.closed, c.transitions, c.frames,
		c.bytes, c.frameErrors, c.backpressure, c.discarded, c.sessionLength,
	)
	if ctrl != nil {
		c.registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "buffered_bytes",
				Help:      "Outbound audio bytes awaiting delivery across all sessions.",
			}, func() float64 { return float64(ctrl.TotalBuffered()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "paused_sessions",
				Help:      "Sessions whose synthesis stream is paused.",
			}, func() float64 { return float64(ctrl.PausedGates()) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backpressure_pauses_total",
				Help:      "Times any gate crossed the high water mark.",
			}, func() float64 { return float64(ctrl.TotalPauses()) }),
		)
	}
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RegisterRoutes(e *echo.Echo) {
	e.GET("/metrics", echo.WrapHandler(c.Handler()))
}

func (c *Collector) SessionStarted(callsession.Info) {
	c.started.Inc()
	c.active.Inc()
}

func (c *Collector) StateChanged(_ callsession.Info, from, to callsession.State) {
	c.transitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (c *Collector) SessionClosed(info callsession.Info) {
	c.active.Dec()
	c.closed.WithLabelValues(string(info.CloseReason)).Inc()
	c.frames.WithLabelValues("outbound", string(frame.TypeAudio)).Add(float64(info.OutboundFrames))
	c.frames.WithLabelValues("outbound", string(frame.TypeMark)).Add(float64(info.MarksSent))
	c.bytes.WithLabelValues("outbound").Add(float64(info.OutboundBytes))
	if info.DiscardedAudio > 0 {
		c.discarded.Add(float64(info.DiscardedAudio))
	}
	if !info.CreatedAt.IsZero() && !info.LastActivityAt.IsZero() {
		c.sessionLength.Observe(info.LastActivityAt.Sub(info.CreatedAt).Seconds())
	}
}

func (c *Collector) Backpressure(_ callsession.Info, paused bool) {
	state := "resumed"
	if paused {
		state = "paused"
	}
	c.backpressure.WithLabelValues(state).Inc()
}

func (c *Collector) FrameReceived(t frame.Type, n int) {
	c.frames.WithLabelValues("inbound", string(t)).Inc()
	if n > 0 {
		c.bytes.WithLabelValues("inbound").Add(float64(n))
	}
}

func (c *Collector) FrameDropped(reason string) {
	c.frameErrors.WithLabelValues(reason).Inc()
}
