package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveCalls       prometheus.Gauge
	CallEvents        *prometheus.CounterVec
	CarrierMessages   *prometheus.CounterVec
	UpstreamMessages  *prometheus.CounterVec
	Interruptions     prometheus.Counter
	Errors            *prometheus.CounterVec
	FunctionCalls     *prometheus.CounterVec
	RecordingFiles    *prometheus.CounterVec
	FirstAudioLatency prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of carrier media streams currently relayed.",
		}),
		CallEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Call lifecycle events by type.",
		}, []string{"event"}),
		CarrierMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "carrier_messages_total",
			Help:      "Carrier websocket messages by direction and event.",
		}, []string{"direction", "type"}),
		UpstreamMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_messages_total",
			Help:      "Upstream realtime messages by direction and type.",
		}, []string{"direction", "type"}),
		Interruptions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Assistant utterances truncated by caller barge-in.",
		}),
		Errors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by failure kind.",
		}, []string{"kind"}),
		FunctionCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "function_calls_total",
			Help:      "Dispatched function calls by name and result.",
		}, []string{"name", "result"}),
		RecordingFiles: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recording_files_total",
			Help:      "Recording files written by kind and result.",
		}, []string{"kind", "result"}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from stream start to first assistant audio in milliseconds.",
			Buckets:   []float64{250, 500, 750, 1000, 1500, 2000, 3000, 5000},
		}),
	}
}

// Helpers below accept a nil receiver so components can run without metrics.

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveError(kind string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(kind).Inc()
}

func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.ActiveCalls.Inc()
	m.CallEvents.WithLabelValues("started").Inc()
}

func (m *Metrics) CallEnded(reason string) {
	if m == nil {
		return
	}
	m.ActiveCalls.Dec()
	m.CallEvents.WithLabelValues(reason).Inc()
}

func (m *Metrics) CallEvent(event string) {
	if m == nil {
		return
	}
	m.CallEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) CarrierMessage(direction, typ string) {
	if m == nil {
		return
	}
	m.CarrierMessages.WithLabelValues(direction, typ).Inc()
}

func (m *Metrics) UpstreamMessage(direction, typ string) {
	if m == nil {
		return
	}
	m.UpstreamMessages.WithLabelValues(direction, typ).Inc()
}

func (m *Metrics) Interruption() {
	if m == nil {
		return
	}
	m.Interruptions.Inc()
}

func (m *Metrics) FunctionCall(name string, success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.FunctionCalls.WithLabelValues(name, result).Inc()
}

func (m *Metrics) RecordingFile(kind string, err error) {
	if m == nil {
		return
	}
	result := "written"
	if err != nil {
		result = "failed"
	}
	m.RecordingFiles.WithLabelValues(kind, result).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
