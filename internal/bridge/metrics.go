package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Call outcome labels.
const (
	outcomeSuccess     = "success"
	outcomeRemoteError = "remote_error"
	outcomeTimeout     = "timeout"
	outcomeTransport   = "transport_error"
	outcomeDecode      = "decode_error"
)

// Dispatch terminal-state labels, matching the per-message state machine.
const (
	dispatchAckedSuccess     = "acked_success"
	dispatchAckedBusinessErr = "acked_business_error"
	dispatchNackedFault      = "nacked_fault"
)

// Metrics holds the bridge's Prometheus collectors. A nil *Metrics is valid
// and turns every observation into a no-op.
type Metrics struct {
	CallsTotal       *prometheus.CounterVec
	CallDuration     prometheus.Histogram
	DispatchTotal    *prometheus.CounterVec
	DispatchInflight prometheus.Gauge
	HandlerDuration  prometheus.Histogram
	OpenConnections  prometheus.Gauge
}

// NewMetrics builds and registers the collectors. A nil registerer falls
// back to the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mqbridge",
			Name:      "calls_total",
			Help:      "Outbound calls by outcome.",
		}, []string{"outcome"}),
		CallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mqbridge",
			Name:      "call_duration_seconds",
			Help:      "Outbound call round-trip duration.",
			Buckets:   prometheus.DefBuckets,
		}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mqbridge",
			Name:      "dispatch_total",
			Help:      "Inbound messages by terminal state.",
		}, []string{"result"}),
		DispatchInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mqbridge",
			Name:      "dispatch_inflight",
			Help:      "Inbound messages currently in processing.",
		}),
		HandlerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mqbridge",
			Name:      "handler_duration_seconds",
			Help:      "Handler execution duration for inbound calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		OpenConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mqbridge",
			Name:      "open_connections",
			Help:      "Broker connections currently open in the pool.",
		}),
	}

	reg.MustRegister(
		m.CallsTotal,
		m.CallDuration,
		m.DispatchTotal,
		m.DispatchInflight,
		m.HandlerDuration,
		m.OpenConnections,
	)
	return m
}

func (m *Metrics) observeCall(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(outcome).Inc()
	m.CallDuration.Observe(seconds)
}

func (m *Metrics) dispatchStarted() {
	if m == nil {
		return
	}
	m.DispatchInflight.Inc()
}

func (m *Metrics) dispatchFinished(result string) {
	if m == nil {
		return
	}
	m.DispatchInflight.Dec()
	m.DispatchTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) observeHandler(seconds float64) {
	if m == nil {
		return
	}
	m.HandlerDuration.Observe(seconds)
}

func (m *Metrics) poolGauge() prometheus.Gauge {
	if m == nil {
		return nil
	}
	return m.OpenConnections
}
