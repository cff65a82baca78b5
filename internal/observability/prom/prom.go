package prom

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grindstone/internal/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// CommunicationObserver exports connection metrics to Prometheus.
type CommunicationObserver struct {
	connGauge      *prometheus.GaugeVec
	handshakeTotal *prometheus.CounterVec
	receivedTotal  *prometheus.CounterVec
	sentTotal      *prometheus.CounterVec
	droppedTotal   *prometheus.CounterVec
}

// NewCommunicationObserver registers connection metrics on the registry.
func NewCommunicationObserver(reg *prometheus.Registry) *CommunicationObserver {
	o := &CommunicationObserver{
		connGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "grindstone_connections",
			Help: "Current accepted connections by connection type.",
		}, []string{"type"}),
		handshakeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grindstone_handshakes_total",
			Help: "Handshakes by result.",
		}, []string{"result"}),
		receivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grindstone_messages_received_total",
			Help: "Messages received by connection type and kind.",
		}, []string{"type", "kind"}),
		sentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grindstone_messages_sent_total",
			Help: "Messages written by connection type and kind.",
		}, []string{"type", "kind"}),
		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grindstone_connections_dropped_total",
			Help: "Connections discarded after an error, by reason.",
		}, []string{"type", "reason"}),
	}
	reg.MustRegister(
		o.connGauge,
		o.handshakeTotal,
		o.receivedTotal,
		o.sentTotal,
		o.droppedTotal,
	)
	return o
}

func (o *CommunicationObserver) ConnCount(connectionType string, n int) {
	o.connGauge.WithLabelValues(connectionType).Set(float64(n))
}

func (o *CommunicationObserver) Handshake(result observability.HandshakeResult) {
	o.handshakeTotal.WithLabelValues(string(result)).Inc()
}

func (o *CommunicationObserver) MessageReceived(connectionType, kind string) {
	o.receivedTotal.WithLabelValues(connectionType, kind).Inc()
}

func (o *CommunicationObserver) MessageSent(connectionType, kind string) {
	o.sentTotal.WithLabelValues(connectionType, kind).Inc()
}

func (o *CommunicationObserver) Dropped(connectionType string, reason observability.DropReason) {
	o.droppedTotal.WithLabelValues(connectionType, string(reason)).Inc()
}

// ConsoleObserver exports console metrics to Prometheus.
type ConsoleObserver struct {
	liveAgents    prometheus.Gauge
	reportsMerged prometheus.Counter
	testsMerged   prometheus.Counter
	recording     prometheus.Gauge
}

// NewConsoleObserver registers console metrics on the registry.
func NewConsoleObserver(reg *prometheus.Registry) *ConsoleObserver {
	o := &ConsoleObserver{
		liveAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grindstone_console_live_agents",
			Help: "Agents that reported status within the liveness timeout.",
		}),
		reportsMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grindstone_console_reports_merged_total",
			Help: "Statistics reports merged into the cumulative totals.",
		}),
		testsMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grindstone_console_tests_merged_total",
			Help: "Per-test statistics sets merged into the cumulative totals.",
		}),
		recording: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grindstone_console_recording",
			Help: "1 while the console records reports, 0 otherwise.",
		}),
	}
	reg.MustRegister(o.liveAgents, o.reportsMerged, o.testsMerged, o.recording)
	return o
}

func (o *ConsoleObserver) LiveAgents(n int) {
	o.liveAgents.Set(float64(n))
}

func (o *ConsoleObserver) ReportMerged(tests int) {
	o.reportsMerged.Inc()
	o.testsMerged.Add(float64(tests))
}

func (o *ConsoleObserver) Recording(on bool) {
	if on {
		o.recording.Set(1)
		return
	}
	o.recording.Set(0)
}
