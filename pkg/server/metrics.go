package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus metric descriptors for the gateway.
type Metrics struct {
	startTime time.Time

	linesDecoded    prometheus.Counter
	eventsPublished prometheus.Counter
	batchesFlushed  prometheus.Counter
	commandsSent    prometheus.Counter
	rpcRequests     *prometheus.CounterVec
	wsSubscribers   prometheus.Gauge
	uptimeSeconds   prometheus.Gauge
	memoryHeapBytes prometheus.Gauge
	goroutines      prometheus.Gauge
}

// NewMetrics creates and registers the gateway metrics.
func NewMetrics(startTime time.Time) *Metrics {
	m := &Metrics{
		startTime: startTime,
		linesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drclient_lines_decoded_total",
			Help: "Raw game lines fed to the decoder.",
		}),
		eventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drclient_events_published_total",
			Help: "Events published to the broadcaster.",
		}),
		batchesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drclient_batches_flushed_total",
			Help: "Coalesced batches delivered to subscribers.",
		}),
		commandsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drclient_commands_sent_total",
			Help: "Commands injected into the game session.",
		}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drclient_script_rpc_requests_total",
			Help: "Script RPC requests by verb.",
		}, []string{"verb"}),
		wsSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drclient_ws_subscribers",
			Help: "Currently connected WebSocket subscribers.",
		}),
		uptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drclient_uptime_seconds",
			Help: "Gateway uptime in seconds.",
		}),
		memoryHeapBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drclient_memory_heap_bytes",
			Help: "Go heap memory allocated in bytes.",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drclient_goroutines",
			Help: "Number of active goroutines.",
		}),
	}

	prometheus.MustRegister(
		m.linesDecoded,
		m.eventsPublished,
		m.batchesFlushed,
		m.commandsSent,
		m.rpcRequests,
		m.wsSubscribers,
		m.uptimeSeconds,
		m.memoryHeapBytes,
		m.goroutines,
	)
	return m
}

// Update refreshes the runtime gauges.
func (m *Metrics) Update() {
	m.uptimeSeconds.Set(time.Since(m.startTime).Seconds())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.memoryHeapBytes.Set(float64(mem.HeapAlloc))
	m.goroutines.Set(float64(runtime.NumGoroutine()))
}

// Handler returns an http.Handler that updates gauges before serving.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.Update()
		promhttp.Handler().ServeHTTP(w, r)
	})
}
