// Package metrics exposes module-plane Prometheus metrics.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PlaneMetrics wraps the prometheus collectors for the module plane.
type PlaneMetrics struct {
	registry *prometheus.Registry

	invocationsTotal *prometheus.CounterVec
	invokeDuration   *prometheus.HistogramVec
	timeoutsTotal    *prometheus.CounterVec
	instancesUp      *prometheus.GaugeVec
	instanceDeaths   *prometheus.CounterVec
	wsClients        prometheus.Gauge
	wsBroadcasts     prometheus.Counter
	mpcTotal         *prometheus.CounterVec
}

// Invoke duration buckets in milliseconds.
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 30000}

var (
	mu    sync.RWMutex
	plane *PlaneMetrics
)

// Init initializes the Prometheus metrics subsystem.
func Init(namespace string) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PlaneMetrics{
		registry: registry,
		invocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total module handler invocations",
			},
			[]string{"module", "kind", "status"},
		),
		invokeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invoke_duration_ms",
				Help:      "Module invocation duration in milliseconds",
				Buckets:   defaultBuckets,
			},
			[]string{"module"},
		),
		timeoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invoke_timeouts_total",
				Help:      "Invocations that hit their deadline",
			},
			[]string{"module"},
		),
		instancesUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "instances_up",
				Help:      "Live instances per module",
			},
			[]string{"module"},
		),
		instanceDeaths: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instance_deaths_total",
				Help:      "Instances reaped by the supervisor",
			},
			[]string{"module"},
		),
		wsClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ws_clients",
				Help:      "Connected WebSocket clients",
			},
		),
		wsBroadcasts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ws_broadcasts_total",
				Help:      "Broadcast fan-outs performed",
			},
		),
		mpcTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mpc_calls_total",
				Help:      "Inter-module calls routed through the bus",
			},
			[]string{"target", "status"},
		),
	}
	registry.MustRegister(
		pm.invocationsTotal, pm.invokeDuration, pm.timeoutsTotal,
		pm.instancesUp, pm.instanceDeaths, pm.wsClients, pm.wsBroadcasts,
		pm.mpcTotal,
	)

	mu.Lock()
	plane = pm
	mu.Unlock()
}

func get() *PlaneMetrics {
	mu.RLock()
	defer mu.RUnlock()
	return plane
}

// Handler returns the /metrics HTTP handler, nil before Init.
func Handler() http.Handler {
	pm := get()
	if pm == nil {
		return nil
	}
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

func RecordInvocation(module, kind, status string, d time.Duration) {
	pm := get()
	if pm == nil {
		return
	}
	pm.invocationsTotal.WithLabelValues(module, kind, status).Inc()
	pm.invokeDuration.WithLabelValues(module).Observe(float64(d.Milliseconds()))
}

func RecordTimeout(module string) {
	if pm := get(); pm != nil {
		pm.timeoutsTotal.WithLabelValues(module).Inc()
	}
}

func SetInstances(module string, n int) {
	if pm := get(); pm != nil {
		pm.instancesUp.WithLabelValues(module).Set(float64(n))
	}
}

func RecordInstanceDeath(module string) {
	if pm := get(); pm != nil {
		pm.instanceDeaths.WithLabelValues(module).Inc()
	}
}

func SetWSClients(n int) {
	if pm := get(); pm != nil {
		pm.wsClients.Set(float64(n))
	}
}

func RecordBroadcast() {
	if pm := get(); pm != nil {
		pm.wsBroadcasts.Inc()
	}
}

func RecordMPC(target, status string) {
	if pm := get(); pm != nil {
		pm.mpcTotal.WithLabelValues(target, status).Inc()
	}
}
