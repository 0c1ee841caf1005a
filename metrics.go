package tcpagent

import "github.com/prometheus/client_golang/prometheus"

// metricsSet is the Prometheus surface of the agent, grounded on the
// gauge/counter style of systemli-userli-postfix-adapter/prometheus.go.
type metricsSet struct {
	activeConnections prometheus.Gauge
	freePoolSize      prometheus.Gauge
	gcPending         prometheus.Gauge
	connectsTotal     prometheus.Counter
	connectErrors     prometheus.Counter
	bytesReceived     prometheus.Counter
	bytesSent         prometheus.Counter
}

func newMetrics(namespace string, reg prometheus.Registerer) *metricsSet {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &metricsSet{
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_connections",
			Help: "Number of currently live connections.",
		}),
		freePoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "free_pool_size",
			Help: "Number of connection records currently held in the free pool.",
		}),
		gcPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "gc_pending",
			Help: "Number of connection records awaiting GC release.",
		}),
		connectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connects_total",
			Help: "Total number of successful connection completions.",
		}),
		connectErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connect_errors_total",
			Help: "Total number of failed connection attempts.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_received_total",
			Help: "Total bytes delivered via OnReceive.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_sent_total",
			Help: "Total bytes delivered via OnSend.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.activeConnections, m.freePoolSize, m.gcPending,
		m.connectsTotal, m.connectErrors, m.bytesReceived, m.bytesSent,
	} {
		_ = reg.Register(c) // duplicate registration (e.g. in tests) is tolerated
	}
	return m
}
