// Package metrics exports the RPC core's data-plane events as
// Prometheus collectors. Every method is safe to call on a nil
// *Collector, so metrics can be wired in conditionally without
// littering call sites with nil checks.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector records data-plane events as Prometheus counters, gauges,
// and a histogram. It implements the same method shape as the root
// package's Observer interface, so it can be passed anywhere an Observer
// is expected without this package importing the root package.
type Collector struct {
	sendTotal      *prometheus.CounterVec
	sendBytes      prometheus.Counter
	recvTotal      prometheus.Counter
	recvBytes      prometheus.Counter
	sendLatency    prometheus.Histogram
	poolExhausted  prometheus.Counter
	handshakeTotal *prometheus.CounterVec
	dropsTotal     *prometheus.CounterVec
}

// NewCollector creates a Collector. Pass a non-nil reg to register its
// metrics immediately; pass nil to build an unregistered Collector for
// tests.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sendTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "srpc_send_total",
				Help: "Total RDMA sends by result (success, failed).",
			},
			[]string{"result"},
		),
		sendBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "srpc_send_bytes_total",
				Help: "Total bytes posted as RDMA sends.",
			},
		),
		recvTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "srpc_recv_total",
				Help: "Total RDMA receives delivered to the dispatcher.",
			},
		),
		recvBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "srpc_recv_bytes_total",
				Help: "Total payload bytes decoded from RDMA receives.",
			},
		),
		sendLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "srpc_send_latency_seconds",
				Help:    "Observed send-to-completion latency.",
				Buckets: prometheus.DefBuckets,
			},
		),
		poolExhausted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "srpc_pool_exhausted_total",
				Help: "Total times a memory-region pool had no vacant region to acquire.",
			},
		),
		handshakeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "srpc_handshake_total",
				Help: "Total get_endpoint handshakes by result (success, failed).",
			},
			[]string{"result"},
		),
		dropsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "srpc_drops_total",
				Help: "Total data-plane drops by reason (completion_error, decode_error, unknown_tag, unknown_peer).",
			},
			[]string{"reason"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			c.sendTotal,
			c.sendBytes,
			c.recvTotal,
			c.recvBytes,
			c.sendLatency,
			c.poolExhausted,
			c.handshakeTotal,
			c.dropsTotal,
		)
	}

	return c
}

// ObserveSend records one completed send.
func (c *Collector) ObserveSend(bytes uint64, latencyNs uint64, success bool) {
	if c == nil {
		return
	}
	result := "success"
	if !success {
		result = "failed"
	}
	c.sendTotal.WithLabelValues(result).Inc()
	c.sendBytes.Add(float64(bytes))
	c.sendLatency.Observe(float64(latencyNs) / 1e9)
}

// ObserveRecv records one delivered receive.
func (c *Collector) ObserveRecv(bytes uint64) {
	if c == nil {
		return
	}
	c.recvTotal.Inc()
	c.recvBytes.Add(float64(bytes))
}

// ObservePoolExhausted records one pool-exhaustion event.
func (c *Collector) ObservePoolExhausted() {
	if c == nil {
		return
	}
	c.poolExhausted.Inc()
}

// ObserveHandshake records one completed handshake attempt.
func (c *Collector) ObserveHandshake(success bool) {
	if c == nil {
		return
	}
	result := "success"
	if !success {
		result = "failed"
	}
	c.handshakeTotal.WithLabelValues(result).Inc()
}

// ObserveCompletionError records one work completion with a non-success status.
func (c *Collector) ObserveCompletionError() {
	if c == nil {
		return
	}
	c.dropsTotal.WithLabelValues("completion_error").Inc()
}

// ObserveDecodeError records one frame or message that failed to decode.
func (c *Collector) ObserveDecodeError() {
	if c == nil {
		return
	}
	c.dropsTotal.WithLabelValues("decode_error").Inc()
}

// ObserveUnknownTag records one message dropped for lacking a registered callback.
func (c *Collector) ObserveUnknownTag() {
	if c == nil {
		return
	}
	c.dropsTotal.WithLabelValues("unknown_tag").Inc()
}

// ObserveUnknownPeer records one operation dropped for referencing an unknown peer.
func (c *Collector) ObserveUnknownPeer() {
	if c == nil {
		return
	}
	c.dropsTotal.WithLabelValues("unknown_peer").Inc()
}
