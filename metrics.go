package srpc

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the round-trip latency histogram buckets in
// nanoseconds, covering 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for an RPC core:
// posts, completions, pool pressure, and handshake outcomes.
type Metrics struct {
	SendOps atomic.Uint64 // Messages posted via send_to
	RecvOps atomic.Uint64 // Messages delivered via on_recv

	SendBytes atomic.Uint64 // Bytes sent (full frame size per send)
	RecvBytes atomic.Uint64 // Bytes received (payload only)

	PostErrors       atomic.Uint64 // Failed ibv_post_send/ibv_post_recv
	CompletionErrors atomic.Uint64 // Completions with non-success status
	DecodeErrors     atomic.Uint64 // Frames that failed to decode
	UnknownTagDrops  atomic.Uint64 // Messages dropped for an unregistered tag
	UnknownPeerDrops atomic.Uint64 // Operations dropped for an unknown peer

	PoolExhaustedCount atomic.Uint64 // Times a region pool had nothing vacant

	HandshakeAttempts atomic.Uint64 // get_endpoint RPC attempts
	HandshakeFailures atomic.Uint64 // get_endpoint exchanges that failed after retrying
	HandshakeSuccess  atomic.Uint64 // Sessions successfully established

	// Cumulative round-trip latency, for computing an average.
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// LatencyHistogram[i] holds the cumulative count of operations with
	// latency <= LatencyBuckets[i] (the package-level histogram bounds).
	LatencyHistogram [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSend records a completed send_to, including its posted-to-completed
// latency.
func (m *Metrics) RecordSend(bytes uint64, latencyNs uint64, success bool) {
	m.SendOps.Add(1)
	if success {
		m.SendBytes.Add(bytes)
	} else {
		m.PostErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordRecv records a delivered on_recv.
func (m *Metrics) RecordRecv(bytes uint64) {
	m.RecvOps.Add(1)
	m.RecvBytes.Add(bytes)
}

// RecordCompletionError records a work completion with a non-success status.
func (m *Metrics) RecordCompletionError() {
	m.CompletionErrors.Add(1)
}

// RecordDecodeError records a frame or message that failed to decode.
func (m *Metrics) RecordDecodeError() {
	m.DecodeErrors.Add(1)
}

// RecordUnknownTag records a message dropped for lacking a registered callback.
func (m *Metrics) RecordUnknownTag() {
	m.UnknownTagDrops.Add(1)
}

// RecordUnknownPeer records an operation dropped for referencing an unknown peer.
func (m *Metrics) RecordUnknownPeer() {
	m.UnknownPeerDrops.Add(1)
}

// RecordPoolExhausted records a memory-region pool acquisition that found
// nothing vacant.
func (m *Metrics) RecordPoolExhausted() {
	m.PoolExhaustedCount.Add(1)
}

// RecordHandshakeAttempt records one get_endpoint RPC attempt and whether it
// succeeded.
func (m *Metrics) RecordHandshakeAttempt(success bool) {
	m.HandshakeAttempts.Add(1)
	if success {
		m.HandshakeSuccess.Add(1)
	} else {
		m.HandshakeFailures.Add(1)
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyHistogram[i].Add(1)
		}
	}
}

// Stop marks the core as stopped, fixing the uptime reported by Snapshot.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics plus derived statistics.
type MetricsSnapshot struct {
	SendOps uint64
	RecvOps uint64

	SendBytes uint64
	RecvBytes uint64

	PostErrors       uint64
	CompletionErrors uint64
	DecodeErrors     uint64
	UnknownTagDrops  uint64
	UnknownPeerDrops uint64

	PoolExhaustedCount uint64

	HandshakeAttempts uint64
	HandshakeFailures uint64
	HandshakeSuccess  uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	SendThroughputBps float64
	RecvThroughputBps float64
	TotalOps          uint64
	TotalBytes        uint64
}

// Snapshot takes a point-in-time snapshot of the metrics, computing
// derived rates and latency percentiles.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		SendOps:            m.SendOps.Load(),
		RecvOps:            m.RecvOps.Load(),
		SendBytes:          m.SendBytes.Load(),
		RecvBytes:          m.RecvBytes.Load(),
		PostErrors:         m.PostErrors.Load(),
		CompletionErrors:   m.CompletionErrors.Load(),
		DecodeErrors:       m.DecodeErrors.Load(),
		UnknownTagDrops:    m.UnknownTagDrops.Load(),
		UnknownPeerDrops:   m.UnknownPeerDrops.Load(),
		PoolExhaustedCount: m.PoolExhaustedCount.Load(),
		HandshakeAttempts:  m.HandshakeAttempts.Load(),
		HandshakeFailures:  m.HandshakeFailures.Load(),
		HandshakeSuccess:   m.HandshakeSuccess.Load(),
	}

	snap.TotalOps = snap.SendOps + snap.RecvOps
	snap.TotalBytes = snap.SendBytes + snap.RecvBytes

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.SendThroughputBps = float64(snap.SendBytes) / uptimeSeconds
		snap.RecvThroughputBps = float64(snap.RecvBytes) / uptimeSeconds
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyHistogram[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) by linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyHistogram[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyHistogram[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes all counters, useful between test cases.
func (m *Metrics) Reset() {
	m.SendOps.Store(0)
	m.RecvOps.Store(0)
	m.SendBytes.Store(0)
	m.RecvBytes.Store(0)
	m.PostErrors.Store(0)
	m.CompletionErrors.Store(0)
	m.DecodeErrors.Store(0)
	m.UnknownTagDrops.Store(0)
	m.UnknownPeerDrops.Store(0)
	m.PoolExhaustedCount.Store(0)
	m.HandshakeAttempts.Store(0)
	m.HandshakeFailures.Store(0)
	m.HandshakeSuccess.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyHistogram[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection at each data-plane event,
// so callers (such as the Prometheus collector in internal/metrics) can
// observe without the core depending on any specific backend.
type Observer interface {
	ObserveSend(bytes uint64, latencyNs uint64, success bool)
	ObserveRecv(bytes uint64)
	ObservePoolExhausted()
	ObserveHandshake(success bool)
	ObserveCompletionError()
	ObserveDecodeError()
	ObserveUnknownTag()
	ObserveUnknownPeer()
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveSend(uint64, uint64, bool) {}
func (NoOpObserver) ObserveRecv(uint64)               {}
func (NoOpObserver) ObservePoolExhausted()            {}
func (NoOpObserver) ObserveHandshake(bool)            {}
func (NoOpObserver) ObserveCompletionError()          {}
func (NoOpObserver) ObserveDecodeError()              {}
func (NoOpObserver) ObserveUnknownTag()               {}
func (NoOpObserver) ObserveUnknownPeer()              {}

// MetricsObserver implements Observer by recording into a Metrics instance.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records into the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSend(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordSend(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveRecv(bytes uint64) {
	o.metrics.RecordRecv(bytes)
}

func (o *MetricsObserver) ObservePoolExhausted() {
	o.metrics.RecordPoolExhausted()
}

func (o *MetricsObserver) ObserveHandshake(success bool) {
	o.metrics.RecordHandshakeAttempt(success)
}

func (o *MetricsObserver) ObserveCompletionError() {
	o.metrics.RecordCompletionError()
}

func (o *MetricsObserver) ObserveDecodeError() {
	o.metrics.RecordDecodeError()
}

func (o *MetricsObserver) ObserveUnknownTag() {
	o.metrics.RecordUnknownTag()
}

func (o *MetricsObserver) ObserveUnknownPeer() {
	o.metrics.RecordUnknownPeer()
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
