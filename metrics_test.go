package srpc

import (
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("Expected 0 initial ops, got %d", snap.TotalOps)
	}

	m.RecordSend(1024, 1_000_000, true)
	m.RecordSend(2048, 2_000_000, true)
	m.RecordSend(512, 500_000, false)
	m.RecordRecv(256)

	snap = m.Snapshot()

	if snap.SendOps != 3 {
		t.Errorf("Expected 3 send ops, got %d", snap.SendOps)
	}
	if snap.RecvOps != 1 {
		t.Errorf("Expected 1 recv op, got %d", snap.RecvOps)
	}
	if snap.SendBytes != 1024+2048 {
		t.Errorf("Expected %d send bytes, got %d", 1024+2048, snap.SendBytes)
	}
	if snap.RecvBytes != 256 {
		t.Errorf("Expected 256 recv bytes, got %d", snap.RecvBytes)
	}
	if snap.PostErrors != 1 {
		t.Errorf("Expected 1 post error, got %d", snap.PostErrors)
	}
}

func TestMetricsDataPlaneDrops(t *testing.T) {
	m := NewMetrics()

	m.RecordCompletionError()
	m.RecordDecodeError()
	m.RecordUnknownTag()
	m.RecordUnknownPeer()
	m.RecordPoolExhausted()

	snap := m.Snapshot()
	if snap.CompletionErrors != 1 {
		t.Errorf("Expected 1 completion error, got %d", snap.CompletionErrors)
	}
	if snap.DecodeErrors != 1 {
		t.Errorf("Expected 1 decode error, got %d", snap.DecodeErrors)
	}
	if snap.UnknownTagDrops != 1 {
		t.Errorf("Expected 1 unknown tag drop, got %d", snap.UnknownTagDrops)
	}
	if snap.UnknownPeerDrops != 1 {
		t.Errorf("Expected 1 unknown peer drop, got %d", snap.UnknownPeerDrops)
	}
	if snap.PoolExhaustedCount != 1 {
		t.Errorf("Expected 1 pool exhausted count, got %d", snap.PoolExhaustedCount)
	}
}

func TestMetricsHandshake(t *testing.T) {
	m := NewMetrics()

	m.RecordHandshakeAttempt(false)
	m.RecordHandshakeAttempt(false)
	m.RecordHandshakeAttempt(true)

	snap := m.Snapshot()
	if snap.HandshakeAttempts != 3 {
		t.Errorf("Expected 3 handshake attempts, got %d", snap.HandshakeAttempts)
	}
	if snap.HandshakeFailures != 2 {
		t.Errorf("Expected 2 handshake failures, got %d", snap.HandshakeFailures)
	}
	if snap.HandshakeSuccess != 1 {
		t.Errorf("Expected 1 handshake success, got %d", snap.HandshakeSuccess)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordSend(1024, 1_000_000, true) // 1ms
	m.RecordSend(1024, 2_000_000, true) // 2ms

	snap := m.Snapshot()

	expectedAvgNs := uint64(1_500_000)
	if snap.AvgLatencyNs != expectedAvgNs {
		t.Errorf("Expected avg latency %d ns, got %d ns", expectedAvgNs, snap.AvgLatencyNs)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	if snap.UptimeNs < 10*1_000_000 {
		t.Errorf("Expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()
	if snap2.UptimeNs > snap.UptimeNs+2*1_000_000 {
		t.Errorf("Uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordSend(1024, 1_000_000, true)
	m.RecordRecv(2048)
	m.RecordPoolExhausted()

	snap := m.Snapshot()
	if snap.TotalOps == 0 {
		t.Error("Expected some operations before reset")
	}

	m.Reset()

	snap = m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("Expected 0 ops after reset, got %d", snap.TotalOps)
	}
	if snap.TotalBytes != 0 {
		t.Errorf("Expected 0 bytes after reset, got %d", snap.TotalBytes)
	}
	if snap.PoolExhaustedCount != 0 {
		t.Errorf("Expected 0 pool exhausted count after reset, got %d", snap.PoolExhaustedCount)
	}
}

func TestObserver(t *testing.T) {
	observer := &NoOpObserver{}
	observer.ObserveSend(1024, 1_000_000, true)
	observer.ObserveRecv(1024)
	observer.ObservePoolExhausted()
	observer.ObserveHandshake(true)
	observer.ObserveCompletionError()
	observer.ObserveDecodeError()
	observer.ObserveUnknownTag()
	observer.ObserveUnknownPeer()

	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveSend(1024, 1_000_000, true)
	metricsObserver.ObserveRecv(2048)
	metricsObserver.ObserveCompletionError()
	metricsObserver.ObserveDecodeError()
	metricsObserver.ObserveUnknownTag()
	metricsObserver.ObserveUnknownPeer()

	snap := m.Snapshot()
	if snap.SendOps != 1 {
		t.Errorf("Expected 1 send op from observer, got %d", snap.SendOps)
	}
	if snap.RecvOps != 1 {
		t.Errorf("Expected 1 recv op from observer, got %d", snap.RecvOps)
	}
	if snap.SendBytes != 1024 {
		t.Errorf("Expected 1024 send bytes from observer, got %d", snap.SendBytes)
	}
	if snap.RecvBytes != 2048 {
		t.Errorf("Expected 2048 recv bytes from observer, got %d", snap.RecvBytes)
	}
	if snap.CompletionErrors != 1 {
		t.Errorf("Expected 1 completion error from observer, got %d", snap.CompletionErrors)
	}
	if snap.DecodeErrors != 1 {
		t.Errorf("Expected 1 decode error from observer, got %d", snap.DecodeErrors)
	}
	if snap.UnknownTagDrops != 1 {
		t.Errorf("Expected 1 unknown tag drop from observer, got %d", snap.UnknownTagDrops)
	}
	if snap.UnknownPeerDrops != 1 {
		t.Errorf("Expected 1 unknown peer drop from observer, got %d", snap.UnknownPeerDrops)
	}
}

func TestMetricsThroughput(t *testing.T) {
	m := NewMetrics()

	startTime := time.Now()
	m.StartTime.Store(startTime.UnixNano())

	m.RecordSend(1024, 1_000_000, true)
	m.RecordRecv(2048)

	stopTime := startTime.Add(1 * time.Second)
	m.StopTime.Store(stopTime.UnixNano())

	snap := m.Snapshot()

	if snap.SendThroughputBps < 1000 || snap.SendThroughputBps > 1050 {
		t.Errorf("Expected SendThroughputBps ~1024, got %.2f", snap.SendThroughputBps)
	}
	if snap.RecvThroughputBps < 2000 || snap.RecvThroughputBps > 2100 {
		t.Errorf("Expected RecvThroughputBps ~2048, got %.2f", snap.RecvThroughputBps)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 50; i++ {
		m.RecordSend(1024, 500_000, true) // 500us
	}
	for i := 0; i < 49; i++ {
		m.RecordSend(1024, 5_000_000, true) // 5ms
	}
	m.RecordSend(1024, 50_000_000, true) // 50ms, the single slowest sample

	snap := m.Snapshot()

	if snap.TotalOps != 100 {
		t.Errorf("Expected 100 total ops, got %d", snap.TotalOps)
	}

	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("Expected P50 in 100us-1ms range, got %d ns", snap.LatencyP50Ns)
	}

	if snap.LatencyP99Ns < 5_000_000 || snap.LatencyP99Ns > 100_000_000 {
		t.Errorf("Expected P99 in 5ms-100ms range, got %d ns", snap.LatencyP99Ns)
	}

	totalInBuckets := uint64(0)
	for i := 0; i < len(snap.LatencyHistogram); i++ {
		totalInBuckets += snap.LatencyHistogram[i]
	}
	if totalInBuckets == 0 {
		t.Error("Expected histogram buckets to be populated")
	}
}
