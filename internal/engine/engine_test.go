package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srpcnet/srpc/internal/codec"
	"github.com/srpcnet/srpc/internal/pool"
	"github.com/srpcnet/srpc/internal/verbs"
)

func TestEngineLoopbackSendRecv(t *testing.T) {
	dev, err := verbs.Open("", 0, 0)
	require.NoError(t, err)
	defer dev.Close()

	var received []codec.Message
	e := New(Config{
		Device: dev,
		MRSize: 256,
		OnRecv: func(sessionID uint32, msg codec.Message) {
			received = append(received, msg)
		},
	})

	localEP, err := e.CreateSession(1)
	require.NoError(t, err)
	require.NoError(t, e.ConnectTo(1, localEP)) // loopback: connect to self

	msg := codec.Message{RequestTag: 3, SourceID: 1, MessageID: 1, Payload: []byte("ping")}
	require.NoError(t, e.SendTo(1, msg))

	for i := 0; i < 10 && len(received) == 0; i++ {
		e.PollOnce()
	}

	require.Len(t, received, 1)
	assert.Equal(t, msg, received[0])
}

// TestEngineTwoSessionsDeliverAcrossQueuePairs wires two distinct queue
// pairs to each other (the topology a real handshake produces, where
// nothing is self-looped) and checks a send on one session lands as a
// delivery on the other: the receiving queue pair must already have
// landing slots posted at bring-up, before its peer ever sends.
func TestEngineTwoSessionsDeliverAcrossQueuePairs(t *testing.T) {
	dev, err := verbs.Open("", 0, 0)
	require.NoError(t, err)
	defer dev.Close()

	type delivery struct {
		sessionID uint32
		msg       codec.Message
	}
	var received []delivery
	e := New(Config{
		Device: dev,
		MRSize: 256,
		OnRecv: func(sessionID uint32, msg codec.Message) {
			received = append(received, delivery{sessionID, msg})
		},
	})

	ep1, err := e.CreateSession(1)
	require.NoError(t, err)
	ep2, err := e.CreateSession(2)
	require.NoError(t, err)
	require.NoError(t, e.ConnectTo(1, ep2))
	require.NoError(t, e.ConnectTo(2, ep1))

	msg := codec.Message{RequestTag: 5, SourceID: 1, MessageID: 9, Payload: []byte("cross")}
	require.NoError(t, e.SendTo(1, msg))

	for i := 0; i < 10 && len(received) == 0; i++ {
		e.PollOnce()
	}

	require.Len(t, received, 1)
	assert.Equal(t, uint32(2), received[0].sessionID)
	assert.Equal(t, msg, received[0].msg)
}

// captureObserver records send observations so latency reporting can be
// asserted without a metrics backend.
type captureObserver struct {
	sendLatencies []uint64
}

func (o *captureObserver) ObserveSend(_ uint64, latencyNs uint64, _ bool) {
	o.sendLatencies = append(o.sendLatencies, latencyNs)
}
func (o *captureObserver) ObserveRecv(uint64)      {}
func (o *captureObserver) ObservePoolExhausted()   {}
func (o *captureObserver) ObserveCompletionError() {}
func (o *captureObserver) ObserveDecodeError()     {}

func TestEngineSendLatencyObserved(t *testing.T) {
	dev, err := verbs.Open("", 0, 0)
	require.NoError(t, err)
	defer dev.Close()

	obs := &captureObserver{}
	e := New(Config{Device: dev, MRSize: 256, Observer: obs})

	localEP, err := e.CreateSession(1)
	require.NoError(t, err)
	require.NoError(t, e.ConnectTo(1, localEP))

	require.NoError(t, e.SendTo(1, codec.Message{RequestTag: 1, MessageID: 1, Payload: []byte("tick")}))

	for i := 0; i < 10 && len(obs.sendLatencies) == 0; i++ {
		e.PollOnce()
	}

	require.Len(t, obs.sendLatencies, 1)
	assert.Greater(t, obs.sendLatencies[0], uint64(0), "send completion must carry a measured posted-to-completed latency")
}

func TestEngineWRIDsStrictlyIncrease(t *testing.T) {
	e := New(Config{MRSize: 64, PoolSize: 4})

	last := uint64(0)
	for i := 0; i < 1000; i++ {
		wrid := e.nextWRID()
		require.Greater(t, wrid, last)
		last = wrid
	}
}

func TestEngineSendToUnknownSessionFails(t *testing.T) {
	dev, err := verbs.Open("", 0, 0)
	require.NoError(t, err)
	defer dev.Close()

	e := New(Config{Device: dev, MRSize: 256})
	err = e.SendTo(99, codec.Message{})
	assert.Error(t, err)
}

func TestEngineConnectToUnknownSessionFails(t *testing.T) {
	dev, err := verbs.Open("", 0, 0)
	require.NoError(t, err)
	defer dev.Close()

	e := New(Config{Device: dev, MRSize: 256})
	err = e.ConnectTo(42, codec.Endpoint{})
	assert.Error(t, err)
}

// TestEngineSendToExhaustionIsCleanlyRetryable drives a one-region pool
// to exhaustion and confirms nothing was posted by the failed attempt:
// once completions are drained and the regions released, the same send
// goes through.
func TestEngineSendToExhaustionIsCleanlyRetryable(t *testing.T) {
	dev, err := verbs.Open("", 0, 0)
	require.NoError(t, err)
	defer dev.Close()

	var received []codec.Message
	e := New(Config{
		Device:   dev,
		MRSize:   256,
		PoolSize: 1,
		OnRecv: func(sessionID uint32, msg codec.Message) {
			received = append(received, msg)
		},
	})

	localEP, err := e.CreateSession(1)
	require.NoError(t, err)
	require.NoError(t, e.ConnectTo(1, localEP))

	require.NoError(t, e.SendTo(1, codec.Message{RequestTag: 1, MessageID: 1, Payload: []byte("first")}))

	err = e.SendTo(1, codec.Message{RequestTag: 1, MessageID: 2, Payload: []byte("second")})
	require.Error(t, err)
	assert.ErrorIs(t, err, pool.ErrExhausted{})

	for i := 0; i < 10 && len(received) == 0; i++ {
		e.PollOnce()
	}
	require.Len(t, received, 1)
	assert.Equal(t, 0, e.sendPool.Occupied())
	// The consumed landing slot is replenished, so the one-region recv
	// pool is back to exactly one posted receive, not zero and not leaked.
	assert.Equal(t, 1, e.recvPool.Occupied())

	require.NoError(t, e.SendTo(1, codec.Message{RequestTag: 1, MessageID: 2, Payload: []byte("second")}))
	for i := 0; i < 10 && len(received) < 2; i++ {
		e.PollOnce()
	}
	require.Len(t, received, 2)
	assert.Equal(t, 0, e.sendPool.Occupied())
	assert.Equal(t, 1, e.recvPool.Occupied())
}

func TestEngineOversizedPayloadRejected(t *testing.T) {
	dev, err := verbs.Open("", 0, 0)
	require.NoError(t, err)
	defer dev.Close()

	e := New(Config{Device: dev, MRSize: 32})
	localEP, err := e.CreateSession(1)
	require.NoError(t, err)
	require.NoError(t, e.ConnectTo(1, localEP))

	msg := codec.Message{Payload: make([]byte, 1024)}
	err = e.SendTo(1, msg)
	assert.Error(t, err)
}

// TestEngineCodecGarbleDroppedSessionContinues posts a raw frame with a
// corrupt trailing length straight onto the queue pair (bypassing
// EncodeFrame, which would refuse to produce one), landing it in one of
// the session's pre-posted receives: the decode failure must be dropped
// silently, and the session must still deliver the next well-formed
// message.
func TestEngineCodecGarbleDroppedSessionContinues(t *testing.T) {
	dev, err := verbs.Open("", 0, 0)
	require.NoError(t, err)
	defer dev.Close()

	var received []codec.Message
	e := New(Config{
		Device: dev,
		MRSize: 64,
		OnRecv: func(sessionID uint32, msg codec.Message) {
			received = append(received, msg)
		},
	})

	localEP, err := e.CreateSession(1)
	require.NoError(t, err)
	require.NoError(t, e.ConnectTo(1, localEP))

	qp := e.sessions[1]

	garbage := make([]byte, 64)
	garbage[62] = 0xff
	garbage[63] = 0xff // declares a length far beyond the 64-byte region
	require.NoError(t, qp.PostSend(9002, garbage))

	for i := 0; i < 10; i++ {
		e.PollOnce()
	}
	assert.Empty(t, received, "a garbled frame must be dropped, not delivered")

	msg := codec.Message{RequestTag: 1, MessageID: 2, Payload: []byte("still alive")}
	require.NoError(t, e.SendTo(1, msg))
	for i := 0; i < 10 && len(received) == 0; i++ {
		e.PollOnce()
	}
	require.Len(t, received, 1)
	assert.Equal(t, msg, received[0])
}
