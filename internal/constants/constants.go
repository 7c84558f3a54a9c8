// Package constants holds the default tunables for the srpc data plane.
package constants

import "time"

// Default configuration constants.
const (
	// DefaultMRSize is the default frame size of a memory region in bytes.
	DefaultMRSize = 2048

	// MinMRSize is the minimum allowed frame size: 2 bytes of trailing
	// length plus at least one payload byte.
	MinMRSize = 3

	// DefaultPoolSize is the number of regions in each of the send and
	// receive memory-region pools. Pools are fixed-capacity; they never grow.
	DefaultPoolSize = 1024

	// DefaultSendDepth is the default send completion-queue depth.
	DefaultSendDepth = 64

	// DefaultRecvDepth is the default receive completion-queue depth.
	DefaultRecvDepth = 64

	// CompletionBatchSize bounds how many completions poll_cq drains per batch.
	CompletionBatchSize = 32
)

// HandshakeRetryInterval is the backoff between handshake connection attempts.
const HandshakeRetryInterval = 1 * time.Second

// PollIdleYield is how long the completion poller sleeps after an empty
// drain before spinning again, trading a little latency for not pegging a
// core when the queue is idle.
const PollIdleYield = 500 * time.Microsecond
