// Package verbs provides the RDMA device interface the network engine
// drives: open a device, create queue pairs, post sends/receives, and
// poll the completion queue. The default build (sim.go) is a software
// RC-loopback engine needing no hardware; -tags rdma_cgo switches in a
// real libibverbs binding (cgo_verbs.go).
package verbs

import (
	"errors"

	"github.com/srpcnet/srpc/internal/constants"
)

// ErrNoDevice is returned when no usable RDMA device can be found (or
// simulated).
var ErrNoDevice = errors.New("verbs: no rdma device available")

// WorkCompletion reports the outcome of a single posted work request.
type WorkCompletion struct {
	WRID    uint64
	Opcode  Opcode
	Success bool
	Bytes   int // bytes transferred, valid for successful RECV completions
}

// Opcode distinguishes the kind of work a completion corresponds to.
type Opcode int

const (
	OpSend Opcode = iota
	OpRecv
)

// QueuePair is a single RDMA reliable-connected queue pair: the unit that
// posts sends and receives and is addressed by session id.
type QueuePair interface {
	// PostSend posts buf (its full length) for transmission, tagged with wrid.
	PostSend(wrid uint64, buf []byte) error
	// PostRecv posts buf as a receive target, tagged with wrid.
	PostRecv(wrid uint64, buf []byte) error
	// LocalEndpoint returns this queue pair's addressing information for
	// the handshake side-channel to exchange with the remote peer.
	LocalEndpoint() Endpoint
	// Connect transitions the queue pair to RTR/RTS against the remote
	// endpoint (the final handshake step).
	Connect(remote Endpoint) error
	// Close tears down the queue pair.
	Close() error
}

// Endpoint is the wire-independent addressing information a queue pair
// exposes; internal/codec.Endpoint is the serialized form of this.
type Endpoint struct {
	LID uint16
	QPN uint32
	PSN uint32
	GID [16]byte
}

// Device is an opened RDMA device: it creates queue pairs sharing one
// send completion queue (SQ) and one receive completion queue (RQ), and
// polls each independently for the network engine. Two separate queues
// (rather than one shared CQ) is what lets the engine run two pollers:
// a receive-side stall that's busy decoding and dispatching never
// blocks the send side from reclaiming and reusing its buffers.
type Device interface {
	// CreateQueuePair allocates a new RC queue pair on this device, bound
	// to the device's SQ and RQ.
	CreateQueuePair() (QueuePair, error)
	// PollSendCompletions drains up to max completions from the send
	// completion queue without blocking. Returns an empty slice if none
	// are ready.
	PollSendCompletions(max int) ([]WorkCompletion, error)
	// PollRecvCompletions drains up to max completions from the receive
	// completion queue without blocking. Returns an empty slice if none
	// are ready.
	PollRecvCompletions(max int) ([]WorkCompletion, error)
	// Close releases the device's protection domain, completion queues,
	// and context.
	Close() error
}

// Open opens an RDMA device by name (empty string selects the first
// usable device), creating its send and receive completion queues at
// the given depths (a depth <= 0 falls back to
// constants.DefaultSendDepth/DefaultRecvDepth). The default build always
// succeeds via the software simulation in sim.go; -tags rdma_cgo opens a
// real libibverbs device instead and returns ErrNoDevice when none
// matches, with no fallback to the simulation.
func Open(name string, sendDepth, recvDepth int) (Device, error) {
	if sendDepth <= 0 {
		sendDepth = constants.DefaultSendDepth
	}
	if recvDepth <= 0 {
		recvDepth = constants.DefaultRecvDepth
	}
	return openDevice(name, sendDepth, recvDepth)
}
