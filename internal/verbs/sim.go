package verbs

import (
	"sync"
	"sync/atomic"
)

// simDevice is a software RC-loopback RDMA device: queue pairs posted
// against it deliver sends as receives on the matching local QP. Send and
// receive completions land on two independent queues, each with its own
// mutex-guarded slice, mirroring the real device's separate SQ/RQ so the
// engine's two pollers can be exercised without hardware or cgo.
type simDevice struct {
	mu              sync.Mutex
	sendCompletions []WorkCompletion
	recvCompletions []WorkCompletion
	qps             map[uint32]*simQP
	nextQPN         uint32
	sendDepth       int
	recvDepth       int
	closed          bool
}

func newSimDevice(name string, sendDepth, recvDepth int) (Device, error) {
	return &simDevice{qps: make(map[uint32]*simQP), sendDepth: sendDepth, recvDepth: recvDepth}, nil
}

func (d *simDevice) CreateQueuePair() (QueuePair, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrNoDevice
	}
	d.nextQPN++
	qp := &simQP{dev: d, qpn: d.nextQPN}
	d.qps[qp.qpn] = qp
	return qp, nil
}

func (d *simDevice) PollSendCompletions(max int) ([]WorkCompletion, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if max <= 0 || len(d.sendCompletions) == 0 {
		return nil, nil
	}
	n := max
	if n > len(d.sendCompletions) {
		n = len(d.sendCompletions)
	}
	out := make([]WorkCompletion, n)
	copy(out, d.sendCompletions[:n])
	d.sendCompletions = d.sendCompletions[n:]
	return out, nil
}

func (d *simDevice) PollRecvCompletions(max int) ([]WorkCompletion, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if max <= 0 || len(d.recvCompletions) == 0 {
		return nil, nil
	}
	n := max
	if n > len(d.recvCompletions) {
		n = len(d.recvCompletions)
	}
	out := make([]WorkCompletion, n)
	copy(out, d.recvCompletions[:n])
	d.recvCompletions = d.recvCompletions[n:]
	return out, nil
}

func (d *simDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *simDevice) push(c WorkCompletion) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch c.Opcode {
	case OpSend:
		d.sendCompletions = append(d.sendCompletions, c)
	case OpRecv:
		d.recvCompletions = append(d.recvCompletions, c)
	}
}

// simQP is a queue pair on the simulated device. Once connected to a peer
// queue pair (possibly on the same device, for loopback), a posted send
// is delivered directly into the peer's oldest posted receive buffer. A
// send arriving while the peer has no posted receive is parked, the way
// a reliable-connected QP holds and retries a send through
// receiver-not-ready, and completes when the peer posts its next
// receive; the sender's buffer stays in flight (no completion) until
// then.
type simQP struct {
	dev    *simDevice
	qpn    uint32
	psn    uint32
	mu     sync.Mutex
	peer   *simQP
	recvQ  [][]byte
	recvID []uint64
	parked []parkedSend
	closed bool
}

// parkedSend is a posted send waiting for the receiving queue pair to
// post a landing slot.
type parkedSend struct {
	wrid uint64
	data []byte
	from *simQP
}

var simPSNCounter atomic.Uint32

func (q *simQP) LocalEndpoint() Endpoint {
	if q.psn == 0 {
		q.psn = simPSNCounter.Add(1)
	}
	return Endpoint{LID: uint16(q.qpn), QPN: q.qpn, PSN: q.psn, GID: simGID(q.qpn)}
}

func simGID(qpn uint32) [16]byte {
	var gid [16]byte
	gid[12] = byte(qpn >> 24)
	gid[13] = byte(qpn >> 16)
	gid[14] = byte(qpn >> 8)
	gid[15] = byte(qpn)
	return gid
}

// Connect wires this queue pair to whichever simQP on the owning device
// matches the remote endpoint's QPN, including itself for loopback.
func (q *simQP) Connect(remote Endpoint) error {
	q.dev.mu.Lock()
	peer, ok := q.dev.qps[remote.QPN]
	q.dev.mu.Unlock()
	if !ok {
		return ErrNoDevice
	}
	q.mu.Lock()
	q.peer = peer
	q.mu.Unlock()
	return nil
}

func (q *simQP) PostRecv(wrid uint64, buf []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrNoDevice
	}
	q.recvQ = append(q.recvQ, buf)
	q.recvID = append(q.recvID, wrid)
	q.deliverLocked()
	return nil
}

func (q *simQP) PostSend(wrid uint64, buf []byte) error {
	q.mu.Lock()
	peer := q.peer
	closed := q.closed
	q.mu.Unlock()
	if closed || peer == nil {
		return ErrNoDevice
	}

	peer.mu.Lock()
	peer.parked = append(peer.parked, parkedSend{wrid: wrid, data: buf, from: q})
	peer.deliverLocked()
	peer.mu.Unlock()
	return nil
}

// deliverLocked pairs parked sends with posted receives in FIFO order,
// pushing both completions per pairing. Caller holds q.mu.
func (q *simQP) deliverLocked() {
	for len(q.parked) > 0 && len(q.recvQ) > 0 {
		p := q.parked[0]
		q.parked = q.parked[1:]
		target := q.recvQ[0]
		targetID := q.recvID[0]
		q.recvQ = q.recvQ[1:]
		q.recvID = q.recvID[1:]

		n := copy(target, p.data)

		p.from.dev.push(WorkCompletion{WRID: p.wrid, Opcode: OpSend, Success: true})
		q.dev.push(WorkCompletion{WRID: targetID, Opcode: OpRecv, Success: true, Bytes: n})
	}
}

func (q *simQP) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
