// Package engine implements the network engine: the component that
// owns the RDMA device, the per-session queue pairs, and the completion
// pollers driving connect_to/send_to/poll_cq. Every session keeps a
// batch of receives posted (pre-posted at bring-up, replenished as
// completions consume them), the matching memory region is released on
// each completion, and RECV completions are decoded and handed off
// inline.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srpcnet/srpc/internal/codec"
	"github.com/srpcnet/srpc/internal/constants"
	"github.com/srpcnet/srpc/internal/logging"
	"github.com/srpcnet/srpc/internal/pool"
	"github.com/srpcnet/srpc/internal/verbs"
)

// Observer receives data-plane events. Its method set matches the root
// package's Observer interface structurally, so a *srpc.MetricsObserver
// satisfies it without this package importing the root package (which
// would create an import cycle).
type Observer interface {
	ObserveSend(bytes uint64, latencyNs uint64, success bool)
	ObserveRecv(bytes uint64)
	ObservePoolExhausted()
	ObserveCompletionError()
	ObserveDecodeError()
}

type noOpObserver struct{}

func (noOpObserver) ObserveSend(uint64, uint64, bool) {}
func (noOpObserver) ObserveRecv(uint64)               {}
func (noOpObserver) ObservePoolExhausted()            {}
func (noOpObserver) ObserveCompletionError()          {}
func (noOpObserver) ObserveDecodeError()              {}

// RecvFunc is invoked with every successfully decoded inbound message.
// It comes from Config.OnRecv or, once the dispatcher exists, from
// SetOnRecv, keeping the engine itself free of dispatcher-queue knowledge.
type RecvFunc func(sessionID uint32, msg codec.Message)

// Engine owns one RDMA device, a fixed-size send and receive memory
// region pool, the per-session queue pair map, and the send and receive
// completion pollers.
type Engine struct {
	dev      verbs.Device
	sendPool *pool.RegionPool
	recvPool *pool.RegionPool
	mrSize   int
	prePost  int

	mu       sync.RWMutex
	sessions map[uint32]verbs.QueuePair

	wridCounter   atomic.Uint64
	wridToSession map[uint64]uint32
	sendPostedAt  map[uint64]time.Time
	wridMu        sync.Mutex

	onRecv   RecvFunc
	observer Observer
	logger   *logging.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	sendDone   chan struct{}
	recvDone   chan struct{}
}

// Config configures an Engine.
type Config struct {
	Device verbs.Device
	MRSize int
	// PoolSize is the region count of each of the send and receive pools.
	PoolSize int
	// RecvDepth bounds how many receives are kept posted per session.
	RecvDepth int
	Observer  Observer
	Logger    *logging.Logger
	OnRecv    RecvFunc
}

// New creates an Engine. The completion pollers are not started until
// Start is called.
func New(cfg Config) *Engine {
	mrSize := cfg.MRSize
	if mrSize <= 0 {
		mrSize = constants.DefaultMRSize
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = constants.DefaultPoolSize
	}
	observer := cfg.Observer
	if observer == nil {
		observer = noOpObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	// Receives must be posted before a peer can send; each session gets
	// up to RecvDepth landing slots at bring-up, capped at a quarter of
	// the shared receive pool so one session's slots cannot starve a
	// later session's bring-up.
	prePost := cfg.RecvDepth
	if prePost <= 0 {
		prePost = constants.DefaultRecvDepth
	}
	if quarter := poolSize / 4; quarter < prePost {
		prePost = quarter
	}
	if prePost < 1 {
		prePost = 1
	}

	return &Engine{
		dev:           cfg.Device,
		sendPool:      pool.New(poolSize, mrSize),
		recvPool:      pool.New(poolSize, mrSize),
		mrSize:        mrSize,
		prePost:       prePost,
		sessions:      make(map[uint32]verbs.QueuePair),
		wridToSession: make(map[uint64]uint32),
		sendPostedAt:  make(map[uint64]time.Time),
		onRecv:        cfg.OnRecv,
		observer:      observer,
		logger:        logger.WithComponent("engine"),
	}
}

// SetOnRecv installs the callback invoked for every decoded inbound
// message. Separate from Config because the dispatcher that supplies it
// is itself constructed with a reference to this Engine, so the two
// cannot be built in a single step.
func (e *Engine) SetOnRecv(fn RecvFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onRecv = fn
}

func (e *Engine) nextWRID() uint64 {
	return e.wridCounter.Add(1)
}

// CreateSession allocates a queue pair for sessionID and returns its local
// endpoint, for the handshake side-channel to exchange with the peer. A
// batch of receives is pre-posted on the new queue pair: the peer may
// send the moment its own side connects, and a reliable-connected send
// with no posted receive on this end is an error, not a queued delivery.
func (e *Engine) CreateSession(sessionID uint32) (codec.Endpoint, error) {
	qp, err := e.dev.CreateQueuePair()
	if err != nil {
		return codec.Endpoint{}, fmt.Errorf("engine: create queue pair for session %d: %w", sessionID, err)
	}

	e.mu.Lock()
	e.sessions[sessionID] = qp
	e.mu.Unlock()

	e.prePostRecvs(sessionID, qp)

	local := qp.LocalEndpoint()
	return codec.Endpoint{LID: local.LID, QPN: local.QPN, PSN: local.PSN, GID: local.GID}, nil
}

// prePostRecvs posts the session's initial landing slots. Running out of
// pool partway is tolerated with a warning: the session works with fewer
// slots, it just backpressures sooner.
func (e *Engine) prePostRecvs(sessionID uint32, qp verbs.QueuePair) {
	for i := 0; i < e.prePost; i++ {
		wrid := e.nextWRID()
		buf, err := e.recvPool.Acquire(wrid)
		if err != nil {
			e.observer.ObservePoolExhausted()
			e.logger.Warn("pre-post receives cut short, pool exhausted", "session", sessionID, "posted", i)
			return
		}
		e.bindWRID(wrid, sessionID)
		if err := qp.PostRecv(wrid, buf); err != nil {
			e.unbindWRID(wrid)
			e.recvPool.Release(wrid)
			e.logger.Warn("pre-post receive failed", "session", sessionID, "error", err)
			return
		}
	}
}

// replenishRecv posts one fresh receive to sessionID's queue pair,
// replacing a landing slot a completion just consumed, so the number of
// posted receives per session holds at its bring-up depth instead of
// draining to zero under one-way traffic.
func (e *Engine) replenishRecv(sessionID uint32) {
	e.mu.RLock()
	qp, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if !ok {
		return
	}
	wrid := e.nextWRID()
	buf, err := e.recvPool.Acquire(wrid)
	if err != nil {
		e.observer.ObservePoolExhausted()
		e.logger.Warn("replenish receive skipped, pool exhausted", "session", sessionID)
		return
	}
	e.bindWRID(wrid, sessionID)
	if err := qp.PostRecv(wrid, buf); err != nil {
		e.unbindWRID(wrid)
		e.recvPool.Release(wrid)
		e.logger.Warn("replenish receive failed", "session", sessionID, "error", err)
	}
}

// LocalEndpoint returns the previously created local endpoint for
// sessionID, for a passive-side handshake that already has a queue pair
// for this peer and only needs to hand its endpoint back again.
func (e *Engine) LocalEndpoint(sessionID uint32) (codec.Endpoint, error) {
	e.mu.RLock()
	qp, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if !ok {
		return codec.Endpoint{}, fmt.Errorf("engine: local_endpoint: unknown session %d", sessionID)
	}
	local := qp.LocalEndpoint()
	return codec.Endpoint{LID: local.LID, QPN: local.QPN, PSN: local.PSN, GID: local.GID}, nil
}

// ConnectTo completes the queue pair handshake by transitioning it to
// RTR/RTS against the peer's endpoint (obtained via the handshake
// side-channel's get_endpoint RPC).
func (e *Engine) ConnectTo(sessionID uint32, remote codec.Endpoint) error {
	e.mu.RLock()
	qp, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("engine: connect_to: unknown session %d", sessionID)
	}
	ep := verbs.Endpoint{LID: remote.LID, QPN: remote.QPN, PSN: remote.PSN, GID: remote.GID}
	if err := qp.Connect(ep); err != nil {
		return fmt.Errorf("engine: connect_to session %d: %w", sessionID, err)
	}
	return nil
}

// SendTo encodes msg into a send region and posts it to sessionID's
// queue pair. Landing slots on the receiving side are the receiver's
// concern (pre-posted at bring-up and replenished per completion), so
// an exhausted send pool fails the call with nothing posted and the
// caller can back off and retry the message intact. The post time is
// stamped against the work-request id so the matching completion can
// report a real posted-to-completed latency.
func (e *Engine) SendTo(sessionID uint32, msg codec.Message) error {
	e.mu.RLock()
	qp, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("engine: send_to: unknown session %d", sessionID)
	}

	encoded, err := codec.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("engine: send_to: encode message: %w", err)
	}
	frame, err := codec.EncodeFrame(encoded, e.mrSize)
	if err != nil {
		return fmt.Errorf("engine: send_to: encode frame: %w", err)
	}

	sendWRID := e.nextWRID()
	sendBuf, err := e.sendPool.Acquire(sendWRID)
	if err != nil {
		e.observer.ObservePoolExhausted()
		pool.PutOverflowBuffer(frame)
		return fmt.Errorf("engine: send_to: acquire send region: %w", err)
	}

	copy(sendBuf, frame)
	pool.PutOverflowBuffer(frame)

	e.bindWRID(sendWRID, sessionID)
	e.stampSendPosted(sendWRID)
	if err := qp.PostSend(sendWRID, sendBuf); err != nil {
		e.takeSendLatency(sendWRID)
		e.unbindWRID(sendWRID)
		e.sendPool.Release(sendWRID)
		return fmt.Errorf("engine: send_to: post_send: %w", err)
	}

	return nil
}

func (e *Engine) bindWRID(wrid uint64, sessionID uint32) {
	e.wridMu.Lock()
	e.wridToSession[wrid] = sessionID
	e.wridMu.Unlock()
}

func (e *Engine) sessionForWRID(wrid uint64) (uint32, bool) {
	e.wridMu.Lock()
	defer e.wridMu.Unlock()
	sid, ok := e.wridToSession[wrid]
	return sid, ok
}

func (e *Engine) unbindWRID(wrid uint64) {
	e.wridMu.Lock()
	delete(e.wridToSession, wrid)
	e.wridMu.Unlock()
}

func (e *Engine) stampSendPosted(wrid uint64) {
	e.wridMu.Lock()
	e.sendPostedAt[wrid] = time.Now()
	e.wridMu.Unlock()
}

// takeSendLatency removes wrid's post-time stamp and returns the
// elapsed nanoseconds since it was posted, or 0 for an unknown wrid.
func (e *Engine) takeSendLatency(wrid uint64) uint64 {
	e.wridMu.Lock()
	postedAt, ok := e.sendPostedAt[wrid]
	delete(e.sendPostedAt, wrid)
	e.wridMu.Unlock()
	if !ok {
		return 0
	}
	return uint64(time.Since(postedAt))
}

// Start launches the send and receive completion pollers, each on its
// own goroutine. Splitting them this way is the point of having two
// completion queues at all: a receive-side stall (a slow decode, a slow
// dispatch handoff) never blocks the send side from reclaiming and
// reusing its posted buffers.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.sendDone = make(chan struct{})
	e.recvDone = make(chan struct{})
	go e.pollLoop(e.PollSendOnce, e.sendDone, "send")
	go e.pollLoop(e.PollRecvOnce, e.recvDone, "recv")
}

// Stop cancels both completion pollers and waits for them to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.sendDone != nil {
		<-e.sendDone
	}
	if e.recvDone != nil {
		<-e.recvDone
	}
}

// pollLoop spins the given poll function, sleeping for
// constants.PollIdleYield whenever a drain finds nothing, so an idle
// completion queue doesn't peg a core. It is parameterized over which
// queue it drains so Start can run one independent instance per queue.
func (e *Engine) pollLoop(poll func() bool, done chan struct{}, name string) {
	defer close(done)
	timer := time.NewTimer(constants.PollIdleYield)
	defer timer.Stop()
	for {
		select {
		case <-e.ctx.Done():
			e.logger.Debug("poll loop stopping", "queue", name)
			return
		default:
		}
		if poll() {
			continue
		}
		timer.Reset(constants.PollIdleYield)
		select {
		case <-e.ctx.Done():
			e.logger.Debug("poll loop stopping", "queue", name)
			return
		case <-timer.C:
		}
	}
}

// PollSendOnce drains up to constants.CompletionBatchSize completions
// from the send completion queue, reporting whether any were found.
// Exported so tests and a caller-driven run loop (rather than the
// background goroutine started by Start) can pump the engine directly.
func (e *Engine) PollSendOnce() bool {
	completions, err := e.dev.PollSendCompletions(constants.CompletionBatchSize)
	if err != nil {
		e.logger.Warn("poll_cq (send) failed", "error", err)
		return false
	}
	if len(completions) == 0 {
		return false
	}
	for _, c := range completions {
		e.handleCompletion(c)
	}
	return true
}

// PollRecvOnce drains up to constants.CompletionBatchSize completions
// from the receive completion queue, reporting whether any were found.
func (e *Engine) PollRecvOnce() bool {
	completions, err := e.dev.PollRecvCompletions(constants.CompletionBatchSize)
	if err != nil {
		e.logger.Warn("poll_cq (recv) failed", "error", err)
		return false
	}
	if len(completions) == 0 {
		return false
	}
	for _, c := range completions {
		e.handleCompletion(c)
	}
	return true
}

// PollOnce drains both the send and receive completion queues once,
// reporting whether either found anything. Tests that don't care about
// the send/recv split (and want a single call to pump both) use this;
// the background pollers started by Start always run the queues
// independently via PollSendOnce/PollRecvOnce.
func (e *Engine) PollOnce() bool {
	sendFound := e.PollSendOnce()
	recvFound := e.PollRecvOnce()
	return sendFound || recvFound
}

func (e *Engine) handleCompletion(c verbs.WorkCompletion) {
	sessionID, known := e.sessionForWRID(c.WRID)

	switch c.Opcode {
	case verbs.OpSend:
		latencyNs := e.takeSendLatency(c.WRID)
		e.sendPool.Release(c.WRID)
		e.unbindWRID(c.WRID)
		if !c.Success {
			e.logger.Warn("send completion failed", "wrid", c.WRID, "session", sessionID)
			e.observer.ObserveCompletionError()
			return
		}
		e.observer.ObserveSend(uint64(e.mrSize), latencyNs, true)

	case verbs.OpRecv:
		// The region is released before replenishing so the fresh post
		// can reuse it even when the pool is running at capacity.
		if !c.Success {
			e.recvPool.Release(c.WRID)
			e.unbindWRID(c.WRID)
			e.logger.Warn("recv completion failed", "wrid", c.WRID, "session", sessionID)
			e.observer.ObserveCompletionError()
			if known {
				e.replenishRecv(sessionID)
			}
			return
		}
		if !known {
			e.recvPool.Release(c.WRID)
			e.logger.Warn("recv completion for unbound wrid", "wrid", c.WRID)
			return
		}
		e.deliverRecv(sessionID, c.WRID)
		e.recvPool.Release(c.WRID)
		e.unbindWRID(c.WRID)
		e.replenishRecv(sessionID)

	default:
		e.logger.Warn("completion with unexpected opcode", "wrid", c.WRID, "opcode", c.Opcode, "session", sessionID)
		e.observer.ObserveCompletionError()
	}
}

func (e *Engine) deliverRecv(sessionID uint32, wrid uint64) {
	region, ok := e.recvPool.RegionOf(wrid)
	if !ok {
		return
	}
	encoded, err := codec.DecodeFrame(region)
	if err != nil {
		e.logger.Warn("decode frame failed", "session", sessionID, "error", err)
		e.observer.ObserveDecodeError()
		return
	}
	msg, err := codec.DecodeMessage(encoded)
	if err != nil {
		e.logger.Warn("decode message failed", "session", sessionID, "error", err)
		e.observer.ObserveDecodeError()
		return
	}
	e.observer.ObserveRecv(uint64(len(msg.Payload)))
	if e.onRecv != nil {
		e.onRecv(sessionID, msg)
	}
}
