// Package dispatcher implements the four-queue request/response
// dispatch loop: inbound and outbound traffic is classified onto one of
// the send_req, send_resp, recv_req, recv_resp queues and drained in a
// fixed order once per run-loop pass.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srpcnet/srpc/internal/codec"
	"github.com/srpcnet/srpc/internal/constants"
	"github.com/srpcnet/srpc/internal/logging"
	"github.com/srpcnet/srpc/internal/pool"
	"github.com/srpcnet/srpc/internal/registry"
)

// NetworkEngine is the subset of internal/engine.Engine the dispatcher
// drives. Declared locally so this package never imports engine's
// concrete type, keeping the two packages wireable in either direction.
type NetworkEngine interface {
	CreateSession(sessionID uint32) (codec.Endpoint, error)
	ConnectTo(sessionID uint32, remote codec.Endpoint) error
	SendTo(sessionID uint32, msg codec.Message) error
	LocalEndpoint(sessionID uint32) (codec.Endpoint, error)
}

// Handshaker exchanges local/remote endpoints with a peer over a
// non-RDMA side channel so the RDMA queue pairs on both ends can be
// brought up. internal/handshake implements this over gRPC.
type Handshaker interface {
	Exchange(ctx context.Context, peerAddr string, local codec.Endpoint) (codec.Endpoint, error)
}

// Observer receives dispatcher-level events. Structurally compatible
// with the root package's Observer, avoiding an import cycle the same
// way internal/engine's Observer does.
type Observer interface {
	ObserveHandshake(success bool)
	ObserveUnknownTag()
	ObserveUnknownPeer()
}

type noOpObserver struct{}

func (noOpObserver) ObserveHandshake(bool) {}
func (noOpObserver) ObserveUnknownTag()    {}
func (noOpObserver) ObserveUnknownPeer()   {}

// Dispatcher owns the four FIFO queues, the session and peer-id
// bookkeeping, and the network engine and handshaker it drives.
type Dispatcher struct {
	engine    NetworkEngine
	handshake Handshaker
	registry  *registry.Registry
	logger    *logging.Logger
	observer  Observer

	sendReqQueue  queue[outboundMsg]
	sendRespQueue queue[outboundMsg]
	recvReqQueue  queue[inboundMsg]
	recvRespQueue queue[inboundMsg]

	mu             sync.RWMutex
	sessionMap     map[uint32]*Session
	peerMap        map[uint32]uint32 // peerID -> sessionID
	sessionCounter atomic.Uint32

	respMu  sync.Mutex
	respond map[uint64]chan codec.Message // messageID -> waiter, for synchronous Call
}

// outboundMsg is a queued send. It is addressed either directly by
// sessionID, or by peerID for routes that must be resolved to whatever
// session currently serves that peer at drain time (viaPeer true).
type outboundMsg struct {
	sessionID uint32
	viaPeer   bool
	peerID    uint32
	msg       codec.Message
}

// MessageHandle carries a message plus the routing metadata needed to
// deliver it without yet knowing (or caring) which session currently
// serves the destination peer. It exists only in memory and is never
// serialized: callers that only know a peer id, not its current
// session, address a push by handle and let checkSendReq/checkSendResp
// resolve peerMap at drain time.
type MessageHandle struct {
	PeerID uint32
	Msg    codec.Message
}

type inboundMsg struct {
	sessionID uint32
	msg       codec.Message
}

// Config wires a Dispatcher's dependencies.
type Config struct {
	Engine     NetworkEngine
	Handshaker Handshaker
	Registry   *registry.Registry
	Logger     *logging.Logger
	Observer   Observer
}

// New constructs a Dispatcher. It does not itself connect to anything.
func New(cfg Config) *Dispatcher {
	observer := cfg.Observer
	if observer == nil {
		observer = noOpObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = registry.New()
	}
	return &Dispatcher{
		engine:     cfg.Engine,
		handshake:  cfg.Handshaker,
		registry:   reg,
		logger:     logger.WithComponent("dispatcher"),
		observer:   observer,
		sessionMap: make(map[uint32]*Session),
		peerMap:    make(map[uint32]uint32),
		respond:    make(map[uint64]chan codec.Message),
	}
}

// ConnectTo establishes a new session against peerID at peerAddr: a
// queue pair is created, its local endpoint exchanged with the peer via
// the handshake side channel, and the queue pair is transitioned to a
// connected state.
func (d *Dispatcher) ConnectTo(ctx context.Context, peerID uint32, peerAddr string) (uint32, error) {
	d.mu.Lock()
	if existing, ok := d.peerMap[peerID]; ok {
		d.mu.Unlock()
		return existing, nil
	}
	sessionID := d.sessionCounter.Add(1)
	sess := &Session{ID: sessionID, PeerID: peerID, PeerAddr: peerAddr, Status: StatusConnecting}
	d.sessionMap[sessionID] = sess
	d.peerMap[peerID] = sessionID
	d.mu.Unlock()

	local, err := d.engine.CreateSession(sessionID)
	if err != nil {
		d.setStatus(sessionID, StatusDisconnected)
		return 0, fmt.Errorf("dispatcher: connect_to peer %d: %w", peerID, err)
	}

	remote, err := d.handshake.Exchange(ctx, peerAddr, local)
	if err != nil {
		d.observer.ObserveHandshake(false)
		d.setStatus(sessionID, StatusDisconnected)
		return 0, fmt.Errorf("dispatcher: connect_to peer %d: handshake: %w", peerID, err)
	}
	d.observer.ObserveHandshake(true)

	if err := d.engine.ConnectTo(sessionID, remote); err != nil {
		d.setStatus(sessionID, StatusDisconnected)
		return 0, fmt.Errorf("dispatcher: connect_to peer %d: %w", peerID, err)
	}

	d.setStatus(sessionID, StatusConnected)
	return sessionID, nil
}

func (d *Dispatcher) setStatus(sessionID uint32, status SessionStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sess, ok := d.sessionMap[sessionID]; ok {
		sess.Status = status
	}
}

// SessionOf returns the Session tracked for sessionID.
func (d *Dispatcher) SessionOf(sessionID uint32) (*Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sess, ok := d.sessionMap[sessionID]
	return sess, ok
}

// AcceptSession is the passive side of a connection: a peer dialed in
// with its id and endpoint, so a local queue pair is created (or reused,
// if this peer already has one) and connected against it. Implements
// internal/handshake.SessionAcceptor.
func (d *Dispatcher) AcceptSession(peerID uint32, remote codec.Endpoint) (codec.Endpoint, error) {
	d.mu.Lock()
	if existing, ok := d.peerMap[peerID]; ok {
		d.mu.Unlock()
		local, err := d.engine.LocalEndpoint(existing)
		if err != nil {
			return codec.Endpoint{}, fmt.Errorf("dispatcher: accept_session peer %d: %w", peerID, err)
		}
		return local, nil
	}
	sessionID := d.sessionCounter.Add(1)
	sess := &Session{ID: sessionID, PeerID: peerID, Status: StatusConnecting}
	d.sessionMap[sessionID] = sess
	d.peerMap[peerID] = sessionID
	d.mu.Unlock()

	local, err := d.engine.CreateSession(sessionID)
	if err != nil {
		d.setStatus(sessionID, StatusDisconnected)
		return codec.Endpoint{}, fmt.Errorf("dispatcher: accept_session peer %d: %w", peerID, err)
	}
	if err := d.engine.ConnectTo(sessionID, remote); err != nil {
		d.setStatus(sessionID, StatusDisconnected)
		return codec.Endpoint{}, fmt.Errorf("dispatcher: accept_session peer %d: %w", peerID, err)
	}
	d.setStatus(sessionID, StatusConnected)
	return local, nil
}

// OnRecvMsg is the engine's RecvFunc: it classifies an inbound message
// as a request or a response and enqueues it accordingly. A message is
// a response only if a synchronous Call is blocked on the same
// MessageID; everything else, including a pushed request looping back
// through a self-connected session, is treated as a request.
func (d *Dispatcher) OnRecvMsg(sessionID uint32, msg codec.Message) {
	d.respMu.Lock()
	ch, isResponse := d.respond[msg.MessageID]
	if isResponse {
		delete(d.respond, msg.MessageID)
	}
	d.respMu.Unlock()

	if isResponse {
		ch <- msg
		d.recvRespQueue.pushBack(inboundMsg{sessionID: sessionID, msg: msg})
		return
	}
	d.recvReqQueue.pushBack(inboundMsg{sessionID: sessionID, msg: msg})
}

// PushReq enqueues an outbound request against sessionID without waiting
// for any reply; use Call for a correlated round trip.
func (d *Dispatcher) PushReq(sessionID uint32, msg codec.Message) {
	d.sendReqQueue.pushBack(outboundMsg{sessionID: sessionID, msg: msg})
}

// PushResp enqueues an outbound reply against sessionID.
func (d *Dispatcher) PushResp(sessionID uint32, msg codec.Message) {
	d.sendRespQueue.pushBack(outboundMsg{sessionID: sessionID, msg: msg})
}

// PushReqToPeer enqueues an outbound request addressed by peer id
// rather than session id: handle.PeerID is resolved against peerMap
// when checkSendReq drains the queue, not when this call returns. A
// peer with no live session at drain time is dropped with
// ObserveUnknownPeer rather than panicking or blocking.
func (d *Dispatcher) PushReqToPeer(handle MessageHandle) {
	d.sendReqQueue.pushBack(outboundMsg{viaPeer: true, peerID: handle.PeerID, msg: handle.Msg})
}

// PushRespToPeer enqueues an outbound reply addressed by peer id,
// resolved against peerMap at checkSendResp drain time.
func (d *Dispatcher) PushRespToPeer(handle MessageHandle) {
	d.sendRespQueue.pushBack(outboundMsg{viaPeer: true, peerID: handle.PeerID, msg: handle.Msg})
}

// Disconnect tears down the session for sessionID.
// TODO: destroying the queue pair and reclaiming its in-flight regions
// needs a drain protocol that does not exist yet; until then this
// reports unimplemented rather than half-closing the session.
func (d *Dispatcher) Disconnect(sessionID uint32) error {
	return fmt.Errorf("dispatcher: disconnect session %d: not implemented", sessionID)
}

// sessionForSend resolves an outboundMsg to the session id it should be
// sent on, looking up peerMap for peer-addressed pushes. The second
// return is false if a peer-addressed push names a peer with no live
// session.
func (d *Dispatcher) sessionForSend(item outboundMsg) (uint32, bool) {
	if !item.viaPeer {
		return item.sessionID, true
	}
	d.mu.RLock()
	sessionID, ok := d.peerMap[item.peerID]
	d.mu.RUnlock()
	return sessionID, ok
}

// Call sends req and blocks until the matching response arrives or ctx
// is done. Unlike PushReq, which only enqueues, Call also drives
// RunLoopOnce itself, so it does not depend on some other goroutine
// already pumping the dispatcher. It is a synchronous convenience for
// callers that want a one-off round trip without registering a
// callback.
func (d *Dispatcher) Call(ctx context.Context, sessionID uint32, req codec.Message) (codec.Message, error) {
	ch := make(chan codec.Message, 1)
	d.respMu.Lock()
	d.respond[req.MessageID] = ch
	d.respMu.Unlock()

	d.PushReq(sessionID, req)

	for {
		select {
		case resp := <-ch:
			return resp, nil
		case <-ctx.Done():
			d.respMu.Lock()
			delete(d.respond, req.MessageID)
			d.respMu.Unlock()
			return codec.Message{}, ctx.Err()
		default:
			if !d.RunLoopOnce() {
				time.Sleep(constants.PollIdleYield)
			}
		}
	}
}

// RunLoopOnce drains each of the four queues exactly once, in the
// fixed order check_recv_req, check_send_req, check_recv_resp,
// check_send_resp, reporting whether anything was drained so a driving
// loop can yield when idle.
func (d *Dispatcher) RunLoopOnce() bool {
	n := d.checkRecvReq()
	n += d.checkSendReq()
	n += d.checkRecvResp()
	n += d.checkSendResp()
	return n > 0
}

func (d *Dispatcher) checkRecvReq() int {
	items := d.recvReqQueue.drainSnapshot(d.recvReqQueue.len())
	for _, item := range items {
		handler, ok := d.registry.Lookup(item.msg.RequestTag)
		if !ok {
			d.logger.Warn("no handler for request tag", "tag", item.msg.RequestTag, "session", item.sessionID)
			d.observer.ObserveUnknownTag()
			continue
		}
		resp, err := handler(item.sessionID, item.msg)
		if err != nil {
			d.logger.Warn("request handler failed", "tag", item.msg.RequestTag, "error", err)
			continue
		}
		if resp.Payload != nil || resp.MessageID != 0 {
			resp.MessageID = item.msg.MessageID
			d.PushResp(item.sessionID, resp)
		}
	}
	return len(items)
}

func (d *Dispatcher) checkSendReq() int {
	items := d.sendReqQueue.drainSnapshot(d.sendReqQueue.len())
	for i, item := range items {
		sessionID, ok := d.sessionForSend(item)
		if !ok {
			d.logger.Warn("push_req to unknown peer dropped", "peer", item.peerID)
			d.observer.ObserveUnknownPeer()
			continue
		}
		if err := d.engine.SendTo(sessionID, item.msg); err != nil {
			if errors.Is(err, pool.ErrExhausted{}) {
				// Back off: nothing was posted, so this item and everything
				// behind it retries next pass, still in order.
				d.sendReqQueue.pushFront(items[i:])
				return i
			}
			d.logger.Warn("send_to failed for request", "session", sessionID, "error", err)
		}
	}
	return len(items)
}

func (d *Dispatcher) checkRecvResp() int {
	// Responses are delivered synchronously to any waiting Call and also
	// land here for callers that poll rather than block. Draining keeps
	// the queue bounded; this check is where a future correlation map
	// would route responses by message id.
	return len(d.recvRespQueue.drainSnapshot(d.recvRespQueue.len()))
}

func (d *Dispatcher) checkSendResp() int {
	items := d.sendRespQueue.drainSnapshot(d.sendRespQueue.len())
	for i, item := range items {
		sessionID, ok := d.sessionForSend(item)
		if !ok {
			d.logger.Warn("push_resp to unknown peer dropped", "peer", item.peerID)
			d.observer.ObserveUnknownPeer()
			continue
		}
		if err := d.engine.SendTo(sessionID, item.msg); err != nil {
			if errors.Is(err, pool.ErrExhausted{}) {
				d.sendRespQueue.pushFront(items[i:])
				return i
			}
			d.logger.Warn("send_to failed for response", "session", sessionID, "error", err)
		}
	}
	return len(items)
}
