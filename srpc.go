// Package srpc implements a two-sided RDMA RPC core: a completion-queue
// driven network engine, a four-queue request/response dispatcher, and a
// gRPC-based handshake side-channel for queue pair bring-up.
package srpc

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srpcnet/srpc/internal/codec"
	"github.com/srpcnet/srpc/internal/dispatcher"
	"github.com/srpcnet/srpc/internal/engine"
	"github.com/srpcnet/srpc/internal/handshake"
	"github.com/srpcnet/srpc/internal/logging"
	"github.com/srpcnet/srpc/internal/metrics"
	"github.com/srpcnet/srpc/internal/registry"
	"github.com/srpcnet/srpc/internal/verbs"
)

// CoreStatus mirrors the lifecycle of the whole RPC core.
type CoreStatus uint8

const (
	StatusStopped CoreStatus = iota
	StatusRunning
	StatusShuttingDown
)

func (s CoreStatus) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusRunning:
		return "running"
	case StatusShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// Core is the single entry point for this library: it owns the RDMA
// device, the network engine, the dispatcher, the callback registry,
// and the handshake server/client, and gates every lifecycle transition
// behind a single runtime lock.
type Core struct {
	cfg    *Config
	logger *logging.Logger

	runtimeLock sync.Mutex
	status      CoreStatus

	dev        verbs.Device
	engine     *engine.Engine
	dispatcher *dispatcher.Dispatcher
	registry   *registry.Registry
	handshake  *handshake.Server
	metrics    *Metrics
	observer   Observer

	reqCounter atomic.Uint64

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	listenAddr string
}

// New builds a Core from cfg but does not start it: the device is
// opened and every internal component is wired together, so Start only
// has goroutines to launch.
func New(cfg *Config) (*Core, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.Default().WithComponent("core")

	dev, err := verbs.Open(cfg.DeviceName, cfg.SendDepth, cfg.RecvDepth)
	if err != nil {
		return nil, wrapCode("new_core", CodeDeviceUnavailable, err)
	}

	var observer Observer
	var m *Metrics
	if cfg.PrometheusRegisterer != nil {
		observer = metrics.NewCollector(cfg.PrometheusRegisterer)
	} else {
		m = NewMetrics()
		observer = NewMetricsObserver(m)
	}

	reg := registry.New()

	eng := engine.New(engine.Config{
		Device:    dev,
		MRSize:    int(cfg.MRSize),
		PoolSize:  cfg.PoolSize,
		RecvDepth: cfg.RecvDepth,
		Observer:  observer,
		Logger:    logger,
	})

	hsClient := handshake.NewClient(cfg.LocalID, logger)

	disp := dispatcher.New(dispatcher.Config{
		Engine:     eng,
		Handshaker: hsClient,
		Registry:   reg,
		Logger:     logger,
		Observer:   observer,
	})

	// engine.New and dispatcher.New each need the other, so the engine's
	// inbound-message callback is wired in after both exist.
	eng.SetOnRecv(disp.OnRecvMsg)

	hsServer := handshake.NewServer(disp, logger)

	return &Core{
		cfg:        cfg,
		logger:     logger,
		status:     StatusStopped,
		dev:        dev,
		engine:     eng,
		dispatcher: disp,
		registry:   reg,
		handshake:  hsServer,
		metrics:    m,
		observer:   observer,
	}, nil
}

// Status returns the core's current lifecycle state.
func (c *Core) Status() CoreStatus {
	c.runtimeLock.Lock()
	defer c.runtimeLock.Unlock()
	return c.status
}

// Start transitions the core from Stopped to Running: the callback
// registry is frozen, the network engine's completion pollers are
// launched, the handshake server starts listening, and the dispatcher's
// run loop begins draining its four queues.
func (c *Core) Start(ctx context.Context) error {
	c.runtimeLock.Lock()
	defer c.runtimeLock.Unlock()

	if c.status != StatusStopped {
		return NewError("start", CodePostFailed, "core is already running")
	}

	c.registry.Freeze()

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.engine.Start(c.ctx)

	if c.cfg.ListenAddr != "" {
		lis, err := net.Listen("tcp", c.cfg.ListenAddr)
		if err != nil {
			c.cancel()
			return wrapCode("start", CodeHandshakeFailed, err)
		}
		c.listenAddr = lis.Addr().String()
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.handshake.Serve(lis); err != nil {
				c.logger.Warn("handshake server exited", "error", err)
			}
		}()
	}

	c.wg.Add(1)
	go c.runDispatchLoop()

	c.status = StatusRunning
	return nil
}

// Stop transitions the core from Running to Stopped through the
// ShuttingDown intermediate state, tearing down the background pollers,
// the dispatcher loop, and the handshake server.
func (c *Core) Stop() error {
	c.runtimeLock.Lock()
	if c.status != StatusRunning {
		c.runtimeLock.Unlock()
		return NewError("stop", CodePostFailed, "core is not running")
	}
	c.status = StatusShuttingDown
	c.runtimeLock.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	c.engine.Stop()
	c.handshake.Stop()
	c.wg.Wait()

	c.runtimeLock.Lock()
	c.status = StatusStopped
	c.runtimeLock.Unlock()
	return nil
}

func (c *Core) runDispatchLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			if !c.dispatcher.RunLoopOnce() {
				time.Sleep(PollIdleYield)
			}
		}
	}
}

// RegisterCallback associates tag with handler. Only legal while the
// core is Stopped; tag 0 is reserved.
func (c *Core) RegisterCallback(tag uint8, handler registry.Handler) error {
	c.runtimeLock.Lock()
	defer c.runtimeLock.Unlock()

	if c.status != StatusStopped {
		return NewError("register_callback", CodePostFailed, "cannot register a callback while the core is running")
	}
	if tag == 0 {
		return NewError("register_callback", CodePostFailed, "tag 0 is reserved")
	}
	if err := c.registry.Register(tag, handler); err != nil {
		return wrapCode("register_callback", CodePostFailed, err)
	}
	return nil
}

// ConnectTo establishes a session against peerID at peerAddr, bringing
// up the underlying RDMA queue pair via the handshake side-channel.
func (c *Core) ConnectTo(ctx context.Context, peerID uint32, peerAddr string) (uint32, error) {
	sessionID, err := c.dispatcher.ConnectTo(ctx, peerID, peerAddr)
	if err != nil {
		return 0, wrapCode("connect_to", CodeHandshakeFailed, err)
	}
	return sessionID, nil
}

// Call sends req to sessionID and blocks for the matching response.
func (c *Core) Call(ctx context.Context, sessionID uint32, req codec.Message) (codec.Message, error) {
	req.MessageID = c.NextMessageID()
	return c.dispatcher.Call(ctx, sessionID, req)
}

// PushRequest enqueues req for sessionID without waiting for a reply.
func (c *Core) PushRequest(sessionID uint32, req codec.Message) {
	if req.MessageID == 0 {
		req.MessageID = c.NextMessageID()
	}
	c.dispatcher.PushReq(sessionID, req)
}

// PushRequestToPeer enqueues req for whichever session currently serves
// peerID without waiting for a reply. Unlike PushRequest, the session is
// resolved from peerID only when the dispatcher drains the send queue,
// not when this call returns: a peerID with no live session at that
// point is dropped and counted as an unknown-peer drop rather than
// returned as an error here.
func (c *Core) PushRequestToPeer(peerID uint32, req codec.Message) {
	if req.MessageID == 0 {
		req.MessageID = c.NextMessageID()
	}
	c.dispatcher.PushReqToPeer(dispatcher.MessageHandle{PeerID: peerID, Msg: req})
}

// NextMessageID returns the next value of the core's monotonic message
// id counter.
func (c *Core) NextMessageID() uint64 {
	return c.reqCounter.Add(1)
}

// Metrics returns the core's in-process metrics snapshot source, or nil
// if the core was configured with a Prometheus registerer instead.
func (c *Core) Metrics() *Metrics {
	return c.metrics
}

// ListenAddr returns the handshake side-channel's actual listen address,
// resolved after Start (useful when Config.ListenAddr uses the ":0"
// ephemeral-port convention). Empty before Start or if ListenAddr was
// never configured.
func (c *Core) ListenAddr() string {
	c.runtimeLock.Lock()
	defer c.runtimeLock.Unlock()
	return c.listenAddr
}

