package srpc

import (
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/srpcnet/srpc/internal/constants"
)

// Config holds the tunables for one RPC core instance. There is no
// process-global config singleton and no CLI frontend: callers build a
// Config and pass it to New.
type Config struct {
	// ListenAddr is the address the handshake side-channel listens on
	// (e.g. "0.0.0.0:7471").
	ListenAddr string

	// Peers lists the handshake-service addresses of the peers this node
	// dials. Entries are what ConnectTo takes as peerAddr; which logical
	// peer id each maps to is the caller's to decide, so a pure server
	// may leave this empty.
	Peers []string

	// DeviceName, if set, pins device discovery to a specific RDMA
	// device (as reported by rdmamap). Empty means "first usable device".
	DeviceName string

	// MRSize is the size in bytes of every pre-registered memory region.
	// Must be at least MinMRSize.
	MRSize uint32

	// PoolSize is the number of regions in each of the send and receive
	// memory-region pools. Pools are fixed-capacity; they never grow.
	PoolSize int

	// SendDepth and RecvDepth bound the send and receive completion
	// queues.
	SendDepth int
	RecvDepth int

	// LocalID identifies this core to peers during the handshake.
	LocalID uint32

	// PrometheusRegisterer, if set, routes data-plane events to a
	// Prometheus collector registered against it instead of the
	// in-process Metrics/Observer pair returned by Core.Metrics.
	PrometheusRegisterer prom.Registerer
}

// DefaultConfig returns a Config with the package's default tunables.
func DefaultConfig() *Config {
	return &Config{
		MRSize:    constants.DefaultMRSize,
		PoolSize:  constants.DefaultPoolSize,
		SendDepth: constants.DefaultSendDepth,
		RecvDepth: constants.DefaultRecvDepth,
	}
}

// Validate checks the configuration for obviously unusable values,
// returning a structured Error if anything is out of range.
func (c *Config) Validate() error {
	if c.MRSize < constants.MinMRSize {
		return NewError("validate_config", CodePostFailed, "mr size below minimum")
	}
	if c.PoolSize <= 0 {
		return NewError("validate_config", CodePoolExhausted, "pool size must be positive")
	}
	if c.SendDepth <= 0 || c.RecvDepth <= 0 {
		return NewError("validate_config", CodePostFailed, "send/recv depth must be positive")
	}
	return nil
}
