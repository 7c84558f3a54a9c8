package srpc

import "github.com/srpcnet/srpc/internal/constants"

// Re-exported tunable defaults, for callers that want the library's
// defaults without reaching into internal/constants directly.
const (
	DefaultMRSize          = constants.DefaultMRSize
	MinMRSize              = constants.MinMRSize
	DefaultPoolSize        = constants.DefaultPoolSize
	DefaultSendDepth       = constants.DefaultSendDepth
	DefaultRecvDepth       = constants.DefaultRecvDepth
	CompletionBatchSize    = constants.CompletionBatchSize
	HandshakeRetryInterval = constants.HandshakeRetryInterval
	PollIdleYield          = constants.PollIdleYield
)
