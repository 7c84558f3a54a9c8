package dispatcher

// SessionStatus mirrors the lifecycle of a single peer connection,
// from first contact through to an established data-plane channel.
type SessionStatus uint8

const (
	StatusDisconnected SessionStatus = iota
	StatusConnecting
	StatusConnected
	StatusRunning
)

func (s SessionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Session tracks one peer connection: its engine-level session id, the
// peer's logical id and dial address, and its current status.
type Session struct {
	ID       uint32
	PeerID   uint32
	PeerAddr string
	Status   SessionStatus
}
