package codec

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// Classification describes which dispatcher queue a Message belongs on. It
// is derived from context (which side posted it, and in response to what),
// not carried on the wire.
type Classification uint8

const (
	// ClassSendRequest is an outbound request awaiting a response.
	ClassSendRequest Classification = iota
	// ClassSendResponse is an outbound reply to a received request.
	ClassSendResponse
	// ClassRecvRequest is an inbound request awaiting a registered handler.
	ClassRecvRequest
	// ClassRecvResponse is an inbound reply to a request this side sent.
	ClassRecvResponse
)

func (c Classification) String() string {
	switch c {
	case ClassSendRequest:
		return "send_req"
	case ClassSendResponse:
		return "send_resp"
	case ClassRecvRequest:
		return "recv_req"
	case ClassRecvResponse:
		return "recv_resp"
	default:
		return "unknown"
	}
}

// Message is the self-describing envelope carried inside every Frame:
// a one-byte tag selecting the registered callback, the id of the peer
// that originated it, a monotonic message id for request/response
// correlation, and an opaque payload.
type Message struct {
	RequestTag uint8
	SourceID   uint32
	MessageID  uint64
	Payload    []byte
}

// EncodeMessage serializes a Message to its opaque wire form.
func EncodeMessage(m Message) ([]byte, error) {
	b, err := rlp.EncodeToBytes(&m)
	if err != nil {
		return nil, fmt.Errorf("codec: encode message: %w", err)
	}
	return b, nil
}

// DecodeMessage deserializes a Message from its opaque wire form. A
// malformed encoding is reported back to the caller as a DecodeError so the
// data plane can drop-and-log instead of panicking. An empty payload
// decodes as nil, so a Message built without a Payload round-trips equal.
func DecodeMessage(b []byte) (Message, error) {
	var m Message
	if err := rlp.DecodeBytes(b, &m); err != nil {
		return Message{}, fmt.Errorf("codec: decode message: %w", err)
	}
	if len(m.Payload) == 0 {
		m.Payload = nil
	}
	return m, nil
}
