package handshake

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// rlpCodec lets the handshake service exchange plain Go structs over
// gRPC without a protoc code-gen step: gRPC normally requires
// proto.Message, but registering a codec under a content-subtype lets
// any Marshal/Unmarshal pair stand in, matching the RLP framing already
// used for Endpoint and Message elsewhere in this tree.
type rlpCodec struct{}

func (rlpCodec) Name() string { return "rlp" }

func (rlpCodec) Marshal(v any) ([]byte, error) {
	b, err := rlp.EncodeToBytes(v)
	if err != nil {
		return nil, fmt.Errorf("handshake: rlp marshal: %w", err)
	}
	return b, nil
}

func (rlpCodec) Unmarshal(data []byte, v any) error {
	if err := rlp.DecodeBytes(data, v); err != nil {
		return fmt.Errorf("handshake: rlp unmarshal: %w", err)
	}
	return nil
}
