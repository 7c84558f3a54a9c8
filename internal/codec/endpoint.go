// Package codec implements the wire encodings used by srpc: the RDMA
// endpoint exchanged during the handshake, the request/response Message
// envelope, and the fixed-size Frame the data plane posts on the wire.
//
// Both Endpoint and Message ride on github.com/ethereum/go-ethereum/rlp,
// an ordered, self-describing binary encoding with length-prefixed byte
// strings, stable across field additions as long as new fields are
// appended at the end of the struct.
package codec

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// Endpoint is the minimum information needed to reach one end of a queue
// pair from the other side: local identifier, queue number, the initial
// packet sequence number, and the port's global identifier.
type Endpoint struct {
	LID uint16
	QPN uint32
	PSN uint32
	GID [16]byte
}

// EncodeEndpoint serializes an Endpoint to its opaque wire form.
func EncodeEndpoint(e Endpoint) ([]byte, error) {
	b, err := rlp.EncodeToBytes(&e)
	if err != nil {
		return nil, fmt.Errorf("codec: encode endpoint: %w", err)
	}
	return b, nil
}

// DecodeEndpoint deserializes an Endpoint from its opaque wire form.
func DecodeEndpoint(b []byte) (Endpoint, error) {
	var e Endpoint
	if err := rlp.DecodeBytes(b, &e); err != nil {
		return Endpoint{}, fmt.Errorf("codec: decode endpoint: %w", err)
	}
	return e, nil
}
