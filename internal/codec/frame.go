package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/srpcnet/srpc/internal/pool"
)

// Frame is the fixed-size buffer posted to and read from a memory region:
// an RLP-encoded Message left-aligned in the buffer, followed by zero
// padding, with the encoded length as a trailing big-endian uint16. The
// trailing length is plain encoding/binary rather than RLP because its
// position is fixed by the memory-region size, not self-describing — RLP
// buys nothing here and stdlib is the right tool for two fixed bytes.
const trailingLengthSize = 2

// EncodeFrame lays an encoded Message into an mrSize-byte frame. It
// returns an error rather than truncating if the encoded message plus
// its trailing length does not fit.
//
// The frame is drawn from the size-bucketed overflow pool rather than a
// fresh allocation, since a send frame is posted and then immediately
// copied into its memory region: the caller should return it via
// pool.PutOverflowBuffer once that copy is done.
func EncodeFrame(encoded []byte, mrSize int) ([]byte, error) {
	if mrSize < trailingLengthSize+1 {
		return nil, fmt.Errorf("codec: mr size %d too small for framing", mrSize)
	}
	if len(encoded)+trailingLengthSize > mrSize {
		return nil, fmt.Errorf("codec: encoded message of %d bytes does not fit in %d-byte region", len(encoded), mrSize)
	}

	frame := pool.GetOverflowBuffer(mrSize)
	for i := range frame {
		frame[i] = 0
	}
	copy(frame, encoded)
	binary.BigEndian.PutUint16(frame[mrSize-trailingLengthSize:], uint16(len(encoded)))
	return frame, nil
}

// DecodeFrame reads the trailing length out of an mrSize-byte frame and
// returns the encoded payload prefix it describes.
func DecodeFrame(frame []byte) ([]byte, error) {
	mrSize := len(frame)
	if mrSize < trailingLengthSize+1 {
		return nil, fmt.Errorf("codec: frame of %d bytes too small to carry a length", mrSize)
	}
	n := binary.BigEndian.Uint16(frame[mrSize-trailingLengthSize:])
	if int(n)+trailingLengthSize > mrSize {
		return nil, fmt.Errorf("codec: frame declares length %d exceeding region size %d", n, mrSize)
	}
	return frame[:n], nil
}
