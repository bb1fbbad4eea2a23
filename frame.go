package dispatch

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// Wire layout of a frame, both directions:
//
//	[4] handler id, uint32 little-endian
//	[4] payload length, uint32 little-endian
//	[n] payload
const (
	FrameHeaderLen = 8

	// DefaultMaxPayloadSize bounds the payload a peer may announce (1MB).
	DefaultMaxPayloadSize = 1024 * 1024
)

// Frame is one complete wire unit.
type Frame struct {
	HandlerID HandlerID
	Payload   []byte
}

// EncodeFrame returns the wire bytes of one frame.
func EncodeFrame(id HandlerID, payload []byte) []byte {
	buf := make([]byte, FrameHeaderLen+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(id))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[FrameHeaderLen:], payload)
	return buf
}

// WriteFrame writes exactly FrameHeaderLen+len(payload) bytes in a single Write.
// A maxPayload <= 0 disables the size check.
func WriteFrame(w io.Writer, id HandlerID, payload []byte, maxPayload int) error {
	if err := checkPayloadSize(uint64(len(payload)), maxPayload); err != nil {
		return err
	}
	_, err := w.Write(EncodeFrame(id, payload))
	return transportError("write", err)
}

// ReadFrame blocks until a whole frame has been read from r.
//
// A stream ending before or inside a frame yields an error matching
// ErrConnectionClosed. A declared length above maxPayload yields
// ErrPayloadTooLarge before the payload is allocated; the stream cannot be
// resynchronized after that. A maxPayload <= 0 disables the size check.
func ReadFrame(r io.Reader, maxPayload int) (Frame, error) {
	var header [FrameHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, transportError("read", err)
	}

	id := HandlerID(binary.LittleEndian.Uint32(header[0:4]))
	length := binary.LittleEndian.Uint32(header[4:8])
	if err := checkPayloadSize(uint64(length), maxPayload); err != nil {
		return Frame{}, err
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, transportError("read", err)
		}
	}

	return Frame{HandlerID: id, Payload: payload}, nil
}

func checkPayloadSize(n uint64, maxPayload int) error {
	if n > math.MaxUint32 || (maxPayload > 0 && n > uint64(maxPayload)) {
		return errors.WithMessagef(ErrPayloadTooLarge, "%d bytes (max %d)", n, maxPayload)
	}
	return nil
}
