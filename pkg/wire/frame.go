// Package wire implements the framed channel between controller and worker:
// each frame is a 4-byte big-endian length followed by that many bytes of
// JSON.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ManveerAnand/articulate3D/pkg/protocol"
)

const (
	// HeaderSize is the size of the length prefix.
	HeaderSize = 4

	// DefaultMaxFrameSize bounds a single frame. Base64 audio of a spoken
	// command stays well below it.
	DefaultMaxFrameSize = 16 << 20
)

var (
	// ErrChannelClosed is returned when the peer is gone, including when it
	// disconnects in the middle of a frame.
	ErrChannelClosed error = protocol.Fail(protocol.KindChannelClosed, "")

	// ErrMalformedFrame is returned for a frame whose declared length is
	// zero, negative or above the maximum, and for a payload that is not a
	// valid message.
	ErrMalformedFrame error = protocol.Fail(protocol.KindMalformedFrame, "")
)

// WriteFrame writes payload with its length prefix in a single Write.
func WriteFrame(w io.Writer, payload []byte, maxSize int) error {
	if len(payload) == 0 || len(payload) > maxSize {
		return fmt.Errorf("%w: payload length %d (max %d)", ErrMalformedFrame, len(payload), maxSize)
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	if _, err := w.Write(buf); err != nil {
		return closedErr(err)
	}
	return nil
}

// ReadFrame reads exactly one frame. The declared length is validated
// before any payload buffer is allocated.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, closedErr(err)
	}
	n := int32(binary.BigEndian.Uint32(hdr[:]))
	if n <= 0 || int64(n) > int64(maxSize) {
		return nil, fmt.Errorf("%w: declared length %d (max %d)", ErrMalformedFrame, n, maxSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, closedErr(err)
	}
	return payload, nil
}

func closedErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrChannelClosed
	}
	return fmt.Errorf("%w: %v", ErrChannelClosed, err)
}
