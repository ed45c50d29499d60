package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"market-feeder/src/helpers"
)

const DefaultMaxFrameBytes = 64 << 20

// Framer reads and writes big-endian length-prefixed frames.
type Framer struct {
	prefix   int // 4 or 8
	maxBytes uint64
}

// -----------------------------------------------------------------------------

// StreamFramer uses the 4-byte prefix of the streaming port.
func StreamFramer(maxBytes int) Framer {
	return newFramer(4, maxBytes)
}

// RegistryFramer uses the 8-byte prefix of the registry port.
func RegistryFramer(maxBytes int) Framer {
	return newFramer(8, maxBytes)
}

func newFramer(prefix, maxBytes int) Framer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	return Framer{prefix: prefix, maxBytes: uint64(maxBytes)}
}

// -----------------------------------------------------------------------------

func (f Framer) PrefixBytes() int {
	return f.prefix
}

// -----------------------------------------------------------------------------

// WriteFrame writes prefix and payload with a single Write call.
func (f Framer) WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > f.maxBytes {
		return helpers.NewProtocolError(helpers.ErrCodeFrameTooLarge, "frame of %d bytes exceeds limit %d", len(payload), f.maxBytes)
	}

	buf := make([]byte, f.prefix+len(payload))
	if f.prefix == 4 {
		binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	} else {
		binary.BigEndian.PutUint64(buf, uint64(len(payload)))
	}
	copy(buf[f.prefix:], payload)

	if _, err := w.Write(buf); err != nil {
		return helpers.Wrap(err, helpers.ErrCodeWriteFailed, "write frame")
	}
	return nil
}

// -----------------------------------------------------------------------------

// ReadFrame returns io.EOF when the peer closed cleanly between frames.
func (f Framer) ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, f.prefix)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, helpers.Wrap(err, helpers.ErrCodeReadFailed, "read frame header")
	}

	var size uint64
	if f.prefix == 4 {
		size = uint64(binary.BigEndian.Uint32(header))
	} else {
		size = binary.BigEndian.Uint64(header)
	}
	if size == 0 {
		return nil, helpers.NewProtocolError(helpers.ErrCodeMalformedFrame, "empty frame")
	}
	if size > f.maxBytes {
		return nil, helpers.NewProtocolError(helpers.ErrCodeFrameTooLarge, "frame of %d bytes exceeds limit %d", size, f.maxBytes)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, helpers.Wrap(err, helpers.ErrCodeReadFailed, "read frame payload")
	}
	return payload, nil
}

// -----------------------------------------------------------------------------

func (f Framer) String() string {
	return fmt.Sprintf("Framer{prefix=%d max=%d}", f.prefix, f.maxBytes)
}
