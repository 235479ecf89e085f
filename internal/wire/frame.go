package wire

import (
	"bytes"
	"errors"
	"fmt"
)

// Separator terminates every frame on the wire, for both the peer protocol
// and the IPC protocol.
const Separator = '\n'

// MaxFrameSize defines an upper bound on a single buffered frame.
// This protects us from a peer that never sends a terminator and would
// otherwise make the buffer grow without limit.
const MaxFrameSize = 4 << 20 // 4 MiB

var (
	// ErrMalformedFrame is returned when a frame cannot be decoded.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrFrameTooLarge is returned when a partial frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")
)

// FrameBuffer reassembles newline-terminated frames from arbitrary chunks
// of a byte stream.
//
// The zero value is ready to use.
type FrameBuffer struct {
	buf []byte
}

// Feed appends data to the buffer and returns every complete frame it now
// holds, in arrival order, with the terminator removed. Bytes after the last
// terminator stay buffered for the next call.
//
// If the unterminated remainder grows past MaxFrameSize the buffer is
// cleared and ErrFrameTooLarge is returned together with any frames that
// were complete before the overflow.
func (b *FrameBuffer) Feed(data []byte) ([][]byte, error) {
	b.buf = append(b.buf, data...)

	var frames [][]byte
	for {
		i := bytes.IndexByte(b.buf, Separator)
		if i < 0 {
			break
		}

		frame := make([]byte, i)
		copy(frame, b.buf[:i])
		frames = append(frames, frame)

		b.buf = b.buf[i+1:]
	}

	if len(b.buf) > MaxFrameSize {
		n := len(b.buf)
		b.buf = nil
		return frames, fmt.Errorf("Feed: %w (%d > %d)", ErrFrameTooLarge, n, MaxFrameSize)
	}

	// Release the backing array once everything has been consumed.
	if len(b.buf) == 0 {
		b.buf = nil
	}
	return frames, nil
}

// Len reports how many bytes of an incomplete frame are buffered.
func (b *FrameBuffer) Len() int {
	return len(b.buf)
}

// Reset drops any buffered partial frame.
func (b *FrameBuffer) Reset() {
	b.buf = nil
}
