// Package framing reassembles length-prefixed frames from a byte stream.
//
// Wire format: an 8-byte little-endian unsigned payload length followed by
// that many payload bytes. There is no magic number or checksum; the
// transport is assumed reliable and ordered.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
)

// HeaderSize is the width of the length prefix.
const HeaderSize = 8

// DefaultMaxFrameSize bounds a single payload when no limit is configured.
const DefaultMaxFrameSize = 16 << 20

// ErrFrameTooLarge reports a length prefix above the configured maximum.
// It is fatal for the stream: the buffer refuses further extraction until Reset.
var ErrFrameTooLarge = errors.New("framing: frame exceeds maximum size")

// Buffer accumulates unconsumed stream bytes.
//
// Consumed bytes are tracked by an offset and reclaimed lazily, so Append is
// amortized O(len(p)). A Buffer is not safe for concurrent use.
type Buffer struct {
	buf []byte
	off int
	max uint64
	err error
}

// NewBuffer returns an empty buffer. A non-positive maxFrameSize selects
// DefaultMaxFrameSize.
func NewBuffer(maxFrameSize int) *Buffer {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Buffer{max: uint64(maxFrameSize)}
}

// Append adds p to the tail of the buffer. p is copied.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	// Reclaim the consumed prefix once it is at least as large as the
	// unconsumed remainder; the copy is paid for by the bytes already consumed.
	if b.off > 0 && b.off >= len(b.buf)-b.off {
		n := copy(b.buf, b.buf[b.off:])
		b.buf = b.buf[:n]
		b.off = 0
	}
	b.buf = append(b.buf, p...)
}

// Buffered returns the number of unconsumed bytes.
func (b *Buffer) Buffered() int {
	return len(b.buf) - b.off
}

// Err returns the sticky framing error, if any.
func (b *Buffer) Err() error {
	return b.err
}

// Reset discards all buffered bytes and clears any framing error.
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
	b.off = 0
	b.err = nil
}

// Next removes and returns the next complete payload. ok is false when the
// buffer holds only a partial header or payload.
func (b *Buffer) Next() (payload []byte, ok bool, err error) {
	if b.err != nil {
		return nil, false, b.err
	}
	avail := len(b.buf) - b.off
	if avail < HeaderSize {
		return nil, false, nil
	}
	n := binary.LittleEndian.Uint64(b.buf[b.off:])
	if n > b.max {
		b.err = fmt.Errorf("%w: declared %d bytes, limit %d", ErrFrameTooLarge, n, b.max)
		return nil, false, b.err
	}
	if uint64(avail-HeaderSize) < n {
		return nil, false, nil
	}

	start := b.off + HeaderSize
	end := start + int(n)
	payload = make([]byte, n)
	copy(payload, b.buf[start:end])

	b.off = end
	if b.off == len(b.buf) {
		b.buf = b.buf[:0]
		b.off = 0
	}
	return payload, true, nil
}

// Frames returns a lazy sequence of the complete payloads currently buffered.
// Each payload is removed as it is yielded; a trailing partial frame stays
// for the next Append. On a framing error the sequence yields the error once
// and ends.
func (b *Buffer) Frames() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			p, ok, err := b.Next()
			if err != nil {
				yield(nil, err)
				return
			}
			if !ok {
				return
			}
			if !yield(p, nil) {
				return
			}
		}
	}
}

// AppendFrame appends the header and payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, uint64(len(payload)))
	return append(dst, payload...)
}

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[:], uint64(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// Split cuts data into chunks of at most size bytes. Senders use it to
// exercise reassembly across message boundaries.
func Split(data []byte, size int) [][]byte {
	if size <= 0 || len(data) <= size {
		return [][]byte{data}
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > 0 {
		n := min(size, len(data))
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}
