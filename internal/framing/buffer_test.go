package framing

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand/v2"
	"testing"
)

func encodeAll(payloads [][]byte) []byte {
	var out []byte
	for _, p := range payloads {
		out = AppendFrame(out, p)
	}
	return out
}

func drain(t *testing.T, b *Buffer) [][]byte {
	t.Helper()
	var got [][]byte
	for p, err := range b.Frames() {
		if err != nil {
			t.Fatalf("unexpected framing error: %v", err)
		}
		got = append(got, p)
	}
	return got
}

func samplePayloads() [][]byte {
	r := rand.New(rand.NewPCG(1, 2))
	sizes := []int{0, 1, 7, 8, 9, 0, 255, 4096, 3, 0, 65536}
	out := make([][]byte, len(sizes))
	for i, n := range sizes {
		p := make([]byte, n)
		for j := range p {
			p[j] = byte(r.IntN(256))
		}
		out[i] = p
	}
	return out
}

func requireFrames(t *testing.T, got, want [][]byte) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("frame %d mismatch: got %d bytes, want %d bytes", i, len(got[i]), len(want[i]))
		}
	}
}

func TestRoundTripArbitrarySplits(t *testing.T) {
	payloads := samplePayloads()
	stream := encodeAll(payloads)

	chunkings := map[string]func([]byte) [][]byte{
		"single chunk":   func(b []byte) [][]byte { return [][]byte{b} },
		"byte at a time": func(b []byte) [][]byte { return Split(b, 1) },
		"header sized":   func(b []byte) [][]byte { return Split(b, HeaderSize) },
		"odd chunks":     func(b []byte) [][]byte { return Split(b, 13) },
		"random chunks": func(b []byte) [][]byte {
			r := rand.New(rand.NewPCG(7, 9))
			var out [][]byte
			for len(b) > 0 {
				n := min(1+r.IntN(300), len(b))
				out = append(out, b[:n])
				b = b[n:]
			}
			return out
		},
	}

	for name, split := range chunkings {
		t.Run(name, func(t *testing.T) {
			buf := NewBuffer(0)
			var got [][]byte
			for _, chunk := range split(stream) {
				buf.Append(chunk)
				got = append(got, drain(t, buf)...)
			}
			requireFrames(t, got, payloads)
			if buf.Buffered() != 0 {
				t.Fatalf("expected empty buffer, %d bytes left", buf.Buffered())
			}
		})
	}
}

func TestPartialFrameRetention(t *testing.T) {
	payload := []byte("hello, partial world")
	frame := AppendFrame(nil, payload)

	buf := NewBuffer(0)
	buf.Append(frame[:HeaderSize+5])
	if got := drain(t, buf); len(got) != 0 {
		t.Fatalf("extracted %d frames from a partial payload", len(got))
	}
	if buf.Buffered() != HeaderSize+5 {
		t.Fatalf("partial bytes not retained: %d", buf.Buffered())
	}

	buf.Append(frame[HeaderSize+5:])
	got := drain(t, buf)
	requireFrames(t, got, [][]byte{payload})
}

func TestPartialHeaderRetention(t *testing.T) {
	frame := AppendFrame(nil, []byte{1, 2, 3})
	buf := NewBuffer(0)
	buf.Append(frame[:3])
	if got := drain(t, buf); len(got) != 0 {
		t.Fatalf("extracted a frame from a partial header")
	}
	buf.Append(frame[3:])
	requireFrames(t, drain(t, buf), [][]byte{{1, 2, 3}})
}

func TestIdempotentDrain(t *testing.T) {
	payloads := [][]byte{[]byte("a"), []byte("bc")}
	buf := NewBuffer(0)
	buf.Append(encodeAll(payloads))

	requireFrames(t, drain(t, buf), payloads)
	if second := drain(t, buf); len(second) != 0 {
		t.Fatalf("second drain yielded %d frames", len(second))
	}
}

func TestZeroLengthFrame(t *testing.T) {
	buf := NewBuffer(0)
	buf.Append(AppendFrame(nil, nil))
	got := drain(t, buf)
	if len(got) != 1 || len(got[0]) != 0 {
		t.Fatalf("expected one empty frame, got %v", got)
	}
}

func TestLazyExtractionStopsEarly(t *testing.T) {
	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	buf := NewBuffer(0)
	buf.Append(encodeAll(payloads))

	for p, err := range buf.Frames() {
		if err != nil || string(p) != "one" {
			t.Fatalf("unexpected first frame %q (%v)", p, err)
		}
		break
	}
	requireFrames(t, drain(t, buf), payloads[1:])
}

func TestYieldedPayloadIsCopy(t *testing.T) {
	buf := NewBuffer(0)
	buf.Append(AppendFrame(nil, []byte("keep")))
	p, ok, err := buf.Next()
	if !ok || err != nil {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	buf.Append(AppendFrame(nil, []byte("XXXX")))
	if string(p) != "keep" {
		t.Fatalf("payload aliased buffer storage: %q", p)
	}
}

func TestFrameTooLarge(t *testing.T) {
	buf := NewBuffer(1024)
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[:], 1<<40)
	buf.Append(hdr[:])

	var gotErr error
	for _, err := range buf.Frames() {
		gotErr = err
	}
	if !errors.Is(gotErr, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", gotErr)
	}
	if !errors.Is(buf.Err(), ErrFrameTooLarge) {
		t.Fatalf("framing error is not sticky")
	}

	buf.Reset()
	buf.Append(AppendFrame(nil, []byte("ok")))
	requireFrames(t, drain(t, buf), [][]byte{[]byte("ok")})
}

func TestAppendReclaimsConsumedPrefix(t *testing.T) {
	buf := NewBuffer(0)
	frame := AppendFrame(nil, bytes.Repeat([]byte{0xAB}, 1000))
	for i := 0; i < 1000; i++ {
		buf.Append(frame[:500])
		drain(t, buf)
		buf.Append(frame[500:])
		if got := drain(t, buf); len(got) != 1 {
			t.Fatalf("iteration %d: got %d frames", i, len(got))
		}
	}
	if cap(buf.buf) > 4*len(frame) {
		t.Fatalf("backing store grew to %d bytes for %d-byte frames", cap(buf.buf), len(frame))
	}
}

func TestWriteFrameMatchesAppendFrame(t *testing.T) {
	var w bytes.Buffer
	if err := WriteFrame(&w, []byte("payload")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if !bytes.Equal(w.Bytes(), AppendFrame(nil, []byte("payload"))) {
		t.Fatalf("WriteFrame and AppendFrame disagree")
	}
}
