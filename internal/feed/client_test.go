package feed

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lightning-sagar/LMS/internal/eventloop"
	"github.com/lightning-sagar/LMS/internal/framing"
	"github.com/lightning-sagar/LMS/internal/metrics"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// pipeConn is an in-memory Conn. Closing in delivers io.EOF to the reader.
type pipeConn struct {
	in      chan []byte
	written chan []byte
	once    sync.Once
	closed  chan struct{}
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:      make(chan []byte, 64),
		written: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case m, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return m, nil
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (c *pipeConn) WriteMessage(p []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	case c.written <- p:
		return nil
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *pipeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type recorder struct {
	mu     sync.Mutex
	states []State
	frames [][]byte
	err    error
}

func (r *recorder) onState(st State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st)
	if err != nil {
		r.err = err
	}
}

func (r *recorder) onFrame(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, p)
}

func (r *recorder) last() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return -1
	}
	return r.states[len(r.states)-1]
}

func (r *recorder) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func newTestClient(t *testing.T, dialer Dialer, opts Options) (*eventloop.Loop, *Client, *recorder) {
	t.Helper()
	loop := eventloop.New()
	t.Cleanup(loop.Stop)

	rec := &recorder{}
	opts.Dialer = dialer
	opts.OnState = rec.onState
	opts.OnFrame = rec.onFrame
	var c *Client
	_ = loop.Do(func() {
		c = NewClient(loop, opts)
		c.Connect()
	})
	return loop, c, rec
}

func staticDialer(conn Conn) Dialer {
	return DialerFunc(func(ctx context.Context) (Conn, error) { return conn, nil })
}

func TestClientDeliversFramesInOrder(t *testing.T) {
	conn := newPipeConn()
	_, _, rec := newTestClient(t, staticDialer(conn), Options{})

	waitFor(t, time.Second, func() bool { return rec.last() == Open })

	var stream []byte
	for i := 0; i < 20; i++ {
		stream = framing.AppendFrame(stream, []byte{byte(i), byte(i)})
	}
	for _, chunk := range framing.Split(stream, 7) {
		conn.in <- chunk
	}

	waitFor(t, time.Second, func() bool { return rec.frameCount() == 20 })
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, f := range rec.frames {
		if !bytes.Equal(f, []byte{byte(i), byte(i)}) {
			t.Fatalf("frame %d out of order: %v", i, f)
		}
	}
	if rec.states[0] != Connecting || rec.states[1] != Open {
		t.Fatalf("unexpected transitions %v", rec.states)
	}
}

func TestClientDiscardsPartialFrameOnClose(t *testing.T) {
	conn := newPipeConn()
	loop, c, rec := newTestClient(t, staticDialer(conn), Options{})
	waitFor(t, time.Second, func() bool { return rec.last() == Open })

	frame := framing.AppendFrame(nil, []byte("truncated payload"))
	conn.in <- frame[:12]
	close(conn.in)

	waitFor(t, time.Second, func() bool { return rec.last() == Closed })
	if rec.frameCount() != 0 {
		t.Fatalf("partial frame was delivered")
	}
	var st State
	_ = loop.Do(func() { st = c.State() })
	if st != Closed {
		t.Fatalf("state = %s, want closed", st)
	}
}

func TestClientOversizedFrameIsFatal(t *testing.T) {
	conn := newPipeConn()
	m := metrics.New()
	_, _, rec := newTestClient(t, staticDialer(conn), Options{MaxFrameSize: 64, Metrics: m})
	waitFor(t, time.Second, func() bool { return rec.last() == Open })

	var hdr [framing.HeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[:], 65)
	conn.in <- hdr[:]

	waitFor(t, time.Second, func() bool { return rec.last() == Errored })
	if !errors.Is(rec.err, framing.ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", rec.err)
	}
	if !conn.isClosed() {
		t.Fatalf("connection left open after framing error")
	}
	if m.Camera.FramingErrors.Load() != 1 {
		t.Fatalf("framing error not counted")
	}
}

func TestClientCloseIsIdempotentAndCancels(t *testing.T) {
	conn := newPipeConn()
	loop, c, rec := newTestClient(t, staticDialer(conn), Options{})
	waitFor(t, time.Second, func() bool { return rec.last() == Open })

	_ = loop.Do(func() {
		c.Close()
		c.Close()
	})

	select {
	case <-c.Context().Done():
	default:
		t.Fatalf("context not cancelled by Close")
	}
	if !conn.isClosed() {
		t.Fatalf("connection not closed")
	}

	conn.in <- framing.AppendFrame(nil, []byte("late"))
	time.Sleep(20 * time.Millisecond)
	if rec.frameCount() != 0 {
		t.Fatalf("frame delivered after Close")
	}

	rec.mu.Lock()
	closedCount := 0
	for _, st := range rec.states {
		if st == Closed {
			closedCount++
		}
	}
	rec.mu.Unlock()
	if closedCount != 1 {
		t.Fatalf("expected one closed transition, got %d", closedCount)
	}
}

func TestClientNoRetryByDefault(t *testing.T) {
	var dials atomic.Int32
	dialer := DialerFunc(func(ctx context.Context) (Conn, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	})
	_, _, rec := newTestClient(t, dialer, Options{})

	waitFor(t, time.Second, func() bool { return rec.last() == Errored })
	time.Sleep(30 * time.Millisecond)
	if dials.Load() != 1 {
		t.Fatalf("dialed %d times without a retry policy", dials.Load())
	}
}

func TestClientBackoffReconnects(t *testing.T) {
	var dials atomic.Int32
	conn := newPipeConn()
	dialer := DialerFunc(func(ctx context.Context) (Conn, error) {
		if dials.Add(1) < 3 {
			return nil, errors.New("connection refused")
		}
		return conn, nil
	})
	_, _, rec := newTestClient(t, dialer, Options{
		Retry: Backoff{Initial: 5 * time.Millisecond, Max: 10 * time.Millisecond, MaxRetries: 5},
	})

	waitFor(t, 2*time.Second, func() bool { return rec.last() == Open })
	if dials.Load() != 3 {
		t.Fatalf("expected 3 dials, got %d", dials.Load())
	}

	conn.in <- framing.AppendFrame(nil, []byte("after retry"))
	waitFor(t, time.Second, func() bool { return rec.frameCount() == 1 })
}

func TestClientSend(t *testing.T) {
	conn := newPipeConn()
	loop, c, rec := newTestClient(t, staticDialer(conn), Options{})

	var err error
	_ = loop.Do(func() {
		if c.State() != Open {
			err = c.Send([]byte("early"))
		}
	})
	if err != nil && !errors.Is(err, ErrNotOpen) {
		t.Fatalf("Send before open = %v", err)
	}

	waitFor(t, time.Second, func() bool { return rec.last() == Open })
	_ = loop.Do(func() { err = c.Send([]byte("payload")) })
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-conn.written:
		if string(got) != "payload" {
			t.Fatalf("wrote %q", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("payload not written")
	}
}

func TestBackoffSchedule(t *testing.T) {
	b := DefaultBackoff()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, w := range want {
		got, ok := b.Next(i + 1)
		if !ok || got != w {
			t.Fatalf("attempt %d: got %v,%v want %v", i+1, got, ok, w)
		}
	}
	if _, ok := b.Next(6); ok {
		t.Fatalf("retry allowed past MaxRetries")
	}

	capped := Backoff{Initial: 10 * time.Second, Max: 30 * time.Second}
	if got, _ := capped.Next(4); got != 30*time.Second {
		t.Fatalf("delay not capped: %v", got)
	}
}

func TestWebSocketDialerEndToEnd(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		stream := framing.AppendFrame(nil, []byte("first"))
		stream = framing.AppendFrame(stream, []byte("second"))
		for _, chunk := range framing.Split(stream, 5) {
			ws.WriteMessage(websocket.BinaryMessage, chunk)
		}
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		ws.ReadMessage()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, _, rec := newTestClient(t, WebSocketDialer{URL: url, HandshakeTimeout: time.Second}, Options{})

	waitFor(t, 2*time.Second, func() bool { return rec.last() == Closed && rec.frameCount() == 2 })
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if string(rec.frames[0]) != "first" || string(rec.frames[1]) != "second" {
		t.Fatalf("unexpected frames %q", rec.frames)
	}
}

func TestWebSocketMessageMayCarrySeveralFrames(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		batch := framing.AppendFrame(nil, bytes.Repeat([]byte{1}, 80))
		batch = framing.AppendFrame(batch, bytes.Repeat([]byte{2}, 80))
		ws.WriteMessage(websocket.BinaryMessage, batch)
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		ws.ReadMessage()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	dialer := WebSocketDialer{URL: url, HandshakeTimeout: time.Second, ReadLimit: 4 * (100 + framing.HeaderSize)}
	_, _, rec := newTestClient(t, dialer, Options{MaxFrameSize: 100})

	waitFor(t, 2*time.Second, func() bool { st := rec.last(); return st == Closed || st == Errored })
	if st := rec.last(); st != Closed {
		t.Fatalf("state = %s, want closed", st)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.frames) != 2 || rec.frames[0][0] != 1 || rec.frames[1][0] != 2 {
		t.Fatalf("got %d frames, want both frames of the batch", len(rec.frames))
	}
}
