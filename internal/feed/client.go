// Package feed owns the duplex connection of one video feed and turns its
// byte stream into complete frame payloads.
package feed

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"

	"github.com/lightning-sagar/LMS/internal/eventloop"
	"github.com/lightning-sagar/LMS/internal/framing"
	"github.com/lightning-sagar/LMS/internal/logger"
	"github.com/lightning-sagar/LMS/internal/metrics"
)

const defaultSendQueue = 4

// Options configures a Client.
type Options struct {
	Name         string // "camera" or "ai"; used for logs and metrics
	Dialer       Dialer
	MaxFrameSize int
	Retry        RetryPolicy // nil = NoRetry
	SendQueue    int
	Metrics      *metrics.Metrics

	// OnState is called on every transition. err is set for Errored.
	OnState func(st State, err error)
	// OnFrame receives each complete payload in transport order.
	OnFrame func(payload []byte)
}

// session is one connection attempt. Each has its own stream buffer, so
// bytes from a previous connection can never complete a new frame.
type session struct {
	id     string
	conn   Conn
	buf    *framing.Buffer
	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// Client drives one feed. All methods except Context must be called on the
// client's loop; callbacks run there too.
type Client struct {
	loop *eventloop.Loop
	opts Options
	log  logger.ModuleLogger
	m    *metrics.FeedMetrics

	ctx    context.Context
	cancel context.CancelFunc

	state      State
	session    *session
	retryTimer *eventloop.Timer
	failures   int
	closed     bool
}

// NewClient creates an idle client. Call Connect to dial.
func NewClient(loop *eventloop.Loop, opts Options) *Client {
	if opts.Name == "" {
		opts.Name = "camera"
	}
	if opts.Retry == nil {
		opts.Retry = NoRetry{}
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = defaultSendQueue
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		loop:   loop,
		opts:   opts,
		log:    logger.Module("feed").With(opts.Name),
		m:      opts.Metrics.Feed(opts.Name),
		ctx:    ctx,
		cancel: cancel,
		state:  Closed,
	}
}

// Context is cancelled when the client is closed. Work tied to this feed
// (decodes, inference requests) should derive from it. Safe from any goroutine.
func (c *Client) Context() context.Context {
	return c.ctx
}

// State returns the current connection state.
func (c *Client) State() State {
	return c.state
}

// SessionID identifies the current connection attempt, or "" if none.
func (c *Client) SessionID() string {
	if c.session == nil {
		return ""
	}
	return c.session.id
}

// Connect starts a connection attempt unless one is already running.
func (c *Client) Connect() {
	if c.closed || c.session != nil {
		return
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.startSession()
}

// Send queues p as one binary message. It never blocks: when the writer is
// still busy with earlier messages p is dropped.
func (c *Client) Send(p []byte) error {
	s := c.session
	if s == nil || c.state != Open {
		return ErrNotOpen
	}
	select {
	case s.out <- p:
		return nil
	default:
		c.m.SendsDropped.Add(1)
		return ErrSendQueueFull
	}
}

// Close tears the feed down. Idempotent.
func (c *Client) Close() {
	if c.closed {
		return
	}
	c.closed = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if s := c.session; s != nil {
		c.session = nil
		c.endSession(s)
	}
	c.cancel()
	if !c.state.Terminal() {
		c.setState(Closed, nil)
	}
	c.log.Info("closed")
}

func (c *Client) startSession() {
	s := &session{
		id:  uuid.NewString(),
		buf: framing.NewBuffer(c.opts.MaxFrameSize),
		out: make(chan []byte, c.opts.SendQueue),
	}
	s.ctx, s.cancel = context.WithCancel(c.ctx)
	c.session = s
	c.setState(Connecting, nil)
	c.log.Debug("session %s dialing", s.id)

	go func() {
		conn, err := c.opts.Dialer.Dial(s.ctx)
		if !c.loop.Post(func() { c.onDialed(s, conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

func (c *Client) onDialed(s *session, conn Conn, err error) {
	if c.session != s {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.fail(s, Errored, err)
		return
	}

	s.conn = conn
	c.failures = 0
	c.setState(Open, nil)

	go c.readLoop(s)
	go c.writeLoop(s)
}

func (c *Client) readLoop(s *session) {
	for {
		msg, err := s.conn.ReadMessage()
		if err != nil {
			c.loop.Post(func() { c.onReadError(s, err) })
			return
		}
		if !c.loop.Post(func() { c.onMessage(s, msg) }) {
			return
		}
	}
}

func (c *Client) writeLoop(s *session) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case p := <-s.out:
			if err := s.conn.WriteMessage(p); err != nil {
				if s.ctx.Err() == nil {
					c.log.Warn("write failed: %v", err)
				}
				// Unblocks the reader, which reports the failure.
				s.conn.Close()
				return
			}
			c.m.MessagesSent.Add(1)
		}
	}
}

// onMessage drains every complete frame before returning, so frames reach
// OnFrame in transport order.
func (c *Client) onMessage(s *session, msg []byte) {
	if c.session != s {
		return
	}
	c.m.MessagesReceived.Add(1)
	c.m.BytesReceived.Add(uint64(len(msg)))

	s.buf.Append(msg)
	for payload, err := range s.buf.Frames() {
		if err != nil {
			c.m.FramingErrors.Add(1)
			c.log.Error("framing error, closing connection: %v", err)
			c.fail(s, Errored, err)
			return
		}
		c.m.FramesReceived.Add(1)
		if c.opts.OnFrame != nil {
			c.opts.OnFrame(payload)
		}
		// OnFrame may have closed the client.
		if c.session != s {
			return
		}
	}
}

func (c *Client) onReadError(s *session, err error) {
	if c.session != s {
		return
	}
	if n := s.buf.Buffered(); n > 0 {
		c.log.Debug("discarding %d bytes of an incomplete frame", n)
	}
	if errors.Is(err, io.EOF) {
		c.fail(s, Closed, nil)
		return
	}
	c.fail(s, Errored, err)
}

func (c *Client) fail(s *session, st State, err error) {
	c.session = nil
	c.endSession(s)
	c.setState(st, err)
	c.scheduleRetry()
}

func (c *Client) endSession(s *session) {
	s.cancel()
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			c.log.Debug("close: %v", err)
		}
	}
}

func (c *Client) scheduleRetry() {
	if c.closed {
		return
	}
	c.failures++
	delay, ok := c.opts.Retry.Next(c.failures)
	if !ok {
		return
	}
	c.m.Reconnects.Add(1)
	c.log.Warn("reconnecting in %v (attempt %d)", delay, c.failures)
	c.retryTimer = c.loop.AfterFunc(delay, func() {
		c.retryTimer = nil
		if c.closed || c.session != nil {
			return
		}
		c.startSession()
	})
}

func (c *Client) setState(st State, err error) {
	c.state = st
	c.m.State.Store(uint64(st))
	if err != nil {
		c.log.Warn("state=%s: %v", st, err)
	} else {
		c.log.Info("state=%s", st)
	}
	if c.opts.OnState != nil {
		c.opts.OnState(st, err)
	}
}
