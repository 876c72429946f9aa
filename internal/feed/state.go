package feed

import (
	"context"
	"errors"
	"time"
)

// State is the lifecycle of one feed connection.
type State int32

const (
	Connecting State = iota
	Open
	Closed
	Errored
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends a connection attempt.
func (s State) Terminal() bool {
	return s == Closed || s == Errored
}

var (
	// ErrNotOpen is returned by Send when no connection is open.
	ErrNotOpen = errors.New("feed: connection not open")
	// ErrSendQueueFull is returned by Send when the writer is still busy.
	ErrSendQueueFull = errors.New("feed: send queue full")
)

// Conn is a message-oriented duplex connection. ReadMessage returns io.EOF
// when the peer closed the connection normally.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(p []byte) error
	Close() error
}

// Dialer opens a Conn.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// RetryPolicy decides whether and when to reconnect after a connection ends.
// attempt counts consecutive failures, starting at 1.
type RetryPolicy interface {
	Next(attempt int) (time.Duration, bool)
}

// NoRetry never reconnects.
type NoRetry struct{}

func (NoRetry) Next(int) (time.Duration, bool) { return 0, false }

// Backoff retries with capped exponential delays:
// Initial * 2^(attempt-1), at most Max, for at most MaxRetries attempts.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	MaxRetries int // 0 = unlimited
}

// DefaultBackoff returns 1s, 2s, 4s, 8s, 16s and then gives up.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    1 * time.Second,
		Max:        30 * time.Second,
		MaxRetries: 5,
	}
}

func (b Backoff) Next(attempt int) (time.Duration, bool) {
	if attempt < 1 {
		attempt = 1
	}
	if b.MaxRetries > 0 && attempt > b.MaxRetries {
		return 0, false
	}
	initial := b.Initial
	if initial <= 0 {
		initial = time.Second
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			return b.Max, true
		}
	}
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	return delay, true
}
