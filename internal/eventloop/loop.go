// Package eventloop runs callbacks as discrete, non-preemptible turns on a
// single goroutine.
//
// Components that are confined to a Loop never lock their own state: every
// mutation happens inside a turn. Blocking work (network I/O, decoding,
// inference) runs on other goroutines and posts its result back.
package eventloop

import (
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightning-sagar/LMS/internal/logger"
)

// ErrStopped is returned when work is submitted to a stopped loop.
var ErrStopped = errors.New("eventloop: stopped")

var log = logger.Module("eventloop")

// Loop is a FIFO queue of callbacks drained by one goroutine.
type Loop struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool
	done    chan struct{}
	turns   atomic.Uint64
}

// New creates a loop and starts its goroutine.
func New() *Loop {
	l := &Loop{done: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// Post enqueues fn. It never blocks. It reports false if the loop is stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
	return true
}

// Do runs fn on the loop and waits for it to finish.
// It must not be called from a loop turn.
func (l *Loop) Do(fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Stop discards queued callbacks and ends the loop after the current turn.
// It is idempotent and does not wait; use Done for that.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	l.queue = nil
	l.cond.Broadcast()
}

// Stopped reports whether Stop has been called.
func (l *Loop) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Turns returns the number of callbacks executed so far.
func (l *Loop) Turns() uint64 {
	return l.turns.Load()
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.stopped {
			l.cond.Wait()
		}
		if l.stopped {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.invoke(fn)
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("callback panicked: %v\n%s", r, debug.Stack())
		}
	}()
	l.turns.Add(1)
	fn()
}

// Timer is a pending AfterFunc or Repeat registration.
type Timer struct {
	loop    *Loop
	fn      func()
	period  time.Duration
	stopped atomic.Bool

	mu sync.Mutex
	t  *time.Timer
}

// AfterFunc runs fn on the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{loop: l, fn: fn}
	t.mu.Lock()
	t.t = time.AfterFunc(d, t.fire)
	t.mu.Unlock()
	return t
}

// Repeat runs fn on the loop every d until the timer is stopped.
// The next tick is scheduled after fn returns, so ticks never queue up.
func (l *Loop) Repeat(d time.Duration, fn func()) *Timer {
	if d <= 0 {
		panic("eventloop: non-positive repeat interval")
	}
	t := &Timer{loop: l, fn: fn, period: d}
	t.mu.Lock()
	t.t = time.AfterFunc(d, t.fire)
	t.mu.Unlock()
	return t
}

func (t *Timer) fire() {
	if t.stopped.Load() {
		return
	}
	t.loop.Post(t.run)
}

func (t *Timer) run() {
	if t.stopped.Load() {
		return
	}
	if t.period == 0 {
		t.stopped.Store(true)
	}
	t.fn()
	if t.period == 0 || t.stopped.Load() {
		return
	}
	t.mu.Lock()
	if !t.stopped.Load() {
		t.t.Reset(t.period)
	}
	t.mu.Unlock()
}

// Stop cancels the timer. Called from a loop turn, it guarantees fn will not
// run again. It reports whether the timer was still active.
func (t *Timer) Stop() bool {
	if t.stopped.Swap(true) {
		return false
	}
	t.mu.Lock()
	t.t.Stop()
	t.mu.Unlock()
	return true
}

// Active reports whether the timer can still fire.
func (t *Timer) Active() bool {
	return !t.stopped.Load()
}
