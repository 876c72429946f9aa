package control

import (
	"context"
	"time"

	"github.com/lightning-sagar/LMS/internal/eventloop"
	"github.com/lightning-sagar/LMS/internal/logger"
	"github.com/lightning-sagar/LMS/internal/metrics"
)

const (
	DefaultInterval = 500 * time.Millisecond
	defaultTimeout  = 5 * time.Second
)

var log = logger.Module("control")

// Sender delivers one command. Failures are reported, never retried.
type Sender interface {
	Send(ctx context.Context, dir Direction) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, dir Direction) error

func (f SenderFunc) Send(ctx context.Context, dir Direction) error { return f(ctx, dir) }

// Options configures a Dispatcher.
type Options struct {
	Mode     Mode
	Interval time.Duration
	Timeout  time.Duration // per send
	Metrics  *metrics.Metrics
	// OnSend runs on the loop after each send completes.
	OnSend func(dir Direction, err error)
}

// Dispatcher is the idle -> active -> idle command state machine. At most
// one repeat timer exists at any time. Confined to its loop.
type Dispatcher struct {
	loop   *eventloop.Loop
	sender Sender
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc

	active bool
	dir    Direction
	timer  *eventloop.Timer
	timers []*eventloop.Timer // every timer created, for ActiveTimers
	closed bool
}

func NewDispatcher(loop *eventloop.Loop, sender Sender, opts Options) *Dispatcher {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{loop: loop, sender: sender, opts: opts, ctx: ctx, cancel: cancel}
}

// Start activates dir and sends it immediately. In Repeat mode it keeps
// sending every interval until Stop; starting another direction replaces
// the running cycle. Starting the direction that is already repeating is a
// no-op. In SingleShot mode every call sends exactly once.
func (d *Dispatcher) Start(dir Direction) {
	if d.closed {
		return
	}
	if d.opts.Mode == SingleShot {
		d.stopTimer()
		d.setActive(true, dir)
		d.send(dir)
		d.setActive(false, "")
		return
	}
	if d.active && d.dir == dir && d.timer != nil {
		return
	}

	d.stopTimer()
	d.setActive(true, dir)
	d.send(dir)
	d.timer = d.loop.Repeat(d.opts.Interval, func() { d.send(dir) })
	d.timers = append(d.timers, d.timer)
	log.Info("repeating %s every %v", dir, d.opts.Interval)
}

// Stop returns to idle and cancels the repeat timer. Idempotent.
func (d *Dispatcher) Stop() {
	d.stopTimer()
	if d.active {
		log.Info("stopped %s", d.dir)
	}
	d.setActive(false, "")
}

// Close stops the dispatcher and cancels in-flight sends. Idempotent.
func (d *Dispatcher) Close() {
	if d.closed {
		return
	}
	d.Stop()
	d.closed = true
	d.cancel()
}

// Active reports whether a direction is held.
func (d *Dispatcher) Active() bool { return d.active }

// Direction returns the held direction, or "" when idle.
func (d *Dispatcher) Direction() Direction { return d.dir }

// Mode returns the activation mode.
func (d *Dispatcher) Mode() Mode { return d.opts.Mode }

// ActiveTimers counts repeat timers that can still fire.
func (d *Dispatcher) ActiveTimers() int {
	live := d.timers[:0]
	for _, t := range d.timers {
		if t.Active() {
			live = append(live, t)
		}
	}
	clear(d.timers[len(live):])
	d.timers = live
	return len(live)
}

func (d *Dispatcher) stopTimer() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Dispatcher) setActive(active bool, dir Direction) {
	d.active = active
	d.dir = dir
	if active {
		d.opts.Metrics.ControlActive.Store(1)
	} else {
		d.opts.Metrics.ControlActive.Store(0)
	}
}

// send runs the request off the loop; the outcome is posted back.
func (d *Dispatcher) send(dir Direction) {
	log.Debug("sending direction: %s", dir)
	go func() {
		ctx, cancel := context.WithTimeout(d.ctx, d.opts.Timeout)
		defer cancel()
		err := d.sender.Send(ctx, dir)
		d.loop.Post(func() { d.sent(dir, err) })
	}()
}

func (d *Dispatcher) sent(dir Direction, err error) {
	if err != nil {
		d.opts.Metrics.ControlFailed.Add(1)
		log.Warn("error sending control command %s: %v", dir, err)
	} else {
		d.opts.Metrics.ControlSent.Add(1)
	}
	if d.opts.OnSend != nil {
		d.opts.OnSend(dir, err)
	}
}
