// Package eventloop is Component D, the single-threaded cooperative event
// loop spec.md §4.D describes as a self-pipe-driven readiness multiplexer.
//
// A raw epoll/self-pipe reactor is the idiomatic C translation of "one
// thread owns all mutable state, driven by a readiness queue"; the
// idiomatic Go translation of the same invariant is one goroutine that is
// the only writer of that state, fed by a channel every other goroutine
// posts work onto. That is what Loop is: Post is the self-pipe write,
// the consuming goroutine in Run is the self-pipe's registered read
// handler, and every Process/Supervisor mutation happens only inside a
// posted func — never directly from the goroutine that discovered the
// need for it (a blocking reader, a signal handler, an RPC connection).
// Grounded on the teacher's processmgr.ProcessManager2.mainloop(), which
// already uses this exact shape (a coalescing channel plus a timer plus a
// heap) for the same reason.
package eventloop

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Loop is Component D. Zero value is not usable; construct with New.
type Loop struct {
	log     *zap.Logger
	posted  chan func()
	timers  *timerHeap
	done    chan struct{}
}

// New builds a Loop. queueDepth bounds how many pending posted funcs may be
// buffered before Post blocks its caller — a deliberate backpressure valve,
// not an error case: a slow loop should stall producers, not drop events.
func New(log *zap.Logger, queueDepth int) *Loop {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Loop{
		log:    log,
		posted: make(chan func(), queueDepth),
		timers: newTimerHeap(),
		done:   make(chan struct{}),
	}
}

// Post enqueues fn to run on the loop goroutine. Safe to call from any
// goroutine, including from inside a func already running on the loop
// (self-post, used e.g. to re-check a condition after a timer fires).
func (l *Loop) Post(fn func()) {
	l.posted <- fn
}

// TryPost is Post's non-blocking form: it reports whether fn was enqueued,
// for producers that would rather drop an event than stall (e.g. a signal
// handler that already coalesces repeats).
func (l *Loop) TryPost(fn func()) bool {
	select {
	case l.posted <- fn:
		return true
	default:
		return false
	}
}

// ArmTimer schedules fn to run on the loop goroutine at now+d, replacing
// any existing timer registered under id. Must be called from a func
// already running on the loop (i.e. from inside Post/Run), matching the
// invariant that only the loop goroutine touches loop-owned state.
func (l *Loop) ArmTimer(id string, d time.Duration, fn func()) {
	l.timers.arm(id, time.Now().Add(d), fn)
}

// CancelTimer cancels a pending timer. Safe to call redundantly; reports
// whether a timer was actually removed.
func (l *Loop) CancelTimer(id string) bool {
	return l.timers.cancel(id)
}

// Run drives the loop until ctx is cancelled. It is the single consumer of
// both posted work and expiring timers. Post, TryPost and Done are safe to
// call from any goroutine; ArmTimer and CancelTimer are loop-only (see
// ArmTimer). Run itself is not meant to be called twice.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	resetTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if when, ok := l.timers.peek(); ok {
			d := time.Until(when)
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
		} else {
			timer.Reset(time.Hour)
		}
	}
	resetTimer()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case fn := <-l.posted:
			l.runGuarded(fn)
			resetTimer()

		case <-timer.C:
			for _, ev := range l.timers.popDue(time.Now()) {
				l.runGuarded(ev.fn)
			}
			resetTimer()
		}
	}
}

// Done reports when Run has returned, for callers that need to wait for a
// clean loop shutdown (e.g. during the daemon's own teardown sequence).
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// runGuarded isolates a single turn: a panicking handler must not take the
// whole daemon down with it, matching §7's fault-isolation requirement for
// handler code running on the loop.
func (l *Loop) runGuarded(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if l.log != nil {
				l.log.Error("event loop handler panicked", zap.Any("panic", r))
			}
		}
	}()
	fn()
}
