// Package opwait provides Operation_waiter, the public handle callers get
// back from any asynchronous stream or transport call: a thin wrapper
// around a kernel.Request that adds timer-wheel-backed timeouts.
package opwait

import (
	"time"

	"github.com/sensyn-robotics/vsm-go/internal/kernel"
	"github.com/sensyn-robotics/vsm-go/internal/timer"
)

// Waiter is a user-facing handle over one in-flight Request. It is not
// safe to share across goroutines beyond a single call to Wait/Cancel/
// Abort/Timeout -- callers are expected to treat it as move-only, the
// way the underlying request kernel does.
type Waiter struct {
	req   *kernel.Request
	wheel *timer.Wheel

	t *timer.Timer
}

// New wraps a request in a Waiter. wheel may be nil if the caller never
// intends to call Timeout.
func New(req *kernel.Request, wheel *timer.Wheel) *Waiter {
	return &Waiter{req: req, wheel: wheel}
}

// Request returns the underlying request, for package-internal plumbing
// (submitting it to a processor container, attaching handlers before the
// Waiter is constructed, etc).
func (w *Waiter) Request() *kernel.Request { return w.req }

// IsDone reports whether the underlying request has reached a terminal
// state.
func (w *Waiter) IsDone() bool { return w.req.IsDone() }

// Status returns the underlying request's status.
func (w *Waiter) Status() kernel.Status { return w.req.Status() }

// Result returns the underlying request's terminal result code.
func (w *Waiter) Result() kernel.ResultCode { return w.req.Result() }

// Wait blocks until the request is done. processCtx, when true, allows
// the calling goroutine to drain the request's completion container
// itself rather than block on a dedicated worker -- used by callers that
// run their own single-threaded event loop.
func (w *Waiter) Wait(processCtx bool, timeout time.Duration) {
	if timeout <= 0 {
		w.req.WaitDone(processCtx)
		return
	}

	done := make(chan struct{})
	go func() {
		w.req.WaitDone(processCtx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
	}
}

// Cancel asks the request to cooperatively wind down. Advisory: a
// processing handler already in flight decides for itself whether to
// honor it.
func (w *Waiter) Cancel() {
	w.cancelTimeout()
	w.req.Cancel()
}

// Abort forcefully tears the request down, detaching its completion
// handler before it can fire if it hasn't already been dispatched.
func (w *Waiter) Abort() {
	w.cancelTimeout()
	w.req.Abort()
}

// Timeout arms a one-shot timer on the wheel. When it fires, cb runs on
// the timer wheel's own completion goroutine (so cb should be quick and
// non-blocking, matching every other handler in this runtime); if
// cancelOnTimeout is true, Cancel is also called on the underlying
// request. If the request completes before the timer fires, the timer
// is cancelled automatically via a done-handler hook.
//
// ctx is reserved for a future per-stream execution context to dispatch
// onto; this implementation has none, so it is currently unused.
func (w *Waiter) Timeout(d time.Duration, cb func(), cancelOnTimeout bool, ctx interface{}) {
	if w.wheel == nil || d <= 0 {
		return
	}

	fired := false
	t := w.wheel.Schedule(d, func() bool {
		fired = true
		if cb != nil {
			cb()
		}
		if cancelOnTimeout {
			w.req.Cancel()
		}
		return false
	})
	w.t = t

	w.req.SetDoneHandler(func(r *kernel.Request) {
		if !fired {
			w.wheel.Cancel(t)
		}
	})
}

func (w *Waiter) cancelTimeout() {
	if w.t != nil && w.wheel != nil {
		w.wheel.Cancel(w.t)
	}
}
