// Package kernel implements the asynchronous request/container/waiter
// runtime that the rest of the VSM process is built on: a small task
// object with a processing phase, an optional completion phase dispatched
// on a separate container, cancellation, abort, and external timeouts.
package kernel

import (
	"sync"

	vsm "github.com/sensyn-robotics/vsm-go"
)

// Status is the monotone state of a Request.
type Status int

const (
	StatusPending Status = iota
	StatusProcessing
	StatusCancellationPending
	StatusCanceling
	StatusAbortPending
	StatusAborted
	// StatusResult is the first of the "result code" range; any Status
	// value >= StatusResult represents a terminal processing outcome
	// (StatusResult itself means "OK", higher values are user codes).
	StatusResult
)

// ResultCode is a user-defined terminal outcome, always >= 0. OK is the
// canonical success code; everything else is caller-defined.
type ResultCode int

const (
	ResultOK ResultCode = iota
	ResultCanceled
)

// ProcessingHandler runs on the owning Processor when a Request is
// dequeued. It must not block.
type ProcessingHandler func(r *Request)

// CompletionHandler runs on the Request's completion container exactly
// once, unless the Request is aborted before it is ever delivered.
type CompletionHandler func(r *Request)

// CancellationHandler is invoked to ask an in-flight processing handler
// to wind down; it is advisory.
type CancellationHandler func(r *Request)

// DoneHandler fires once, when the Request reaches a terminal state.
type DoneHandler func(r *Request)

// Request is the unit of asynchronous work. Zero value is not usable;
// create with NewRequest.
type Request struct {
	mu   sync.Mutex
	cond *sync.Cond

	status Status
	result ResultCode

	processing  ProcessingHandler
	completion  CompletionHandler
	cancel      CancellationHandler
	done        DoneHandler
	completionC *Container

	completionProcessed bool
	completionDelivered bool
}

// NewRequest creates a Request with no handlers attached.
func NewRequest() *Request {
	r := &Request{status: StatusPending}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// SetProcessingHandler attaches the processing handler. Fails unless the
// Request is still PENDING.
func (r *Request) SetProcessingHandler(h ProcessingHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusPending {
		return vsm.New("kernel", "Set_processing_handler", vsm.KindInvalidOp, "request not pending")
	}
	r.processing = h
	return nil
}

// SetCompletionHandler attaches a completion handler bound to container c.
// Fails unless the Request is still PENDING.
func (r *Request) SetCompletionHandler(c *Container, h CompletionHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusPending {
		return vsm.New("kernel", "Set_completion_handler", vsm.KindInvalidOp, "request not pending")
	}
	if c == nil {
		return vsm.New("kernel", "Set_completion_handler", vsm.KindNullPtr, "nil completion container")
	}
	r.completion = h
	r.completionC = c
	return nil
}

// SetCancellationHandler attaches the cancellation handler. Fails unless
// the Request is still PENDING.
func (r *Request) SetCancellationHandler(h CancellationHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusPending {
		return vsm.New("kernel", "Set_cancellation_handler", vsm.KindInvalidOp, "request not pending")
	}
	r.cancel = h
	return nil
}

// SetDoneHandler attaches the done handler. If the Request is already
// done, it fires h immediately on the caller's goroutine.
func (r *Request) SetDoneHandler(h DoneHandler) {
	r.mu.Lock()
	if r.isDoneLocked() {
		r.mu.Unlock()
		h(r)
		return
	}
	r.done = h
	r.mu.Unlock()
}

func (r *Request) isDoneLocked() bool {
	return (r.status >= StatusResult && r.completionDelivered) || r.status == StatusAborted
}

// IsDone reports whether the request has reached a terminal state.
func (r *Request) IsDone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isDoneLocked()
}

// Status returns the current status.
func (r *Request) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Result returns the terminal result code (meaningful only once a result
// code has been reached).
func (r *Request) Result() ResultCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// process runs the processing-phase or completion-phase transition for
// this request, mirroring Process(true)/Process(false) from the request
// kernel's state machine. Called by Container.drainOne.
func (r *Request) process(processPhase bool) {
	if processPhase {
		r.processProcessing()
	} else {
		r.processCompletion()
	}
}

func (r *Request) processProcessing() {
	r.mu.Lock()
	if r.status == StatusAborted {
		r.mu.Unlock()
		return
	}
	if r.status == StatusAbortPending {
		// Finalizing an abort on the processor side never happens in
		// practice (aborts route straight to the completion container),
		// but tolerate it defensively.
		r.mu.Unlock()
		return
	}
	switch r.status {
	case StatusPending:
		r.status = StatusProcessing
	case StatusCancellationPending:
		r.status = StatusCanceling
	default:
		r.mu.Unlock()
		return
	}
	h := r.processing
	r.mu.Unlock()

	if h != nil {
		h(r)
	}
}

func (r *Request) processCompletion() {
	r.mu.Lock()
	if r.status == StatusAbortPending {
		r.status = StatusAborted
		r.completion = nil
		r.completionC = nil
		cancelH := r.cancel
		r.cancel = nil
		doneH := r.done
		r.done = nil
		r.mu.Unlock()
		_ = cancelH
		if doneH != nil {
			doneH(r)
		}
		r.cond.Broadcast()
		return
	}
	if r.status < StatusResult {
		r.mu.Unlock()
		return
	}
	h := r.completion
	r.mu.Unlock()

	if h != nil {
		h(r)
	}

	r.mu.Lock()
	r.completionDelivered = true
	doneH := r.done
	r.processing = nil
	r.completion = nil
	r.cancel = nil
	r.completionC = nil
	r.done = nil
	r.mu.Unlock()

	if doneH != nil {
		doneH(r)
	}
	r.cond.Broadcast()
}

// Complete transitions a PROCESSING/CANCELING request to a terminal
// result code. Aborted requests silently ignore the call.
func (r *Request) Complete(code ResultCode) error {
	r.mu.Lock()
	if r.status == StatusAborted {
		r.mu.Unlock()
		return nil
	}
	if r.status != StatusProcessing && r.status != StatusCanceling {
		r.mu.Unlock()
		return vsm.New("kernel", "Complete", vsm.KindInvalidOp, "request not processing")
	}
	r.result = code
	r.status = StatusResult + Status(code)
	r.cancel = nil
	completionC := r.completionC
	hasCompletion := r.completion != nil
	r.mu.Unlock()

	if hasCompletion && completionC != nil {
		completionC.Submit(r)
		return nil
	}

	r.mu.Lock()
	r.completionDelivered = true
	doneH := r.done
	r.done = nil
	r.mu.Unlock()
	if doneH != nil {
		doneH(r)
	}
	r.cond.Broadcast()
	return nil
}

// Cancel requests cooperative cancellation: PENDING moves straight to
// CANCELLATION_PENDING; a request already PROCESSING has its
// cancellation handler invoked (status is unchanged -- honoring the
// cancel is the processor's responsibility).
func (r *Request) Cancel() {
	r.mu.Lock()
	switch r.status {
	case StatusPending:
		r.status = StatusCancellationPending
		r.mu.Unlock()
		return
	case StatusProcessing:
		h := r.cancel
		r.mu.Unlock()
		if h != nil {
			h(r)
		}
		return
	default:
		r.mu.Unlock()
	}
}

// Abort forcefully tears the request down: if it has a completion
// handler, it is routed through the completion container for
// finalization (ABORT_PENDING -> ABORTED); otherwise it is marked
// ABORTED directly. The cancellation handler is invoked if the request
// was in flight.
func (r *Request) Abort() {
	r.mu.Lock()
	if r.isDoneLocked() {
		r.mu.Unlock()
		return
	}
	wasProcessing := r.status == StatusProcessing || r.status == StatusCanceling
	hasCompletion := r.completion != nil
	completionC := r.completionC
	cancelH := r.cancel

	if hasCompletion {
		r.status = StatusAbortPending
	} else {
		r.status = StatusAborted
		r.processing = nil
		r.completion = nil
		r.cancel = nil
		r.completionC = nil
		doneH := r.done
		r.done = nil
		r.mu.Unlock()
		if wasProcessing && cancelH != nil {
			cancelH(r)
		}
		if doneH != nil {
			doneH(r)
		}
		r.cond.Broadcast()
		return
	}
	r.mu.Unlock()

	if wasProcessing && cancelH != nil {
		cancelH(r)
	}
	if completionC != nil {
		completionC.Submit(r)
	}
}

// WaitDone blocks until the request reaches a terminal state. If the
// request has a completion container and processCtx is true, this
// drains that container's queue while waiting so self-submitted
// completions make progress on the calling goroutine.
func (r *Request) WaitDone(processCtx bool) {
	r.mu.Lock()
	c := r.completionC
	r.mu.Unlock()

	if processCtx && c != nil {
		c.DrainUntilDone(r)
		return
	}

	r.mu.Lock()
	for !r.isDoneLocked() {
		r.cond.Wait()
	}
	r.mu.Unlock()
}
