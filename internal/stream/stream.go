// Package stream implements the unified asynchronous stream contract
// over native file descriptors: files, HID devices, serial ports, and
// (via sockstream) TCP sockets all satisfy the same Read/Write/Lock/Close
// surface; sockstream's UDP substreams have their own datagram Read/Write.
// Streams are built on the platform dispatcher and
// reported through kernel Requests wrapped in an opwait.Waiter.
package stream

import (
	"sync"

	"golang.org/x/sys/unix"

	vsm "github.com/sensyn-robotics/vsm-go"
	"github.com/sensyn-robotics/vsm-go/internal/kernel"
	"github.com/sensyn-robotics/vsm-go/internal/ioplat"
	"github.com/sensyn-robotics/vsm-go/internal/timer"
	"github.com/sensyn-robotics/vsm-go/opwait"
)

// ReadCallback reports a completed read: n bytes were placed into the
// buffer passed to Read, with the given result.
type ReadCallback func(n int, result vsm.IOResult)

// WriteCallback reports a completed write.
type WriteCallback func(n int, result vsm.IOResult)

// Stream is the uniform asynchronous contract every file/serial/socket
// handle in this runtime implements.
type Stream interface {
	// Read fills up to len(buf) bytes, returning once at least min are
	// available, EOF is reached, the stream closes, or the operation is
	// cancelled.
	Read(buf []byte, min int, offset int64, cb ReadCallback) *opwait.Waiter
	// Write writes buf in full (or until error/cancel/close).
	Write(buf []byte, offset int64, cb WriteCallback) *opwait.Waiter
	Lock() error
	Unlock() error
	TryLock() (bool, error)
	Close() error
}

// Base implements the serialization contract and request plumbing
// shared by every concrete stream; embed it and supply only the native
// fd and dispatcher.
type Base struct {
	fd   int
	disp *ioplat.Dispatcher
	wh   *timer.Wheel

	waiter *kernel.Waiter
	proc   *kernel.Container
	comp   *kernel.Container
	worker *kernel.Worker

	mu        sync.Mutex
	readBusy  bool
	writeBusy bool
	closed    bool
}

// NewBase wires a Base around fd, registering it with disp and starting
// a dedicated single-threaded worker for this stream's completions.
func NewBase(fd int, disp *ioplat.Dispatcher, wh *timer.Wheel) *Base {
	disp.Register(fd)

	waiter := kernel.NewWaiter()
	proc := kernel.NewContainer("stream-proc", kernel.RoleProcessor, waiter)
	comp := kernel.NewContainer("stream-comp", kernel.RoleCompletion, waiter)
	worker := kernel.NewWorker("stream", waiter, proc, comp)

	return &Base{fd: fd, disp: disp, wh: wh, waiter: waiter, proc: proc, comp: comp, worker: worker}
}

// FD returns the underlying native file descriptor.
func (b *Base) FD() int { return b.fd }

// Read implements the Stream contract's read semantics: it keeps
// resubmitting to the dispatcher on short reads until min bytes have
// accumulated, EOF, close, or cancellation.
func (b *Base) Read(buf []byte, min int, offset int64, cb ReadCallback) *opwait.Waiter {
	b.mu.Lock()
	if b.readBusy {
		b.mu.Unlock()
		w := opwait.New(kernel.NewRequest(), b.wh)
		if cb != nil {
			cb(0, vsm.ResultOtherFailure)
		}
		return w
	}
	if b.closed {
		b.mu.Unlock()
		if cb != nil {
			cb(0, vsm.ResultClosed)
		}
		return opwait.New(kernel.NewRequest(), b.wh)
	}
	b.readBusy = true
	b.mu.Unlock()

	req := kernel.NewRequest()
	done := 0
	mode := ioplat.OffsetCurrent
	if offset >= 0 {
		mode = ioplat.OffsetAt
	}

	var loop func(n int, result vsm.IOResult)
	loop = func(n int, result vsm.IOResult) {
		done += n
		if result != vsm.ResultOK || done >= min || done >= len(buf) {
			b.mu.Lock()
			b.readBusy = false
			b.mu.Unlock()
			finalResult := result
			if result == vsm.ResultOK && done < min {
				finalResult = vsm.ResultEndOfFile
			}
			if cb != nil {
				cb(done, finalResult)
			}
			_ = req.Complete(kernel.ResultOK)
			return
		}
		b.disp.SubmitRead(b.fd, buf[done:], offset, mode, loop)
	}

	_ = req.SetProcessingHandler(func(r *kernel.Request) {
		b.disp.SubmitRead(b.fd, buf[done:], offset, mode, loop)
	})
	_ = req.SetCancellationHandler(func(r *kernel.Request) {
		b.disp.CancelOperation(b.fd)
	})
	_ = req.SetCompletionHandler(b.comp, func(r *kernel.Request) {})

	b.proc.Submit(req)
	return opwait.New(req, b.wh)
}

// Write implements the Stream contract's write semantics: it writes buf
// in full, resubmitting on short writes, until complete, error, close or
// cancellation.
func (b *Base) Write(buf []byte, offset int64, cb WriteCallback) *opwait.Waiter {
	b.mu.Lock()
	if b.writeBusy {
		b.mu.Unlock()
		if cb != nil {
			cb(0, vsm.ResultOtherFailure)
		}
		return opwait.New(kernel.NewRequest(), b.wh)
	}
	if b.closed {
		b.mu.Unlock()
		if cb != nil {
			cb(0, vsm.ResultClosed)
		}
		return opwait.New(kernel.NewRequest(), b.wh)
	}
	b.writeBusy = true
	b.mu.Unlock()

	req := kernel.NewRequest()
	done := 0
	mode := ioplat.OffsetCurrent
	if offset >= 0 {
		mode = ioplat.OffsetAt
	}

	var loop func(n int, result vsm.IOResult)
	loop = func(n int, result vsm.IOResult) {
		done += n
		if result != vsm.ResultOK || done >= len(buf) {
			b.mu.Lock()
			b.writeBusy = false
			b.mu.Unlock()
			if cb != nil {
				cb(done, result)
			}
			_ = req.Complete(kernel.ResultOK)
			return
		}
		b.disp.SubmitWrite(b.fd, buf[done:], offset, mode, loop)
	}

	_ = req.SetProcessingHandler(func(r *kernel.Request) {
		b.disp.SubmitWrite(b.fd, buf[done:], offset, mode, loop)
	})
	_ = req.SetCancellationHandler(func(r *kernel.Request) {
		b.disp.CancelOperation(b.fd)
	})
	_ = req.SetCompletionHandler(b.comp, func(r *kernel.Request) {})

	b.proc.Submit(req)
	return opwait.New(req, b.wh)
}

// Lock takes an exclusive, blocking flock on the underlying fd, so two
// processes that might both open the same port can coordinate. (The
// transport detector's serial arbiter takes its own flock on a separate
// descriptor and does not call Lock.)
func (b *Base) Lock() error {
	if err := unix.Flock(b.fd, unix.LOCK_EX); err != nil {
		return vsm.Wrap("stream", "Lock", err)
	}
	return nil
}

// Unlock releases a lock taken with Lock or TryLock.
func (b *Base) Unlock() error {
	if err := unix.Flock(b.fd, unix.LOCK_UN); err != nil {
		return vsm.Wrap("stream", "Unlock", err)
	}
	return nil
}

// TryLock attempts a non-blocking exclusive flock, returning false
// (not an error) if another process already holds it.
func (b *Base) TryLock() (bool, error) {
	err := unix.Flock(b.fd, unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return true, nil
	}
	if err == unix.EWOULDBLOCK {
		return false, nil
	}
	return false, vsm.Wrap("stream", "TryLock", err)
}

// Close marks the stream closed, cancels anything in flight, and tears
// down its dedicated worker before releasing the native fd to the
// dispatcher for deferred close.
func (b *Base) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.disp.CancelOperation(b.fd)
	b.worker.Stop()
	b.disp.DeleteHandle(b.fd)
	return nil
}
