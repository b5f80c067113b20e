// Package ioplat implements the platform I/O dispatcher: a single
// dedicated goroutine that polls a set of file descriptors and invokes
// a completion callback when a registered read or write can proceed.
// Every stream in this runtime (file, serial, socket, HID) registers
// its native fd here instead of blocking a goroutine per operation.
package ioplat

import (
	"sync"

	"golang.org/x/sys/unix"

	vsm "github.com/sensyn-robotics/vsm-go"
	"github.com/sensyn-robotics/vsm-go/internal/logging"
)

// OffsetMode selects how a pending operation's offset is interpreted.
type OffsetMode int

const (
	// OffsetCurrent performs a plain read/write at the fd's current
	// position.
	OffsetCurrent OffsetMode = iota
	// OffsetAt seeks to a specific absolute offset before the operation.
	OffsetAt
	// OffsetEnd seeks to the end of the file before the operation
	// (used for append-style writes).
	OffsetEnd
)

// Callback is invoked once an operation completes, is cancelled, or
// fails. n is the number of bytes transferred so far (may be partial on
// ResultCanceled/other failure paths).
type Callback func(n int, result vsm.IOResult)

// ioOp is one registered pending read or write.
type ioOp struct {
	buf       []byte
	done      int
	offset    int64
	mode      OffsetMode
	cb        Callback
	cancelled bool
}

// fileDesc tracks the read and write slots for one registered fd --
// streams serialize their own operations, so one of each is always
// enough.
type fileDesc struct {
	fd           int
	read         *ioOp
	write        *ioOp
	closePending bool
}

// Dispatcher is the poll-based platform I/O loop.
type Dispatcher struct {
	mu  sync.Mutex
	fds map[int]*fileDesc

	wakeR int
	wakeW int

	stop    chan struct{}
	stopped bool
	wg      sync.WaitGroup

	log *logging.Logger
}

// New creates and starts a Dispatcher.
func New(log *logging.Logger) (*Dispatcher, error) {
	if log == nil {
		log = logging.Default()
	}
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, vsm.Wrap("ioplat", "New", err)
	}

	d := &Dispatcher{
		fds:   make(map[int]*fileDesc),
		wakeR: fds[0],
		wakeW: fds[1],
		stop:  make(chan struct{}),
		log:   log,
	}
	d.wg.Add(1)
	go d.loop()
	return d, nil
}

// Close stops the dispatcher loop, closing every fd it still owns.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	close(d.stop)
	d.wake()
	d.wg.Wait()

	d.mu.Lock()
	for _, fd := range d.fds {
		_ = unix.Close(fd.fd)
	}
	d.fds = nil
	d.mu.Unlock()

	_ = unix.Close(d.wakeR)
	_ = unix.Close(d.wakeW)
}

func (d *Dispatcher) wake() {
	var b [1]byte
	for {
		_, err := unix.Write(d.wakeW, b[:])
		if err == unix.EAGAIN || err == unix.EINTR {
			if err == unix.EINTR {
				continue
			}
			return
		}
		return
	}
}

// Register adds fd to the dispatcher, with no pending operations.
func (d *Dispatcher) Register(fd int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.fds[fd]; ok {
		return
	}
	d.fds[fd] = &fileDesc{fd: fd}
}

// SubmitRead arms a read on fd. Only one read may be outstanding per fd
// at a time; callers are responsible for serializing, matching every
// stream's own read/write serialization contract.
func (d *Dispatcher) SubmitRead(fd int, buf []byte, offset int64, mode OffsetMode, cb Callback) {
	d.mu.Lock()
	fdesc, ok := d.fds[fd]
	if !ok {
		d.mu.Unlock()
		cb(0, vsm.ResultOtherFailure)
		return
	}
	fdesc.read = &ioOp{buf: buf, offset: offset, mode: mode, cb: cb}
	d.mu.Unlock()
	d.wake()
}

// SubmitWrite arms a write on fd.
func (d *Dispatcher) SubmitWrite(fd int, buf []byte, offset int64, mode OffsetMode, cb Callback) {
	d.mu.Lock()
	fdesc, ok := d.fds[fd]
	if !ok {
		d.mu.Unlock()
		cb(0, vsm.ResultOtherFailure)
		return
	}
	fdesc.write = &ioOp{buf: buf, offset: offset, mode: mode, cb: cb}
	d.mu.Unlock()
	d.wake()
}

// CancelOperation marks any pending read/write on fd as cancelled and
// wakes the dispatcher so the cancellation is observed promptly.
func (d *Dispatcher) CancelOperation(fd int) {
	d.mu.Lock()
	if fdesc, ok := d.fds[fd]; ok {
		if fdesc.read != nil {
			fdesc.read.cancelled = true
		}
		if fdesc.write != nil {
			fdesc.write.cancelled = true
		}
	}
	d.mu.Unlock()
	d.wake()
}

// DeleteHandle closes fd, or -- if it currently has an in-flight
// operation -- marks it for close once the dispatcher next observes it
// idle. Closing an fd still inside the poll set can wake other
// descriptors with a stale revents bit on some kernels, so the close is
// deferred rather than performed inline.
func (d *Dispatcher) DeleteHandle(fd int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fdesc, ok := d.fds[fd]
	if !ok {
		return
	}
	if fdesc.read != nil || fdesc.write != nil {
		fdesc.closePending = true
		return
	}
	delete(d.fds, fd)
	_ = unix.Close(fd)
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		default:
		}

		d.serviceCancellations()

		pollfds, order := d.buildPollSet()
		n, err := unix.Poll(pollfds, 250)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			d.log.Errorf("ioplat: poll failed: %v", err)
			continue
		}
		if n == 0 {
			continue
		}

		if pollfds[0].Revents&unix.POLLIN != 0 {
			d.drainWake()
		}

		for i := 1; i < len(pollfds); i++ {
			pf := pollfds[i]
			if pf.Revents == 0 {
				continue
			}
			d.service(order[i], pf.Revents)
		}
	}
}

func (d *Dispatcher) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(d.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// serviceCancellations detaches and fires any operation that was marked
// cancelled since the last iteration, regardless of whether its fd is
// actually poll-ready -- a cancelled read on an fd with no data would
// otherwise wait for real I/O activity that may never come.
func (d *Dispatcher) serviceCancellations() {
	d.mu.Lock()
	var fired []*ioOp
	for _, fdesc := range d.fds {
		if fdesc.read != nil && fdesc.read.cancelled {
			fired = append(fired, fdesc.read)
			fdesc.read = nil
		}
		if fdesc.write != nil && fdesc.write.cancelled {
			fired = append(fired, fdesc.write)
			fdesc.write = nil
		}
	}
	d.mu.Unlock()

	for _, op := range fired {
		op.cb(op.done, vsm.ResultCanceled)
	}
}

func (d *Dispatcher) buildPollSet() ([]unix.PollFd, []int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pollfds := make([]unix.PollFd, 0, len(d.fds)+1)
	order := make([]int, 0, len(d.fds)+1)
	pollfds = append(pollfds, unix.PollFd{Fd: int32(d.wakeR), Events: unix.POLLIN})
	order = append(order, -1)

	for fd, fdesc := range d.fds {
		var events int16
		if fdesc.read != nil && !fdesc.read.cancelled {
			events |= unix.POLLIN
		}
		if fdesc.write != nil && !fdesc.write.cancelled {
			events |= unix.POLLOUT
		}
		if events == 0 && !fdesc.closePending {
			continue
		}
		pollfds = append(pollfds, unix.PollFd{Fd: int32(fd), Events: events})
		order = append(order, fd)
	}
	return pollfds, order
}

// service is invoked from the dispatcher's own goroutine when fd has
// pending activity; it never blocks across a completion callback beyond
// the single read/write syscall itself.
func (d *Dispatcher) service(fd int, revents int16) {
	d.mu.Lock()
	fdesc, ok := d.fds[fd]
	if !ok {
		d.mu.Unlock()
		return
	}

	var readOp, writeOp *ioOp
	if revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 && fdesc.read != nil {
		readOp = fdesc.read
		fdesc.read = nil
	}
	if revents&(unix.POLLOUT|unix.POLLERR) != 0 && fdesc.write != nil {
		writeOp = fdesc.write
		fdesc.write = nil
	}
	d.mu.Unlock()

	if readOp != nil {
		d.runOp(fd, readOp, false)
	}
	if writeOp != nil {
		d.runOp(fd, writeOp, true)
	}

	d.maybeFinalizeClose(fd)
}

func (d *Dispatcher) runOp(fd int, op *ioOp, isWrite bool) {
	if op.cancelled {
		op.cb(op.done, vsm.ResultCanceled)
		return
	}

	if op.mode == OffsetAt {
		if _, err := unix.Seek(fd, op.offset, unix.SEEK_SET); err != nil {
			op.cb(op.done, classifyErrno(err))
			return
		}
	} else if op.mode == OffsetEnd {
		if _, err := unix.Seek(fd, 0, unix.SEEK_END); err != nil {
			op.cb(op.done, classifyErrno(err))
			return
		}
	}

	var n int
	var err error
	if isWrite {
		n, err = unix.Write(fd, op.buf[op.done:])
	} else {
		n, err = unix.Read(fd, op.buf[op.done:])
	}

	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			d.rearm(fd, op, isWrite)
			return
		}
		op.cb(op.done, classifyErrno(err))
		return
	}

	if n == 0 && !isWrite {
		op.cb(op.done, vsm.ResultEndOfFile)
		return
	}

	op.done += n
	if !isWrite || op.done >= len(op.buf) {
		op.cb(op.done, vsm.ResultOK)
		return
	}

	// Short write: re-queue for the remainder. A read completes with
	// whatever arrived; stream.Base decides whether to read more.
	d.rearm(fd, op, isWrite)
}

func (d *Dispatcher) rearm(fd int, op *ioOp, isWrite bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fdesc, ok := d.fds[fd]
	if !ok {
		op.cb(op.done, vsm.ResultClosed)
		return
	}
	if isWrite {
		fdesc.write = op
	} else {
		fdesc.read = op
	}
}

func (d *Dispatcher) maybeFinalizeClose(fd int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fdesc, ok := d.fds[fd]
	if !ok || !fdesc.closePending {
		return
	}
	if fdesc.read != nil || fdesc.write != nil {
		return
	}
	delete(d.fds, fd)
	_ = unix.Close(fd)
}

func classifyErrno(err error) vsm.IOResult {
	errno, ok := err.(unix.Errno)
	if !ok {
		return vsm.ResultOtherFailure
	}
	switch errno {
	case unix.EACCES, unix.EPERM:
		return vsm.ResultPermissionDenied
	case unix.ECONNREFUSED:
		return vsm.ResultConnectionRefused
	case unix.EBADF, unix.EPIPE:
		return vsm.ResultClosed
	default:
		return vsm.ResultOtherFailure
	}
}
