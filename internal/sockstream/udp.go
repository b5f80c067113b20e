package sockstream

import (
	"net"
	"sync"

	"golang.org/x/sys/unix"

	vsm "github.com/sensyn-robotics/vsm-go"
	"github.com/sensyn-robotics/vsm-go/internal/constants"
	"github.com/sensyn-robotics/vsm-go/internal/kernel"
	"github.com/sensyn-robotics/vsm-go/internal/timer"
	"github.com/sensyn-robotics/vsm-go/opwait"
)

// UDPListener is a single bound UDP socket multiplexing datagrams from
// many peers into per-peer pseudo-connections (UDPSubstream). The first
// datagram from a new source accepts a new substream; later datagrams
// from a known source are queued onto its substream only.
type UDPListener struct {
	fd int
	wh *timer.Wheel

	waiter *kernel.Waiter
	proc   *kernel.Container
	comp   *kernel.Container
	worker *kernel.Worker

	mu         sync.Mutex
	subs       map[string]*UDPSubstream
	pending    chan *UDPSubstream
	closed     bool
	queueDepth int
}

// ListenUDP binds a UDP socket at addr.
func ListenUDP(addr string, queueDepth int, wh *timer.Wheel) (*UDPListener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, vsm.Wrap("sockstream", "ListenUDP", err)
	}
	if queueDepth <= 0 {
		queueDepth = constants.DefaultUDPSubstreamQueueDepth
	}

	family := unix.AF_INET
	if udpAddr.IP != nil && udpAddr.IP.To4() == nil {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, vsm.Wrap("sockstream", "ListenUDP", err)
	}

	sa, err := udpAddrToSockaddr(udpAddr, family)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, vsm.Wrap("sockstream", "ListenUDP", err)
	}

	waiter := kernel.NewWaiter()
	proc := kernel.NewContainer("udp-proc", kernel.RoleProcessor, waiter)
	comp := kernel.NewContainer("udp-comp", kernel.RoleCompletion, waiter)
	worker := kernel.NewWorker("udp", waiter, proc, comp)

	l := &UDPListener{
		fd: fd, wh: wh,
		waiter: waiter, proc: proc, comp: comp, worker: worker,
		subs:       make(map[string]*UDPSubstream),
		pending:    make(chan *UDPSubstream, 64),
		queueDepth: queueDepth,
	}
	return l, nil
}

// Serve starts the listener's receive loop on a new goroutine; a plain
// recvfrom loop that waits in poll(2) while no datagram is queued is
// simplest here since datagram reception has no notion of "short read"
// to hand off to the generic dispatcher.
func (l *UDPListener) Serve() { go l.recvLoop() }

func (l *UDPListener) recvLoop() {
	buf := make([]byte, 2048)
	for {
		n, sa, err := unix.Recvfrom(l.fd, buf, 0)
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			if err == unix.EAGAIN {
				_, _ = unix.Poll([]unix.PollFd{{Fd: int32(l.fd), Events: unix.POLLIN}}, 100)
				continue
			}
			if err == unix.EINTR {
				continue
			}
			return
		}

		addr := sockaddrToAddr(sa)
		key := addr.String()
		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		l.mu.Lock()
		sub, ok := l.subs[key]
		if !ok {
			sub = newUDPSubstream(l, addr, l.queueDepth)
			l.subs[key] = sub
			l.mu.Unlock()
			select {
			case l.pending <- sub:
			default:
			}
		} else {
			l.mu.Unlock()
		}
		sub.enqueue(datagram)
	}
}

// Accept blocks until a new peer's pseudo-connection is established.
func (l *UDPListener) Accept() (*UDPSubstream, error) {
	sub, ok := <-l.pending
	if !ok {
		return nil, vsm.New("sockstream", "Accept", vsm.KindClosedStream, "listener closed")
	}
	return sub, nil
}

// Send writes a single datagram to addr.
func (l *UDPListener) Send(addr *net.UDPAddr, buf []byte) error {
	family := unix.AF_INET
	if addr.IP.To4() == nil {
		family = unix.AF_INET6
	}
	sa, err := udpAddrToSockaddr(addr, family)
	if err != nil {
		return err
	}
	if err := unix.Sendto(l.fd, buf, 0, sa); err != nil {
		return vsm.Wrap("sockstream", "Send", err)
	}
	return nil
}

// Close tears down the listener and every still-open substream.
func (l *UDPListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.pending)
	subs := make([]*UDPSubstream, 0, len(l.subs))
	for _, s := range l.subs {
		subs = append(subs, s)
	}
	l.mu.Unlock()

	for _, s := range subs {
		s.closeInternal()
	}
	l.worker.Stop()
	return unix.Close(l.fd)
}

// UDPSubstream is a pseudo-connection to a single UDP peer, backed by a
// bounded, drop-oldest queue of datagrams demultiplexed by UDPListener.
type UDPSubstream struct {
	listener *UDPListener
	remote   net.Addr
	maxDepth int

	mu     sync.Mutex
	queue  [][]byte
	waitCh chan struct{}
	closed bool
}

func newUDPSubstream(l *UDPListener, remote net.Addr, maxDepth int) *UDPSubstream {
	return &UDPSubstream{listener: l, remote: remote, maxDepth: maxDepth, waitCh: make(chan struct{}, 1)}
}

// RemoteAddr returns the peer this pseudo-connection demultiplexes.
func (s *UDPSubstream) RemoteAddr() net.Addr { return s.remote }

func (s *UDPSubstream) enqueue(datagram []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, datagram)
	if len(s.queue) > s.maxDepth {
		s.queue = s.queue[len(s.queue)-s.maxDepth:]
	}
	s.mu.Unlock()

	select {
	case s.waitCh <- struct{}{}:
	default:
	}
}

// Read returns the next queued datagram, or blocks (via the returned
// waiter's completion) until one arrives or the substream closes.
// Unlike a byte stream, min/offset are meaningless for a datagram
// socket: one Read call drains exactly one datagram.
func (s *UDPSubstream) Read(cb func(datagram []byte, result vsm.IOResult)) *opwait.Waiter {
	req := kernel.NewRequest()
	_ = req.SetProcessingHandler(func(r *kernel.Request) {
		go func() {
			for {
				s.mu.Lock()
				if s.closed {
					s.mu.Unlock()
					cb(nil, vsm.ResultClosed)
					_ = r.Complete(kernel.ResultOK)
					return
				}
				if len(s.queue) > 0 {
					dg := s.queue[0]
					s.queue = s.queue[1:]
					s.mu.Unlock()
					cb(dg, vsm.ResultOK)
					_ = r.Complete(kernel.ResultOK)
					return
				}
				s.mu.Unlock()
				<-s.waitCh
			}
		}()
	})
	_ = req.SetCompletionHandler(s.listener.comp, func(r *kernel.Request) {})
	s.listener.proc.Submit(req)
	return opwait.New(req, s.listener.wh)
}

// Write sends a datagram to this substream's peer.
func (s *UDPSubstream) Write(buf []byte) error {
	udpAddr, ok := s.remote.(*net.UDPAddr)
	if !ok {
		return vsm.New("sockstream", "Write", vsm.KindInvalidParam, "remote is not a UDP address")
	}
	return s.listener.Send(udpAddr, buf)
}

func (s *UDPSubstream) closeInternal() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.waitCh <- struct{}{}:
	default:
	}
}

func udpAddrToSockaddr(addr *net.UDPAddr, family int) (unix.Sockaddr, error) {
	if family == unix.AF_INET6 {
		var sa unix.SockaddrInet6
		sa.Port = addr.Port
		if addr.IP != nil {
			copy(sa.Addr[:], addr.IP.To16())
		}
		return &sa, nil
	}
	var sa unix.SockaddrInet4
	sa.Port = addr.Port
	ip4 := net.IPv4zero.To4()
	if addr.IP != nil {
		if v4 := addr.IP.To4(); v4 != nil {
			ip4 = v4
		}
	}
	copy(sa.Addr[:], ip4)
	return &sa, nil
}
