// Package sockstream implements the socket processor: TCP listen/
// accept/connect and UDP bind/connect with multi-peer demultiplexing,
// all built on the same stream.Base machinery file and serial streams
// use.
package sockstream

import (
	"net"
	"sync"

	"golang.org/x/sys/unix"

	vsm "github.com/sensyn-robotics/vsm-go"
	"github.com/sensyn-robotics/vsm-go/internal/ioplat"
	"github.com/sensyn-robotics/vsm-go/internal/stream"
	"github.com/sensyn-robotics/vsm-go/internal/timer"
)

// TCPStream is a connected TCP socket satisfying stream.Stream.
type TCPStream struct {
	*stream.Base
	remote net.Addr
}

// RemoteAddr returns the peer address of this connection.
func (t *TCPStream) RemoteAddr() net.Addr { return t.remote }

// DialTCP connects to addr and wraps the connection as a Stream.
func DialTCP(addr string, disp *ioplat.Dispatcher, wh *timer.Wheel) (*TCPStream, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, vsm.Wrap("sockstream", "DialTCP", err)
	}

	fd, sa, err := socketAndSockaddr(tcpAddr)
	if err != nil {
		return nil, err
	}

	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return nil, vsm.Wrap("sockstream", "DialTCP", err)
	}

	return &TCPStream{Base: stream.NewBase(fd, disp, wh), remote: tcpAddr}, nil
}

// TCPListener accepts inbound TCP connections.
type TCPListener struct {
	fd   int
	disp *ioplat.Dispatcher
	wh   *timer.Wheel

	mu      sync.Mutex
	closed  bool
	pending chan *TCPStream
}

// ListenTCP binds and listens on addr.
func ListenTCP(addr string, backlog int, disp *ioplat.Dispatcher, wh *timer.Wheel) (*TCPListener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, vsm.Wrap("sockstream", "ListenTCP", err)
	}

	fd, sa, err := socketAndSockaddr(tcpAddr)
	if err != nil {
		return nil, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, vsm.Wrap("sockstream", "ListenTCP", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, vsm.Wrap("sockstream", "ListenTCP", err)
	}
	if backlog <= 0 {
		backlog = 16
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, vsm.Wrap("sockstream", "ListenTCP", err)
	}

	l := &TCPListener{fd: fd, disp: disp, wh: wh, pending: make(chan *TCPStream, backlog)}
	disp.Register(fd)
	return l, nil
}

// Accept blocks until a new connection arrives or the listener closes.
func (l *TCPListener) Accept() (*TCPStream, error) {
	s, ok := <-l.pending
	if !ok {
		return nil, vsm.New("sockstream", "Accept", vsm.KindClosedStream, "listener closed")
	}
	return s, nil
}

// Close stops accepting and releases the listening socket.
func (l *TCPListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.pending)
	l.mu.Unlock()

	l.disp.DeleteHandle(l.fd)
	return nil
}

// acceptLoop runs on the goroutine Serve starts; the platform dispatcher
// handles stream-level read/write but not accept. The listening socket
// is non-blocking, so while no connection is pending the loop waits in
// poll(2) and re-checks whether the listener has been closed.
func (l *TCPListener) acceptLoop() {
	for {
		fd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				l.mu.Lock()
				closed := l.closed
				l.mu.Unlock()
				if closed {
					return
				}
				_, _ = unix.Poll([]unix.PollFd{{Fd: int32(l.fd), Events: unix.POLLIN}}, 100)
				continue
			}
			return
		}
		remote := sockaddrToAddr(sa)
		s := &TCPStream{Base: stream.NewBase(fd, l.disp, l.wh), remote: remote}

		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if closed {
			_ = s.Close()
			return
		}
		select {
		case l.pending <- s:
		default:
			_ = s.Close()
		}
	}
}

// Serve starts the listener's accept loop on a new goroutine. Callers
// that want Accept to ever return a connection must call this once.
func (l *TCPListener) Serve() {
	go l.acceptLoop()
}

func socketAndSockaddr(addr *net.TCPAddr) (int, unix.Sockaddr, error) {
	family := unix.AF_INET
	if addr.IP.To4() == nil {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, nil, vsm.Wrap("sockstream", "socket", err)
	}
	sa, err := tcpAddrToSockaddr(addr, family)
	if err != nil {
		_ = unix.Close(fd)
		return -1, nil, err
	}
	return fd, sa, nil
}

func tcpAddrToSockaddr(addr *net.TCPAddr, family int) (unix.Sockaddr, error) {
	if family == unix.AF_INET6 {
		var sa unix.SockaddrInet6
		sa.Port = addr.Port
		copy(sa.Addr[:], addr.IP.To16())
		return &sa, nil
	}
	var sa unix.SockaddrInet4
	sa.Port = addr.Port
	ip4 := addr.IP.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	copy(sa.Addr[:], ip4)
	return &sa, nil
}

func sockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
	default:
		return nil
	}
}
