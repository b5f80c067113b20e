// Package ucs implements the Universal Control Server wire core: a
// varint length-prefixed connection FSM, handshake/version gating,
// device registration tracking, broadcast fan-out, primary-peer
// precedence, and keepalive timeout.
package ucs

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	vsm "github.com/sensyn-robotics/vsm-go"
	"github.com/sensyn-robotics/vsm-go/internal/constants"
	"github.com/sensyn-robotics/vsm-go/internal/stream"
	"github.com/sensyn-robotics/vsm-go/internal/timer"
)

// writeTimeout bounds how long a single Send may take before the
// connection is considered stalled and closed.
const writeTimeout = 60 * time.Second

// MessageHandler processes one fully-framed inbound payload.
type MessageHandler func(c *Connection, payload []byte)

// PeerInfo is the content of the handshake Register_peer payload.
type PeerInfo struct {
	PeerID       string
	VersionMajor int
	VersionMinor int
	Primary      bool
}

// Connection is one accepted UCS socket: a read FSM alternating between
// reading a varint length prefix and reading that many payload bytes,
// chained via repeated SubmitRead-equivalent calls on the underlying
// stream, plus a write path and keepalive tracking.
type Connection struct {
	id      uuid.UUID
	s       stream.Stream
	wh      *timer.Wheel
	log     MessageHandler
	onClose func(*Connection)

	mu                sync.Mutex
	compatible        bool
	peer              PeerInfo
	registeredDevices map[int]bool
	pendingRegister   map[uint64]int // request_id -> device_id

	keepaliveTimeout time.Duration
	lastInboundAt    time.Time
	keepaliveTimer   *timer.Timer

	closeOnce sync.Once
	closed    bool

	lenBuf  [5]byte
	lenPos  int
	shift   uint
	length  uint64
	payload []byte
	reading bool // true while accumulating the length varint
}

// NewConnection wraps an accepted stream as a UCS connection. handler is
// invoked once per fully-parsed message payload (including the
// handshake, which the caller is expected to recognize and consume via
// HandleRegisterPeer).
func NewConnection(s stream.Stream, wh *timer.Wheel, keepaliveTimeout time.Duration, handler MessageHandler) *Connection {
	c := &Connection{
		id: uuid.New(),
		s:  s, wh: wh, log: handler,
		registeredDevices: make(map[int]bool),
		pendingRegister:   make(map[uint64]int),
		keepaliveTimeout:  keepaliveTimeout,
		lastInboundAt:     time.Now(),
		reading:           true,
	}
	if keepaliveTimeout > 0 {
		c.armKeepalive()
	}
	c.scheduleNextRead()
	return c
}

// SetOnClose installs a callback invoked exactly once when the
// connection closes, for the caller to unwind any registry bookkeeping
// keyed on this connection.
func (c *Connection) SetOnClose(f func(*Connection)) {
	c.mu.Lock()
	c.onClose = f
	c.mu.Unlock()
}

// ID returns the connection's process-local unique identifier, assigned
// at accept time and used to correlate log lines and diagnostics for
// this socket across its lifetime.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

// IsCompatible reports whether the peer's handshake satisfied the
// supported major/minor version gate.
func (c *Connection) IsCompatible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compatible
}

// IsPrimary reports whether this peer takes precedence for outbound
// commands.
func (c *Connection) IsPrimary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer.Primary
}

// HandleRegisterPeer applies a parsed Register_peer handshake, gating
// compatibility on the supported version range.
func (c *Connection) HandleRegisterPeer(info PeerInfo) {
	c.mu.Lock()
	c.peer = info
	c.compatible = info.VersionMajor >= constants.SupportedUCSVersionMajor &&
		info.VersionMinor >= constants.SupportedUCSVersionMinor
	c.mu.Unlock()
}

// TrackRegisterDevice records that requestID is awaiting a
// Register_device response for deviceID.
func (c *Connection) TrackRegisterDevice(requestID uint64, deviceID int) {
	c.mu.Lock()
	c.pendingRegister[requestID] = deviceID
	c.mu.Unlock()
}

// ResolveRegisterDevice completes a pending registration: on success the
// device is added to this connection's registered set.
func (c *Connection) ResolveRegisterDevice(requestID uint64, success bool) (deviceID int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	deviceID, ok = c.pendingRegister[requestID]
	if !ok {
		return 0, false
	}
	delete(c.pendingRegister, requestID)
	if success {
		c.registeredDevices[deviceID] = true
	}
	return deviceID, true
}

// HasDevice reports whether deviceID is registered on this connection.
func (c *Connection) HasDevice(deviceID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registeredDevices[deviceID]
}

// UnregisterDevice drops deviceID from this connection's registered set.
func (c *Connection) UnregisterDevice(deviceID int) {
	c.mu.Lock()
	delete(c.registeredDevices, deviceID)
	c.mu.Unlock()
}

// RegisteredDeviceIDs returns every device id currently registered on
// this connection, for unwinding vehicle-side bookkeeping on close.
func (c *Connection) RegisteredDeviceIDs() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int, 0, len(c.registeredDevices))
	for id := range c.registeredDevices {
		ids = append(ids, id)
	}
	return ids
}

// Send frames payload with a varint length prefix and writes it. A write
// that hasn't completed within writeTimeout is treated as a stalled peer
// and closes the connection.
func (c *Connection) Send(payload []byte) error {
	if len(payload) > constants.MaxEnvelopeLen {
		return vsm.New("ucs", "Send", vsm.KindInvalidParam, "payload exceeds max envelope length")
	}
	framed := protowire.AppendVarint(nil, uint64(len(payload)))
	framed = append(framed, payload...)

	done := make(chan error, 1)
	var once sync.Once
	waiter := c.s.Write(framed, -1, func(n int, result vsm.IOResult) {
		once.Do(func() {
			if result != vsm.ResultOK {
				done <- vsm.New("ucs", "Send", vsm.KindClosedStream, result.String())
				return
			}
			done <- nil
		})
	})
	waiter.Timeout(writeTimeout, func() {
		once.Do(func() {
			done <- vsm.New("ucs", "Send", vsm.KindTimeout, "write timed out")
		})
		_ = c.Close()
	}, false, nil)
	return <-done
}

// Close tears down the connection and cancels its keepalive timer.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		kt := c.keepaliveTimer
		onClose := c.onClose
		c.mu.Unlock()
		if kt != nil {
			c.wh.Cancel(kt)
		}
		err = c.s.Close()
		if onClose != nil {
			onClose(c)
		}
	})
	return err
}

func (c *Connection) armKeepalive() {
	kt := c.wh.Schedule(c.keepaliveTimeout, func() bool {
		c.mu.Lock()
		idle := time.Since(c.lastInboundAt)
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return false
		}
		if idle >= c.keepaliveTimeout {
			_ = c.Close()
			return false
		}
		return true
	})
	c.mu.Lock()
	c.keepaliveTimer = kt
	c.mu.Unlock()
}

// scheduleNextRead issues the next chunk read per the FSM's current
// phase: one byte at a time while accumulating the varint length
// prefix, then exactly `length` bytes for the payload.
func (c *Connection) scheduleNextRead() {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	if c.reading {
		buf := make([]byte, 1)
		c.s.Read(buf, 1, -1, func(n int, result vsm.IOResult) {
			c.onLengthByte(buf, n, result)
		})
		return
	}

	buf := make([]byte, c.length)
	c.s.Read(buf, len(buf), -1, func(n int, result vsm.IOResult) {
		c.onPayload(buf, n, result)
	})
}

func (c *Connection) onLengthByte(buf []byte, n int, result vsm.IOResult) {
	if result != vsm.ResultOK || n == 0 {
		_ = c.Close()
		return
	}
	c.mu.Lock()
	c.lastInboundAt = time.Now()
	c.mu.Unlock()

	b := buf[0]
	c.length |= uint64(b&0x7F) << c.shift
	c.shift += 7
	c.lenPos++

	if b&0x80 != 0 {
		if c.lenPos >= 5 {
			_ = c.Close() // malformed varint, more than 5 bytes
			return
		}
		c.scheduleNextRead()
		return
	}

	if c.length >= constants.MaxEnvelopeLen {
		_ = c.Close()
		return
	}

	c.reading = false
	c.lenPos = 0
	c.shift = 0
	c.scheduleNextRead()
}

func (c *Connection) onPayload(buf []byte, n int, result vsm.IOResult) {
	if result != vsm.ResultOK {
		_ = c.Close()
		return
	}
	c.mu.Lock()
	c.lastInboundAt = time.Now()
	c.mu.Unlock()

	if c.log != nil {
		c.log(c, buf[:n])
	}

	c.reading = true
	c.length = 0
	c.scheduleNextRead()
}
