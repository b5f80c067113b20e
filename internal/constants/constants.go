package constants

import "time"

// MAVLink framing constants
const (
	// MavlinkMaxPayloadLen is the largest MAVLink v2 payload.
	MavlinkMaxPayloadLen = 255

	// MavlinkV1MaxFrameLen is STX+LEN+SEQ+SYS+COMP+MSG+payload+CRC for v1.
	MavlinkV1MaxFrameLen = 6 + MavlinkMaxPayloadLen + 2

	// MavlinkV2MaxFrameLen is the v2 equivalent with a 3-byte message id
	// and up to 13 bytes of signature.
	MavlinkV2MaxFrameLen = 10 + MavlinkMaxPayloadLen + 2 + 13

	// MavlinkStxV1 marks the start of a MAVLink v1 frame.
	MavlinkStxV1 = 0xFE

	// MavlinkStxV2 marks the start of a MAVLink v2 frame.
	MavlinkStxV2 = 0xFD

	// MavlinkIncompatFlagSigned marks a v2 frame as carrying a signature.
	MavlinkIncompatFlagSigned = 0x01
)

// UCS wire protocol constants
const (
	// SupportedUCSVersionMajor is the minimum wire protocol major version
	// accepted; a peer advertising a lower major is marked incompatible.
	SupportedUCSVersionMajor = 2

	// SupportedUCSVersionMinor is the minimum minor version accepted.
	SupportedUCSVersionMinor = 0

	// MaxEnvelopeLen bounds a single UCS envelope to guard against a
	// corrupt or hostile length prefix forcing an unbounded allocation.
	MaxEnvelopeLen = 1_000_000

	// ProxyHandshakeMagic is sent by a VSM proxy client to identify
	// itself before the UCS wire protocol takes over the connection.
	ProxyHandshakeMagic = "VSMP"

	// ProxyHandshakeVersion is the single version byte following the
	// magic in the proxy handshake.
	ProxyHandshakeVersion = 0x02
)

// Default buffer and queue sizing
const (
	// DefaultStreamReadChunk is the default chunk size requested from a
	// stream's underlying Read when no caller-specified max applies.
	DefaultStreamReadChunk = 4096

	// DefaultUDPSubstreamQueueDepth is the default number of datagrams
	// buffered per pseudo-connection before the oldest is dropped.
	DefaultUDPSubstreamQueueDepth = 50

	// DefaultPollCapacity is the initial capacity of the platform
	// dispatcher's pollfd slice.
	DefaultPollCapacity = 16
)

// Timing constants for transport detection and connection keepalive
const (
	// DefaultDetectorProbeInterval is a default re-probe interval for a
	// configured endpoint. The transport detector does not read it; its
	// watchdog ticks once per second.
	DefaultDetectorProbeInterval = 2 * time.Second

	// DefaultDetectorProbeTimeout bounds a single detector invocation.
	DefaultDetectorProbeTimeout = 1500 * time.Millisecond

	// DefaultKeepaliveTimeout is how long a UCS connection may go
	// without a received message before it is considered dead.
	DefaultKeepaliveTimeout = 10 * time.Second

	// DefaultKeepaliveInterval is a default interval for keepalives on an
	// idle UCS connection. ucs.Connection does not read it and sends no
	// keepalive messages; it only closes a connection that stays silent
	// past its keepalive timeout.
	DefaultKeepaliveInterval = 3 * time.Second
)

// AutoAssignDeviceID indicates the UCS should assign a device id rather
// than the VSM proposing one.
const AutoAssignDeviceID = -1
