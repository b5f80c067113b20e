package mavlink

import "github.com/sensyn-robotics/vsm-go/internal/constants"

// Frame is a fully decoded MAVLink message, v1 or v2.
type Frame struct {
	Version     int // 1 or 2
	SystemID    uint8
	ComponentID uint8
	MessageID   uint32
	Seq         uint8
	Payload     []byte
	Incompat    uint8 // v2 only
	Compat      uint8 // v2 only
}

// Key returns the (message, system, component) triple the demuxer
// dispatches on.
func (f *Frame) Key() (messageID uint32, systemID, componentID uint8) {
	return f.MessageID, f.SystemID, f.ComponentID
}

// Stats tracks decoder/demuxer-wide counters for diagnosing a
// misbehaving link.
type Stats struct {
	BytesReceived uint64
	Handled       uint64
	NoHandler     uint64
	BadChecksum   uint64
	UnknownID     uint64
	STXSyncs      uint64
}

func maxFrameLen() int {
	if constants.MavlinkV2MaxFrameLen > constants.MavlinkV1MaxFrameLen {
		return constants.MavlinkV2MaxFrameLen
	}
	return constants.MavlinkV1MaxFrameLen
}
