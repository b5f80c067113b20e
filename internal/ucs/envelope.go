package ucs

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	vsm "github.com/sensyn-robotics/vsm-go"
)

// EnvelopeKind tags the first byte of every UCS payload so a reader
// can dispatch on message type before parsing the rest of the fields.
type EnvelopeKind byte

const (
	KindRegisterPeer EnvelopeKind = iota + 1
	KindRegisterDevice
	KindRegisterDeviceResponse
	KindDeviceStatus
)

// RegisterDeviceMsg is the Register_device payload a VSM sends on every
// compatible connection when a device becomes registerable.
type RegisterDeviceMsg struct {
	RequestID   uint64
	DeviceID    int
	Name        string
	SystemID    uint8
	ComponentID uint8
}

// RegisterDeviceResponseMsg is a peer's reply to a RegisterDeviceMsg.
type RegisterDeviceResponseMsg struct {
	RequestID uint64
	Success   bool
}

// DeviceStatusField is one changed telemetry field in a Device_status
// envelope. Value is carried as its string form: the telemetry cache is
// schema-agnostic, so the wire format doesn't attempt to preserve the
// original Go type, only a human/diagnostic-readable rendering of it.
type DeviceStatusField struct {
	FieldID int
	Value   string
}

// DeviceStatusMsg reports every changed telemetry field for one device
// since its last announcement.
type DeviceStatusMsg struct {
	DeviceID int
	Fields   []DeviceStatusField
}

// EncodeRegisterPeer frames a handshake payload: kind byte, then
// major, minor, primary (as a 0/1 varint), and peer id.
func EncodeRegisterPeer(info PeerInfo) []byte {
	b := []byte{byte(KindRegisterPeer)}
	b = protowire.AppendVarint(b, uint64(info.VersionMajor))
	b = protowire.AppendVarint(b, uint64(info.VersionMinor))
	b = protowire.AppendVarint(b, boolVarint(info.Primary))
	b = protowire.AppendString(b, info.PeerID)
	return b
}

// DecodeRegisterPeer parses a Register_peer payload produced by
// EncodeRegisterPeer, with the leading kind byte already stripped.
func DecodeRegisterPeer(b []byte) (PeerInfo, error) {
	major, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return PeerInfo{}, vsm.New("ucs", "DecodeRegisterPeer", vsm.KindFormat, "truncated major version")
	}
	b = b[n:]
	minor, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return PeerInfo{}, vsm.New("ucs", "DecodeRegisterPeer", vsm.KindFormat, "truncated minor version")
	}
	b = b[n:]
	primary, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return PeerInfo{}, vsm.New("ucs", "DecodeRegisterPeer", vsm.KindFormat, "truncated primary flag")
	}
	b = b[n:]
	peerID, n := protowire.ConsumeString(b)
	if n < 0 {
		return PeerInfo{}, vsm.New("ucs", "DecodeRegisterPeer", vsm.KindFormat, "truncated peer id")
	}
	return PeerInfo{
		PeerID:       peerID,
		VersionMajor: int(major),
		VersionMinor: int(minor),
		Primary:      primary != 0,
	}, nil
}

// EncodeRegisterDevice frames a Register_device announcement.
func EncodeRegisterDevice(msg RegisterDeviceMsg) []byte {
	b := []byte{byte(KindRegisterDevice)}
	b = protowire.AppendVarint(b, msg.RequestID)
	b = protowire.AppendVarint(b, uint64(msg.DeviceID))
	b = protowire.AppendVarint(b, uint64(msg.SystemID))
	b = protowire.AppendVarint(b, uint64(msg.ComponentID))
	b = protowire.AppendString(b, msg.Name)
	return b
}

// DecodeRegisterDevice parses a Register_device payload, kind byte
// already stripped.
func DecodeRegisterDevice(b []byte) (RegisterDeviceMsg, error) {
	requestID, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return RegisterDeviceMsg{}, vsm.New("ucs", "DecodeRegisterDevice", vsm.KindFormat, "truncated request id")
	}
	b = b[n:]
	deviceID, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return RegisterDeviceMsg{}, vsm.New("ucs", "DecodeRegisterDevice", vsm.KindFormat, "truncated device id")
	}
	b = b[n:]
	sysID, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return RegisterDeviceMsg{}, vsm.New("ucs", "DecodeRegisterDevice", vsm.KindFormat, "truncated system id")
	}
	b = b[n:]
	compID, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return RegisterDeviceMsg{}, vsm.New("ucs", "DecodeRegisterDevice", vsm.KindFormat, "truncated component id")
	}
	b = b[n:]
	name, n := protowire.ConsumeString(b)
	if n < 0 {
		return RegisterDeviceMsg{}, vsm.New("ucs", "DecodeRegisterDevice", vsm.KindFormat, "truncated name")
	}
	return RegisterDeviceMsg{
		RequestID:   requestID,
		DeviceID:    int(deviceID),
		SystemID:    uint8(sysID),
		ComponentID: uint8(compID),
		Name:        name,
	}, nil
}

// EncodeRegisterDeviceResponse frames a reply to a Register_device.
func EncodeRegisterDeviceResponse(msg RegisterDeviceResponseMsg) []byte {
	b := []byte{byte(KindRegisterDeviceResponse)}
	b = protowire.AppendVarint(b, msg.RequestID)
	b = protowire.AppendVarint(b, boolVarint(msg.Success))
	return b
}

// DecodeRegisterDeviceResponse parses a Register_device reply, kind
// byte already stripped.
func DecodeRegisterDeviceResponse(b []byte) (RegisterDeviceResponseMsg, error) {
	requestID, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return RegisterDeviceResponseMsg{}, vsm.New("ucs", "DecodeRegisterDeviceResponse", vsm.KindFormat, "truncated request id")
	}
	b = b[n:]
	success, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return RegisterDeviceResponseMsg{}, vsm.New("ucs", "DecodeRegisterDeviceResponse", vsm.KindFormat, "truncated success flag")
	}
	return RegisterDeviceResponseMsg{RequestID: requestID, Success: success != 0}, nil
}

// EncodeDeviceStatus frames a Device_status announcement carrying only
// changed fields.
func EncodeDeviceStatus(msg DeviceStatusMsg) []byte {
	b := []byte{byte(KindDeviceStatus)}
	b = protowire.AppendVarint(b, uint64(msg.DeviceID))
	b = protowire.AppendVarint(b, uint64(len(msg.Fields)))
	for _, f := range msg.Fields {
		b = protowire.AppendVarint(b, uint64(f.FieldID))
		b = protowire.AppendString(b, f.Value)
	}
	return b
}

// DecodeDeviceStatus parses a Device_status payload, kind byte already
// stripped.
func DecodeDeviceStatus(b []byte) (DeviceStatusMsg, error) {
	deviceID, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return DeviceStatusMsg{}, vsm.New("ucs", "DecodeDeviceStatus", vsm.KindFormat, "truncated device id")
	}
	b = b[n:]
	count, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return DeviceStatusMsg{}, vsm.New("ucs", "DecodeDeviceStatus", vsm.KindFormat, "truncated field count")
	}
	b = b[n:]
	fields := make([]DeviceStatusField, 0, count)
	for i := uint64(0); i < count; i++ {
		fieldID, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return DeviceStatusMsg{}, vsm.New("ucs", "DecodeDeviceStatus", vsm.KindFormat, "truncated field id")
		}
		b = b[n:]
		value, n := protowire.ConsumeString(b)
		if n < 0 {
			return DeviceStatusMsg{}, vsm.New("ucs", "DecodeDeviceStatus", vsm.KindFormat, "truncated field value")
		}
		b = b[n:]
		fields = append(fields, DeviceStatusField{FieldID: int(fieldID), Value: value})
	}
	return DeviceStatusMsg{DeviceID: int(deviceID), Fields: fields}, nil
}

// DecodeKind reads the leading kind byte of payload and returns it
// alongside the remaining, kind-specific body.
func DecodeKind(payload []byte) (EnvelopeKind, []byte, error) {
	if len(payload) == 0 {
		return 0, nil, vsm.New("ucs", "DecodeKind", vsm.KindFormat, "empty envelope")
	}
	return EnvelopeKind(payload[0]), payload[1:], nil
}

func (k EnvelopeKind) String() string {
	switch k {
	case KindRegisterPeer:
		return "Register_peer"
	case KindRegisterDevice:
		return "Register_device"
	case KindRegisterDeviceResponse:
		return "Register_device_response"
	case KindDeviceStatus:
		return "Device_status"
	default:
		return fmt.Sprintf("unknown(%d)", byte(k))
	}
}

func boolVarint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
