package mavlink

import (
	"sync/atomic"

	vsm "github.com/sensyn-robotics/vsm-go"
	"github.com/sensyn-robotics/vsm-go/internal/constants"
)

// Encoder serializes outgoing Frames and stamps them with a monotone,
// 8-bit wrapping sequence number. One Encoder belongs to one output
// stream; sharing it across streams would interleave their sequence
// counters.
type Encoder struct {
	crcTable CRCExtraTable
	seq      atomic.Uint32
}

// NewEncoder creates an Encoder using table for the per-message CRC
// extra byte. A nil table uses DefaultCRCExtraTable.
func NewEncoder(table CRCExtraTable) *Encoder {
	if table == nil {
		table = DefaultCRCExtraTable
	}
	return &Encoder{crcTable: table}
}

// nextSeq returns the next sequence number, wrapping modulo 256.
func (e *Encoder) nextSeq() uint8 {
	return uint8(e.seq.Add(1) - 1)
}

// EncodeV1 serializes payload as a MAVLink v1 frame addressed from
// (systemID, componentID) as messageID.
func (e *Encoder) EncodeV1(systemID, componentID uint8, messageID uint32, payload []byte) ([]byte, error) {
	if len(payload) > constants.MavlinkMaxPayloadLen {
		return nil, vsm.New("mavlink", "EncodeV1", vsm.KindInvalidParam, "payload too large")
	}
	if messageID > 0xFF {
		return nil, vsm.New("mavlink", "EncodeV1", vsm.KindInvalidParam, "message id does not fit in v1's 8 bits")
	}

	buf := make([]byte, 0, 6+len(payload)+2)
	buf = append(buf, constants.MavlinkStxV1, byte(len(payload)), e.nextSeq(), systemID, componentID, byte(messageID))
	buf = append(buf, payload...)

	crc := crc16Init()
	crc = crc16AccumulateBuffer(crc, buf[1:])
	if extra, ok := e.crcTable.Extra(messageID); ok {
		crc = crc16Accumulate(crc, extra)
	}
	buf = append(buf, byte(crc&0xFF), byte(crc>>8))
	return buf, nil
}

// EncodeV2 serializes payload as a MAVLink v2 frame. Trailing
// zero bytes in payload are trimmed per the v2 wire format, which
// shrinks the frame for messages whose trailing fields are unset.
func (e *Encoder) EncodeV2(systemID, componentID uint8, messageID uint32, payload []byte, signed bool) ([]byte, error) {
	if len(payload) > constants.MavlinkMaxPayloadLen {
		return nil, vsm.New("mavlink", "EncodeV2", vsm.KindInvalidParam, "payload too large")
	}
	if messageID > 0xFFFFFF {
		return nil, vsm.New("mavlink", "EncodeV2", vsm.KindInvalidParam, "message id does not fit in v2's 24 bits")
	}

	trimmed := trimTrailingZeros(payload)

	var incompat uint8
	if signed {
		incompat |= constants.MavlinkIncompatFlagSigned
	}

	buf := make([]byte, 0, 10+len(trimmed)+2)
	buf = append(buf, constants.MavlinkStxV2, byte(len(trimmed)), incompat, 0, e.nextSeq(), systemID, componentID,
		byte(messageID), byte(messageID>>8), byte(messageID>>16))
	buf = append(buf, trimmed...)

	crc := crc16Init()
	crc = crc16AccumulateBuffer(crc, buf[1:])
	if extra, ok := e.crcTable.Extra(messageID); ok {
		crc = crc16Accumulate(crc, extra)
	}
	buf = append(buf, byte(crc&0xFF), byte(crc>>8))
	return buf, nil
}

func trimTrailingZeros(payload []byte) []byte {
	end := len(payload)
	for end > 0 && payload[end-1] == 0 {
		end--
	}
	return payload[:end]
}
