package mavlink

import (
	"github.com/sensyn-robotics/vsm-go/internal/constants"
	"github.com/sensyn-robotics/vsm-go/internal/iobuf"
)

type decodeState int

const (
	stateSTX decodeState = iota
	stateHeader
	statePayload
	stateChecksum
)

// Decoder is the MAVLink frame parser FSM: STX -> HEADER -> PAYLOAD ->
// CHECKSUM. It is fed raw bytes (typically exactly NextReadSize() of
// them, so a stream reader never over- or under-reads) and emits
// decoded Frames as they complete. A bad checksum does not discard the
// buffer -- the scanner resumes scanning one byte past the STX that
// produced the failed frame, so a coincidental 0xFD/0xFE byte inside a
// payload doesn't desynchronize the link for good.
type Decoder struct {
	crcTable CRCExtraTable

	state   decodeState
	pending []byte // bytes accumulated since the active STX candidate

	version    int
	headerLen  int
	payloadLen int

	Stats Stats
}

// NewDecoder creates a Decoder using table for the per-message CRC
// extra byte. A nil table uses DefaultCRCExtraTable.
func NewDecoder(table CRCExtraTable) *Decoder {
	if table == nil {
		table = DefaultCRCExtraTable
	}
	return &Decoder{crcTable: table, state: stateSTX}
}

// NextReadSize reports exactly how many bytes the decoder needs to make
// progress from its current state, so a transport's Read(max=min=...)
// call never reads more than the decoder can use.
func (d *Decoder) NextReadSize() int {
	switch d.state {
	case stateSTX:
		return 1
	case stateHeader:
		return d.headerLen - len(d.pending)
	case statePayload:
		return d.payloadLen - (len(d.pending) - d.headerLen)
	case stateChecksum:
		return 2
	default:
		return 1
	}
}

// Feed processes chunk (expected to be exactly NextReadSize() bytes,
// though Feed tolerates arbitrary chunking) and returns every frame
// completed as a result. Most calls complete zero or one frame.
func (d *Decoder) Feed(chunk []byte) []*Frame {
	var out []*Frame
	d.Stats.BytesReceived += uint64(len(chunk))

	for len(chunk) > 0 {
		switch d.state {
		case stateSTX:
			n := d.scanForSTX(chunk)
			chunk = chunk[n:]

		case stateHeader:
			need := d.headerLen - len(d.pending)
			take := min(need, len(chunk))
			d.pending = append(d.pending, chunk[:take]...)
			chunk = chunk[take:]
			if len(d.pending) == d.headerLen {
				d.payloadLen = d.headerPayloadLen()
				d.state = statePayload
			}

		case statePayload:
			need := d.headerLen + d.payloadLen - len(d.pending)
			take := min(need, len(chunk))
			d.pending = append(d.pending, chunk[:take]...)
			chunk = chunk[take:]
			if len(d.pending) == d.headerLen+d.payloadLen {
				d.state = stateChecksum
			}

		case stateChecksum:
			need := d.headerLen + d.payloadLen + 2 - len(d.pending)
			take := min(need, len(chunk))
			d.pending = append(d.pending, chunk[:take]...)
			chunk = chunk[take:]
			if len(d.pending) == d.headerLen+d.payloadLen+2 {
				if f, ok := d.completeFrame(); ok {
					out = append(out, f)
				} else {
					out = append(out, d.resyncPastSTX()...)
				}
			}
		}
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// scanForSTX consumes leading bytes of chunk until it finds a v1 or v2
// start marker, then transitions to HEADER with that byte buffered.
// Returns the number of input bytes consumed.
func (d *Decoder) scanForSTX(chunk []byte) int {
	for i, b := range chunk {
		if b == constants.MavlinkStxV1 {
			d.version = 1
			d.headerLen = 6 // STX+LEN+SEQ+SYS+COMP+MSG
			d.pending = []byte{b}
			d.state = stateHeader
			d.Stats.STXSyncs++
			return i + 1
		}
		if b == constants.MavlinkStxV2 {
			d.version = 2
			d.headerLen = 10 // STX+LEN+INCOMPAT+COMPAT+SEQ+SYS+COMP+MSG[3]
			d.pending = []byte{b}
			d.state = stateHeader
			d.Stats.STXSyncs++
			return i + 1
		}
	}
	return len(chunk)
}

func (d *Decoder) headerPayloadLen() int {
	return int(d.pending[1])
}

// completeFrame verifies the checksum of the buffered frame; on success
// it emits a Frame and resets to STX. On failure it returns false and
// Feed resynchronizes via resyncPastSTX.
func (d *Decoder) completeFrame() (*Frame, bool) {
	frameBytes := d.pending
	checksum := uint16(frameBytes[len(frameBytes)-2]) | uint16(frameBytes[len(frameBytes)-1])<<8

	var msgID uint32
	var sys, comp, seq uint8
	var payload []byte
	var incompat, compat uint8

	if d.version == 1 {
		seq = frameBytes[2]
		sys = frameBytes[3]
		comp = frameBytes[4]
		msgID = uint32(frameBytes[5])
		payload = frameBytes[6 : 6+d.payloadLen]
	} else {
		incompat = frameBytes[2]
		compat = frameBytes[3]
		seq = frameBytes[4]
		sys = frameBytes[5]
		comp = frameBytes[6]
		msgID = uint32(frameBytes[7]) | uint32(frameBytes[8])<<8 | uint32(frameBytes[9])<<16
		payload = frameBytes[10 : 10+d.payloadLen]
	}

	extra, haveExtra := d.crcTable.Extra(msgID)

	computed := crc16Init()
	computed = crc16AccumulateBuffer(computed, frameBytes[1:1+d.headerLen-1+d.payloadLen])
	if haveExtra {
		computed = crc16Accumulate(computed, extra)
	}

	if !haveExtra {
		d.Stats.UnknownID++
	}

	if computed != checksum {
		d.Stats.BadChecksum++
		return nil, false
	}

	frame := &Frame{
		Version: d.version, SystemID: sys, ComponentID: comp, MessageID: msgID,
		Seq: seq, Payload: iobuf.Copy(payload).Data(), Incompat: incompat, Compat: compat,
	}
	d.resetToSTX()
	return frame, true
}

func (d *Decoder) resetToSTX() {
	d.state = stateSTX
	d.pending = nil
	d.payloadLen = 0
}

// resyncPastSTX retries the scan starting one byte past the STX of the
// failed frame, without throwing away any of the bytes already read, and
// returns every frame that rescan completes.
func (d *Decoder) resyncPastSTX() []*Frame {
	old := d.pending
	d.resetToSTX()
	if len(old) > 1 {
		return d.Feed(old[1:])
	}
	return nil
}
