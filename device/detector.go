package device

import (
	vsm "github.com/sensyn-robotics/vsm-go"
	"github.com/sensyn-robotics/vsm-go/internal/constants"
	"github.com/sensyn-robotics/vsm-go/internal/logging"
	"github.com/sensyn-robotics/vsm-go/internal/stream"
)

// OnAdopt is invoked once a stream has been confirmed to speak MAVLink,
// handing ownership of s to the caller (typically to CreateAndServe).
// preamble is the single STX byte the detector already consumed off s
// while probing it, and must be fed into the decoder before any further
// read from s.
type OnAdopt func(s stream.Stream, preamble []byte)

// MavlinkDetector implements transport.ProtocolDetector: it peeks at the
// first byte of a candidate stream and claims it only if that byte is
// a MAVLink v1 or v2 start marker, reporting non-detection so the next
// detector in the chain gets a turn otherwise.
type MavlinkDetector struct {
	log     *logging.Logger
	onAdopt OnAdopt
}

// NewMavlinkDetector creates a detector that calls onAdopt on the first
// stream it confirms speaks MAVLink.
func NewMavlinkDetector(log *logging.Logger, onAdopt OnAdopt) *MavlinkDetector {
	return &MavlinkDetector{log: log, onAdopt: onAdopt}
}

// Detect peeks one byte from s. A MAVLink STX adopts the stream; anything
// else calls reportNotDetected so the next detector in the chain (or the
// next baud) gets a turn.
func (d *MavlinkDetector) Detect(s stream.Stream, baud int, reportNotDetected func()) {
	peek := make([]byte, 1)
	s.Read(peek, 1, -1, func(n int, result vsm.IOResult) {
		if result != vsm.ResultOK || n != 1 {
			reportNotDetected()
			return
		}
		if peek[0] != constants.MavlinkStxV1 && peek[0] != constants.MavlinkStxV2 {
			reportNotDetected()
			return
		}
		if d.log != nil {
			d.log.Info("mavlink stream detected", "baud", baud)
		}
		d.onAdopt(s, peek)
	})
}
