package device

import (
	"time"

	vsm "github.com/sensyn-robotics/vsm-go"
	"github.com/sensyn-robotics/vsm-go/internal/logging"
	"github.com/sensyn-robotics/vsm-go/internal/stream"
	"github.com/sensyn-robotics/vsm-go/internal/textfilter"
	"github.com/sensyn-robotics/vsm-go/internal/timer"
)

// Console wraps a non-MAVLink text-oriented stream -- a vehicle's debug
// UART or bootloader console -- with a line filter, so a small set of
// known banner or prompt patterns can be watched for without the caller
// hand-rolling its own line assembler.
type Console struct {
	s      stream.Stream
	filter *textfilter.Filter
	log    *logging.Logger
}

// NewConsole starts reading s and feeding every byte through a text
// filter; watch patterns are registered via AddPattern at any time
// after creation.
func NewConsole(s stream.Stream, wh *timer.Wheel, log *logging.Logger) *Console {
	c := &Console{s: s, filter: textfilter.NewFilter(wh, 512), log: log}
	c.scheduleNextRead()
	return c
}

// AddPattern watches for a regex match on the console's output, firing
// cb with the before/after context once matched, timed out, or the
// stream closes.
func (c *Console) AddPattern(pattern string, before, after int, timeout time.Duration, cb textfilter.Callback) error {
	e, err := textfilter.NewEntry(pattern, before, after, timeout, cb)
	if err != nil {
		return err
	}
	c.filter.AddEntry(e)
	return nil
}

// SetLineHandler installs a handler invoked for every complete line,
// ahead of pattern matching -- useful for mirroring console output to a
// log sink.
func (c *Console) SetLineHandler(h textfilter.LineHandler) {
	c.filter.SetLineHandler(h)
}

func (c *Console) scheduleNextRead() {
	buf := make([]byte, 256)
	c.s.Read(buf, 1, -1, func(n int, result vsm.IOResult) {
		if result != vsm.ResultOK {
			c.filter.Close()
			return
		}
		c.filter.Feed(buf[:n])
		c.scheduleNextRead()
	})
}

// Close stops reading and closes the underlying stream.
func (c *Console) Close() error {
	c.filter.Close()
	return c.s.Close()
}
