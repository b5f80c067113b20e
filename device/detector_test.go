package device

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensyn-robotics/vsm-go/internal/ioplat"
	"github.com/sensyn-robotics/vsm-go/internal/stream"
	"github.com/sensyn-robotics/vsm-go/internal/timer"
)

func newDetectorTestStream(t *testing.T) (*stream.Base, int) {
	t.Helper()
	disp, err := ioplat.New(nil)
	require.NoError(t, err)
	wh := timer.NewWheel()
	t.Cleanup(func() { wh.Close() })

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))

	base := stream.NewBase(fds[0], disp, wh)
	t.Cleanup(func() { disp.Close() })
	return base, fds[1]
}

func TestMavlinkDetectorAdoptsStreamOnV2STX(t *testing.T) {
	base, peer := newDetectorTestStream(t)

	adopted := make(chan []byte, 1)
	det := NewMavlinkDetector(nil, func(s stream.Stream, preamble []byte) {
		adopted <- preamble
	})

	det.Detect(base, 57600, func() { t.Fatal("should not reject a MAVLink v2 STX") })

	_, err := unix.Write(peer, []byte{0xFD})
	require.NoError(t, err)

	select {
	case preamble := <-adopted:
		assert.Equal(t, []byte{0xFD}, preamble)
	case <-time.After(2 * time.Second):
		t.Fatal("detector never adopted the stream")
	}
}

func TestMavlinkDetectorRejectsNonMavlinkByte(t *testing.T) {
	base, peer := newDetectorTestStream(t)

	rejected := make(chan struct{}, 1)
	det := NewMavlinkDetector(nil, func(s stream.Stream, preamble []byte) {
		t.Fatal("should not adopt a non-MAVLink byte")
	})

	det.Detect(base, 0, func() { rejected <- struct{}{} })

	_, err := unix.Write(peer, []byte{0x00})
	require.NoError(t, err)

	select {
	case <-rejected:
	case <-time.After(2 * time.Second):
		t.Fatal("detector never rejected the stream")
	}
}
