package device

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensyn-robotics/vsm-go/internal/ioplat"
	"github.com/sensyn-robotics/vsm-go/internal/stream"
	"github.com/sensyn-robotics/vsm-go/internal/textfilter"
	"github.com/sensyn-robotics/vsm-go/internal/timer"
)

func newConsoleTestStream(t *testing.T) (*stream.Base, int, *timer.Wheel) {
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
	return base, fds[1], wh
}

func TestConsoleMatchesWatchedBootBanner(t *testing.T) {
	base, peer, wh := newConsoleTestStream(t)
	c := NewConsole(base, wh, nil)

	matched := make(chan []string, 1)
	err := c.AddPattern(`^READY$`, 0, 0, time.Second, func(lines []string, result textfilter.MatchResult) bool {
		if result == textfilter.MatchOK {
			matched <- lines
		}
		return false
	})
	require.NoError(t, err)

	_, err = unix.Write(peer, []byte("booting...\r\nREADY\r\n"))
	require.NoError(t, err)

	select {
	case lines := <-matched:
		assert.Equal(t, []string{"READY"}, lines)
	case <-time.After(2 * time.Second):
		t.Fatal("console never matched the boot banner")
	}
}

func TestConsoleLineHandlerSeesEveryLine(t *testing.T) {
	base, peer, wh := newConsoleTestStream(t)
	c := NewConsole(base, wh, nil)

	lines := make(chan string, 4)
	c.SetLineHandler(func(line string) { lines <- line })

	_, err := unix.Write(peer, []byte("one\ntwo\n"))
	require.NoError(t, err)

	for _, want := range []string{"one", "two"} {
		select {
		case got := <-lines:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatal("line handler never fired")
		}
	}
}
