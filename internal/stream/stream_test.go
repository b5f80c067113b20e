package stream

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vsm "github.com/sensyn-robotics/vsm-go"
	"github.com/sensyn-robotics/vsm-go/internal/ioplat"
	"github.com/sensyn-robotics/vsm-go/internal/timer"
)

func newTestBase(t *testing.T) (*Base, int, int) {
	t.Helper()
	disp, err := ioplat.New(nil)
	require.NoError(t, err)
	wh := timer.NewWheel()
	t.Cleanup(func() {
		wh.Close()
	})

	fds := make([]int, 2)
	require.NoError(t, unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC))

	base := NewBase(fds[0], disp, wh)
	t.Cleanup(func() {
		_ = base.Close()
		disp.Close()
	})
	return base, fds[0], fds[1]
}

func TestReadReturnsOnceMinBytesAvailable(t *testing.T) {
	base, _, w := newTestBase(t)

	buf := make([]byte, 10)
	done := make(chan struct{})
	var gotN int
	var gotResult vsm.IOResult
	base.Read(buf, 5, -1, func(n int, result vsm.IOResult) {
		gotN = n
		gotResult = result
		close(done)
	})

	_, err := unix.Write(w, []byte("hello"))
	require.NoError(t, err)

	select {
	case <-done:
		assert.Equal(t, 5, gotN)
		assert.Equal(t, vsm.ResultOK, gotResult)
	case <-time.After(2 * time.Second):
		t.Fatal("read never completed")
	}
}

func TestSecondReadRejectedWhileBusy(t *testing.T) {
	base, _, _ := newTestBase(t)

	buf1 := make([]byte, 10)
	base.Read(buf1, 5, -1, func(int, vsm.IOResult) {})

	buf2 := make([]byte, 10)
	done := make(chan vsm.IOResult, 1)
	base.Read(buf2, 5, -1, func(n int, result vsm.IOResult) {
		done <- result
	})

	select {
	case res := <-done:
		assert.Equal(t, vsm.ResultOtherFailure, res)
	case <-time.After(time.Second):
		t.Fatal("second read should be rejected immediately")
	}
}

func TestCloseRejectsFurtherReads(t *testing.T) {
	base, _, _ := newTestBase(t)
	require.NoError(t, base.Close())

	buf := make([]byte, 1)
	done := make(chan vsm.IOResult, 1)
	base.Read(buf, 1, -1, func(n int, result vsm.IOResult) {
		done <- result
	})

	select {
	case res := <-done:
		assert.Equal(t, vsm.ResultClosed, res)
	case <-time.After(time.Second):
		t.Fatal("read on closed stream should fail immediately")
	}
}

func TestNearestBaudRounding(t *testing.T) {
	assert.Equal(t, uint32(unix.B57600), nearestBaud(56000))
	assert.Equal(t, uint32(unix.B115200), nearestBaud(115200))
	assert.Equal(t, uint32(unix.B9600), nearestBaud(9000))
}
