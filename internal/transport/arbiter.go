package transport

import (
	"golang.org/x/sys/unix"

	vsm "github.com/sensyn-robotics/vsm-go"
)

// acquireArbiter takes a cross-process exclusive, non-blocking advisory
// lock on path so two VSM processes (or a VSM and some other tool) never
// probe the same serial device concurrently.
func acquireArbiter(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return -1, vsm.Wrap("transport", "acquireArbiter", err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = unix.Close(fd)
		return -1, vsm.Wrap("transport", "acquireArbiter", err)
	}
	return fd, nil
}

func closeArbiter(fd int) error {
	_ = unix.Flock(fd, unix.LOCK_UN)
	return unix.Close(fd)
}
