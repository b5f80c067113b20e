package stream

import (
	"os"

	"golang.org/x/sys/unix"

	vsm "github.com/sensyn-robotics/vsm-go"
	"github.com/sensyn-robotics/vsm-go/internal/ioplat"
	"github.com/sensyn-robotics/vsm-go/internal/timer"
)

// FileStream is a plain regular-file or HID-device stream: no special
// mode configuration, just the shared Base machinery over an open fd.
type FileStream struct {
	*Base
	path string
}

// OpenFile opens path and wraps it as a Stream.
func OpenFile(path string, flag int, perm os.FileMode, disp *ioplat.Dispatcher, wh *timer.Wheel) (*FileStream, error) {
	fd, err := unix.Open(path, flag|unix.O_NONBLOCK|unix.O_CLOEXEC, uint32(perm))
	if err != nil {
		return nil, vsm.Wrap("stream", "OpenFile", err)
	}
	return &FileStream{Base: NewBase(fd, disp, wh), path: path}, nil
}

// Path returns the filesystem path this stream was opened from.
func (f *FileStream) Path() string { return f.path }
