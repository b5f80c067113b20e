package stream

import (
	"time"

	"golang.org/x/sys/unix"

	vsm "github.com/sensyn-robotics/vsm-go"
	"github.com/sensyn-robotics/vsm-go/internal/ioplat"
	"github.com/sensyn-robotics/vsm-go/internal/timer"
)

// Parity selects the serial parity check mode.
type Parity int

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
)

// Mode is the serial port configuration record: baud is rounded to the
// nearest platform-supported constant.
type Mode struct {
	Baud        int
	CharSize    int // 5-8
	StopBits    int // 1 or 2
	ParityCheck bool
	Parity      Parity
	ReadTimeout time.Duration
}

// DefaultMode is 8N1 at 57600 baud, a common MAVLink telemetry default.
func DefaultMode() Mode {
	return Mode{Baud: 57600, CharSize: 8, StopBits: 1, ParityCheck: false, Parity: ParityNone}
}

// supportedBauds lists the termios baud constants in ascending order,
// used to round a requested rate to the nearest one the platform knows.
var supportedBauds = []struct {
	rate  int
	speed uint32
}{
	{1200, unix.B1200},
	{2400, unix.B2400},
	{4800, unix.B4800},
	{9600, unix.B9600},
	{19200, unix.B19200},
	{38400, unix.B38400},
	{57600, unix.B57600},
	{115200, unix.B115200},
	{230400, unix.B230400},
	{460800, unix.B460800},
	{921600, unix.B921600},
}

func nearestBaud(requested int) uint32 {
	best := supportedBauds[0]
	bestDiff := abs(requested - best.rate)
	for _, b := range supportedBauds[1:] {
		d := abs(requested - b.rate)
		if d < bestDiff {
			best = b
			bestDiff = d
		}
	}
	return best.speed
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// SerialStream is a serial port configured from a Mode record via
// termios.
type SerialStream struct {
	*Base
	path string
	mode Mode
}

// OpenSerial opens path as a serial device and applies mode via
// termios.
func OpenSerial(path string, mode Mode, disp *ioplat.Dispatcher, wh *timer.Wheel) (*SerialStream, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, vsm.Wrap("stream", "OpenSerial", err)
	}

	if err := applyTermios(fd, mode); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	return &SerialStream{Base: NewBase(fd, disp, wh), path: path, mode: mode}, nil
}

// Path returns the device path this serial stream was opened from.
func (s *SerialStream) Path() string { return s.path }

// Mode returns the configuration this stream was opened with.
func (s *SerialStream) Mode() Mode { return s.mode }

func applyTermios(fd int, mode Mode) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return vsm.Wrap("stream", "applyTermios", err)
	}

	speed := nearestBaud(mode.Baud)
	t.Cflag &^= unix.CBAUD
	t.Cflag |= speed
	t.Ispeed = speed
	t.Ospeed = speed

	t.Cflag &^= unix.CSIZE
	switch mode.CharSize {
	case 5:
		t.Cflag |= unix.CS5
	case 6:
		t.Cflag |= unix.CS6
	case 7:
		t.Cflag |= unix.CS7
	default:
		t.Cflag |= unix.CS8
	}

	if mode.StopBits == 2 {
		t.Cflag |= unix.CSTOPB
	} else {
		t.Cflag &^= unix.CSTOPB
	}

	if mode.ParityCheck {
		t.Cflag |= unix.PARENB
		if mode.Parity == ParityOdd {
			t.Cflag |= unix.PARODD
		} else {
			t.Cflag &^= unix.PARODD
		}
	} else {
		t.Cflag &^= unix.PARENB
	}

	t.Cflag |= unix.CREAD | unix.CLOCAL
	t.Lflag &^= unix.ICANON | unix.ECHO | unix.ECHOE | unix.ISIG
	t.Iflag &^= unix.IXON | unix.IXOFF | unix.IXANY | unix.ICRNL
	t.Oflag &^= unix.OPOST

	vmin, vtime := readTimeoutToVminVtime(mode.ReadTimeout)
	t.Cc[unix.VMIN] = vmin
	t.Cc[unix.VTIME] = vtime

	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}

// readTimeoutToVminVtime maps a read timeout to termios VMIN/VTIME: a
// zero timeout means block for at least one byte (VMIN=1, VTIME=0); a
// positive timeout is rounded to deciseconds and VMIN=0 so a read
// returns even with zero bytes once the timer elapses.
func readTimeoutToVminVtime(d time.Duration) (byte, byte) {
	if d <= 0 {
		return 1, 0
	}
	deciseconds := d / (100 * time.Millisecond)
	if deciseconds > 255 {
		deciseconds = 255
	}
	if deciseconds == 0 {
		deciseconds = 1
	}
	return 0, byte(deciseconds)
}
