package transport

import (
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensyn-robotics/vsm-go/internal/config"
	"github.com/sensyn-robotics/vsm-go/internal/ioplat"
	"github.com/sensyn-robotics/vsm-go/internal/logging"
	"github.com/sensyn-robotics/vsm-go/internal/stream"
	"github.com/sensyn-robotics/vsm-go/internal/timer"
)

type acceptingDetector struct{ detected chan *fakeStreamInfo }

type fakeStreamInfo struct {
	baud int
}

func (a *acceptingDetector) Detect(s stream.Stream, baud int, reportNotDetected func()) {
	a.detected <- &fakeStreamInfo{baud: baud}
}

func writeProperties(t *testing.T, content string) *config.Config {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "vsm-*.properties")
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	cfg, err := config.Load(f.Name())
	require.NoError(t, err)
	return cfg
}

func freeTestPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestLoadPortConfigsParsesTCPBlock(t *testing.T) {
	cfg := writeProperties(t, "vehicle.a.address=127.0.0.1\nvehicle.a.tcp_port=5760\n")
	ports, err := LoadPortConfigs(cfg, "vehicle")
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Equal(t, KindTCP, ports[0].Kind)
	assert.Equal(t, "127.0.0.1", ports[0].Address)
	assert.Equal(t, 5760, ports[0].Port)
}

func TestDetectorConnectsTCPPortAndDispatchesToDetector(t *testing.T) {
	disp, err := ioplat.New(nil)
	require.NoError(t, err)
	defer disp.Close()
	wh := timer.NewWheel()
	defer wh.Close()

	port := freeTestPort(t)
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			defer c.Close()
			time.Sleep(500 * time.Millisecond)
		}
	}()

	cfg := writeProperties(t, fmt.Sprintf("vehicle.a.address=127.0.0.1\nvehicle.a.tcp_port=%d\n", port))
	ports, err := LoadPortConfigs(cfg, "vehicle")
	require.NoError(t, err)

	d, err := NewDetector(logging.Default(), disp, wh, cfg, "vehicle", ports)
	require.NoError(t, err)

	det := &acceptingDetector{detected: make(chan *fakeStreamInfo, 1)}
	d.AddProtocolDetector(det)
	d.tick()

	select {
	case <-det.detected:
	case <-time.After(2 * time.Second):
		t.Fatal("protocol detector never received the opened stream")
	}
}

func TestParseSizeSuffixes(t *testing.T) {
	n, err := config.ParseSize("64M")
	require.NoError(t, err)
	assert.Equal(t, int64(64*1024*1024), n)
}
