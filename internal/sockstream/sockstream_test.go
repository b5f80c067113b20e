package sockstream

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vsm "github.com/sensyn-robotics/vsm-go"
	"github.com/sensyn-robotics/vsm-go/internal/ioplat"
	"github.com/sensyn-robotics/vsm-go/internal/timer"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestTCPDialAndExchange(t *testing.T) {
	disp, err := ioplat.New(nil)
	require.NoError(t, err)
	defer disp.Close()
	wh := timer.NewWheel()
	defer wh.Close()

	port := freePort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	ln, err := ListenTCP(addr, 4, disp, wh)
	require.NoError(t, err)
	ln.Serve()
	defer ln.Close()

	client, err := DialTCP(addr, disp, wh)
	require.NoError(t, err)
	defer client.Close()

	server, err := ln.Accept()
	require.NoError(t, err)
	defer server.Close()

	done := make(chan struct{})
	serverBuf := make([]byte, 5)
	server.Read(serverBuf, 5, -1, func(n int, result vsm.IOResult) {
		close(done)
	})

	clientDone := make(chan struct{})
	client.Write([]byte("hello"), -1, func(n int, result vsm.IOResult) {
		close(clientDone)
	})

	select {
	case <-clientDone:
	case <-time.After(2 * time.Second):
		t.Fatal("client write never completed")
	}
	select {
	case <-done:
		assert.Equal(t, "hello", string(serverBuf))
	case <-time.After(2 * time.Second):
		t.Fatal("server read never completed")
	}
}

func TestUDPMultiplexesBySourceAddress(t *testing.T) {
	wh := timer.NewWheel()
	defer wh.Close()

	port := freePort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	ln, err := ListenUDP(addr, 10, wh)
	require.NoError(t, err)
	ln.Serve()
	defer ln.Close()

	client, err := net.ResolveUDPAddr("udp", addr)
	require.NoError(t, err)
	conn, err := net.DialUDP("udp", nil, client)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	sub, err := ln.Accept()
	require.NoError(t, err)

	got := make(chan []byte, 1)
	sub.Read(func(dg []byte, result vsm.IOResult) {
		got <- dg
	})

	select {
	case dg := <-got:
		assert.Equal(t, "ping", string(dg))
	case <-time.After(2 * time.Second):
		t.Fatal("substream never received datagram")
	}
}
