//go:build linux

package server_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/VlastikK/libhwio/bus/memory"
	"github.com/VlastikK/libhwio/client"
	"github.com/VlastikK/libhwio/internal/logging"
	"github.com/VlastikK/libhwio/server"
	"github.com/VlastikK/libhwio/wire"
)

func startTestServer(t *testing.T) (address string, shutdown func()) {
	t.Helper()
	demoBus := memory.New(memory.NewDevice(1, "pci0/bar0", 64))

	cfg := server.DefaultConfig()
	cfg.PollTimeout = 20 * time.Millisecond
	cfg.Address = testAddress(t)

	srv := server.New(cfg, demoBus, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx, nil) }()

	// Give the listener a moment to bind before clients dial it.
	time.Sleep(20 * time.Millisecond)

	return cfg.Address, func() {
		cancel()
		<-errCh
	}
}

var testPort = 18896

// testAddress hands out a fresh loopback port per call so parallel tests
// don't collide on the same listening socket.
func testAddress(t *testing.T) string {
	t.Helper()
	testPort++
	return "127.0.0.1:" + itoa(testPort)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := [20]byte{}
	i := len(digits)
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return string(digits[i:])
}

func TestEndToEndHandshakeQueryReadWrite(t *testing.T) {
	address, shutdown := startTestServer(t)
	defer shutdown()

	cfg := client.DefaultConfig()
	cfg.Address = address
	cfg.DevTimeout = time.Second
	c := client.New(cfg)
	require.NoError(t, c.Connect())
	defer c.Close()

	var item wire.DevQueryItem
	copy(item.Name[:], "pci0")
	handles, err := c.Query([]wire.DevQueryItem{item})
	require.NoError(t, err)
	require.Len(t, handles, 1)
	handle := handles[0]

	require.NoError(t, c.Write(handle, 0, []byte("hwio")))
	data, err := c.Read(handle, 0, 4)
	require.NoError(t, err)
	require.Equal(t, "hwio", string(data))
}

func TestEndToEndAccessDeniedAcrossSessions(t *testing.T) {
	address, shutdown := startTestServer(t)
	defer shutdown()

	cfgA := client.DefaultConfig()
	cfgA.Address = address
	cfgA.DevTimeout = time.Second
	a := client.New(cfgA)
	require.NoError(t, a.Connect())
	defer a.Close()

	var item wire.DevQueryItem
	copy(item.Name[:], "pci0")
	handles, err := a.Query([]wire.DevQueryItem{item})
	require.NoError(t, err)
	require.Len(t, handles, 1)

	cfgB := client.DefaultConfig()
	cfgB.Address = address
	cfgB.DevTimeout = time.Second
	b := client.New(cfgB)
	require.NoError(t, b.Connect())
	defer b.Close()

	// b never queried this device, but submits a's real handle directly:
	// the server resolves it server-wide and rejects the read because b is
	// not the owner, not because the handle is unrecognized.
	_, err = b.Read(handles[0], 0, 4)
	require.Error(t, err)
	var protoErr *client.ErrProtocol
	require.ErrorAs(t, err, &protoErr)
	require.Equal(t, wire.ErrAccessDenied, protoErr.Code)
}

func TestEndToEndTooManyQueryItemsGetsErrorReply(t *testing.T) {
	address, shutdown := startTestServer(t)
	defer shutdown()

	cfg := client.DefaultConfig()
	cfg.Address = address
	cfg.DevTimeout = time.Second
	c := client.New(cfg)
	require.NoError(t, c.Connect())
	defer c.Close()

	// A query with too many items is a protocol violation the server
	// reports rather than silently truncating.
	items := make([]wire.DevQueryItem, wire.MaxItemsPerQuery+1)
	_, err := c.Query(items)
	require.Error(t, err)
	var protoErr *client.ErrProtocol
	require.ErrorAs(t, err, &protoErr)
	require.Equal(t, wire.ErrUnknownCommand, protoErr.Code)
}

func TestEndToEndByeClosesSessionCleanly(t *testing.T) {
	address, shutdown := startTestServer(t)
	defer shutdown()

	cfg := client.DefaultConfig()
	cfg.Address = address
	cfg.DevTimeout = time.Second
	c := client.New(cfg)
	require.NoError(t, c.Connect())
	require.NoError(t, c.Close())
}
