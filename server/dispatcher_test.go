//go:build linux

package server

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/VlastikK/libhwio/bus/memory"
	"github.com/VlastikK/libhwio/internal/logging"
	"github.com/VlastikK/libhwio/internal/rawsock"
	"github.com/VlastikK/libhwio/wire"
)

func newTestServer(t *testing.T) (*Server, *ClientInfo) {
	t.Helper()
	demoBus := memory.New(memory.NewDevice(1, "pci0/bar0", 64))
	cfg := DefaultConfig()
	s := New(cfg, demoBus, logging.Discard())
	s.poll = rawsock.NewPollSet(0)
	s.registry = newRegistry(s.poll)

	client := s.registry.add(newTestConn(t), nil)
	return s, client
}

func queryBody(t *testing.T, pattern string) []byte {
	t.Helper()
	var item wire.DevQueryItem
	copy(item.Name[:], pattern)
	return wire.EncodeDevQueryItem(item)
}

func TestDispatchPing(t *testing.T) {
	t.Parallel()
	s, client := newTestServer(t)

	disconnect, n := s.dispatch(client, wire.Header{Command: wire.CmdPingRequest}, nil)
	require.False(t, disconnect)
	header, err := wire.DecodeHeader(s.tx[:n], 0)
	require.NoError(t, err)
	require.Equal(t, wire.CmdPingReply, header.Command)
	require.Zero(t, header.BodyLen)
}

func TestDispatchQueryThenReadWrite(t *testing.T) {
	t.Parallel()
	s, client := newTestServer(t)

	_, n := s.dispatch(client, wire.Header{Command: wire.CmdQuery}, queryBody(t, "pci0"))
	header, err := wire.DecodeHeader(s.tx[:n], len(s.tx))
	require.NoError(t, err)
	require.Equal(t, wire.CmdQueryReply, header.Command)
	handles := wire.DecodeQueryReply(s.tx[wire.HeaderSize : wire.HeaderSize+int(header.BodyLen)])
	require.Len(t, handles, 1)
	handle := handles[0]

	writeBody := wire.EncodeWriteRequest(wire.WriteRequest{Offset: 0, Size: 5, Data: []byte("hello")})
	_, n = s.dispatch(client, wire.Header{Command: wire.CmdWrite, DevID: handle, BodyLen: uint16(len(writeBody))}, writeBody)
	header, err = wire.DecodeHeader(s.tx[:n], len(s.tx))
	require.NoError(t, err)
	require.Equal(t, wire.CmdWriteReply, header.Command)

	readBody := wire.EncodeReadRequest(wire.ReadRequest{Offset: 0, Size: 5})
	_, n = s.dispatch(client, wire.Header{Command: wire.CmdRead, DevID: handle, BodyLen: uint16(len(readBody))}, readBody)
	header, err = wire.DecodeHeader(s.tx[:n], len(s.tx))
	require.NoError(t, err)
	require.Equal(t, wire.CmdReadReply, header.Command)
	require.Equal(t, "hello", string(s.tx[wire.HeaderSize:wire.HeaderSize+int(header.BodyLen)]))
}

func TestDispatchReadUnknownHandleIsUnknownDevice(t *testing.T) {
	t.Parallel()
	s, client := newTestServer(t)

	readBody := wire.EncodeReadRequest(wire.ReadRequest{Offset: 0, Size: 4})
	_, n := s.dispatch(client, wire.Header{Command: wire.CmdRead, DevID: 999, BodyLen: uint16(len(readBody))}, readBody)
	header, err := wire.DecodeHeader(s.tx[:n], len(s.tx))
	require.NoError(t, err)
	require.Equal(t, wire.CmdErrorMsg, header.Command)

	m, err := wire.DecodeErrMsg(s.tx[wire.HeaderSize : wire.HeaderSize+int(header.BodyLen)])
	require.NoError(t, err)
	require.Equal(t, wire.ErrUnknownDevice, m.Code)
}

func TestDispatchReadAccessDeniedWhenOwnedByAnotherClient(t *testing.T) {
	t.Parallel()
	s, owner := newTestServer(t)
	other := s.registry.add(newTestConn(t), nil)

	_, n := s.dispatch(owner, wire.Header{Command: wire.CmdQuery}, queryBody(t, "pci0"))
	header, _ := wire.DecodeHeader(s.tx[:n], len(s.tx))
	handles := wire.DecodeQueryReply(s.tx[wire.HeaderSize : wire.HeaderSize+int(header.BodyLen)])
	handle := handles[0]

	// other never queried this device itself, but the handle owner received
	// names it server-wide; other submitting it directly is exactly the
	// cross-session access attempt the registry must reject.
	readBody := wire.EncodeReadRequest(wire.ReadRequest{Offset: 0, Size: 4})
	_, n = s.dispatch(other, wire.Header{Command: wire.CmdRead, DevID: handle, BodyLen: uint16(len(readBody))}, readBody)
	header, err := wire.DecodeHeader(s.tx[:n], len(s.tx))
	require.NoError(t, err)
	require.Equal(t, wire.CmdErrorMsg, header.Command)
	m, err := wire.DecodeErrMsg(s.tx[wire.HeaderSize : wire.HeaderSize+int(header.BodyLen)])
	require.NoError(t, err)
	require.Equal(t, wire.ErrAccessDenied, m.Code)
}

func TestDispatchMalformedQueryReportsError(t *testing.T) {
	t.Parallel()
	s, client := newTestServer(t)

	_, n := s.dispatch(client, wire.Header{Command: wire.CmdQuery}, []byte{1, 2, 3})
	header, err := wire.DecodeHeader(s.tx[:n], len(s.tx))
	require.NoError(t, err)
	require.Equal(t, wire.CmdErrorMsg, header.Command)
	m, err := wire.DecodeErrMsg(s.tx[wire.HeaderSize : wire.HeaderSize+int(header.BodyLen)])
	require.NoError(t, err)
	require.Equal(t, wire.ErrMalformedPacket, m.Code)
}

func TestDispatchByeDisconnectsWithNoReply(t *testing.T) {
	t.Parallel()
	s, client := newTestServer(t)

	disconnect, n := s.dispatch(client, wire.Header{Command: wire.CmdBye}, nil)
	require.True(t, disconnect)
	require.Zero(t, n)
}

func TestDispatchUnknownCommandIsReported(t *testing.T) {
	t.Parallel()
	s, client := newTestServer(t)

	_, n := s.dispatch(client, wire.Header{Command: wire.Command(9999)}, nil)
	header, err := wire.DecodeHeader(s.tx[:n], len(s.tx))
	require.NoError(t, err)
	require.Equal(t, wire.CmdErrorMsg, header.Command)
	m, err := wire.DecodeErrMsg(s.tx[wire.HeaderSize : wire.HeaderSize+int(header.BodyLen)])
	require.NoError(t, err)
	require.Equal(t, wire.ErrUnknownCommand, m.Code)
}
