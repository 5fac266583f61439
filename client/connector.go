//go:build linux

// Package client implements a synchronous, single-socket RPC client. A
// Connector is not safe for concurrent use by multiple goroutines — callers
// serialize their own access.
package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/VlastikK/libhwio/internal/rawsock"
	"github.com/VlastikK/libhwio/wire"
)

// Config holds the client's tunables.
type Config struct {
	Address    string
	DevTimeout time.Duration
	BufferSize int
	BusyWait   bool
}

// DefaultConfig returns the documented default tunables.
func DefaultConfig() Config {
	return Config{
		Address:    wire.DefaultServerAddress,
		DevTimeout: wire.DevTimeoutDefault * time.Millisecond,
		BufferSize: wire.BufferSize,
		BusyWait:   false,
	}
}

// ErrInitialPingFailed is returned by Connect for every handshake failure
// mode — connection refused, wrong reply command, nonzero reply body, or
// I/O error — folded into one sentinel deliberately; callers that need the
// cause use errors.Unwrap/errors.Is.
var ErrInitialPingFailed = errors.New("hwio: initial ping to server failed")

// ErrProtocol is a session-established protocol-level error: the session
// stays open, but this particular call did not complete as expected (e.g.
// the server replied ERROR_MSG).
type ErrProtocol struct {
	Code wire.ErrCode
	Msg  string
}

func (e *ErrProtocol) Error() string {
	return fmt.Sprintf("hwio: server error %s: %s", e.Code, e.Msg)
}

// Connector is a single synchronous connection to an hwio server.
type Connector struct {
	cfg  Config
	conn *rawsock.Conn

	rx []byte
	tx []byte
}

// New creates an unconnected Connector.
func New(cfg Config) *Connector {
	return &Connector{
		cfg: cfg,
		rx:  make([]byte, cfg.BufferSize),
		tx:  make([]byte, cfg.BufferSize),
	}
}

// Connect establishes the TCP session, applies DevTimeout as the socket
// receive timeout, and performs the ping handshake.
func (c *Connector) Connect() error {
	conn, err := rawsock.Dial(c.cfg.Address, c.cfg.BusyWait)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInitialPingFailed, err)
	}
	if err := conn.SetRecvTimeout(c.cfg.DevTimeout); err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", ErrInitialPingFailed, err)
	}
	c.conn = conn

	if err := c.Ping(); err != nil {
		c.conn.Close()
		c.conn = nil
		return fmt.Errorf("%w: %v", ErrInitialPingFailed, err)
	}
	return nil
}

// Close sends a best-effort BYE (errors ignored) and closes the socket.
func (c *Connector) Close() error {
	if c.conn == nil {
		return nil
	}
	_ = c.sendFrame(wire.CmdBye, 0, nil)
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Ping sends PING_REQUEST and expects PING_REPLY with an empty body. This
// is both the connect-time handshake and a general-purpose keepalive RPC.
func (c *Connector) Ping() error {
	header, _, err := c.roundTrip(wire.CmdPingRequest, 0, nil)
	if err != nil {
		return err
	}
	if header.Command != wire.CmdPingReply || header.BodyLen != 0 {
		return fmt.Errorf("hwio: unexpected ping reply: cmd=%s body_len=%d", header.Command, header.BodyLen)
	}
	return nil
}

// Query sends a QUERY for the given items and returns the device handles
// the server assigned.
func (c *Connector) Query(items []wire.DevQueryItem) ([]wire.DeviceHandle, error) {
	body := make([]byte, 0, len(items)*wire.DevQueryItemSize)
	for _, item := range items {
		body = append(body, wire.EncodeDevQueryItem(item)...)
	}
	header, respBody, err := c.roundTrip(wire.CmdQuery, 0, body)
	if err != nil {
		return nil, err
	}
	if err := c.asProtocolError(header, respBody); err != nil {
		return nil, err
	}
	return wire.DecodeQueryReply(respBody), nil
}

// Read issues a READ against handle and returns the bytes the server sent
// back.
func (c *Connector) Read(handle wire.DeviceHandle, offset, size uint32) ([]byte, error) {
	body := wire.EncodeReadRequest(wire.ReadRequest{Offset: offset, Size: size})
	header, respBody, err := c.roundTrip(wire.CmdRead, handle, body)
	if err != nil {
		return nil, err
	}
	if err := c.asProtocolError(header, respBody); err != nil {
		return nil, err
	}
	out := make([]byte, len(respBody))
	copy(out, respBody)
	return out, nil
}

// Write issues a WRITE against handle.
func (c *Connector) Write(handle wire.DeviceHandle, offset uint32, data []byte) error {
	body := wire.EncodeWriteRequest(wire.WriteRequest{Offset: offset, Size: uint32(len(data)), Data: data})
	header, respBody, err := c.roundTrip(wire.CmdWrite, handle, body)
	if err != nil {
		return err
	}
	return c.asProtocolError(header, respBody)
}

// RemoteCall issues a device-defined REMOTE_CALL against handle.
func (c *Connector) RemoteCall(handle wire.DeviceHandle, req []byte) ([]byte, error) {
	header, respBody, err := c.roundTrip(wire.CmdRemoteCall, handle, req)
	if err != nil {
		return nil, err
	}
	if err := c.asProtocolError(header, respBody); err != nil {
		return nil, err
	}
	out := make([]byte, len(respBody))
	copy(out, respBody)
	return out, nil
}

// asProtocolError converts an ERROR_MSG reply into an *ErrProtocol.
func (c *Connector) asProtocolError(header wire.Header, body []byte) error {
	if header.Command != wire.CmdErrorMsg {
		return nil
	}
	m, err := wire.DecodeErrMsg(body)
	if err != nil {
		return fmt.Errorf("hwio: malformed ERROR_MSG: %w", err)
	}
	return &ErrProtocol{Code: m.Code, Msg: m.MsgString()}
}

// roundTrip sends exactly one request frame and reads exactly one response
// frame, synchronously, on the calling goroutine.
func (c *Connector) roundTrip(cmd wire.Command, devID wire.DeviceHandle, body []byte) (wire.Header, []byte, error) {
	if err := c.sendFrame(cmd, devID, body); err != nil {
		return wire.Header{}, nil, err
	}
	return c.recvFrame()
}

func (c *Connector) sendFrame(cmd wire.Command, devID wire.DeviceHandle, body []byte) error {
	wire.PutHeader(c.tx, cmd, uint16(len(body)), devID)
	return rawsock.SendAllVectorised(c.conn, c.tx[:wire.HeaderSize], body)
}

func (c *Connector) recvFrame() (wire.Header, []byte, error) {
	headerBuf := c.rx[:wire.HeaderSize]
	if err := rawsock.RecvExact(c.conn, headerBuf); err != nil {
		return wire.Header{}, nil, err
	}
	header, err := wire.DecodeHeader(headerBuf, len(c.rx)-wire.HeaderSize)
	if err != nil {
		return wire.Header{}, nil, err
	}
	if header.BodyLen == 0 {
		return header, nil, nil
	}
	body := c.rx[wire.HeaderSize : wire.HeaderSize+int(header.BodyLen)]
	if err := rawsock.RecvExact(c.conn, body); err != nil {
		return wire.Header{}, nil, err
	}
	return header, body, nil
}
