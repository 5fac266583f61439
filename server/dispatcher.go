package server

import (
	"log/slog"

	"github.com/VlastikK/libhwio/bus"
	"github.com/VlastikK/libhwio/internal/metrics"
	"github.com/VlastikK/libhwio/wire"
)

// dispatch maps one decoded request to its handler, mutating client/registry
// state and calling out to s.bus as needed. It returns whether the session
// should be torn down and how many bytes of s.tx hold the reply (0 when
// there is none, e.g. BYE or MSG).
func (s *Server) dispatch(client *ClientInfo, header wire.Header, body []byte) (disconnect bool, txSize int) {
	metrics.ObserveCommand(header.Command)

	switch header.Command {
	case wire.CmdRead:
		return false, s.handleRead(client, header, body)
	case wire.CmdWrite:
		return false, s.handleWrite(client, header, body)
	case wire.CmdRemoteCall:
		return false, s.handleRemoteCall(client, header, body)
	case wire.CmdPingRequest:
		return false, s.handlePing(body)
	case wire.CmdQuery:
		return false, s.handleQuery(client, body)
	case wire.CmdBye:
		return true, 0
	case wire.CmdMsg:
		s.handleMsg(client, body)
		return false, 0
	default:
		return false, s.writeErr(wire.ErrUnknownCommand, "unknown command")
	}
}

// writeErr builds an ERROR_MSG reply into the shared tx buffer: every
// request-level protocol error is itself a frame, and the session
// continues.
func (s *Server) writeErr(code wire.ErrCode, msg string) int {
	metrics.ObserveError(code)
	body := wire.EncodeErrMsg(code, msg)
	wire.PutHeader(s.tx, wire.CmdErrorMsg, uint16(len(body)), 0)
	copy(s.tx[wire.HeaderSize:], body)
	return wire.HeaderSize + len(body)
}

func (s *Server) handlePing(body []byte) int {
	if len(body) != 0 {
		return s.writeErr(wire.ErrMalformedPacket, "PING_REQUEST: body must be empty")
	}
	wire.PutHeader(s.tx, wire.CmdPingReply, 0, 0)
	return wire.HeaderSize
}

func (s *Server) handleRead(client *ClientInfo, header wire.Header, body []byte) int {
	dev, owned, errCode, msg := s.resolveOwnedDevice(client, header.DevID)
	if errCode != wire.ErrNone {
		return s.writeErr(errCode, msg)
	}
	_ = owned
	if len(body) != wire.ReadWriteHeaderSize {
		return s.writeErr(wire.ErrMalformedPacket, "READ: wrong size body")
	}
	req := wire.DecodeReadRequest(body)
	if int(wire.HeaderSize)+int(req.Size) > len(s.tx) {
		return s.writeErr(wire.ErrMalformedPacket, "READ: requested size exceeds buffer")
	}
	data, err := dev.Read(req.Offset, req.Size)
	if err != nil {
		s.logger.Error("device read failed", "device", dev.Name(), "error", err)
		return s.writeErr(wire.ErrInternal, err.Error())
	}
	wire.PutHeader(s.tx, wire.CmdReadReply, uint16(len(data)), header.DevID)
	copy(s.tx[wire.HeaderSize:], data)
	return wire.HeaderSize + len(data)
}

func (s *Server) handleWrite(client *ClientInfo, header wire.Header, body []byte) int {
	dev, _, errCode, msg := s.resolveOwnedDevice(client, header.DevID)
	if errCode != wire.ErrNone {
		return s.writeErr(errCode, msg)
	}
	req, err := wire.DecodeWriteRequest(body)
	if err != nil {
		return s.writeErr(wire.ErrMalformedPacket, "WRITE: wrong size body")
	}
	if err := dev.Write(req.Offset, req.Data); err != nil {
		s.logger.Error("device write failed", "device", dev.Name(), "error", err)
		return s.writeErr(wire.ErrInternal, err.Error())
	}
	wire.PutHeader(s.tx, wire.CmdWriteReply, 0, header.DevID)
	return wire.HeaderSize
}

func (s *Server) handleRemoteCall(client *ClientInfo, header wire.Header, body []byte) int {
	dev, _, errCode, msg := s.resolveOwnedDevice(client, header.DevID)
	if errCode != wire.ErrNone {
		return s.writeErr(errCode, msg)
	}
	reply, err := dev.RemoteCall(body)
	if err != nil {
		s.logger.Error("device remote call failed", "device", dev.Name(), "error", err)
		return s.writeErr(wire.ErrInternal, err.Error())
	}
	if wire.HeaderSize+len(reply) > len(s.tx) {
		return s.writeErr(wire.ErrInternal, "REMOTE_CALL: reply exceeds buffer")
	}
	wire.PutHeader(s.tx, wire.CmdRemoteCallReply, uint16(len(reply)), header.DevID)
	copy(s.tx[wire.HeaderSize:], reply)
	return wire.HeaderSize + len(reply)
}

// resolveOwnedDevice resolves handle against the server-wide handle table
// and confirms the registry records client as the device's current owner.
// UNKNOWN_DEVICE covers a handle no QUERY ever issued; ACCESS_DENIED covers
// a handle that names a real, issued device owned by a different client (or
// released and not yet reclaimed by anyone) — resolving the handle
// server-wide rather than per-session is what lets one client's READ on a
// handle issued to another client's session be rejected as ACCESS_DENIED
// instead of silently missing as UNKNOWN_DEVICE.
func (s *Server) resolveOwnedDevice(client *ClientInfo, handle wire.DeviceHandle) (dev bus.Device, owned bool, code wire.ErrCode, msg string) {
	dev, ok := s.registry.deviceForHandle(handle)
	if !ok {
		return nil, false, wire.ErrUnknownDevice, "unknown device handle"
	}
	owner, ok := s.registry.ownerOf(dev.ID())
	if !ok || owner != client.ID {
		return nil, false, wire.ErrAccessDenied, "device not owned by this client"
	}
	return dev, true, wire.ErrNone, ""
}

func (s *Server) handleQuery(client *ClientInfo, body []byte) int {
	if len(body)%wire.DevQueryItemSize != 0 {
		return s.writeErr(wire.ErrMalformedPacket, "QUERY: wrong size of packet")
	}
	cnt := len(body) / wire.DevQueryItemSize
	if cnt == 0 || cnt > s.cfg.MaxItemsPerQuery {
		return s.writeErr(wire.ErrUnknownCommand, "unsupported number of queries")
	}

	items := wire.DecodeDevQueryItems(body, cnt)
	matched, err := s.bus.Query(items)
	if err != nil {
		s.logger.Error("bus query failed", "error", err)
		return s.writeErr(wire.ErrInternal, err.Error())
	}

	// Only devices nobody else currently owns are reservable. There is no
	// separate reserve command in the protocol, so a successful QUERY is
	// the reservation event: ownership is claimed here, at query time.
	var owned []bus.Device
	handles := make([]wire.DeviceHandle, 0, len(matched))
	for _, d := range matched {
		if !s.registry.tryOwn(client.ID, d) {
			continue
		}
		h := s.registry.allocateHandle(d)
		handles = append(handles, h)
		owned = append(owned, d)
	}
	client.lastQuery = owned
	metrics.DevicesOwned.Set(float64(s.registry.deviceCount()))

	replyBody := wire.EncodeQueryReply(handles)
	if wire.HeaderSize+len(replyBody) > len(s.tx) {
		return s.writeErr(wire.ErrInternal, "QUERY_REPLY: too many matches for buffer")
	}
	wire.PutHeader(s.tx, wire.CmdQueryReply, uint16(len(replyBody)), 0)
	copy(s.tx[wire.HeaderSize:], replyBody)
	return wire.HeaderSize + len(replyBody)
}

func (s *Server) handleMsg(client *ClientInfo, body []byte) {
	if len(body) != wire.ErrMsgHeaderSize+wire.MaxNameLen {
		s.logger.Warn("MSG: malformed body, ignoring", "client", client.ID)
		return
	}
	m, err := wire.DecodeErrMsg(body)
	if err != nil {
		s.logger.Warn("MSG: could not decode body, ignoring", "client", client.ID, "error", err)
		return
	}
	s.logger.Error("client message", "client", client.ID, "code", m.Code, "message", m.MsgString())
}
