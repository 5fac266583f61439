// MIT License
//
// Copyright (c) 2016-2017 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package wire implements the hwio framing: a fixed 8-byte header plus an
// optional command-specific body, encoded in host byte order. The codec
// performs no I/O; see internal/rawsock for send/receive.
package wire

import (
	"encoding/binary"
	"errors"
)

// Tunables. These are compile-time defaults; cmd/ binaries may override
// BufferSize-derived behavior via server.Config/client.Config, but the wire
// format itself is fixed.
const (
	DefaultServerAddress = "127.0.0.1:8896"

	// BufferSize bounds the largest frame (header+body) either side will
	// accept. A QUERY, WRITE or REMOTE_CALL body larger than
	// BufferSize-HeaderSize is malformed.
	BufferSize = 64 * 1024

	MaxPendingConnections = 16
	MaxItemsPerQuery       = 32
	PollTimeoutMS          = 500
	MaxNameLen             = 64

	// DevTimeoutDefault is the client's receive timeout, in milliseconds.
	DevTimeoutDefault = 500 // milliseconds
)

// Command identifies the kind of frame on the wire.
type Command uint16

const (
	CmdPingRequest Command = iota + 1
	CmdPingReply
	CmdQuery
	CmdQueryReply
	CmdRead
	CmdReadReply
	CmdWrite
	CmdWriteReply
	CmdRemoteCall
	CmdRemoteCallReply
	CmdBye
	CmdMsg
	CmdErrorMsg
)

func (c Command) String() string {
	switch c {
	case CmdPingRequest:
		return "PING_REQUEST"
	case CmdPingReply:
		return "PING_REPLY"
	case CmdQuery:
		return "QUERY"
	case CmdQueryReply:
		return "QUERY_REPLY"
	case CmdRead:
		return "READ"
	case CmdReadReply:
		return "READ_REPLY"
	case CmdWrite:
		return "WRITE"
	case CmdWriteReply:
		return "WRITE_REPLY"
	case CmdRemoteCall:
		return "REMOTE_CALL"
	case CmdRemoteCallReply:
		return "REMOTE_CALL_REPLY"
	case CmdBye:
		return "BYE"
	case CmdMsg:
		return "MSG"
	case CmdErrorMsg:
		return "ERROR_MSG"
	default:
		return "UNKNOWN_COMMAND"
	}
}

// Known reports whether c is a member of the closed command set. The codec
// itself does not reject unknown commands on decode; only the dispatcher
// does, by replying UNKNOWN_COMMAND.
func (c Command) Known() bool {
	return c >= CmdPingRequest && c <= CmdErrorMsg
}

// ErrCode values carried in an ErrMsg body.
type ErrCode uint32

const (
	ErrNone ErrCode = iota
	ErrMalformedPacket
	ErrUnknownCommand
	ErrAccessDenied
	ErrUnknownDevice
	ErrInternal
)

func (e ErrCode) String() string {
	switch e {
	case ErrMalformedPacket:
		return "MALFORMED_PACKET"
	case ErrUnknownCommand:
		return "UNKNOWN_COMMAND"
	case ErrAccessDenied:
		return "ACCESS_DENIED"
	case ErrUnknownDevice:
		return "UNKNOWN_DEVICE"
	case ErrInternal:
		return "INTERNAL"
	default:
		return "NONE"
	}
}

// DeviceHandle is an opaque id issued by the server after a successful
// query. The server resolves handles from one server-wide table; a request
// using a handle is served only for the client that currently owns the
// device it names.
type DeviceHandle uint32

// HeaderSize is the fixed wire size of Header, in bytes.
const HeaderSize = 8

// Header is the fixed frame header. Field order and size are frozen across
// client and server.
type Header struct {
	Command Command
	BodyLen uint16
	DevID   DeviceHandle
}

// ErrBodyTooLarge is returned by DecodeHeader when BodyLen exceeds what the
// receiver is willing to buffer.
var ErrBodyTooLarge = errors.New("wire: body_len exceeds buffer size")

// ErrShortHeader is returned by DecodeHeader when fewer than HeaderSize
// bytes are supplied.
var ErrShortHeader = errors.New("wire: short header")

// EncodeHeader lays out cmd/bodyLen/devID as a packed, host-endian
// HeaderSize-byte record.
func EncodeHeader(cmd Command, bodyLen uint16, devID DeviceHandle) []byte {
	b := make([]byte, HeaderSize)
	PutHeader(b, cmd, bodyLen, devID)
	return b
}

// PutHeader writes a header into a caller-supplied buffer, which must be at
// least HeaderSize bytes. Used by the server to avoid an allocation per
// reply on the hot path.
func PutHeader(b []byte, cmd Command, bodyLen uint16, devID DeviceHandle) {
	binary.NativeEndian.PutUint16(b[0:2], uint16(cmd))
	binary.NativeEndian.PutUint16(b[2:4], bodyLen)
	binary.NativeEndian.PutUint32(b[4:8], uint32(devID))
}

// DecodeHeader parses a HeaderSize-byte record. maxBody is the receiver's
// buffer capacity for the body that follows (typically BufferSize-HeaderSize);
// a BodyLen exceeding it is rejected here rather than left to the caller.
func DecodeHeader(b []byte, maxBody int) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	h := Header{
		Command: Command(binary.NativeEndian.Uint16(b[0:2])),
		BodyLen: binary.NativeEndian.Uint16(b[2:4]),
		DevID:   DeviceHandle(binary.NativeEndian.Uint32(b[4:8])),
	}
	if int(h.BodyLen) > maxBody {
		return Header{}, ErrBodyTooLarge
	}
	return h, nil
}

// DevQueryItemSize is the wire size of DevQueryItem.
const DevQueryItemSize = MaxNameLen + 4 + 4

// DevQueryItem is one entry of a QUERY body: a device name pattern plus an
// optional class/index filter (see DESIGN.md for how the exact fields were
// chosen).
type DevQueryItem struct {
	Name  [MaxNameLen]byte
	Class uint32
	Index uint32
}

// NameString returns Name trimmed at the first NUL, or the full array if
// unterminated.
func (d DevQueryItem) NameString() string {
	n := 0
	for n < len(d.Name) && d.Name[n] != 0 {
		n++
	}
	return string(d.Name[:n])
}

// EncodeDevQueryItem packs q in host-endian form.
func EncodeDevQueryItem(q DevQueryItem) []byte {
	b := make([]byte, DevQueryItemSize)
	copy(b[:MaxNameLen], q.Name[:])
	binary.NativeEndian.PutUint32(b[MaxNameLen:MaxNameLen+4], q.Class)
	binary.NativeEndian.PutUint32(b[MaxNameLen+4:MaxNameLen+8], q.Index)
	return b
}

// DecodeDevQueryItems decodes n repetitions of DevQueryItem from body. The
// caller is responsible for having already validated
// len(body) == n*DevQueryItemSize.
func DecodeDevQueryItems(body []byte, n int) []DevQueryItem {
	items := make([]DevQueryItem, n)
	for i := 0; i < n; i++ {
		off := i * DevQueryItemSize
		copy(items[i].Name[:], body[off:off+MaxNameLen])
		items[i].Class = binary.NativeEndian.Uint32(body[off+MaxNameLen : off+MaxNameLen+4])
		items[i].Index = binary.NativeEndian.Uint32(body[off+MaxNameLen+4 : off+MaxNameLen+8])
	}
	return items
}

// EncodeQueryReply packs a QUERY_REPLY body: handles back to back, each a
// host-endian uint32.
func EncodeQueryReply(handles []DeviceHandle) []byte {
	b := make([]byte, len(handles)*4)
	for i, h := range handles {
		binary.NativeEndian.PutUint32(b[i*4:i*4+4], uint32(h))
	}
	return b
}

// DecodeQueryReply unpacks a QUERY_REPLY body into its handles. body must be
// a multiple of 4 bytes.
func DecodeQueryReply(body []byte) []DeviceHandle {
	n := len(body) / 4
	handles := make([]DeviceHandle, n)
	for i := 0; i < n; i++ {
		handles[i] = DeviceHandle(binary.NativeEndian.Uint32(body[i*4 : i*4+4]))
	}
	return handles
}

// ReadWriteHeaderSize is the wire size of the READ and WRITE request header
// (offset + size).
const ReadWriteHeaderSize = 8

// ReadRequest is the body of a READ frame.
type ReadRequest struct {
	Offset uint32
	Size   uint32
}

// EncodeReadRequest packs r in host-endian form.
func EncodeReadRequest(r ReadRequest) []byte {
	b := make([]byte, ReadWriteHeaderSize)
	binary.NativeEndian.PutUint32(b[0:4], r.Offset)
	binary.NativeEndian.PutUint32(b[4:8], r.Size)
	return b
}

// DecodeReadRequest unpacks a READ body. body must be exactly
// ReadWriteHeaderSize bytes; the caller enforces that, replying
// MALFORMED_PACKET on mismatch.
func DecodeReadRequest(body []byte) ReadRequest {
	return ReadRequest{
		Offset: binary.NativeEndian.Uint32(body[0:4]),
		Size:   binary.NativeEndian.Uint32(body[4:8]),
	}
}

// WriteRequest is the body of a WRITE frame: a fixed header followed by
// Size bytes of data.
type WriteRequest struct {
	Offset uint32
	Size   uint32
	Data   []byte
}

// EncodeWriteRequest packs w in host-endian form.
func EncodeWriteRequest(w WriteRequest) []byte {
	b := make([]byte, ReadWriteHeaderSize+len(w.Data))
	binary.NativeEndian.PutUint32(b[0:4], w.Offset)
	binary.NativeEndian.PutUint32(b[4:8], uint32(len(w.Data)))
	copy(b[ReadWriteHeaderSize:], w.Data)
	return b
}

// DecodeWriteRequest unpacks a WRITE body. It returns ErrShortHeader when
// body is shorter than ReadWriteHeaderSize, and ErrBodyTooLarge when the
// declared Size does not equal the number of data bytes that follow; the
// caller replies MALFORMED_PACKET on either error.
func DecodeWriteRequest(body []byte) (WriteRequest, error) {
	if len(body) < ReadWriteHeaderSize {
		return WriteRequest{}, ErrShortHeader
	}
	w := WriteRequest{
		Offset: binary.NativeEndian.Uint32(body[0:4]),
		Size:   binary.NativeEndian.Uint32(body[4:8]),
	}
	if int(w.Size) != len(body)-ReadWriteHeaderSize {
		return WriteRequest{}, ErrBodyTooLarge
	}
	w.Data = body[ReadWriteHeaderSize:]
	return w, nil
}

// ErrMsgHeaderSize is the wire size of ErrMsg excluding the message bytes.
const ErrMsgHeaderSize = 4

// ErrMsg is the body of an ERROR_MSG (server-sent) or MSG (client-sent)
// frame: an error code and a bounded, NUL-terminated message.
type ErrMsg struct {
	Code ErrCode
	Msg  [MaxNameLen]byte
}

// EncodeErrMsg packs m in host-endian form, truncating and NUL-terminating
// msg at MaxNameLen-1 bytes.
func EncodeErrMsg(code ErrCode, msg string) []byte {
	b := make([]byte, ErrMsgHeaderSize+MaxNameLen)
	binary.NativeEndian.PutUint32(b[0:4], uint32(code))
	n := len(msg)
	if n > MaxNameLen-1 {
		n = MaxNameLen - 1
	}
	copy(b[ErrMsgHeaderSize:ErrMsgHeaderSize+n], msg[:n])
	return b
}

// DecodeErrMsg unpacks an ErrMsg body. body must be at least
// ErrMsgHeaderSize+MaxNameLen bytes.
func DecodeErrMsg(body []byte) (ErrMsg, error) {
	if len(body) < ErrMsgHeaderSize+MaxNameLen {
		return ErrMsg{}, ErrShortHeader
	}
	var m ErrMsg
	m.Code = ErrCode(binary.NativeEndian.Uint32(body[0:4]))
	copy(m.Msg[:], body[ErrMsgHeaderSize:ErrMsgHeaderSize+MaxNameLen])
	m.Msg[MaxNameLen-1] = 0
	return m, nil
}

// MsgString returns Msg trimmed at the first NUL.
func (m ErrMsg) MsgString() string {
	n := 0
	for n < len(m.Msg) && m.Msg[n] != 0 {
		n++
	}
	return string(m.Msg[:n])
}
