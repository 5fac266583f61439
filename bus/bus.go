// Package bus declares the contracts the server dispatches against.
// Concrete bus/device drivers live elsewhere; this package only gives them a
// shape the server can compile and test against.
package bus

import "github.com/VlastikK/libhwio/wire"

// DeviceID is a bus-stable device identity, distinct from the
// wire.DeviceHandle the protocol hands to clients. Exclusive ownership is
// tracked by DeviceID; a wire.DeviceHandle is a server-wide name for a
// device, and whether a session may use it is decided by who owns that
// DeviceID.
type DeviceID uint64

// Device is one addressable register device on a Bus.
type Device interface {
	ID() DeviceID
	Name() string
	Read(offset, size uint32) ([]byte, error)
	Write(offset uint32, data []byte) error
	RemoteCall(req []byte) ([]byte, error)
}

// Bus resolves a query specification into the set of matching devices.
// Query must be safe to call from the server's single event-loop goroutine
// only; it is never called concurrently.
type Bus interface {
	Query(items []wire.DevQueryItem) ([]Device, error)
}
