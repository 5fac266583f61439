// Package memory provides an in-memory bus.Bus/bus.Device pair. It exists
// so the server and its tests have something concrete to dispatch against
// when no real hardware bus is wired in; the actual bus/device stack is an
// external collaborator the wire protocol only ever addresses indirectly.
package memory

import (
	"fmt"
	"strings"
	"sync"

	"github.com/VlastikK/libhwio/bus"
	"github.com/VlastikK/libhwio/wire"
)

// Device is a fixed-size byte-addressable register block.
type Device struct {
	id   bus.DeviceID
	name string

	mu   sync.Mutex
	regs []byte
}

// NewDevice creates a named device backed by size bytes of zeroed storage.
func NewDevice(id bus.DeviceID, name string, size int) *Device {
	return &Device{id: id, name: name, regs: make([]byte, size)}
}

func (d *Device) ID() bus.DeviceID { return d.id }
func (d *Device) Name() string     { return d.name }

func (d *Device) Read(offset, size uint32) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if uint64(offset)+uint64(size) > uint64(len(d.regs)) {
		return nil, fmt.Errorf("memory: read [%d,%d) out of range (len=%d)", offset, offset+size, len(d.regs))
	}
	out := make([]byte, size)
	copy(out, d.regs[offset:offset+size])
	return out, nil
}

func (d *Device) Write(offset uint32, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if uint64(offset)+uint64(len(data)) > uint64(len(d.regs)) {
		return fmt.Errorf("memory: write [%d,%d) out of range (len=%d)", offset, int(offset)+len(data), len(d.regs))
	}
	copy(d.regs[offset:], data)
	return nil
}

// RemoteCall echoes its request back, upper-cased, as a placeholder for a
// device-defined remote procedure: REMOTE_CALL bodies are opaque to the
// protocol and interpreted only by the device they address.
func (d *Device) RemoteCall(req []byte) ([]byte, error) {
	return []byte(strings.ToUpper(string(req))), nil
}

// Bus is a fixed registry of in-memory devices, matched by substring
// against the query's name pattern. A nonzero Class must equal the device's
// ID exactly; Index is not examined.
type Bus struct {
	devices []*Device
}

// New creates a Bus seeded with devices.
func New(devices ...*Device) *Bus {
	return &Bus{devices: devices}
}

func (b *Bus) Query(items []wire.DevQueryItem) ([]bus.Device, error) {
	var matched []bus.Device
	for _, item := range items {
		pattern := item.NameString()
		for _, d := range b.devices {
			if pattern != "" && !strings.Contains(d.name, pattern) {
				continue
			}
			if item.Class != 0 && item.Class != uint32(d.id) {
				continue
			}
			matched = append(matched, d)
		}
	}
	return matched, nil
}
