package server

import (
	"container/heap"
	"net"

	"github.com/VlastikK/libhwio/bus"
	"github.com/VlastikK/libhwio/internal/rawsock"
	"github.com/VlastikK/libhwio/wire"
)

// ClientID is a dense, slot-reused per-connection identifier.
type ClientID uint32

// ClientInfo is the per-accepted-connection state.
type ClientInfo struct {
	ID   ClientID
	Conn *rawsock.Conn
	Addr net.Addr

	lastQuery []bus.Device // cached result of this client's last QUERY
}

func newClientInfo(id ClientID, conn *rawsock.Conn, addr net.Addr) *ClientInfo {
	return &ClientInfo{
		ID:   id,
		Conn: conn,
		Addr: addr,
	}
}

// clientIDHeap is a min-heap of free ClientIDs, used to hand out the
// smallest available client id so a long-running server's id space stays
// dense. Modeled on smux's shaperHeap: a container/heap.Interface over a
// plain slice.
type clientIDHeap []ClientID

func (h clientIDHeap) Len() int            { return len(h) }
func (h clientIDHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h clientIDHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *clientIDHeap) Push(x interface{}) { *h = append(*h, x.(ClientID)) }
func (h *clientIDHeap) Pop() interface{} {
	old := *h
	n := len(old)
	id := old[n-1]
	*h = old[:n-1]
	return id
}

// registry is the client slot array plus the fd->client map, the global
// device-ownership map that enforces exclusive access across sessions, and
// the global handle table. Handles are issued by QUERY and resolved by
// READ/WRITE/REMOTE_CALL from this single table, never from per-client
// state: a handle is a server-wide name for a claimed device, so that a
// client submitting a handle no QUERY ever issued gets UNKNOWN_DEVICE, while
// a client submitting a handle issued to someone else's session gets
// ACCESS_DENIED from the ownership check below, not UNKNOWN_DEVICE from a
// session-local miss.
type registry struct {
	slots   []*ClientInfo
	free    clientIDHeap
	fdIndex map[int]*ClientInfo
	owners  map[bus.DeviceID]ClientID
	poll    *rawsock.PollSet

	handles    map[wire.DeviceHandle]bus.Device
	nextHandle wire.DeviceHandle
}

func newRegistry(poll *rawsock.PollSet) *registry {
	return &registry{
		fdIndex: make(map[int]*ClientInfo),
		owners:  make(map[bus.DeviceID]ClientID),
		handles: make(map[wire.DeviceHandle]bus.Device),
		poll:    poll,
	}
}

// allocateHandle issues the next server-wide handle for d.
func (r *registry) allocateHandle(d bus.Device) wire.DeviceHandle {
	r.nextHandle++
	r.handles[r.nextHandle] = d
	return r.nextHandle
}

// deviceForHandle resolves a wire handle against the server-wide table.
// Ownership is checked separately by the caller; this only answers whether
// the handle names a device at all.
func (r *registry) deviceForHandle(h wire.DeviceHandle) (bus.Device, bool) {
	d, ok := r.handles[h]
	return d, ok
}

// add allocates a ClientInfo in the smallest empty slot, registers its fd in
// the fd map and poll set.
func (r *registry) add(conn *rawsock.Conn, addr net.Addr) *ClientInfo {
	var id ClientID
	if len(r.free) > 0 {
		id = heap.Pop(&r.free).(ClientID)
	} else {
		id = ClientID(len(r.slots))
		r.slots = append(r.slots, nil)
	}

	client := newClientInfo(id, conn, addr)
	r.slots[id] = client
	r.fdIndex[conn.Fd()] = client
	r.poll.Add(conn.Fd())
	return client
}

// byFd looks up the client owning fd.
func (r *registry) byFd(fd int) (*ClientInfo, bool) {
	c, ok := r.fdIndex[fd]
	return c, ok
}

// remove performs every step of disconnect teardown together: drop from the
// poll set, erase the fd mapping, release owned devices back to the bus,
// null the slot (returning its id to the free-list), and close the socket.
// Partial teardown leaves the registry inconsistent, so this is the only
// path that retires a ClientInfo.
func (r *registry) remove(c *ClientInfo) {
	r.poll.Remove(c.Conn.Fd())
	delete(r.fdIndex, c.Conn.Fd())
	for devID, owner := range r.owners {
		if owner == c.ID {
			delete(r.owners, devID)
		}
	}
	r.slots[c.ID] = nil
	heap.Push(&r.free, c.ID)
	c.Conn.Close()
}

// clientCount returns the number of live (non-nil) slots. It must always
// equal len(fdIndex); callers that care about both verify them together.
func (r *registry) clientCount() int {
	n := 0
	for _, s := range r.slots {
		if s != nil {
			n++
		}
	}
	return n
}

// tryOwn records client as the exclusive owner of dev, unless it is already
// owned by a different client.
func (r *registry) tryOwn(client ClientID, dev bus.Device) bool {
	if owner, ok := r.owners[dev.ID()]; ok && owner != client {
		return false
	}
	r.owners[dev.ID()] = client
	return true
}

// ownerOf reports which client currently owns dev, if any.
func (r *registry) ownerOf(id bus.DeviceID) (ClientID, bool) {
	owner, ok := r.owners[id]
	return owner, ok
}

// deviceCount returns the number of devices currently owned by some client,
// for metrics and property tests.
func (r *registry) deviceCount() int { return len(r.owners) }

// ownedCount returns how many devices client currently owns.
func (r *registry) ownedCount(client ClientID) int {
	n := 0
	for _, owner := range r.owners {
		if owner == client {
			n++
		}
	}
	return n
}
