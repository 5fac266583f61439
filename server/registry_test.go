//go:build linux

package server

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/VlastikK/libhwio/bus/memory"
	"github.com/VlastikK/libhwio/internal/rawsock"
)

// newTestConn returns a Conn wrapping one end of a pipe: a real, distinct,
// closeable fd without a listening socket in the loop.
func newTestConn(t *testing.T) *rawsock.Conn {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return rawsock.WrapFD(int(r.Fd()))
}

func TestRegistryAddRemoveReusesSmallestFreeID(t *testing.T) {
	t.Parallel()
	r := newRegistry(rawsock.NewPollSet(0))

	c0 := r.add(newTestConn(t), nil)
	c1 := r.add(newTestConn(t), nil)
	require.Equal(t, ClientID(0), c0.ID)
	require.Equal(t, ClientID(1), c1.ID)
	require.Equal(t, 2, r.clientCount())

	r.remove(c0)
	require.Equal(t, 1, r.clientCount())

	c2 := r.add(newTestConn(t), nil)
	require.Equal(t, ClientID(0), c2.ID, "the smallest free slot is reused")
}

// TestRegistryPollSetInvariants checks P1 and P2 directly: the live-client
// count, the fd index, and the non-null slot count always agree, and the
// poll set holds the listening fd plus exactly one entry per live client,
// each fd appearing exactly once.
func TestRegistryPollSetInvariants(t *testing.T) {
	t.Parallel()
	const listenFd = 7
	poll := rawsock.NewPollSet(listenFd)
	r := newRegistry(poll)

	checkInvariants := func(wantLiveClients int) {
		t.Helper()

		nonNilSlots := 0
		for _, s := range r.slots {
			if s != nil {
				nonNilSlots++
			}
		}
		require.Equal(t, wantLiveClients, r.clientCount(), "P1: clientCount")
		require.Equal(t, wantLiveClients, len(r.fdIndex), "P1: fdIndex size")
		require.Equal(t, wantLiveClients, nonNilSlots, "P1: non-null slot count")

		require.Equal(t, wantLiveClients+1, poll.Len(), "P2: poll set holds the listener plus one entry per live client")
		seen := make(map[int32]int)
		for _, e := range poll.Entries() {
			seen[e.Fd]++
		}
		require.Equal(t, 1, seen[int32(listenFd)], "P2: listening socket appears exactly once")
		for fd := range r.fdIndex {
			require.Equal(t, 1, seen[int32(fd)], "P2: each live client's fd appears exactly once")
		}
	}

	checkInvariants(0)

	c0 := r.add(newTestConn(t), nil)
	checkInvariants(1)

	c1 := r.add(newTestConn(t), nil)
	checkInvariants(2)

	r.remove(c0)
	checkInvariants(1)

	r.add(newTestConn(t), nil)
	checkInvariants(2)

	r.remove(c1)
	checkInvariants(1)
}

func TestRegistryRemoveReleasesOwnedDevices(t *testing.T) {
	t.Parallel()
	r := newRegistry(rawsock.NewPollSet(0))
	dev := memory.NewDevice(1, "pci0/bar0", 16)

	client := r.add(newTestConn(t), nil)
	require.True(t, r.tryOwn(client.ID, dev))

	owner, ok := r.ownerOf(dev.ID())
	require.True(t, ok)
	require.Equal(t, client.ID, owner)

	r.remove(client)
	_, ok = r.ownerOf(dev.ID())
	require.False(t, ok, "ownership is released on disconnect")
}

func TestTryOwnRejectsCrossClientReacquisition(t *testing.T) {
	t.Parallel()
	r := newRegistry(rawsock.NewPollSet(0))
	dev := memory.NewDevice(1, "pci0/bar0", 16)

	a := r.add(newTestConn(t), nil)
	b := r.add(newTestConn(t), nil)

	require.True(t, r.tryOwn(a.ID, dev))
	require.False(t, r.tryOwn(b.ID, dev), "a device already owned by another client cannot be claimed")
	require.True(t, r.tryOwn(a.ID, dev), "the owning client may re-claim its own device")
}

func TestHandlesResolveAcrossSessionsButOwnershipDoesNot(t *testing.T) {
	t.Parallel()
	r := newRegistry(rawsock.NewPollSet(0))
	dev := memory.NewDevice(1, "pci0/bar0", 16)

	a := r.add(newTestConn(t), nil)
	b := r.add(newTestConn(t), nil)

	require.True(t, r.tryOwn(a.ID, dev))
	h := r.allocateHandle(dev)

	// The handle names the device server-wide, regardless of who asks: the
	// real ownership check happens separately, in resolveOwnedDevice.
	got, ok := r.deviceForHandle(h)
	require.True(t, ok)
	require.Equal(t, dev.ID(), got.ID())

	owner, ok := r.ownerOf(got.ID())
	require.True(t, ok)
	require.Equal(t, a.ID, owner)
	require.NotEqual(t, b.ID, owner, "b can resolve the handle but does not own the device it names")
}
