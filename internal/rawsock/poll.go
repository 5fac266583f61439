//go:build linux

package rawsock

import (
	"time"

	"golang.org/x/sys/unix"
)

// PollSet is the list of descriptors watched for readability: always the
// listening socket plus exactly one entry per live client.
type PollSet struct {
	fds []unix.PollFd
}

// NewPollSet creates a PollSet seeded with the listening fd.
func NewPollSet(listenFd int) *PollSet {
	return &PollSet{fds: []unix.PollFd{{Fd: int32(listenFd), Events: unix.POLLIN}}}
}

// Add registers fd for read-readiness.
func (p *PollSet) Add(fd int) {
	p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
}

// Remove rebuilds the underlying slice without fd. Rebuilding rather than
// mutating in place keeps indices stable across the sweep that is removing
// them.
func (p *PollSet) Remove(fd int) {
	next := make([]unix.PollFd, 0, len(p.fds))
	for _, e := range p.fds {
		if int(e.Fd) == fd {
			continue
		}
		next = append(next, e)
	}
	p.fds = next
}

// Len reports the number of watched descriptors, including the listener.
func (p *PollSet) Len() int { return len(p.fds) }

// Entries returns the live poll-fd slice for inspection after Wait.
func (p *PollSet) Entries() []unix.PollFd { return p.fds }

// Wait blocks on the poll set for up to timeout, using ppoll so a caller
// can mask signal delivery for the duration of the wait without losing it.
// A nil mask behaves like an ordinary poll(2) wait.
func (p *PollSet) Wait(timeout time.Duration, mask *SignalMask) (int, error) {
	ts := unix.NsecToTimespec(timeout.Nanoseconds())
	var sigset *unix.Sigset_t
	if mask != nil {
		sigset = &mask.set
	}
	return unix.Ppoll(p.fds, &ts, sigset)
}

// SignalMask is the signal set passed to ppoll(2) so termination signals
// can be deterministically masked during the wait and unmasked/delivered
// otherwise.
type SignalMask struct {
	set unix.Sigset_t
}

// NewSignalMask builds a mask blocking the given signals during Wait.
func NewSignalMask(signals ...unix.Signal) *SignalMask {
	m := &SignalMask{}
	for _, s := range signals {
		m.Block(s)
	}
	return m
}

// Block adds sig to the mask.
func (m *SignalMask) Block(sig unix.Signal) {
	// unix.Sigset_t.Val is a fixed array of 64-bit words, glibc-layout: bit
	// (sig-1) selects the word and the bit within it.
	idx := (int(sig) - 1) / 64
	bit := uint((int(sig) - 1) % 64)
	if idx >= 0 && idx < len(m.set.Val) {
		m.set.Val[idx] |= 1 << bit
	}
}
