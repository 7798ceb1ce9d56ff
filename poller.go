//go:build linux

package evserve

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// Interest is the event set a handle is registered for.
type Interest int

const (
	// None keeps the handle in the poll set but delivers only error and
	// hangup conditions. Used while a connection waits on a content load.
	None Interest = iota
	Readable
	Writable
)

// Reserved poll identifiers. Connection ids start after these.
const (
	listenerID uint64 = 0
	wakeupID   uint64 = 1
)

// Event is a single readiness notification.
type Event struct {
	ID       uint64
	Readable bool
	Writable bool
	// Closed reports an error or hangup condition on the handle.
	Closed bool
}

// Poller wraps an epoll instance together with an eventfd used to wake
// the poll loop from other goroutines. The eventfd is registered under
// the reserved wakeupID and surfaces in Wait like any other event.
type Poller struct {
	epfd   int
	wakefd int
	raw    []unix.EpollEvent
}

func NewPoller() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	p := &Poller{epfd: epfd, wakefd: wakefd}
	if err := p.Register(wakefd, wakeupID, Readable); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Wait blocks until at least one registered handle is ready and fills out
// with the ready events. Interrupted waits are retried transparently; any
// other failure is returned to the caller, which treats it as fatal.
func (p *Poller) Wait(out []Event) (int, error) {
	if len(p.raw) < len(out) {
		p.raw = make([]unix.EpollEvent, len(out))
	}
	for {
		n, err := unix.EpollWait(p.epfd, p.raw[:len(out)], -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		for i := 0; i < n; i++ {
			out[i] = decodeEvent(p.raw[i])
		}
		return n, nil
	}
}

func (p *Poller) Register(fd int, id uint64, interest Interest) error {
	ev := encodeEvent(id, interest)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *Poller) Reregister(fd int, id uint64, interest Interest) error {
	ev := encodeEvent(id, interest)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *Poller) Deregister(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wakeup makes the next (or current) Wait return an event with wakeupID.
// It is the only Poller method safe to call from other goroutines.
func (p *Poller) Wakeup() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(p.wakefd, buf[:])
	if err == unix.EAGAIN {
		// counter saturated, a wakeup is already pending
		return nil
	}
	return err
}

// DrainWakeup resets the eventfd counter after a wakeup event was seen.
func (p *Poller) DrainWakeup() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakefd, buf[:]); err != unix.EINTR {
			return
		}
	}
}

func (p *Poller) Close() error {
	unix.Close(p.wakefd)
	return unix.Close(p.epfd)
}

// The 64-bit id is packed into the event's data field (Fd and Pad) so no
// lookup table is needed to map events back to connections.
func encodeEvent(id uint64, interest Interest) unix.EpollEvent {
	var events uint32
	switch interest {
	case Readable:
		events = unix.EPOLLIN
	case Writable:
		events = unix.EPOLLOUT
	case None:
		events = unix.EPOLLRDHUP
	}
	return unix.EpollEvent{
		Events: events,
		Fd:     int32(uint32(id)),
		Pad:    int32(uint32(id >> 32)),
	}
}

func decodeEvent(ev unix.EpollEvent) Event {
	return Event{
		ID:       uint64(uint32(ev.Fd)) | uint64(uint32(ev.Pad))<<32,
		Readable: ev.Events&unix.EPOLLIN != 0,
		Writable: ev.Events&unix.EPOLLOUT != 0,
		Closed:   ev.Events&(unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
	}
}
